package preload

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-shiori/go-readability"
	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"

	. "github.com/forager-agent/forager/internal/logging"
	"github.com/forager-agent/forager/internal/vectorstore"
)

// LocalHandler extracts text from one local corpus file.
type LocalHandler func(path string) (content, title string, err error)

func builtinHandlers() map[string]LocalHandler {
	plain := func(path string) (string, string, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", "", err
		}
		return string(data), filepath.Base(path), nil
	}
	return map[string]LocalHandler{
		".txt":  plain,
		".md":   plain,
		".json": plain,
		".csv":  plain,
		".html": handleHTML,
		".pdf":  handlePDF,
		".epub": handleEPUB,
	}
}

func handleHTML(path string) (string, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", "", err
	}
	defer f.Close()

	article, err := readability.FromReader(f, &url.URL{Scheme: "file", Path: path})
	if err != nil {
		return "", "", fmt.Errorf("readability: %w", err)
	}
	title := article.Title
	if title == "" {
		title = filepath.Base(path)
	}
	return article.TextContent, title, nil
}

func handlePDF(path string) (string, string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", "", err
	}
	defer f.Close()

	reader, err := r.GetPlainText()
	if err != nil {
		return "", "", fmt.Errorf("pdf text: %w", err)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(reader); err != nil {
		return "", "", err
	}
	return buf.String(), filepath.Base(path), nil
}

func handleEPUB(path string) (string, string, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return "", "", err
	}
	defer zr.Close()

	var names []string
	byName := map[string]*zip.File{}
	for _, f := range zr.File {
		lower := strings.ToLower(f.Name)
		if strings.HasSuffix(lower, ".html") || strings.HasSuffix(lower, ".xhtml") || strings.HasSuffix(lower, ".htm") {
			names = append(names, f.Name)
			byName[f.Name] = f
		}
	}
	sort.Strings(names)

	var sb strings.Builder
	for _, name := range names {
		rc, err := byName[name].Open()
		if err != nil {
			continue
		}
		text := stripTags(rc)
		rc.Close()
		if strings.TrimSpace(text) != "" {
			sb.WriteString(text)
			sb.WriteString("\n\n")
		}
	}
	return sb.String(), filepath.Base(path), nil
}

// stripTags reduces an HTML stream to its text nodes, skipping script and
// style bodies.
func stripTags(r io.Reader) string {
	tokenizer := html.NewTokenizer(r)
	var sb strings.Builder
	skip := 0
	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			return sb.String()
		case html.StartTagToken:
			name, _ := tokenizer.TagName()
			if tag := string(name); tag == "script" || tag == "style" {
				skip++
			}
		case html.EndTagToken:
			name, _ := tokenizer.TagName()
			if tag := string(name); (tag == "script" || tag == "style") && skip > 0 {
				skip--
			}
		case html.TextToken:
			if skip == 0 {
				text := strings.TrimSpace(string(tokenizer.Text()))
				if text != "" {
					sb.WriteString(text)
					sb.WriteString(" ")
				}
			}
		}
	}
}

// ResolveLocalTarget maps a corpus target (path or local:// / file:// URI)
// to a canonical absolute path under one of the configured roots. Targets
// escaping every root are rejected.
func ResolveLocalTarget(target string, roots []string) (string, error) {
	target = strings.TrimPrefix(target, "local://")
	target = strings.TrimPrefix(target, "file://")
	if target == "" {
		return "", fmt.Errorf("empty local target")
	}

	candidates := []string{}
	if filepath.IsAbs(target) {
		candidates = append(candidates, filepath.Clean(target))
	} else {
		for _, root := range roots {
			candidates = append(candidates, filepath.Clean(filepath.Join(root, target)))
		}
	}

	for _, cand := range candidates {
		if !underAnyRoot(cand, roots) {
			continue
		}
		if _, err := os.Stat(cand); err == nil {
			return cand, nil
		}
	}
	if len(roots) == 0 {
		return "", fmt.Errorf("no corpus roots configured")
	}
	return "", fmt.Errorf("target %q not found under corpus roots", target)
}

func underAnyRoot(path string, roots []string) bool {
	for _, root := range roots {
		root = filepath.Clean(root)
		if path == root || strings.HasPrefix(path, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// RedactLocalTargets removes local-target tokens from a query so filesystem
// paths never reach the model.
func RedactLocalTargets(query string, targets []string) string {
	for _, t := range targets {
		query = strings.ReplaceAll(query, t, "")
	}
	return strings.Join(strings.Fields(query), " ")
}

func (p *Pipeline) ingestLocal(ctx context.Context, req Request, res *Resolution) {
	if p.cache == nil || len(req.LocalTargets) == 0 {
		return
	}
	warn := func(format string, args ...any) {
		msg := fmt.Sprintf(format, args...)
		L_warn("preload: " + msg)
		res.LocalPayload.Stats.Warnings = append(res.LocalPayload.Stats.Warnings, msg)
	}

	for _, target := range req.LocalTargets {
		path, err := ResolveLocalTarget(target, p.cfg.CorpusRoots)
		if err != nil {
			warn("local target %s: %v", target, err)
			continue
		}
		handler, ok := p.handlers[strings.ToLower(filepath.Ext(path))]
		if !ok {
			warn("local target %s: unsupported extension %s", target, filepath.Ext(path))
			continue
		}
		content, title, err := handler(path)
		if err != nil {
			warn("local target %s: %v", target, err)
			continue
		}
		if strings.TrimSpace(content) == "" {
			warn("local target %s: empty content", target)
			continue
		}

		sourceURL := "local://" + path
		id, err := p.cache.CacheURL(ctx, sourceURL, content, title, nil, false)
		if err != nil {
			warn("local target %s: %v", target, err)
			continue
		}
		chunks := vectorstore.SplitText(content, vectorstore.DefaultChunkSize)
		if p.vectors != nil {
			if err := p.vectors.UpsertChunks(ctx, id, chunks); err != nil {
				L_warn("preload: local chunk indexing failed", "path", path, "error", err)
			}
		}

		p.addCacheID(res, id)
		res.LocalPayload.Stats.IndexedChunks += len(chunks)
		res.LocalPayload.Sources = append(res.LocalPayload.Sources, SourceBlock{
			URL:   sourceURL,
			Title: title,
			Text:  content,
		})
	}
}
