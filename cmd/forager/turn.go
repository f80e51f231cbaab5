package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	. "github.com/forager-agent/forager/internal/logging"
	"github.com/forager-agent/forager/internal/session"
	"github.com/forager-agent/forager/internal/turn"
)

type turnCmd struct {
	Session    string   `help:"Session id or name to resume."`
	Sticky     bool     `help:"Pin this shell to the turn's session."`
	Detach     bool     `help:"Drop this shell's sticky session."`
	Research   bool     `help:"Enable research mode for this turn."`
	SourceMode string   `name:"source-mode" enum:",web,local" default:"" help:"Restrict retrieval to web or local sources."`
	Local      []string `help:"Local corpus file or directory (repeatable)." type:"path"`
	Seed       []string `help:"Seed URL to preload (repeatable)."`
	History    []int64  `help:"Interaction id to include as history (repeatable)."`
	Lean       bool     `help:"Skip non-essential context."`
	MaxTurns   int      `help:"Override the tool-call turn limit."`
	NoSave     bool     `help:"Do not persist this turn."`

	Query []string `arg:"" optional:"" help:"The query. Reads stdin when omitted."`
}

func (c *turnCmd) Run(rc *runCtx) error {
	if c.Detach {
		session.ClearShellSessionID(rc.cfg.Session.StickyPrefix)
		if len(c.Query) == 0 {
			fmt.Println("detached from sticky session")
			return nil
		}
	}

	query := strings.TrimSpace(strings.Join(c.Query, " "))
	if query == "" {
		return fmt.Errorf("no query given")
	}

	app, err := newApp(rc.cfg)
	if err != nil {
		return err
	}
	defer app.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	req := turn.Request{
		Query:        query,
		SessionTerm:  shellSessionTerm(rc.cfg, c.Session),
		ResearchMode: c.Research,
		SourceMode:   c.SourceMode,
		LocalTargets: c.Local,
		SeedURLs:     c.Seed,
		HistoryIDs:   c.History,
		NoSave:       c.NoSave,
		Lean:         c.Lean,
		MaxTurns:     c.MaxTurns,
		Cancelled:    func() bool { return ctx.Err() != nil },
		Display: func(n int, isFinal bool, content string) {
			if !isFinal {
				L_debug("turn progress", "turn", n, "content", content)
			}
		},
	}

	res, err := app.turns.Run(ctx, req)
	if err != nil {
		return err
	}

	for _, notice := range res.Notices {
		fmt.Fprintln(os.Stderr, notice)
	}
	if res.Halted {
		return fmt.Errorf("turn halted: %s", res.HaltReason)
	}

	fmt.Println(res.FinalAnswer)

	if c.Sticky && res.SessionID != 0 {
		session.SetShellSessionID(rc.cfg.Session.StickyPrefix, res.SessionID)
	}
	return nil
}
