package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/alecthomas/kong"

	"github.com/forager-agent/forager/internal/config"
	. "github.com/forager-agent/forager/internal/logging"
	"github.com/forager-agent/forager/internal/session"
)

const version = "0.1.0"

type cli struct {
	Config  string `help:"Config file path." type:"path"`
	Verbose int    `short:"v" type:"counter" help:"Increase log verbosity."`

	Turn     turnCmd     `cmd:"" default:"withargs" help:"Run one query turn (the default command)."`
	Daemon   daemonCmd   `cmd:"" help:"Run the chat daemon."`
	Sessions sessionsCmd `cmd:"" help:"List stored sessions."`
	Cache    cacheCmd    `cmd:"" help:"Inspect or clean the research cache."`
	Version  versionCmd  `cmd:"" help:"Print the version."`
}

type runCtx struct {
	cfg *config.Config
}

func main() {
	var c cli
	ktx := kong.Parse(&c,
		kong.Name("forager"),
		kong.Description("Tool-augmented research assistant."),
		kong.UsageOnError(),
	)

	Init(&Config{Level: LevelInfo + c.Verbose})

	cfg, err := config.Load(c.Config)
	if err != nil {
		L_fatal("failed to load config", "error", err)
	}
	if c.Verbose == 0 {
		SetLevel(parseLevel(cfg.Logging.Level))
	}

	ktx.FatalIfErrorf(ktx.Run(&runCtx{cfg: cfg}))
}

func parseLevel(s string) int {
	switch strings.ToLower(s) {
	case "trace":
		return LevelTrace
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "fatal":
		return LevelFatal
	}
	return LevelInfo
}

type versionCmd struct{}

func (versionCmd) Run(*runCtx) error {
	fmt.Printf("forager %s\n", version)
	return nil
}

type sessionsCmd struct {
	Limit int `default:"20" help:"Most recent sessions to show."`
}

func (c *sessionsCmd) Run(rc *runCtx) error {
	store, err := session.NewStore(rc.cfg.Session.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	sessions, err := store.ListSessions(c.Limit)
	if err != nil {
		return err
	}
	for _, s := range sessions {
		line := fmt.Sprintf("#%d  %s  (model %s, last used %s)", s.ID, s.Name, s.Model, s.LastUsedAt)
		if s.ResearchMode {
			line += "  [research]"
		}
		fmt.Println(line)
	}
	if len(sessions) == 0 {
		fmt.Println("no sessions")
	}
	return nil
}

type cacheCmd struct {
	List    cacheListCmd    `cmd:"" default:"1" help:"List cached sources."`
	Cleanup cacheCleanupCmd `cmd:"" help:"Remove expired cache entries."`
}

type cacheListCmd struct {
	Limit int `default:"20" help:"Most recent sources to show."`
}

func (c *cacheListCmd) Run(rc *runCtx) error {
	app, err := newApp(rc.cfg)
	if err != nil {
		return err
	}
	defer app.close()

	sources, err := app.cache.ListCachedSources(c.Limit)
	if err != nil {
		return err
	}
	for _, src := range sources {
		fmt.Printf("#%d  %s  (%d chars, summary %s, expires %s)\n",
			src.ID, src.URL, len(src.Content), src.SummaryStatus, src.ExpiresAt)
	}
	if len(sources) == 0 {
		fmt.Println("cache is empty")
	}
	return nil
}

type cacheCleanupCmd struct{}

func (cacheCleanupCmd) Run(rc *runCtx) error {
	app, err := newApp(rc.cfg)
	if err != nil {
		return err
	}
	defer app.close()

	count, err := app.cache.CleanupExpired()
	if err != nil {
		return err
	}
	fmt.Printf("removed %d expired entries\n", count)
	return nil
}

// shellSessionTerm resolves the session resume term for a CLI turn: an
// explicit --session wins, else the shell's sticky lock file.
func shellSessionTerm(cfg *config.Config, explicit string) string {
	if explicit != "" {
		return explicit
	}
	if id := session.GetShellSessionID(cfg.Session.StickyPrefix); id != 0 {
		return strconv.FormatInt(id, 10)
	}
	return ""
}
