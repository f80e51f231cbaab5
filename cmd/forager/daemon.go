package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	godaemon "github.com/sevlyar/go-daemon"

	"github.com/forager-agent/forager/internal/daemon"
	"github.com/forager-agent/forager/internal/llm"
	. "github.com/forager-agent/forager/internal/logging"
	"github.com/forager-agent/forager/internal/transcribe"
	"github.com/forager-agent/forager/internal/transcripts"
)

type daemonCmd struct {
	Detach bool `help:"Fork into the background."`
}

func (c *daemonCmd) Run(rc *runCtx) error {
	if c.Detach {
		dataDir := filepath.Dir(rc.cfg.Session.DBPath)
		dctx := &godaemon.Context{
			PidFileName: filepath.Join(dataDir, "forager.pid"),
			PidFilePerm: 0o644,
			LogFileName: filepath.Join(dataDir, "forager.log"),
			LogFilePerm: 0o640,
			Umask:       0o27,
		}
		child, err := dctx.Reborn()
		if err != nil {
			return fmt.Errorf("daemonize: %w", err)
		}
		if child != nil {
			fmt.Printf("forager daemon started, pid %d\n", child.Pid)
			return nil
		}
		defer dctx.Release()
	}

	app, err := newApp(rc.cfg)
	if err != nil {
		return err
	}
	defer app.close()

	records, err := transcripts.New(app.store.DB())
	if err != nil {
		return fmt.Errorf("transcript store: %w", err)
	}

	var planner daemon.Planner
	if alias := rc.cfg.Daemon.PlannerModel; alias != "" {
		mc, resolved, err := rc.cfg.ResolveModel(alias)
		if err != nil {
			return fmt.Errorf("planner model: %w", err)
		}
		planner = daemon.NewModelPlanner(llm.NewClient(resolved, mc, rc.cfg.LLM))
	}

	router := daemon.NewRouter(rc.cfg.Daemon, app.turns, app.store, records, app.cache, planner)
	router.SetReplyFunc(func(msg daemon.Message, text string) {
		// Stands in for the transport until one is attached.
		L_info("daemon: outbound reply", "conversation", msg.ConversationID, "text", text)
	})

	var audioPool, imagePool *transcribe.Pool
	if rc.cfg.Transcription.Enabled {
		audio := transcribe.NewAudio(rc.cfg.Transcription)
		image := transcribe.NewImage(rc.cfg.Transcription)
		workers := rc.cfg.Transcription.Workers

		audioPool = transcribe.NewPool(workers, func(ctx context.Context, job transcribe.Job) transcribe.Result {
			text, path, dur, err := audio.Transcribe(ctx, job.URL)
			return transcribe.Result{JobID: job.ID, Text: text, MediaPath: path, DurationSeconds: dur, Err: err}
		}, func(res transcribe.Result) {
			router.HandleTranscriptionResultByJob(context.Background(), transcripts.KindAudio, res)
		})
		imagePool = transcribe.NewPool(workers, func(ctx context.Context, job transcribe.Job) transcribe.Result {
			text, err := image.DescribeURL(ctx, job.URL)
			return transcribe.Result{JobID: job.ID, Text: text, Err: err}
		}, func(res transcribe.Result) {
			router.HandleTranscriptionResultByJob(context.Background(), transcripts.KindImage, res)
		})
		router.SetTranscriptionPools(audioPool, imagePool)
	}

	sched := router.StartMaintenance()

	L_info("forager daemon running", "version", version)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	L_info("forager daemon shutting down")
	sched.Stop()
	if audioPool != nil {
		audioPool.Close()
	}
	if imagePool != nil {
		imagePool.Close()
	}
	return nil
}
