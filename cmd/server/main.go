package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"

	"github.com/sebastianspicker/cs2-live-demo-parser/internal/bounds"
	"github.com/sebastianspicker/cs2-live-demo-parser/internal/broadcast"
	"github.com/sebastianspicker/cs2-live-demo-parser/internal/decoder/csdemo"
	"github.com/sebastianspicker/cs2-live-demo-parser/internal/demoreader"
	"github.com/sebastianspicker/cs2-live-demo-parser/internal/orchestrate"
	"github.com/sebastianspicker/cs2-live-demo-parser/internal/settings"
	"github.com/sebastianspicker/cs2-live-demo-parser/internal/source"
	"github.com/sebastianspicker/cs2-live-demo-parser/internal/workerproc"
)

func main() {
	if err := godotenv.Load(".env"); err == nil {
		log.Println("loaded environment from .env")
	}

	cfg := settings.Load("")
	log.Printf("demo dir: %s", cfg.Paths.DemoDir)
	log.Printf("tick window: %d (min %d, max %d)",
		cfg.Reader.TickWindow, cfg.Reader.TickWindowMin, cfg.Reader.TickWindowMax)
	log.Printf("poll interval: %s (floor %s)", cfg.Poll.Interval, cfg.Poll.MinInterval)
	log.Printf("executor: %s", cfg.Executor.Mode)

	resolver := bounds.NewResolver(cfg.Paths.BoundsFile, cfg.Paths.OverviewDir, cfg.Paths.BoltobservDir)
	factory := func(path string) *demoreader.Reader {
		return demoreader.New(csdemo.New(), path, cfg.Reader, resolver)
	}

	var exec orchestrate.Executor
	switch cfg.Executor.Mode {
	case "inline":
		exec = orchestrate.NewInlineExecutor(factory)
	case "process":
		exec = workerproc.NewHost(cfg.Executor.WorkerBin, cfg.Executor.SocketPath)
	default:
		exec = orchestrate.NewThreadExecutor(factory)
	}

	src := source.New(cfg.Paths.DemoDir)
	if entries, _ := src.Rescan(); len(entries) > 0 {
		log.Printf("found %d demos, newest %s (%s)",
			len(entries), entries[0].Name, humanize.Bytes(uint64(entries[0].Size)))
	} else {
		log.Printf("no demos in %s yet", cfg.Paths.DemoDir)
	}

	orch := orchestrate.New(cfg, src, exec)
	orch.Run()

	b := broadcast.New(cfg.Server, orch, src)
	go func() {
		if err := b.Start(); err != nil {
			log.Fatalf("broadcaster failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	log.Printf("ready on ws://%s:%d", cfg.Server.BindHost, broadcast.Port)
	<-quit

	log.Println("shutting down")
	b.Stop()
	orch.Stop()
}
