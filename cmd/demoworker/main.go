// demoworker is the child process hosting the demo decoder when the
// orchestrator runs in process-executor mode. It answers framed commands
// over a Unix domain socket and exits on a stop message.
package main

import (
	"flag"
	"log"

	"github.com/sebastianspicker/cs2-live-demo-parser/internal/bounds"
	"github.com/sebastianspicker/cs2-live-demo-parser/internal/decoder/csdemo"
	"github.com/sebastianspicker/cs2-live-demo-parser/internal/demoreader"
	"github.com/sebastianspicker/cs2-live-demo-parser/internal/settings"
	"github.com/sebastianspicker/cs2-live-demo-parser/internal/workerproc"
)

func main() {
	socketPath := flag.String("socket", "", "unix socket to serve on")
	flag.Parse()
	if *socketPath == "" {
		log.Fatal("demoworker: -socket is required")
	}

	cfg := settings.Load("")
	resolver := bounds.NewResolver(cfg.Paths.BoundsFile, cfg.Paths.OverviewDir, cfg.Paths.BoltobservDir)
	factory := func(path string) *demoreader.Reader {
		return demoreader.New(csdemo.New(), path, cfg.Reader, resolver)
	}

	if err := workerproc.Serve(*socketPath, factory); err != nil {
		log.Fatalf("demoworker: %v", err)
	}
}
