// Command cardsim runs one card session over stdin/stdout, acting as a
// terminal's T=0 link would: write a 5-byte APDU header plus any command
// data to its stdin, read the INS acknowledgement, response data, and
// trailing status word from its stdout. Grounded on the teacher's
// cmd/ublk-mem, trimmed to this domain's single in-process session (no
// device node, no queue runners) and a NVM-size/profile-path flag pair in
// place of the teacher's disk-size flag.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	cardpurse "github.com/ehrlich-b/go-cardpurse"
	"github.com/ehrlich-b/go-cardpurse/backend"
	"github.com/ehrlich-b/go-cardpurse/internal/logging"
	"github.com/ehrlich-b/go-cardpurse/internal/profile"
	"github.com/ehrlich-b/go-cardpurse/transport"
)

func main() {
	var (
		nvmSize     = flag.Int("nvm-size", 4096, "size in bytes of the simulated NVM")
		profilePath = flag.String("profile", "", "path to a YAML factory profile (defaults to the built-in profile)")
		verbose     = flag.Bool("v", false, "verbose output")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	prof := profile.Default()
	if *profilePath != "" {
		loaded, err := profile.Load(*profilePath)
		if err != nil {
			log.Fatalf("loading profile %s: %v", *profilePath, err)
		}
		prof = loaded
	}

	nvm := backend.NewMemory(*nvmSize)
	link := transport.NewPipe(os.Stdin, os.Stdout)

	sess := cardpurse.NewSession(nvm, link, prof)
	sess.SetLogger(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	if err := sess.Boot(ctx); err != nil {
		logger.Errorf("boot: %v", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "cardsim: booted, nvm-size=%d, serving on stdin/stdout\n", *nvmSize)

	if err := sess.Serve(ctx); err != nil {
		logger.Errorf("serve: %v", err)
		os.Exit(1)
	}
	logger.Info("session ended")
}
