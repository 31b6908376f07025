// Command srv-state inspects and advances an authority's on-disk shared
// random state file, in the teacher's flat setup-then-run command shape.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/cvsouth/torsrv/srv"
)

func main() {
	logger := setupLogging()

	dataDir := flag.String("datadir", "./sr-data", "directory holding the sr-state file")
	rsaFpr := flag.String("rsa-fpr", "", "this authority's RSA identity fingerprint (hex)")
	ed25519ID := flag.String("ed25519-id", "", "this authority's Ed25519 identity (base64)")
	tick := flag.Bool("tick", false, "advance the round/run state to the current time before printing")
	ensureCommit := flag.Bool("ensure-commit", false, "generate this authority's own commit for the current run if missing")
	flag.Parse()

	cfg := srv.CoordinatorConfig{
		DataDir:             *dataDir,
		VotingInterval:      srv.VotingIntervalDefault,
		SelfRSAFingerprint:  *rsaFpr,
		SelfEd25519Identity: *ed25519ID,
		Logger:              logger,
	}

	coord, err := srv.NewCoordinator(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load coordinator state: %v\n", err)
		os.Exit(1)
	}

	if *tick {
		if err := coord.Tick(time.Now()); err != nil {
			fmt.Fprintf(os.Stderr, "tick: %v\n", err)
			os.Exit(1)
		}
	}

	if *ensureCommit {
		if cfg.SelfRSAFingerprint == "" {
			fmt.Fprintln(os.Stderr, "-ensure-commit requires -rsa-fpr")
			os.Exit(1)
		}
		if err := coord.EnsureOwnCommit(); err != nil {
			fmt.Fprintf(os.Stderr, "ensure own commit: %v\n", err)
			os.Exit(1)
		}
	}

	printSnapshot(coord)
}

func printSnapshot(coord *srv.Coordinator) {
	phase, validAfter, validUntil, previous, current, fresh := coord.Snapshot()

	fmt.Printf("phase:       %s\n", phase)
	fmt.Printf("valid_after: %s\n", validAfter.UTC().Format(time.RFC3339))
	fmt.Printf("valid_until: %s\n", validUntil.UTC().Format(time.RFC3339))

	if previous != nil {
		fmt.Printf("previous_srv: num_reveals=%d value=%s\n", previous.NumReveals, hex.EncodeToString(previous.Value[:]))
	} else {
		fmt.Println("previous_srv: (none)")
	}
	if current != nil {
		fmt.Printf("current_srv:  num_reveals=%d value=%s (fresh=%v)\n", current.NumReveals, hex.EncodeToString(current.Value[:]), fresh)
	} else {
		fmt.Println("current_srv:  (none)")
	}
}

func setupLogging() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
}
