// Command sbdb-scrub sweeps an sbdb root for debris left by crashed
// processes: orphaned sidecars, unreferenced content directories,
// leftover flip links, recoverable backups, and stale scratch entries.
//
// Usage:
//
//	sbdb-scrub --root /srv/data [--scratch-name .sbdb-scratch] [--dry-run] [--verbose]
//
// Run it only when no other client has an in-flight transaction against
// the root; a peer's live scratch entry is indistinguishable from a
// crashed one.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"

	"github.com/wilgaboury/sbdb"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags := flag.NewFlagSet("sbdb-scrub", flag.ContinueOnError)

	root := flags.String("root", "", "database root to sweep (required)")
	scratchName := flags.String("scratch-name", sbdb.DefaultScratchDirName, "scratch directory name")
	dryRun := flags.Bool("dry-run", false, "report actions without applying them")
	verbose := flags.Bool("verbose", false, "log each action")

	err := flags.Parse(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)

		return 2
	}

	if *root == "" {
		fmt.Fprintln(os.Stderr, "sbdb-scrub: --root is required")
		flags.PrintDefaults()

		return 2
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelInfo
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := sbdb.Open(*root, sbdb.Options{
		ScratchDirName: *scratchName,
		Logger:         logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "sbdb-scrub: %v\n", err)

		return 1
	}

	var stats sbdb.ScrubStats

	if *dryRun {
		stats, err = client.ScrubDryRun(ctx)
	} else {
		stats, err = client.Scrub(ctx)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "sbdb-scrub: %v\n", err)

		return 1
	}

	mode := "removed"
	if *dryRun {
		mode = "would remove"
	}

	fmt.Printf("sidecars %s: %d\n", mode, stats.SidecarsRemoved)
	fmt.Printf("backups recovered: %d\n", stats.BackupsRecovered)
	fmt.Printf("backups %s: %d\n", mode, stats.BackupsRemoved)
	fmt.Printf("content dirs %s: %d\n", mode, stats.ContentDirsRemoved)
	fmt.Printf("flip links %s: %d\n", mode, stats.LinksRemoved)
	fmt.Printf("scratch entries %s: %d\n", mode, stats.ScratchRemoved)

	return 0
}
