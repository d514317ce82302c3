package main

import (
	"flag"
	"fmt"
	"os"
	"slices"

	"github.com/dustin/go-humanize"

	"github.com/kannanvijayan/ProceduralEden/internal/persistence/journal"
	"github.com/kannanvijayan/ProceduralEden/internal/persistence/snapshot"
	"github.com/kannanvijayan/ProceduralEden/internal/sim"
)

func main() {
	var (
		snapPath   = flag.String("snapshot", "", "path to a .snap.zst to inspect and verify")
		journalDir = flag.String("journal", "", "journal dir containing journal-*.jsonl.zst")
		verifyDir  = flag.String("verify", "", "snapshot dir to compare replayed simulations against (optional)")
		outDir     = flag.String("out", "", "write a snapshot of every replayed simulation here (optional)")
	)
	flag.Parse()

	if *snapPath == "" && *journalDir == "" {
		fmt.Fprintln(os.Stderr, "missing -snapshot or -journal")
		os.Exit(2)
	}

	if *snapPath != "" {
		snap, err := snapshot.ReadSnapshot(*snapPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "read snapshot:", err)
			os.Exit(1)
		}
		if _, err := snapshot.Restore(snap); err != nil {
			fmt.Fprintln(os.Stderr, "verify snapshot:", err)
			os.Exit(1)
		}
		printSnapshot(snap)
	}

	if *journalDir == "" {
		return
	}
	files, err := journal.Files(*journalDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "list journal:", err)
		os.Exit(1)
	}
	states, err := journal.Replay(*journalDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "replay:", err)
		os.Exit(1)
	}
	fmt.Printf("journal files=%d simulations=%d\n", len(files), len(states))

	failed := 0
	for _, st := range states {
		snap := snapshot.Capture(st)
		printSnapshot(snap)

		if *verifyDir != "" {
			if err := verifyAgainst(*verifyDir, snap); err != nil {
				fmt.Fprintf(os.Stderr, "  mismatch %s: %v\n", snap.Header.SimID, err)
				failed++
			}
		}
		if *outDir != "" {
			path := snapshot.PathFor(*outDir, snap.Header.SimID)
			if err := snapshot.WriteSnapshot(path, snap); err != nil {
				fmt.Fprintln(os.Stderr, "write snapshot:", err)
				os.Exit(1)
			}
			if fi, err := os.Stat(path); err == nil {
				fmt.Printf("  wrote %s (%s)\n", path, humanize.Bytes(uint64(fi.Size())))
			}
		}
	}
	if failed > 0 {
		fmt.Fprintf(os.Stderr, "%d simulation(s) diverged from their snapshots\n", failed)
		os.Exit(1)
	}
}

func printSnapshot(snap snapshot.SnapshotV1) {
	init := snap.Init
	fmt.Printf("sim=%s seed=%s dims=%dx%d label=%q next_turn=%d units=%s changes=%d buffers=%s\n",
		snap.Header.SimID,
		humanize.Comma(int64(init.Seed)),
		init.WorldDims.Width(), init.WorldDims.Height(),
		init.Label,
		snap.Header.NextTurn,
		humanize.Comma(int64(snap.Header.UnitCount)),
		len(snap.Changes),
		humanize.Bytes(uint64(len(sim.EncodeWords(snap.Globals))+len(sim.EncodeWords(snap.Units)))),
	)
}

// verifyAgainst compares a replayed simulation with the snapshot written for
// it. A snapshot taken earlier than the journal's end is checked as a prefix.
func verifyAgainst(dir string, replayed snapshot.SnapshotV1) error {
	stored, err := snapshot.ReadSnapshot(snapshot.PathFor(dir, replayed.Header.SimID))
	if err != nil {
		return err
	}
	if stored.Init != replayed.Init {
		return fmt.Errorf("init differs: %+v vs %+v", stored.Init, replayed.Init)
	}
	if stored.Header.UnitCount > replayed.Header.UnitCount {
		return fmt.Errorf("snapshot has %d units, journal only %d", stored.Header.UnitCount, replayed.Header.UnitCount)
	}
	n := stored.Header.UnitCount * sim.UnitWords
	if !slices.Equal(stored.Units, replayed.Units[:n]) {
		return fmt.Errorf("unit buffers differ")
	}
	return nil
}
