// Command replay rebuilds a zone's queue from its event log and prints it,
// for settling disputes about who was where in the queue.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"text/tabwriter"
	"time"

	"rankqueue-backend/internal/config"
	"rankqueue-backend/internal/database"
	"rankqueue-backend/internal/models"
	"rankqueue-backend/internal/queue"
)

func main() {
	zoneID := flag.String("zone", "", "loading zone ID to replay")
	upTo := flag.Int64("upto", 0, "stop after this sequence number (0 = whole log)")
	archived := flag.Bool("archived", false, "also print terminal entries")
	flag.Parse()

	if *zoneID == "" {
		flag.Usage()
		os.Exit(2)
	}

	config.LoadDotEnv()
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	events, err := database.NewEventLog(db).Load(context.Background(), *zoneID, 0)
	if err != nil {
		log.Fatalf("Failed to load events: %v", err)
	}
	if *upTo > 0 {
		for i, ev := range events {
			if ev.Seq > *upTo {
				events = events[:i]
				break
			}
		}
	}

	store, err := queue.Replay(*zoneID, events, cfg.Queue.EstimateWindow)
	if err != nil {
		log.Fatalf("Replay failed: %v", err)
	}
	if err := store.CheckInvariants(); err != nil {
		log.Printf("⚠️ Invariant violated after replay: %v", err)
	}

	snap := store.Snapshot()
	fmt.Printf("Zone %s at seq %d: %d active entries, average loading %s\n\n",
		snap.ZoneID, snap.Seq, len(snap.Entries), store.AverageLoading(cfg.Queue.DefaultLoadingDuration).Round(time.Second))

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "POS\tTICKET\tDRIVER\tSTATUS\tVERIFIED\tJOINED\tSKIPS\tREASON")
	row := func(e models.QueueEntry) {
		reason := ""
		if e.TerminalReason != nil {
			reason = *e.TerminalReason
		}
		fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%t\t%s\t%d\t%s\n",
			e.Position, e.Ticket, e.DriverID, e.Status, e.Verified,
			time.UnixMilli(e.JoinedAt).UTC().Format(time.RFC3339), e.SkipCount, reason)
	}
	for _, e := range snap.Entries {
		row(e)
	}
	if *archived {
		for _, e := range store.Archived() {
			row(e)
		}
	}
	w.Flush()
}
