// Command claim_crash_recovery is a crash drill for the durable queue. Run
// "prepare", then "claim-sleep" and kill it with SIGKILL while it holds a
// claim, then "recover": the claimed item must be pending again and a
// second claim must receive it.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/basket/memq/internal/persistence"
)

const externalID = "crash-drill-11111111-2222-3333-4444-555555555555"

func main() {
	mode := flag.String("mode", "", "prepare|claim-sleep|recover")
	dbPath := flag.String("db", "", "path to sqlite db")
	flag.Parse()

	if *mode == "" || *dbPath == "" {
		fmt.Fprintln(os.Stderr, "mode and db are required")
		os.Exit(2)
	}

	ctx := context.Background()
	store, err := persistence.Open(*dbPath, persistence.Options{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	switch *mode {
	case "prepare":
		sessionID, err := store.CreateSession(ctx, externalID, "crash-drill", "")
		if err != nil {
			fmt.Fprintf(os.Stderr, "create session: %v\n", err)
			os.Exit(1)
		}
		itemID, err := store.Enqueue(ctx, sessionID, persistence.QueueKindObservation, `{"content":"claim-crash"}`, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "enqueue: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("PREPARED_SESSION_ID=%d\n", sessionID)
		fmt.Printf("PREPARED_ITEM_ID=%d\n", itemID)
	case "claim-sleep":
		sess, err := store.GetSessionByExternalID(ctx, externalID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "load session: %v\n", err)
			os.Exit(1)
		}
		item, err := store.ClaimNext(ctx, sess.ID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "claim item: %v\n", err)
			os.Exit(1)
		}
		if item == nil {
			fmt.Fprintln(os.Stderr, "no claimable item")
			os.Exit(1)
		}
		fmt.Printf("CLAIMED_ITEM_ID=%d\n", item.ID)
		for {
			time.Sleep(1 * time.Second)
		}
	case "recover":
		sess, err := store.GetSessionByExternalID(ctx, externalID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "load session: %v\n", err)
			os.Exit(1)
		}
		// The claiming process is gone, so any claim counts as stuck.
		recovered, err := store.ResetStuck(ctx, 0)
		if err != nil {
			fmt.Fprintf(os.Stderr, "reset stuck items: %v\n", err)
			os.Exit(1)
		}
		items, err := store.ListItems(ctx, persistence.QueueFilter{SessionID: sess.ID})
		if err != nil {
			fmt.Fprintf(os.Stderr, "list items: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("RECOVERED=%d\n", recovered)
		pass := true
		for _, item := range items {
			fmt.Printf("ITEM_STATUS id=%d status=%s retry_count=%d\n", item.ID, item.Status, item.RetryCount)
			if item.Status == persistence.QueueStatusProcessing {
				pass = false
			}
		}
		if pass {
			reclaimed, err := store.ClaimNext(ctx, sess.ID)
			if err != nil || reclaimed == nil {
				fmt.Printf("VERDICT FAIL: recovered item could not be claimed again (%v)\n", err)
				os.Exit(1)
			}
			if _, err := store.Release(ctx, reclaimed.ID); err != nil {
				fmt.Fprintf(os.Stderr, "release item: %v\n", err)
				os.Exit(1)
			}
			fmt.Println("VERDICT PASS")
		} else {
			fmt.Println("VERDICT FAIL: items still processing after recovery")
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", *mode)
		os.Exit(2)
	}
}
