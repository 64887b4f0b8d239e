/*
main.go - Referral link backfill

PURPOSE:
  One-shot maintenance command. Early deployments recorded referral
  claims (with the referral code in the claim metadata) without setting
  the claimant's referred_by_id. This walks every referral claim and
  repairs the missing links.

BEHAVIOR:
  For each referral consumption record:
  - Skip when the claimant is already linked
  - Resolve the recorded referral code to its user
  - Skip (and count) codes that no longer resolve
  - Link the claimant to the referrer

  Idempotent: re-running never changes an existing link.

USAGE:
  ./backfill -db="./data/activities.db"
*/
package main

import (
	"context"
	"flag"
	"log"

	"github.com/warp/activity-engine/activity"
	"github.com/warp/activity-engine/store/sqlite"
)

func main() {
	dbPath := flag.String("db", "activities.db", "SQLite database path")
	flag.Parse()

	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer store.Close()

	ctx := context.Background()

	records, err := store.ListByActivity(ctx, activity.ActivityReferral)
	if err != nil {
		log.Fatalf("Failed to list referral claims: %v", err)
	}
	log.Printf("Found %d referral claims", len(records))

	var linked, skipped, unresolved int
	for _, rec := range records {
		user, err := store.GetUser(ctx, rec.UserID)
		if err != nil {
			log.Fatalf("Failed to load user %d: %v", rec.UserID, err)
		}
		if user == nil {
			log.Printf("Skipping claim %s: user %d no longer exists", rec.ID, rec.UserID)
			skipped++
			continue
		}
		if user.ReferredByID != nil {
			skipped++
			continue
		}

		code := rec.Metadata[activity.ArgReferrerCode]
		if code == "" {
			log.Printf("Skipping claim %s: no referral code recorded", rec.ID)
			unresolved++
			continue
		}

		referrer, err := store.GetUserByExternalID(ctx, code)
		if err != nil {
			log.Fatalf("Failed to resolve code %q: %v", code, err)
		}
		if referrer == nil || referrer.ID == user.ID {
			log.Printf("Skipping claim %s: code %q does not resolve to a referrer", rec.ID, code)
			unresolved++
			continue
		}

		if _, err := store.SetReferredBy(ctx, user.ID, referrer.ID); err != nil {
			log.Fatalf("Failed to link user %d to referrer %d: %v", user.ID, referrer.ID, err)
		}
		linked++
	}

	log.Printf("Backfill complete: %d linked, %d already linked or missing, %d unresolved", linked, skipped, unresolved)
}
