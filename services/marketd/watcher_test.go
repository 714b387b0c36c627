package marketd

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/big"
	"math/rand"
	"testing"
	"time"

	"aimarket/funds"
	"aimarket/ledger"
	"aimarket/native/market"
	"aimarket/storage"
)

type watcherFixture struct {
	watcher     *BidWatcher
	coordinator *market.Coordinator
	log         *ledger.Log
	db          *storage.MemDB
	now         int64
}

func newWatcherFixture(t *testing.T) *watcherFixture {
	t.Helper()
	db := storage.NewMemDB()
	fix := &watcherFixture{db: db, now: 1000}

	vault := funds.NewWalletVault(db)
	if err := vault.Deposit("addr_req", big.NewInt(10_000)); err != nil {
		t.Fatalf("seed balance: %v", err)
	}

	state := market.NewState(db)
	engine := market.NewEngine()
	engine.SetState(state)
	engine.SetVault(vault)
	engine.SetFeeTreasury("addr_treasury")
	registry := market.NewRegistry(state, 5*time.Minute)
	resolver := market.NewResolver(engine, market.NewWeightedPool(rand.New(rand.NewSource(5))))

	fix.log = ledger.NewLog(db, func() int64 { return fix.now })
	fix.coordinator = market.NewCoordinator(state, engine, registry, resolver, fix.log)
	fix.coordinator.SetNowFunc(func() int64 { return fix.now })

	fix.watcher = NewBidWatcher(fix.log, fix.coordinator, db, slog.Default())
	return fix
}

func (f *watcherFixture) postJob(t *testing.T) string {
	t.Helper()
	job, _, err := f.coordinator.PostJob(context.Background(), market.PostJobParams{
		PromptRef: "bafy-prompt",
		Quality:   market.QualityStandard,
		MaxPrice:  big.NewInt(1000),
		Requester: "addr_req",
	})
	if err != nil {
		t.Fatalf("post job: %v", err)
	}
	return job.ID
}

func (f *watcherFixture) publishRemoteBid(t *testing.T, jobID, bidder, price string) {
	t.Helper()
	record := ledger.BidRecord{Schema: ledger.SchemaVersion, RequestID: jobID}
	record.Bidder.Address = bidder
	record.Bidder.Reputation = 0.7
	record.Bid.Price = price
	record.Bid.Submitted = f.now
	payload, err := json.Marshal(record)
	if err != nil {
		t.Fatalf("encode record: %v", err)
	}
	if _, err := f.log.Append(context.Background(), ledger.TopicBids, payload); err != nil {
		t.Fatalf("append: %v", err)
	}
}

func TestWatcherReplaysRemoteBids(t *testing.T) {
	fix := newWatcherFixture(t)
	jobID := fix.postJob(t)

	fix.now = 1200
	fix.publishRemoteBid(t, jobID, "addr_remote", "700")

	cursor := fix.watcher.poll(context.Background(), 0)
	if cursor == 0 {
		t.Fatal("cursor did not advance")
	}
	bids, err := fix.coordinator.Bids(jobID)
	if err != nil || len(bids) != 1 {
		t.Fatalf("bids %d err %v, want 1", len(bids), err)
	}
	if bids[0].Bidder != "addr_remote" || bids[0].BidderRep != 0.7 {
		t.Fatalf("unexpected replayed bid %+v", bids[0])
	}
}

func TestWatcherKeepsPublishedSubmissionTime(t *testing.T) {
	fix := newWatcherFixture(t)
	jobID := fix.postJob(t)

	// The record was published at 1200; this node only sees it at 2000.
	// The stored bid must carry the published time, not the arrival time,
	// or the earliest-submission tie-break diverges between nodes.
	fix.now = 1200
	fix.publishRemoteBid(t, jobID, "addr_remote", "700")
	fix.now = 2000

	fix.watcher.poll(context.Background(), 0)
	bids, err := fix.coordinator.Bids(jobID)
	if err != nil || len(bids) != 1 {
		t.Fatalf("bids %d err %v, want 1", len(bids), err)
	}
	if bids[0].SubmittedAt != 1200 {
		t.Fatalf("SubmittedAt = %d, want the published 1200", bids[0].SubmittedAt)
	}
}

func TestWatcherSkipsLocallyKnownBids(t *testing.T) {
	fix := newWatcherFixture(t)
	jobID := fix.postJob(t)

	fix.now = 1200
	// A locally accepted bid publishes to the ledger itself.
	if _, err := fix.coordinator.SubmitBid(context.Background(), &market.Bid{JobID: jobID, Bidder: "addr_local", Price: big.NewInt(700)}); err != nil {
		t.Fatalf("local bid: %v", err)
	}

	// Polling must not duplicate it on the round trip.
	fix.watcher.poll(context.Background(), 0)
	bids, err := fix.coordinator.Bids(jobID)
	if err != nil || len(bids) != 1 {
		t.Fatalf("bids %d err %v, want exactly 1 after round trip", len(bids), err)
	}
}

func TestWatcherToleratesMalformedRecords(t *testing.T) {
	fix := newWatcherFixture(t)
	jobID := fix.postJob(t)
	fix.now = 1200

	if _, err := fix.log.Append(context.Background(), ledger.TopicBids, []byte(`{"request_id":""}`)); err != nil {
		t.Fatalf("append invalid: %v", err)
	}
	fix.publishRemoteBid(t, jobID, "addr_remote", "not-a-number")
	fix.publishRemoteBid(t, jobID, "addr_remote", "700")

	cursor := fix.watcher.poll(context.Background(), 0)
	if cursor != 3 {
		t.Fatalf("cursor %d, want 3", cursor)
	}
	bids, err := fix.coordinator.Bids(jobID)
	if err != nil || len(bids) != 1 {
		t.Fatalf("bids %d err %v, want only the valid one", len(bids), err)
	}
}

func TestWatcherRejectedRemoteBidDoesNotStall(t *testing.T) {
	fix := newWatcherFixture(t)
	jobID := fix.postJob(t)
	fix.now = 1200

	// Over the job maximum, rejected on replay.
	fix.publishRemoteBid(t, jobID, "addr_remote", "5000")

	cursor := fix.watcher.poll(context.Background(), 0)
	if cursor != 1 {
		t.Fatalf("cursor %d, want 1 despite rejection", cursor)
	}
	bids, err := fix.coordinator.Bids(jobID)
	if err != nil || len(bids) != 0 {
		t.Fatalf("bids %d err %v, want 0", len(bids), err)
	}
}

func TestWatcherCursorPersists(t *testing.T) {
	fix := newWatcherFixture(t)
	jobID := fix.postJob(t)
	fix.now = 1200
	fix.publishRemoteBid(t, jobID, "addr_remote", "700")

	fix.watcher.poll(context.Background(), fix.watcher.loadCursor())
	if got := fix.watcher.loadCursor(); got != 1 {
		t.Fatalf("cursor %d, want 1", got)
	}

	// A new watcher over the same database resumes from the stored cursor.
	restarted := NewBidWatcher(fix.log, fix.coordinator, fix.db, slog.Default())
	if restarted.loadCursor() != 1 {
		t.Fatalf("restarted cursor %d, want 1", restarted.loadCursor())
	}
}
