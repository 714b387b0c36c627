package marketd

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/big"
	"strconv"
	"time"

	"aimarket/ledger"
	"aimarket/native/market"
	"aimarket/storage"
)

var bidCursorKey = []byte("marketd/cursor/bids")

// BidWatcher periodically pulls bid records published by other nodes from the
// shared ledger and replays them through the coordinator, which re-validates
// each bid against authoritative local state. The cursor is persisted so a
// restart resumes where the previous run stopped.
type BidWatcher struct {
	log          ledger.Adapter
	coordinator  *market.Coordinator
	db           storage.Database
	logger       *slog.Logger
	pollInterval time.Duration
	batchSize    int
}

// NewBidWatcher constructs a watcher with sane defaults.
func NewBidWatcher(log ledger.Adapter, coordinator *market.Coordinator, db storage.Database, logger *slog.Logger) *BidWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &BidWatcher{
		log:          log,
		coordinator:  coordinator,
		db:           db,
		logger:       logger,
		pollInterval: 5 * time.Second,
		batchSize:    100,
	}
}

// SetPollInterval overrides the polling cadence.
func (w *BidWatcher) SetPollInterval(interval time.Duration) {
	if interval > 0 {
		w.pollInterval = interval
	}
}

// Run starts the polling loop until the context is cancelled.
func (w *BidWatcher) Run(ctx context.Context) {
	if w.log == nil || w.coordinator == nil {
		return
	}
	cursor := w.loadCursor()
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cursor = w.poll(ctx, cursor)
		}
	}
}

func (w *BidWatcher) poll(ctx context.Context, cursor uint64) uint64 {
	records, next, err := w.log.ReadSince(ctx, ledger.TopicBids, cursor, w.batchSize)
	if err != nil {
		w.logger.Warn("ledger poll failed", "topic", ledger.TopicBids, "error", err)
		return cursor
	}
	if len(records) == 0 {
		return cursor
	}
	for _, record := range records {
		w.handleRecord(ctx, record)
	}
	w.storeCursor(next)
	return next
}

func (w *BidWatcher) handleRecord(ctx context.Context, record ledger.Record) {
	var wire ledger.BidRecord
	if err := json.Unmarshal(record.Payload, &wire); err != nil {
		w.logger.Warn("malformed bid record", "record_id", record.ID, "error", err)
		return
	}
	if err := wire.Validate(); err != nil {
		w.logger.Warn("invalid bid record", "record_id", record.ID, "error", err)
		return
	}
	price, ok := new(big.Int).SetString(wire.Bid.Price, 10)
	if !ok {
		w.logger.Warn("invalid bid price", "record_id", record.ID)
		return
	}
	if w.alreadyKnown(&wire) {
		return
	}
	bid := &market.Bid{
		JobID:          wire.RequestID,
		Bidder:         wire.Bidder.Address,
		BidderRep:      wire.Bidder.Reputation,
		Model:          wire.Bidder.Model,
		Hardware:       wire.Bidder.Hardware,
		Price:          price,
		EstimatedTimeS: wire.Bid.EstimatedTimeS,
		// Replay the published submission time so every node stores the
		// same timestamp and the earliest-submission tie-break agrees
		// across the network.
		SubmittedAt: wire.Bid.Submitted,
	}
	if _, err := w.coordinator.SubmitBid(ctx, bid); err != nil {
		// Rejection is routine here: closed windows, expired jobs and
		// over-priced bids from remote nodes all land in this path.
		w.logger.Debug("remote bid rejected", "job_id", wire.RequestID, "error", err)
	}
}

// alreadyKnown filters bids this node accepted locally before they round-trip
// through the ledger.
func (w *BidWatcher) alreadyKnown(wire *ledger.BidRecord) bool {
	bids, err := w.coordinator.Bids(wire.RequestID)
	if err != nil {
		return false
	}
	for _, bid := range bids {
		if bid.Bidder == wire.Bidder.Address && bid.Price.String() == wire.Bid.Price && bid.SubmittedAt == wire.Bid.Submitted {
			return true
		}
	}
	return false
}

func (w *BidWatcher) loadCursor() uint64 {
	if w.db == nil {
		return 0
	}
	raw, err := w.db.Get(bidCursorKey)
	if err != nil {
		return 0
	}
	cursor, err := strconv.ParseUint(string(raw), 10, 64)
	if err != nil {
		return 0
	}
	return cursor
}

func (w *BidWatcher) storeCursor(cursor uint64) {
	if w.db == nil {
		return
	}
	if err := w.db.Put(bidCursorKey, []byte(strconv.FormatUint(cursor, 10))); err != nil {
		w.logger.Warn("persist cursor failed", "error", err)
	}
}
