package marketd

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
	"time"

	"aimarket/ledger"
	"aimarket/native/market"
	"aimarket/storage"
)

var jobCursorKey = []byte("marketd/cursor/jobs")

// BidderConfig describes the policy an operator node bids under: which
// models it serves, the lowest price it will work for and how fast it
// expects to deliver.
type BidderConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Address        string   `yaml:"address"`
	Model          string   `yaml:"model"`
	Hardware       string   `yaml:"hardware"`
	Price          string   `yaml:"price"`
	Models         []string `yaml:"models"`
	EstimatedTimeS int64    `yaml:"estimated_time_s"`
}

// AutoBidder watches the job topic on the ledger and places a bid on every
// posting that matches the configured policy. Matching is local only: the
// bid itself still goes through the coordinator and is re-validated there.
type AutoBidder struct {
	log          ledger.Adapter
	coordinator  *market.Coordinator
	db           storage.Database
	logger       *slog.Logger
	cfg          BidderConfig
	price        *big.Int
	pollInterval time.Duration
	batchSize    int
}

// NewAutoBidder constructs a bidder from its policy. Returns nil when the
// policy is unusable so callers can skip wiring it.
func NewAutoBidder(log ledger.Adapter, coordinator *market.Coordinator, db storage.Database, cfg BidderConfig, logger *slog.Logger) *AutoBidder {
	if logger == nil {
		logger = slog.Default()
	}
	price, ok := new(big.Int).SetString(strings.TrimSpace(cfg.Price), 10)
	if !ok || price.Sign() <= 0 || strings.TrimSpace(cfg.Address) == "" {
		return nil
	}
	if cfg.EstimatedTimeS <= 0 {
		cfg.EstimatedTimeS = 60
	}
	return &AutoBidder{
		log:          log,
		coordinator:  coordinator,
		db:           db,
		logger:       logger,
		cfg:          cfg,
		price:        price,
		pollInterval: 5 * time.Second,
		batchSize:    100,
	}
}

// SetPollInterval overrides the polling cadence.
func (b *AutoBidder) SetPollInterval(interval time.Duration) {
	if interval > 0 {
		b.pollInterval = interval
	}
}

// Run starts the polling loop until the context is cancelled.
func (b *AutoBidder) Run(ctx context.Context) {
	if b.log == nil || b.coordinator == nil {
		return
	}
	cursor := b.loadCursor()
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cursor = b.poll(ctx, cursor)
		}
	}
}

func (b *AutoBidder) poll(ctx context.Context, cursor uint64) uint64 {
	records, next, err := b.log.ReadSince(ctx, ledger.TopicJobs, cursor, b.batchSize)
	if err != nil {
		b.logger.Warn("ledger poll failed", "topic", ledger.TopicJobs, "error", err)
		return cursor
	}
	if len(records) == 0 {
		return cursor
	}
	for _, record := range records {
		b.handleRecord(ctx, record)
	}
	b.storeCursor(next)
	return next
}

func (b *AutoBidder) handleRecord(ctx context.Context, record ledger.Record) {
	var wire ledger.JobRecord
	if err := json.Unmarshal(record.Payload, &wire); err != nil {
		b.logger.Warn("malformed job record", "record_id", record.ID, "error", err)
		return
	}
	if err := wire.Validate(); err != nil {
		b.logger.Warn("invalid job record", "record_id", record.ID, "error", err)
		return
	}
	if !b.Matches(&wire) {
		return
	}
	bid := &market.Bid{
		JobID:          wire.ID,
		Bidder:         b.cfg.Address,
		Model:          b.cfg.Model,
		Hardware:       b.cfg.Hardware,
		Price:          new(big.Int).Set(b.price),
		EstimatedTimeS: b.cfg.EstimatedTimeS,
	}
	if _, err := b.coordinator.SubmitBid(ctx, bid); err != nil {
		b.logger.Debug("auto bid rejected", "job_id", wire.ID, "error", err)
		return
	}
	b.logger.Info("auto bid placed", "job_id", wire.ID, "price", b.price.String())
}

// Matches reports whether a posting fits the bidding policy: not our own
// posting, a model hint we can serve, and a budget at or above our floor.
func (b *AutoBidder) Matches(job *ledger.JobRecord) bool {
	if job == nil {
		return false
	}
	if job.Requester.Address == b.cfg.Address {
		return false
	}
	if !b.servesModel(job.Request.ModelHint) {
		return false
	}
	maxPrice, ok := new(big.Int).SetString(strings.TrimSpace(job.Economics.MaxPrice), 10)
	if !ok || maxPrice.Cmp(b.price) < 0 {
		return false
	}
	return true
}

func (b *AutoBidder) servesModel(hint string) bool {
	hint = strings.TrimSpace(hint)
	if hint == "" {
		return true
	}
	if strings.EqualFold(hint, b.cfg.Model) {
		return true
	}
	for _, model := range b.cfg.Models {
		if strings.EqualFold(hint, model) {
			return true
		}
	}
	return false
}

func (b *AutoBidder) loadCursor() uint64 {
	if b.db == nil {
		return 0
	}
	raw, err := b.db.Get(jobCursorKey)
	if err != nil {
		return 0
	}
	cursor, err := strconv.ParseUint(string(raw), 10, 64)
	if err != nil {
		return 0
	}
	return cursor
}

func (b *AutoBidder) storeCursor(cursor uint64) {
	if b.db == nil {
		return
	}
	if err := b.db.Put(jobCursorKey, []byte(strconv.FormatUint(cursor, 10))); err != nil {
		b.logger.Warn("persist cursor failed", "error", err)
	}
}
