package market

import (
	"fmt"
	"time"
)

// Timeouts configure the deadline applied to each non-terminal escrow state.
type Timeouts struct {
	// BidWindow is how long a posting accepts bids.
	BidWindow time.Duration
	// BidGrace extends the window before a no-winner refund fires, giving a
	// slow selection call time to land.
	BidGrace time.Duration
	// Work bounds how long an assigned bidder has to submit a result.
	Work time.Duration
	// Review bounds how long a requester has to approve or dispute before the
	// result auto-approves.
	Review time.Duration
	// AuctionFloor is the minimum portion of the bid window that must elapse
	// before auction-mode early-stop selection is permitted.
	AuctionFloor time.Duration
}

// DefaultTimeouts returns the protocol defaults: one hour of bidding, ten
// minutes of work, one hour of review.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		BidWindow:    time.Hour,
		BidGrace:     5 * time.Minute,
		Work:         10 * time.Minute,
		Review:       time.Hour,
		AuctionFloor: 5 * time.Minute,
	}
}

// Validate rejects non-positive or inconsistent timeout configuration.
func (t Timeouts) Validate() error {
	if t.BidWindow <= 0 || t.Work <= 0 || t.Review <= 0 {
		return fmt.Errorf("market: timeouts must be positive")
	}
	if t.BidGrace < 0 || t.AuctionFloor < 0 {
		return fmt.Errorf("market: grace and auction floor must be non-negative")
	}
	if t.AuctionFloor > t.BidWindow {
		return fmt.Errorf("market: auction floor exceeds bid window")
	}
	return nil
}

// Fees configure the platform and dispute fee rates in basis points.
type Fees struct {
	PlatformBps uint32
	DisputeBps  uint32
}

// DefaultFees returns a 2.5% platform fee and 1% dispute fee.
func DefaultFees() Fees {
	return Fees{PlatformBps: 250, DisputeBps: 100}
}

// Validate enforces the allowed platform fee band of 2-5%.
func (f Fees) Validate() error {
	if f.PlatformBps < 200 || f.PlatformBps > 500 {
		return fmt.Errorf("market: platform fee must be between 200 and 500 bps, got %d", f.PlatformBps)
	}
	if f.DisputeBps > 10_000 {
		return fmt.Errorf("market: dispute fee bps out of range: %d", f.DisputeBps)
	}
	return nil
}
