package config

import (
	"time"

	"aimarket/native/market"
)

// Timeouts configures the lifecycle deadlines in whole seconds.
type Timeouts struct {
	BidWindowSecs    int64 `toml:"BidWindowSecs"`
	BidGraceSecs     int64 `toml:"BidGraceSecs"`
	WorkSecs         int64 `toml:"WorkSecs"`
	ReviewSecs       int64 `toml:"ReviewSecs"`
	AuctionFloorSecs int64 `toml:"AuctionFloorSecs"`
}

// DefaultTimeouts mirrors the engine defaults.
func DefaultTimeouts() Timeouts {
	t := market.DefaultTimeouts()
	return Timeouts{
		BidWindowSecs:    int64(t.BidWindow / time.Second),
		BidGraceSecs:     int64(t.BidGrace / time.Second),
		WorkSecs:         int64(t.Work / time.Second),
		ReviewSecs:       int64(t.Review / time.Second),
		AuctionFloorSecs: int64(t.AuctionFloor / time.Second),
	}
}

// Runtime converts the configured seconds into engine timeouts.
func (t Timeouts) Runtime() market.Timeouts {
	return market.Timeouts{
		BidWindow:    time.Duration(t.BidWindowSecs) * time.Second,
		BidGrace:     time.Duration(t.BidGraceSecs) * time.Second,
		Work:         time.Duration(t.WorkSecs) * time.Second,
		Review:       time.Duration(t.ReviewSecs) * time.Second,
		AuctionFloor: time.Duration(t.AuctionFloorSecs) * time.Second,
	}
}

// Fees configures settlement fees in basis points.
type Fees struct {
	PlatformBps uint32 `toml:"PlatformBps"`
	DisputeBps  uint32 `toml:"DisputeBps"`
}

// DefaultFees mirrors the engine defaults.
func DefaultFees() Fees {
	f := market.DefaultFees()
	return Fees{PlatformBps: f.PlatformBps, DisputeBps: f.DisputeBps}
}

// Runtime converts the configured basis points into engine fees.
func (f Fees) Runtime() market.Fees {
	return market.Fees{PlatformBps: f.PlatformBps, DisputeBps: f.DisputeBps}
}

// Ticker controls how often pending timeouts are evaluated.
type Ticker struct {
	IntervalSecs int64 `toml:"IntervalSecs"`
}

// Interval returns the tick cadence as a duration.
func (t Ticker) Interval() time.Duration {
	return time.Duration(t.IntervalSecs) * time.Second
}
