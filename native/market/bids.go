package market

import (
	"fmt"
	"sort"
	"time"

	"aimarket/core/events"
)

type registryState interface {
	JobGet(id string) (*Job, bool, error)
	EscrowGet(jobID string) (*Escrow, bool, error)
	WindowPut(jobID string, w Window) error
	WindowGet(jobID string) (Window, bool, error)
	BidPut(*Bid) error
	BidsByJob(jobID string) ([]*Bid, error)
}

// Registry collects bids per job, enforces window rules and selects winners
// deterministically. Callers serialise access per job via the coordinator's
// transition lock.
type Registry struct {
	state registryState

	// minAuctionFloor is the portion of the window that must elapse before
	// auction-mode early-stop selection is permitted.
	minAuctionFloor time.Duration
	emitter         events.Emitter
	nowFn           func() int64
}

// NewRegistry constructs a bid registry over the shared marketplace state.
func NewRegistry(state registryState, minAuctionFloor time.Duration) *Registry {
	return &Registry{
		state:           state,
		minAuctionFloor: minAuctionFloor,
		emitter:         events.NoopEmitter{},
		nowFn:           func() int64 { return time.Now().Unix() },
	}
}

// SetEmitter configures the event emitter. Passing nil resets to a no-op.
func (r *Registry) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		r.emitter = events.NoopEmitter{}
		return
	}
	r.emitter = emitter
}

// SetNowFunc overrides the time source, primarily used in tests.
func (r *Registry) SetNowFunc(now func() int64) {
	if now == nil {
		r.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	r.nowFn = now
}

// OpenWindow starts accepting bids for the job for the given duration.
func (r *Registry) OpenWindow(jobID string, duration time.Duration) (Window, error) {
	if duration <= 0 {
		return Window{}, fmt.Errorf("market: bid window duration must be positive")
	}
	if _, ok, err := r.state.JobGet(jobID); err != nil {
		return Window{}, err
	} else if !ok {
		return Window{}, ErrJobNotFound
	}
	now := r.nowFn()
	window := Window{OpensAt: now, ClosesAt: now + int64(duration/time.Second)}
	if err := r.state.WindowPut(jobID, window); err != nil {
		return Window{}, err
	}
	return window, nil
}

// SubmitBid validates the bid against the job's window and price ceiling and
// retains it. All violations surface as ErrInvalidBid with a reason.
func (r *Registry) SubmitBid(bid *Bid) (*Bid, error) {
	sanitized, err := SanitizeBid(bid)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBid, err)
	}
	job, ok, err := r.state.JobGet(sanitized.JobID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrJobNotFound
	}
	esc, ok, err := r.state.EscrowGet(sanitized.JobID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: job %s has no escrow", ErrInvariantViolation, sanitized.JobID)
	}
	if esc.State != StateCreated {
		return nil, rejectInState(fmt.Errorf("%w: job not accepting bids", ErrInvalidBid), esc.State)
	}
	window, ok, err := r.state.WindowGet(sanitized.JobID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: bidding window not open", ErrInvalidBid)
	}
	if sanitized.SubmittedAt == 0 {
		sanitized.SubmittedAt = r.nowFn()
	}
	if sanitized.SubmittedAt < window.OpensAt || sanitized.SubmittedAt >= window.ClosesAt {
		return nil, fmt.Errorf("%w: submission outside bidding window", ErrInvalidBid)
	}
	if sanitized.SubmittedAt >= job.ExpiresAt {
		return nil, fmt.Errorf("%w: job expired", ErrInvalidBid)
	}
	if sanitized.Price.Cmp(job.MaxPrice) > 0 {
		return nil, fmt.Errorf("%w: price %s exceeds job maximum %s", ErrInvalidBid, sanitized.Price, job.MaxPrice)
	}
	if err := r.state.BidPut(sanitized); err != nil {
		return nil, err
	}
	r.emitter.Emit(NewBidSubmittedEvent(sanitized))
	return sanitized, nil
}

// SelectWinner applies the deterministic selection policy. It may be called
// after the window closes, or early in auction mode once the minimum window
// floor has elapsed and at least one qualifying bid exists.
func (r *Registry) SelectWinner(jobID string) (*Bid, error) {
	job, ok, err := r.state.JobGet(jobID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrJobNotFound
	}
	window, ok, err := r.state.WindowGet(jobID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: bidding window never opened", ErrInvalidBid)
	}
	now := r.nowFn()
	if now < window.ClosesAt {
		if job.PaymentMode != PaymentModeAuction {
			return nil, fmt.Errorf("%w: bidding window still open", ErrInvalidBid)
		}
		floor := window.OpensAt + int64(r.minAuctionFloor/time.Second)
		if now < floor {
			return nil, fmt.Errorf("%w: auction floor not reached", ErrInvalidBid)
		}
	}
	bids, err := r.state.BidsByJob(jobID)
	if err != nil {
		return nil, err
	}
	winner := pickWinner(bids)
	if winner == nil {
		return nil, ErrNoBids
	}
	return winner.Clone(), nil
}

// pickWinner totally orders a bid set: lowest price, then highest reputation,
// then earliest submission, then lexicographically smallest bidder address as
// the tie-break of last resort. Any non-empty set yields exactly one winner.
func pickWinner(bids []*Bid) *Bid {
	if len(bids) == 0 {
		return nil
	}
	ordered := make([]*Bid, len(bids))
	copy(ordered, bids)
	sort.SliceStable(ordered, func(i, j int) bool {
		if cmp := ordered[i].Price.Cmp(ordered[j].Price); cmp != 0 {
			return cmp < 0
		}
		if ordered[i].BidderRep != ordered[j].BidderRep {
			return ordered[i].BidderRep > ordered[j].BidderRep
		}
		if ordered[i].SubmittedAt != ordered[j].SubmittedAt {
			return ordered[i].SubmittedAt < ordered[j].SubmittedAt
		}
		return ordered[i].Bidder < ordered[j].Bidder
	})
	return ordered[0]
}
