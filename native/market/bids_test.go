package market

import (
	"errors"
	"math/big"
	"testing"
	"time"
)

type registryFixture struct {
	registry *Registry
	state    *mockState
	now      int64
}

func newRegistryFixture(t *testing.T) *registryFixture {
	t.Helper()
	fix := &registryFixture{state: newMockState(), now: 1000}
	fix.registry = NewRegistry(fix.state, 5*time.Minute)
	fix.registry.SetNowFunc(func() int64 { return fix.now })
	return fix
}

func (f *registryFixture) seedJob(t *testing.T, job *Job) {
	t.Helper()
	if err := f.state.JobPut(job); err != nil {
		t.Fatalf("seed job: %v", err)
	}
	esc := &Escrow{
		JobID:          job.ID,
		Requester:      job.Requester,
		LockID:         "lock_seed",
		LockedAmount:   new(big.Int).Set(job.MaxPrice),
		State:          StateCreated,
		StateEnteredAt: f.now,
	}
	if err := f.state.EscrowPut(esc); err != nil {
		t.Fatalf("seed escrow: %v", err)
	}
}

func (f *registryFixture) openWindow(t *testing.T, jobID string) Window {
	t.Helper()
	window, err := f.registry.OpenWindow(jobID, time.Hour)
	if err != nil {
		t.Fatalf("open window: %v", err)
	}
	return window
}

func TestOpenWindowRequiresJob(t *testing.T) {
	fix := newRegistryFixture(t)

	if _, err := fix.registry.OpenWindow("job_missing", time.Hour); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
	if _, err := fix.registry.OpenWindow("job_1", 0); err == nil {
		t.Fatal("expected rejection for zero duration")
	}
}

func TestSubmitBidAccepted(t *testing.T) {
	fix := newRegistryFixture(t)
	fix.seedJob(t, testJob("job_1"))
	fix.openWindow(t, "job_1")
	fix.now = 1200

	bid, err := fix.registry.SubmitBid(&Bid{JobID: "job_1", Bidder: "addr_worker", Price: big.NewInt(700)})
	if err != nil {
		t.Fatalf("submit bid: %v", err)
	}
	if bid.SubmittedAt != 1200 {
		t.Fatalf("submission time %d, want stamped 1200", bid.SubmittedAt)
	}
	stored, err := fix.state.BidsByJob("job_1")
	if err != nil || len(stored) != 1 {
		t.Fatalf("stored bids %d err %v", len(stored), err)
	}
}

func TestSubmitBidRejections(t *testing.T) {
	fix := newRegistryFixture(t)
	fix.seedJob(t, testJob("job_1"))
	window := fix.openWindow(t, "job_1")

	cases := []struct {
		name string
		bid  *Bid
		at   int64
	}{
		{name: "before open", bid: &Bid{JobID: "job_1", Bidder: "a", Price: big.NewInt(1)}, at: window.OpensAt - 10},
		{name: "after close", bid: &Bid{JobID: "job_1", Bidder: "a", Price: big.NewInt(1)}, at: window.ClosesAt},
		{name: "over max price", bid: &Bid{JobID: "job_1", Bidder: "a", Price: big.NewInt(2000)}, at: window.OpensAt + 10},
		{name: "zero price", bid: &Bid{JobID: "job_1", Bidder: "a", Price: big.NewInt(0)}, at: window.OpensAt + 10},
		{name: "no bidder", bid: &Bid{JobID: "job_1", Price: big.NewInt(1)}, at: window.OpensAt + 10},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.bid.SubmittedAt = tc.at
			if _, err := fix.registry.SubmitBid(tc.bid); !errors.Is(err, ErrInvalidBid) {
				t.Fatalf("expected ErrInvalidBid, got %v", err)
			}
		})
	}
}

func TestSubmitBidRequiresOpenWindow(t *testing.T) {
	fix := newRegistryFixture(t)
	fix.seedJob(t, testJob("job_1"))

	if _, err := fix.registry.SubmitBid(&Bid{JobID: "job_1", Bidder: "a", Price: big.NewInt(1)}); !errors.Is(err, ErrInvalidBid) {
		t.Fatalf("expected ErrInvalidBid without window, got %v", err)
	}
}

func TestSubmitBidRejectedAfterAssignment(t *testing.T) {
	fix := newRegistryFixture(t)
	fix.seedJob(t, testJob("job_1"))
	fix.openWindow(t, "job_1")

	esc, _, _ := fix.state.EscrowGet("job_1")
	esc.State = StateAssigned
	esc.Bidder = "addr_first"
	esc.AgreedPrice = big.NewInt(700)
	if err := fix.state.EscrowPut(esc); err != nil {
		t.Fatalf("store escrow: %v", err)
	}

	if _, err := fix.registry.SubmitBid(&Bid{JobID: "job_1", Bidder: "addr_late", Price: big.NewInt(600), SubmittedAt: fix.now + 10}); !errors.Is(err, ErrInvalidBid) {
		t.Fatalf("expected ErrInvalidBid after assignment, got %v", err)
	}
}

func TestSubmitBidRejectedPastJobExpiry(t *testing.T) {
	fix := newRegistryFixture(t)
	job := testJob("job_1")
	job.ExpiresAt = job.CreatedAt + 30*60
	fix.seedJob(t, job)
	fix.openWindow(t, "job_1")

	// Inside the one hour window but past the job's own expiry.
	if _, err := fix.registry.SubmitBid(&Bid{JobID: "job_1", Bidder: "a", Price: big.NewInt(1), SubmittedAt: job.ExpiresAt + 1}); !errors.Is(err, ErrInvalidBid) {
		t.Fatalf("expected ErrInvalidBid for expired job, got %v", err)
	}
}

func TestSelectWinnerWaitsForWindowClose(t *testing.T) {
	fix := newRegistryFixture(t)
	fix.seedJob(t, testJob("job_1"))
	window := fix.openWindow(t, "job_1")
	fix.now = window.OpensAt + 10
	if _, err := fix.registry.SubmitBid(&Bid{JobID: "job_1", Bidder: "addr_a", Price: big.NewInt(700)}); err != nil {
		t.Fatalf("submit bid: %v", err)
	}

	if _, err := fix.registry.SelectWinner("job_1"); !errors.Is(err, ErrInvalidBid) {
		t.Fatalf("expected rejection while window open, got %v", err)
	}

	fix.now = window.ClosesAt
	winner, err := fix.registry.SelectWinner("job_1")
	if err != nil {
		t.Fatalf("select winner: %v", err)
	}
	if winner.Bidder != "addr_a" {
		t.Fatalf("winner %s, want addr_a", winner.Bidder)
	}
}

func TestSelectWinnerAuctionFloor(t *testing.T) {
	fix := newRegistryFixture(t)
	job := testJob("job_1")
	job.PaymentMode = PaymentModeAuction
	fix.seedJob(t, job)
	window := fix.openWindow(t, "job_1")
	fix.now = window.OpensAt + 60
	if _, err := fix.registry.SubmitBid(&Bid{JobID: "job_1", Bidder: "addr_a", Price: big.NewInt(700)}); err != nil {
		t.Fatalf("submit bid: %v", err)
	}

	// One minute in: the five minute auction floor has not elapsed.
	if _, err := fix.registry.SelectWinner("job_1"); !errors.Is(err, ErrInvalidBid) {
		t.Fatalf("expected floor rejection, got %v", err)
	}

	fix.now = window.OpensAt + 300
	winner, err := fix.registry.SelectWinner("job_1")
	if err != nil {
		t.Fatalf("select winner at floor: %v", err)
	}
	if winner.Bidder != "addr_a" {
		t.Fatalf("winner %s, want addr_a", winner.Bidder)
	}
}

func TestSelectWinnerNoBids(t *testing.T) {
	fix := newRegistryFixture(t)
	fix.seedJob(t, testJob("job_1"))
	window := fix.openWindow(t, "job_1")
	fix.now = window.ClosesAt + 1

	if _, err := fix.registry.SelectWinner("job_1"); !errors.Is(err, ErrNoBids) {
		t.Fatalf("expected ErrNoBids, got %v", err)
	}
}

func TestPickWinnerOrdering(t *testing.T) {
	bid := func(bidder string, price int64, rep float64, at int64) *Bid {
		return &Bid{JobID: "job_1", Bidder: bidder, Price: big.NewInt(price), BidderRep: rep, SubmittedAt: at}
	}

	cases := []struct {
		name   string
		bids   []*Bid
		winner string
	}{
		{
			name:   "lowest price wins",
			bids:   []*Bid{bid("b", 900, 0.9, 1), bid("a", 700, 0.1, 2)},
			winner: "a",
		},
		{
			name:   "reputation breaks price tie",
			bids:   []*Bid{bid("a", 700, 0.3, 1), bid("b", 700, 0.8, 2)},
			winner: "b",
		},
		{
			name:   "earlier submission breaks reputation tie",
			bids:   []*Bid{bid("a", 700, 0.5, 20), bid("b", 700, 0.5, 10)},
			winner: "b",
		},
		{
			name:   "lexical bidder is the last resort",
			bids:   []*Bid{bid("zeta", 700, 0.5, 10), bid("alpha", 700, 0.5, 10)},
			winner: "alpha",
		},
		{
			name:   "single bid",
			bids:   []*Bid{bid("only", 999, 0, 5)},
			winner: "only",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			// Run both orderings to confirm the result is input-order independent.
			forward := pickWinner(tc.bids)
			reversed := make([]*Bid, 0, len(tc.bids))
			for i := len(tc.bids) - 1; i >= 0; i-- {
				reversed = append(reversed, tc.bids[i])
			}
			backward := pickWinner(reversed)
			if forward == nil || forward.Bidder != tc.winner {
				t.Fatalf("forward winner %v, want %s", forward, tc.winner)
			}
			if backward == nil || backward.Bidder != tc.winner {
				t.Fatalf("backward winner %v, want %s", backward, tc.winner)
			}
		})
	}
}

func TestPickWinnerEmpty(t *testing.T) {
	if pickWinner(nil) != nil {
		t.Fatal("expected nil winner for empty set")
	}
}
