package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"aimarket/ledger"
)

// ReputationSource supplies the reputation snapshot recorded on jobs and bids
// at creation time. The scoring algorithm itself is external input.
type ReputationSource interface {
	Score(addr string) (float64, error)
}

// PostJobParams are the requester-supplied fields of a new posting.
type PostJobParams struct {
	PromptRef   string
	ModelHint   string
	MaxTokens   int
	Quality     QualityTier
	MaxPrice    *big.Int
	PaymentMode string
	Requester   string
	// TTL bounds the job's expiry horizon. Zero selects the sum of the
	// configured bid, work and review windows.
	TTL time.Duration
}

// Coordinator ties the bid registry, escrow engine and dispute resolver
// together per job and exposes the participant-facing operations. It enforces
// the single-writer discipline: every state-mutating operation on one job
// acquires that job's exclusive transition lock before reading state,
// deciding the transition and writing the new state. Operations on different
// jobs proceed fully in parallel.
type Coordinator struct {
	state      *State
	engine     *Engine
	registry   *Registry
	resolver   *Resolver
	reputation ReputationSource
	log        ledger.Adapter
	retry      ledger.RetryPolicy
	nowFn      func() int64

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	halted map[string]error
}

// NewCoordinator wires a coordinator over shared state and collaborators. The
// ledger adapter may be nil for purely local deployments.
func NewCoordinator(state *State, engine *Engine, registry *Registry, resolver *Resolver, log ledger.Adapter) *Coordinator {
	return &Coordinator{
		state:    state,
		engine:   engine,
		registry: registry,
		resolver: resolver,
		log:      log,
		retry:    ledger.DefaultRetryPolicy(),
		nowFn:    func() int64 { return time.Now().Unix() },
		locks:    make(map[string]*sync.Mutex),
		halted:   make(map[string]error),
	}
}

// SetReputationSource configures where creation-time snapshots come from.
func (c *Coordinator) SetReputationSource(src ReputationSource) { c.reputation = src }

// SetRetryPolicy overrides the backoff applied to ledger publishes.
func (c *Coordinator) SetRetryPolicy(policy ledger.RetryPolicy) { c.retry = policy }

// ActiveJobs returns the ids of jobs whose escrow is not yet terminal.
func (c *Coordinator) ActiveJobs() ([]string, error) { return c.state.ActiveJobIDs() }

// SetNowFunc overrides the coordinator clock, cascading to the engine and
// registry so simulated time stays consistent.
func (c *Coordinator) SetNowFunc(now func() int64) {
	if now == nil {
		now = func() int64 { return time.Now().Unix() }
	}
	c.nowFn = now
	c.engine.SetNowFunc(now)
	c.registry.SetNowFunc(now)
}

func (c *Coordinator) lockFor(jobID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.locks[jobID]
	if !ok {
		lock = &sync.Mutex{}
		c.locks[jobID] = lock
	}
	return lock
}

// Halted reports the invariant violation that froze a job id, if any.
func (c *Coordinator) Halted(jobID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.halted[jobID]
}

func (c *Coordinator) checkHalt(jobID string) error {
	if err := c.Halted(jobID); err != nil {
		return fmt.Errorf("%w: job %s halted: %v", ErrInvariantViolation, jobID, err)
	}
	return nil
}

func (c *Coordinator) halt(jobID string, cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.halted[jobID]; !ok {
		c.halted[jobID] = cause
	}
}

// mutate runs fn under the job's transition lock. When fn loses a race — the
// state observed before lock acquisition changed by the time the lock was
// held — an InvalidStateForOperation rejection is reported as
// StaleTransition instead, so callers can distinguish "never legal" from
// "someone beat you to it".
func (c *Coordinator) mutate(jobID string, fn func() (*Escrow, error)) (*Escrow, error) {
	if err := c.checkHalt(jobID); err != nil {
		return nil, err
	}
	var observed EscrowState
	observedOK := false
	if esc, ok, err := c.state.EscrowGet(jobID); err == nil && ok {
		observed = esc.State
		observedOK = true
	}
	lock := c.lockFor(jobID)
	lock.Lock()
	defer lock.Unlock()
	esc, err := fn()
	if err != nil {
		if errors.Is(err, ErrInvariantViolation) {
			c.halt(jobID, err)
			return nil, err
		}
		if errors.Is(err, ErrInvalidStateForOperation) && observedOK {
			if current, ok, stateErr := c.state.EscrowGet(jobID); stateErr == nil && ok && current.State != observed {
				return nil, rejectInState(ErrStaleTransition, current.State)
			}
		}
		return nil, err
	}
	return esc, nil
}

// PostJob creates the job and its escrow atomically: the maximum price is
// locked before the job is considered posted, the bid window opens, and the
// posting is published to the ledger. A ledger publish that exhausts its
// retry budget rolls the whole posting back.
func (c *Coordinator) PostJob(ctx context.Context, params PostJobParams) (*Job, *Escrow, error) {
	now := c.nowFn()
	ttl := params.TTL
	if ttl <= 0 {
		t := c.engine.Timeouts()
		ttl = t.BidWindow + t.BidGrace + t.Work + t.Review
	}
	mode := strings.TrimSpace(params.PaymentMode)
	if mode == "" {
		mode = PaymentModeFixed
	}
	job := &Job{
		ID:          "job_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12],
		CreatedAt:   now,
		ExpiresAt:   now + int64(ttl/time.Second),
		PromptRef:   params.PromptRef,
		ModelHint:   params.ModelHint,
		MaxTokens:   params.MaxTokens,
		Quality:     params.Quality,
		MaxPrice:    params.MaxPrice,
		PaymentMode: mode,
		Requester:   params.Requester,
	}
	if c.reputation != nil {
		score, err := c.reputation.Score(params.Requester)
		if err != nil {
			return nil, nil, err
		}
		job.RequesterRep = score
	}
	var esc *Escrow
	_, err := c.mutate(job.ID, func() (*Escrow, error) {
		created, err := c.engine.CreateEscrow(job)
		if err != nil {
			return nil, err
		}
		esc = created
		if _, err := c.registry.OpenWindow(job.ID, c.engine.Timeouts().BidWindow); err != nil {
			return nil, err
		}
		if err := c.publishJob(ctx, job, created); err != nil {
			if _, cancelErr := c.engine.Cancel(job.ID, job.Requester); cancelErr != nil {
				return nil, fmt.Errorf("%w: posting rollback failed for %s: %v", ErrInvariantViolation, job.ID, cancelErr)
			}
			return nil, err
		}
		return created, nil
	})
	if err != nil {
		return nil, nil, err
	}
	return job.Clone(), esc, nil
}

// CancelJob refunds a job that is still collecting bids. Only the requester
// may cancel, and never once a bidder is assigned.
func (c *Coordinator) CancelJob(jobID, caller string) (*Escrow, error) {
	return c.mutate(jobID, func() (*Escrow, error) {
		return c.engine.Cancel(jobID, caller)
	})
}

// SubmitBid validates and retains a bid observed from a participant or from
// the ledger watcher. The bid is re-validated against authoritative state
// under the job's lock regardless of what the submitter observed.
func (c *Coordinator) SubmitBid(ctx context.Context, bid *Bid) (*Bid, error) {
	if bid == nil {
		return nil, fmt.Errorf("%w: nil bid", ErrInvalidBid)
	}
	if bid.BidderRep == 0 && c.reputation != nil {
		score, err := c.reputation.Score(bid.Bidder)
		if err != nil {
			return nil, err
		}
		bid.BidderRep = score
	}
	if err := c.checkHalt(bid.JobID); err != nil {
		return nil, err
	}
	lock := c.lockFor(bid.JobID)
	lock.Lock()
	accepted, err := c.registry.SubmitBid(bid)
	lock.Unlock()
	if err != nil {
		return nil, err
	}
	// The authoritative bid set accepted the bid; publishing is an audit
	// record, so a ledger outage surfaces but does not revoke the bid.
	if err := c.publishBid(ctx, accepted); err != nil {
		return accepted, err
	}
	return accepted, nil
}

// SelectWinner closes the selection decision for a job: the registry applies
// the deterministic policy and the escrow assigns the winner.
func (c *Coordinator) SelectWinner(jobID string) (*Escrow, error) {
	return c.mutate(jobID, func() (*Escrow, error) {
		winner, err := c.registry.SelectWinner(jobID)
		if err != nil {
			return nil, err
		}
		return c.engine.Assign(jobID, winner)
	})
}

// SubmitResult records the assigned bidder's result and publishes it.
func (c *Coordinator) SubmitResult(ctx context.Context, jobID, bidder, resultRef string, payload []byte) (*Escrow, error) {
	return c.mutate(jobID, func() (*Escrow, error) {
		esc, err := c.engine.SubmitResult(jobID, bidder, resultRef, payload)
		if err != nil {
			return nil, err
		}
		if err := c.publishResult(ctx, esc); err != nil {
			return esc, err
		}
		return esc, nil
	})
}

// Approve settles the escrow in the bidder's favour. Calling it twice yields
// the same terminal record and exactly one fund transfer.
func (c *Coordinator) Approve(jobID, caller string) (*Escrow, error) {
	return c.mutate(jobID, func() (*Escrow, error) {
		return c.engine.Approve(jobID, caller)
	})
}

// Dispute raises a challenge against a submitted result. Validator
// assignment is a separate step so a temporarily empty pool does not block
// the dispute itself.
func (c *Coordinator) Dispute(jobID, caller, reason string) (*Escrow, error) {
	return c.mutate(jobID, func() (*Escrow, error) {
		return c.engine.Dispute(jobID, caller, reason)
	})
}

// AssignValidator selects a validator for the job's open dispute.
func (c *Coordinator) AssignValidator(jobID string) (*Escrow, error) {
	return c.mutate(jobID, func() (*Escrow, error) {
		return c.resolver.AssignValidator(jobID)
	})
}

// RecordVerdict applies the validator's verdict and settles the dispute.
func (c *Coordinator) RecordVerdict(jobID string, verdict Verdict) (*Escrow, error) {
	return c.mutate(jobID, func() (*Escrow, error) {
		return c.resolver.RecordVerdict(jobID, verdict)
	})
}

// Escrow returns the current escrow for a job. Reads do not take the
// transition lock and may race an in-flight transition.
func (c *Coordinator) Escrow(jobID string) (*Escrow, error) {
	esc, ok, err := c.state.EscrowGet(jobID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrJobNotFound
	}
	return esc, nil
}

// Job returns the posted job record.
func (c *Coordinator) Job(jobID string) (*Job, error) {
	job, ok, err := c.state.JobGet(jobID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrJobNotFound
	}
	return job, nil
}

// Bids returns the retained bid set for a job, oldest first.
func (c *Coordinator) Bids(jobID string) ([]*Bid, error) {
	return c.state.BidsByJob(jobID)
}

// Tick evaluates every pending timeout at the supplied instant. It is safe
// to call redundantly and concurrently with explicit operations: the per-job
// lock guarantees exactly one of explicit action or timeout wins any given
// transition, and guards are re-checked under the lock. One failing job does
// not prevent the rest from being evaluated.
func (c *Coordinator) Tick(now int64) (int, error) {
	ids, err := c.state.ActiveJobIDs()
	if err != nil {
		return 0, err
	}
	fired := 0
	var errs []error
	for _, jobID := range ids {
		if c.Halted(jobID) != nil {
			continue
		}
		lock := c.lockFor(jobID)
		lock.Lock()
		_, transitioned, err := c.engine.HandleTimeout(jobID, now)
		lock.Unlock()
		if err != nil {
			if errors.Is(err, ErrInvariantViolation) {
				c.halt(jobID, err)
			}
			errs = append(errs, fmt.Errorf("job %s: %w", jobID, err))
			continue
		}
		if transitioned {
			fired++
		}
	}
	return fired, errors.Join(errs...)
}

func (c *Coordinator) publishJob(ctx context.Context, job *Job, esc *Escrow) error {
	if c.log == nil {
		return nil
	}
	record := ledger.JobRecord{
		Schema:  ledger.SchemaVersion,
		ID:      job.ID,
		Created: job.CreatedAt,
		Expires: job.ExpiresAt,
		Request: ledger.JobRequest{
			ModelHint:        job.ModelHint,
			PromptRef:        job.PromptRef,
			MaxTokens:        job.MaxTokens,
			QualityThreshold: job.Quality.String(),
		},
		Economics: ledger.JobEconomics{
			MaxPrice:    job.MaxPrice.String(),
			PaymentMode: job.PaymentMode,
			EscrowRef:   string(esc.LockID),
		},
		Requester: ledger.ParticipantRef{Address: job.Requester, Reputation: job.RequesterRep},
	}
	return c.publish(ctx, ledger.TopicJobs, record)
}

func (c *Coordinator) publishBid(ctx context.Context, bid *Bid) error {
	if c.log == nil {
		return nil
	}
	record := ledger.BidRecord{
		Schema:    ledger.SchemaVersion,
		RequestID: bid.JobID,
		Bidder: ledger.BidderRef{
			Address:    bid.Bidder,
			Model:      bid.Model,
			Reputation: bid.BidderRep,
			Hardware:   bid.Hardware,
		},
		Bid: ledger.BidTerms{
			Price:          bid.Price.String(),
			EstimatedTimeS: bid.EstimatedTimeS,
			Submitted:      bid.SubmittedAt,
		},
	}
	return c.publish(ctx, ledger.TopicBids, record)
}

func (c *Coordinator) publishResult(ctx context.Context, esc *Escrow) error {
	if c.log == nil {
		return nil
	}
	record := ledger.ResultRecord{
		Schema:     ledger.SchemaVersion,
		RequestID:  esc.JobID,
		Bidder:     esc.Bidder,
		ResultRef:  esc.ResultRef,
		ResultHash: esc.ResultHash,
		Submitted:  esc.StateEnteredAt,
	}
	return c.publish(ctx, ledger.TopicResults, record)
}

func (c *Coordinator) publish(ctx context.Context, topic string, record any) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return ledger.WithRetry(ctx, c.retry, func() error {
		_, appendErr := c.log.Append(ctx, topic, payload)
		return appendErr
	})
}
