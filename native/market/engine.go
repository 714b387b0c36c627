package market

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"lukechampine.com/blake3"

	"aimarket/core/events"
	"aimarket/funds"
)

var (
	errNilState    = errors.New("market: engine state not configured")
	errNilVault    = errors.New("market: vault not configured")
	errNilTreasury = errors.New("market: fee treasury not configured")
)

// Vault is the value-transfer capability consumed by the engine. Every fund
// movement is gated on a successful state transition, so the engine never
// calls Release or Refund twice for the same lock.
type Vault interface {
	Lock(from string, amount *big.Int) (funds.LockID, error)
	Release(id funds.LockID, to string, amount *big.Int) error
	ReleaseSplit(id funds.LockID, payouts map[string]*big.Int) error
	PartialRefund(id funds.LockID, amount *big.Int) error
	Refund(id funds.LockID) error
}

// ReputationSlasher receives slash signals for misbehaving bidders. The slash
// mechanism itself lives outside the escrow core.
type ReputationSlasher interface {
	Slash(addr string, reason string) error
}

type noopSlasher struct{}

func (noopSlasher) Slash(string, string) error { return nil }

// OutcomeRecorder receives a settlement signal for the bidder whenever an
// escrow reaches a terminal state with a bidder attached, so reputation
// scores track delivered work. The scoring policy lives outside the core.
type OutcomeRecorder interface {
	RecordSettlement(addr string, success bool) error
}

type noopRecorder struct{}

func (noopRecorder) RecordSettlement(string, bool) error { return nil }

type engineState interface {
	JobPut(*Job) error
	JobGet(id string) (*Job, bool, error)
	EscrowPut(*Escrow) error
	EscrowGet(jobID string) (*Escrow, bool, error)
}

// Engine owns the escrow state machine: one instance per job, legal
// transitions only, fund lock/release/refund gated on the transition that
// performs the state change. Callers must hold the coordinator's per-job
// transition lock for every mutating call.
type Engine struct {
	state    engineState
	vault    Vault
	slasher  ReputationSlasher
	recorder OutcomeRecorder
	emitter  events.Emitter
	treasury string
	timeouts Timeouts
	fees     Fees
	nowFn    func() int64
}

// NewEngine creates an escrow engine with protocol defaults, a no-op emitter
// and a no-op slasher. Callers override collaborators via the setters.
func NewEngine() *Engine {
	return &Engine{
		slasher:  noopSlasher{},
		recorder: noopRecorder{},
		emitter:  events.NoopEmitter{},
		timeouts: DefaultTimeouts(),
		fees:     DefaultFees(),
		nowFn:    func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetVault configures the value-transfer capability.
func (e *Engine) SetVault(vault Vault) { e.vault = vault }

// SetFeeTreasury configures the address receiving platform fees.
func (e *Engine) SetFeeTreasury(addr string) { e.treasury = strings.TrimSpace(addr) }

// SetSlasher configures the reputation slash sink. Passing nil resets to a
// no-op implementation.
func (e *Engine) SetSlasher(s ReputationSlasher) {
	if s == nil {
		e.slasher = noopSlasher{}
		return
	}
	e.slasher = s
}

// SetOutcomeRecorder configures the settlement outcome sink. Passing nil
// resets to a no-op implementation.
func (e *Engine) SetOutcomeRecorder(r OutcomeRecorder) {
	if r == nil {
		e.recorder = noopRecorder{}
		return
	}
	e.recorder = r
}

// recordOutcome signals the bidder's settlement result. The escrow is already
// final at this point, so a recording failure never unwinds the transition.
func (e *Engine) recordOutcome(bidder string, success bool) {
	if strings.TrimSpace(bidder) == "" {
		return
	}
	_ = e.recorder.RecordSettlement(bidder, success)
}

// SetEmitter configures the event emitter. Passing nil resets to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetTimeouts overrides the per-state deadlines.
func (e *Engine) SetTimeouts(t Timeouts) error {
	if err := t.Validate(); err != nil {
		return err
	}
	e.timeouts = t
	return nil
}

// Timeouts returns the configured per-state deadlines.
func (e *Engine) Timeouts() Timeouts { return e.timeouts }

// SetFees overrides the fee schedule.
func (e *Engine) SetFees(f Fees) error {
	if err := f.Validate(); err != nil {
		return err
	}
	e.fees = f
	return nil
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) now() int64 { return e.nowFn() }

func (e *Engine) emit(evt *events.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(evt)
}

func (e *Engine) ready() error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.vault == nil {
		return errNilVault
	}
	return nil
}

func (e *Engine) loadEscrow(jobID string) (*Escrow, error) {
	esc, ok, err := e.state.EscrowGet(jobID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrJobNotFound
	}
	return esc, nil
}

// CreateEscrow atomically persists the job and its escrow with the job's
// maximum price locked from the requester. The job is only considered posted
// once the lock succeeds; a failed persist returns the lock. Re-posting an
// identical job id is idempotent.
func (e *Engine) CreateEscrow(job *Job) (*Escrow, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	sanitized, err := SanitizeJob(job)
	if err != nil {
		return nil, err
	}
	if existing, ok, err := e.state.EscrowGet(sanitized.ID); err != nil {
		return nil, err
	} else if ok {
		storedJob, jobOK, err := e.state.JobGet(sanitized.ID)
		if err != nil {
			return nil, err
		}
		if !jobOK {
			return nil, fmt.Errorf("%w: escrow without job for %s", ErrInvariantViolation, sanitized.ID)
		}
		if storedJob.Requester != sanitized.Requester || storedJob.MaxPrice.Cmp(sanitized.MaxPrice) != 0 || storedJob.PaymentMode != sanitized.PaymentMode {
			return nil, fmt.Errorf("market: job id %s already exists with different definition", sanitized.ID)
		}
		return existing, nil
	}
	lockID, err := e.vault.Lock(sanitized.Requester, sanitized.MaxPrice)
	if err != nil {
		return nil, err
	}
	now := e.now()
	esc := &Escrow{
		JobID:          sanitized.ID,
		Requester:      sanitized.Requester,
		LockID:         lockID,
		LockedAmount:   new(big.Int).Set(sanitized.MaxPrice),
		State:          StateCreated,
		StateEnteredAt: now,
	}
	esc.appendHistory("created", now, "locked "+sanitized.MaxPrice.String())
	if err := e.state.JobPut(sanitized); err != nil {
		_ = e.vault.Refund(lockID)
		return nil, err
	}
	if err := e.state.EscrowPut(esc); err != nil {
		_ = e.vault.Refund(lockID)
		return nil, err
	}
	e.emit(NewJobPostedEvent(sanitized))
	return esc.Clone(), nil
}

// Assign moves the escrow to ASSIGNED for the winning bid. In auction mode
// the difference between the locked maximum and the winning price is returned
// to the requester immediately.
func (e *Engine) Assign(jobID string, winner *Bid) (*Escrow, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	esc, err := e.loadEscrow(jobID)
	if err != nil {
		return nil, err
	}
	sanitizedBid, err := SanitizeBid(winner)
	if err != nil {
		return nil, err
	}
	if esc.State == StateAssigned && esc.Bidder == sanitizedBid.Bidder {
		return esc, nil
	}
	if esc.State != StateCreated {
		return nil, rejectInState(ErrInvalidStateForOperation, esc.State)
	}
	if sanitizedBid.JobID != jobID {
		return nil, fmt.Errorf("%w: bid targets job %s", ErrInvalidBid, sanitizedBid.JobID)
	}
	if sanitizedBid.Price.Cmp(esc.LockedAmount) > 0 {
		return nil, fmt.Errorf("%w: price exceeds locked amount", ErrInvalidBid)
	}
	job, ok, err := e.state.JobGet(jobID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: escrow without job for %s", ErrInvariantViolation, jobID)
	}
	now := e.now()
	if job.PaymentMode == PaymentModeAuction {
		difference := new(big.Int).Sub(esc.LockedAmount, sanitizedBid.Price)
		if difference.Sign() > 0 {
			if err := e.vault.PartialRefund(esc.LockID, difference); err != nil {
				return nil, err
			}
			esc.LockedAmount = new(big.Int).Set(sanitizedBid.Price)
			esc.appendHistory("partial_refund", now, "returned "+difference.String())
		}
	}
	esc.Bidder = sanitizedBid.Bidder
	esc.AgreedPrice = new(big.Int).Set(sanitizedBid.Price)
	esc.State = StateAssigned
	esc.StateEnteredAt = now
	esc.appendHistory("assigned", now, sanitizedBid.Bidder+" at "+sanitizedBid.Price.String())
	if err := e.state.EscrowPut(esc); err != nil {
		return nil, err
	}
	e.emit(NewAssignedEvent(esc))
	return esc.Clone(), nil
}

// SubmitResult records the bidder's result reference and content hash and
// moves the escrow to SUBMITTED.
func (e *Engine) SubmitResult(jobID, bidder, resultRef string, payload []byte) (*Escrow, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	esc, err := e.loadEscrow(jobID)
	if err != nil {
		return nil, err
	}
	ref := strings.TrimSpace(resultRef)
	if ref == "" {
		return nil, fmt.Errorf("market: result reference required")
	}
	hash := hashResult(ref, payload)
	if esc.State == StateSubmitted && esc.Bidder == bidder && esc.ResultHash == hash {
		return esc, nil
	}
	if esc.State != StateAssigned {
		return nil, rejectInState(ErrInvalidStateForOperation, esc.State)
	}
	if esc.Bidder != bidder {
		return nil, fmt.Errorf("market: result from %s but job assigned to %s", bidder, esc.Bidder)
	}
	now := e.now()
	esc.ResultRef = ref
	esc.ResultHash = hash
	esc.State = StateSubmitted
	esc.StateEnteredAt = now
	esc.appendHistory("submitted", now, hash)
	if err := e.state.EscrowPut(esc); err != nil {
		return nil, err
	}
	e.emit(NewResultSubmittedEvent(esc))
	return esc.Clone(), nil
}

// Approve settles the escrow in favour of the bidder: the agreed price minus
// the platform fee is released, the fee goes to the treasury, and any locked
// remainder returns to the requester. Calling Approve on an already APPROVED
// escrow is a no-op returning the terminal record, never a second transfer.
func (e *Engine) Approve(jobID, caller string) (*Escrow, error) {
	return e.approve(jobID, caller, false)
}

func (e *Engine) approve(jobID, caller string, auto bool) (*Escrow, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	esc, err := e.loadEscrow(jobID)
	if err != nil {
		return nil, err
	}
	if esc.State == StateApproved {
		return esc, nil
	}
	if esc.State != StateSubmitted {
		return nil, rejectInState(ErrInvalidStateForOperation, esc.State)
	}
	if !auto && caller != esc.Requester {
		return nil, fmt.Errorf("market: only the requester may approve")
	}
	if e.treasury == "" {
		return nil, errNilTreasury
	}
	price := esc.AgreedPrice
	if price == nil || price.Sign() <= 0 {
		return nil, fmt.Errorf("%w: escrow %s approved without agreed price", ErrInvariantViolation, jobID)
	}
	fee := new(big.Int).Mul(price, new(big.Int).SetUint64(uint64(e.fees.PlatformBps)))
	fee.Div(fee, big.NewInt(10_000))
	payout := new(big.Int).Sub(price, fee)
	payouts := map[string]*big.Int{esc.Bidder: payout}
	if fee.Sign() > 0 {
		payouts[e.treasury] = fee
	}
	if err := e.vault.ReleaseSplit(esc.LockID, payouts); err != nil {
		return nil, err
	}
	now := e.now()
	outcome := "approved"
	if auto {
		outcome = "auto_approved"
	}
	esc.State = StateApproved
	esc.StateEnteredAt = now
	esc.Outcome = outcome
	esc.appendHistory(outcome, now, "paid "+payout.String()+" fee "+fee.String())
	if err := e.state.EscrowPut(esc); err != nil {
		return nil, fmt.Errorf("%w: funds released but escrow %s not persisted: %v", ErrInvariantViolation, jobID, err)
	}
	e.recordOutcome(esc.Bidder, true)
	e.emit(NewApprovedEvent(esc))
	return esc.Clone(), nil
}

// Dispute moves a SUBMITTED escrow into an unresolved dispute. The dispute
// fee is locked from the requester up front; an insufficient balance rejects
// the dispute without any state change.
func (e *Engine) Dispute(jobID, caller, reason string) (*Escrow, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	esc, err := e.loadEscrow(jobID)
	if err != nil {
		return nil, err
	}
	if esc.State == StateDisputed && !esc.Dispute.Resolved() {
		return esc, nil
	}
	if esc.State != StateSubmitted {
		return nil, rejectInState(ErrInvalidStateForOperation, esc.State)
	}
	if caller != esc.Requester {
		return nil, fmt.Errorf("market: only the requester may dispute")
	}
	now := e.now()
	if deadline := esc.StateEnteredAt + int64(e.timeouts.Review/time.Second); now >= deadline {
		return nil, rejectInState(fmt.Errorf("%w: dispute window elapsed", ErrInvalidStateForOperation), esc.State)
	}
	fee := e.disputeFee(esc)
	lockID, err := e.vault.Lock(esc.Requester, fee)
	if err != nil {
		return nil, err
	}
	esc.DisputeLockID = lockID
	esc.Dispute = &Dispute{RaisedBy: caller, Reason: strings.TrimSpace(reason), RaisedAt: now}
	esc.State = StateDisputed
	esc.StateEnteredAt = now
	esc.appendHistory("disputed", now, esc.Dispute.Reason)
	if err := e.state.EscrowPut(esc); err != nil {
		_ = e.vault.Refund(lockID)
		return nil, err
	}
	e.emit(NewDisputedEvent(esc))
	return esc.Clone(), nil
}

// SetValidator records the validator chosen for the open dispute.
func (e *Engine) SetValidator(jobID, validator string) (*Escrow, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	esc, err := e.loadEscrow(jobID)
	if err != nil {
		return nil, err
	}
	if esc.State != StateDisputed || esc.Dispute == nil {
		return nil, rejectInState(ErrNotDisputed, esc.State)
	}
	if esc.Dispute.Resolved() {
		return nil, ErrAlreadyResolved
	}
	if esc.Dispute.Validator == validator {
		return esc, nil
	}
	if esc.Dispute.Validator != "" {
		return nil, fmt.Errorf("market: dispute already has validator %s", esc.Dispute.Validator)
	}
	esc.Dispute.Validator = strings.TrimSpace(validator)
	if err := e.state.EscrowPut(esc); err != nil {
		return nil, err
	}
	e.emit(NewValidatorAssignedEvent(jobID, esc.Dispute.Validator))
	return esc.Clone(), nil
}

// ApplyVerdict settles an unresolved dispute. A "valid" verdict pays the
// bidder in full and routes the dispute fee to the validator; an "invalid"
// verdict refunds the requester entirely and signals a reputation slash for
// the bidder.
func (e *Engine) ApplyVerdict(jobID string, verdict Verdict) (*Escrow, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	esc, err := e.loadEscrow(jobID)
	if err != nil {
		return nil, err
	}
	if esc.Dispute.Resolved() {
		return nil, ErrAlreadyResolved
	}
	if esc.State != StateDisputed || esc.Dispute == nil {
		return nil, rejectInState(ErrNotDisputed, esc.State)
	}
	if !verdict.Valid() {
		return nil, fmt.Errorf("market: verdict must be valid or invalid")
	}
	if esc.Dispute.Validator == "" {
		return nil, fmt.Errorf("market: no validator assigned for %s", jobID)
	}
	now := e.now()
	switch verdict {
	case VerdictValid:
		if err := e.vault.ReleaseSplit(esc.LockID, map[string]*big.Int{esc.Bidder: esc.AgreedPrice}); err != nil {
			return nil, err
		}
		if err := e.vault.Release(esc.DisputeLockID, esc.Dispute.Validator, e.disputeFee(esc)); err != nil {
			return nil, fmt.Errorf("%w: dispute fee release failed for %s: %v", ErrInvariantViolation, jobID, err)
		}
		esc.State = StateApproved
		esc.Outcome = "dispute_valid"
	case VerdictInvalid:
		if err := e.vault.Refund(esc.LockID); err != nil {
			return nil, err
		}
		if err := e.vault.Refund(esc.DisputeLockID); err != nil {
			return nil, fmt.Errorf("%w: dispute fee refund failed for %s: %v", ErrInvariantViolation, jobID, err)
		}
		if err := e.slasher.Slash(esc.Bidder, "invalid result for "+jobID); err != nil {
			return nil, err
		}
		esc.State = StateRefunded
		esc.Outcome = "dispute_invalid"
	}
	esc.Dispute.Verdict = verdict
	esc.Dispute.ResolvedAt = now
	esc.StateEnteredAt = now
	esc.appendHistory("resolved", now, verdict.String())
	if err := e.state.EscrowPut(esc); err != nil {
		return nil, fmt.Errorf("%w: verdict settled but escrow %s not persisted: %v", ErrInvariantViolation, jobID, err)
	}
	e.recordOutcome(esc.Bidder, verdict == VerdictValid)
	e.emit(NewDisputeResolvedEvent(esc))
	return esc.Clone(), nil
}

// Cancel refunds a CREATED escrow at the requester's request. Once a bidder
// is assigned the job can no longer be cancelled out from under them.
func (e *Engine) Cancel(jobID, caller string) (*Escrow, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	esc, err := e.loadEscrow(jobID)
	if err != nil {
		return nil, err
	}
	if esc.State == StateRefunded {
		return esc, nil
	}
	if esc.State != StateCreated {
		return nil, rejectInState(ErrInvalidStateForOperation, esc.State)
	}
	if caller != esc.Requester {
		return nil, fmt.Errorf("market: only the requester may cancel")
	}
	return e.refund(esc, "cancelled")
}

// HandleTimeout evaluates the deadline for the escrow's current state and
// fires the corresponding auto-transition when elapsed. The guard is
// re-checked against authoritative state here, so redundant or delayed calls
// are harmless. It reports whether a transition fired.
func (e *Engine) HandleTimeout(jobID string, now int64) (*Escrow, bool, error) {
	if err := e.ready(); err != nil {
		return nil, false, err
	}
	esc, err := e.loadEscrow(jobID)
	if err != nil {
		return nil, false, err
	}
	switch esc.State {
	case StateCreated:
		deadline := esc.StateEnteredAt + int64((e.timeouts.BidWindow+e.timeouts.BidGrace)/time.Second)
		if now < deadline {
			return esc, false, nil
		}
		settled, err := e.refund(esc, "no_winner")
		if err != nil {
			return nil, false, err
		}
		return settled, true, nil
	case StateAssigned:
		deadline := esc.StateEnteredAt + int64(e.timeouts.Work/time.Second)
		if now < deadline {
			return esc, false, nil
		}
		if err := e.slasher.Slash(esc.Bidder, "work timeout for "+jobID); err != nil {
			return nil, false, err
		}
		settled, err := e.refund(esc, "work_timeout")
		if err != nil {
			return nil, false, err
		}
		e.recordOutcome(settled.Bidder, false)
		return settled, true, nil
	case StateSubmitted:
		deadline := esc.StateEnteredAt + int64(e.timeouts.Review/time.Second)
		if now < deadline {
			return esc, false, nil
		}
		settled, err := e.approve(jobID, "", true)
		if err != nil {
			return nil, false, err
		}
		return settled, true, nil
	default:
		return esc, false, nil
	}
}

// refund returns the full remaining lock to the requester and finalises the
// escrow as REFUNDED with the given outcome.
func (e *Engine) refund(esc *Escrow, outcome string) (*Escrow, error) {
	if err := e.vault.Refund(esc.LockID); err != nil {
		return nil, err
	}
	now := e.now()
	esc.State = StateRefunded
	esc.StateEnteredAt = now
	esc.Outcome = outcome
	esc.appendHistory(outcome, now, "refunded "+esc.LockedAmount.String())
	if err := e.state.EscrowPut(esc); err != nil {
		return nil, fmt.Errorf("%w: funds refunded but escrow %s not persisted: %v", ErrInvariantViolation, esc.JobID, err)
	}
	e.emit(NewRefundedEvent(esc))
	return esc.Clone(), nil
}

func (e *Engine) disputeFee(esc *Escrow) *big.Int {
	base := esc.AgreedPrice
	if base == nil {
		base = esc.LockedAmount
	}
	fee := new(big.Int).Mul(base, new(big.Int).SetUint64(uint64(e.fees.DisputeBps)))
	fee.Div(fee, big.NewInt(10_000))
	if fee.Sign() == 0 {
		fee = big.NewInt(1)
	}
	return fee
}

func hashResult(resultRef string, payload []byte) string {
	if len(payload) > 0 {
		sum := blake3.Sum256(payload)
		return hex.EncodeToString(sum[:])
	}
	sum := blake3.Sum256([]byte(resultRef))
	return hex.EncodeToString(sum[:])
}
