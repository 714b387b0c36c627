package market

import (
	"fmt"
	"math/big"
	"strings"

	"aimarket/funds"
)

// EscrowState enumerates the lifecycle states of a job's escrow.
type EscrowState uint8

const (
	StateCreated EscrowState = iota
	StateAssigned
	StateSubmitted
	StateApproved
	StateDisputed
	StateRefunded
)

// Valid reports whether the state value is within the supported range.
func (s EscrowState) Valid() bool {
	switch s {
	case StateCreated, StateAssigned, StateSubmitted, StateApproved, StateDisputed, StateRefunded:
		return true
	default:
		return false
	}
}

func (s EscrowState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateAssigned:
		return "assigned"
	case StateSubmitted:
		return "submitted"
	case StateApproved:
		return "approved"
	case StateDisputed:
		return "disputed"
	case StateRefunded:
		return "refunded"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Verdict is a validator's judgement on a disputed result.
type Verdict uint8

const (
	VerdictNone Verdict = iota
	VerdictValid
	VerdictInvalid
)

func (v Verdict) Valid() bool {
	return v == VerdictValid || v == VerdictInvalid
}

func (v Verdict) String() string {
	switch v {
	case VerdictValid:
		return "valid"
	case VerdictInvalid:
		return "invalid"
	default:
		return "none"
	}
}

// ParseVerdict returns the canonical verdict for a wire string.
func ParseVerdict(raw string) (Verdict, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "valid":
		return VerdictValid, nil
	case "invalid":
		return VerdictInvalid, nil
	default:
		return VerdictNone, fmt.Errorf("market: unknown verdict %q", raw)
	}
}

// Dispute tracks a challenge raised against a submitted result. At most one
// dispute exists per escrow.
type Dispute struct {
	RaisedBy   string
	Reason     string
	RaisedAt   int64
	Validator  string
	Verdict    Verdict
	ResolvedAt int64
}

// Resolved reports whether a verdict has been applied.
func (d *Dispute) Resolved() bool {
	return d != nil && d.Verdict.Valid()
}

// Clone returns a copy of the dispute record.
func (d *Dispute) Clone() *Dispute {
	if d == nil {
		return nil
	}
	clone := *d
	return &clone
}

// HistoryEntry is an audit record appended on every escrow transition.
type HistoryEntry struct {
	Action string `json:"action"`
	At     int64  `json:"at"`
	Note   string `json:"note,omitempty"`
}

// Escrow is the authoritative payment-lifecycle state for one job. There is
// exactly one escrow per job id; the locked amount is set at creation and
// never increases.
type Escrow struct {
	JobID          string
	Requester      string
	Bidder         string
	LockID         funds.LockID
	DisputeLockID  funds.LockID
	LockedAmount   *big.Int
	AgreedPrice    *big.Int
	State          EscrowState
	StateEnteredAt int64
	ResultRef      string
	ResultHash     string
	Dispute        *Dispute
	Outcome        string
	History        []HistoryEntry
}

// Terminal reports whether the escrow may never transition again. DISPUTED is
// terminal only once a verdict has been applied.
func (e *Escrow) Terminal() bool {
	if e == nil {
		return false
	}
	switch e.State {
	case StateApproved, StateRefunded:
		return true
	case StateDisputed:
		return e.Dispute.Resolved()
	default:
		return false
	}
}

// Clone returns a deep copy of the escrow.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	if e.LockedAmount != nil {
		clone.LockedAmount = new(big.Int).Set(e.LockedAmount)
	} else {
		clone.LockedAmount = big.NewInt(0)
	}
	if e.AgreedPrice != nil {
		clone.AgreedPrice = new(big.Int).Set(e.AgreedPrice)
	}
	clone.Dispute = e.Dispute.Clone()
	clone.History = append([]HistoryEntry(nil), e.History...)
	return &clone
}

// SanitizeEscrow validates the escrow record, returning a cloned instance.
// Corrupt records surface ErrInvariantViolation so the coordinator can halt
// the affected job instead of guessing.
func SanitizeEscrow(e *Escrow) (*Escrow, error) {
	if e == nil {
		return nil, fmt.Errorf("%w: nil escrow", ErrInvariantViolation)
	}
	clone := e.Clone()
	if strings.TrimSpace(clone.JobID) == "" {
		return nil, fmt.Errorf("%w: escrow missing job id", ErrInvariantViolation)
	}
	if strings.TrimSpace(clone.Requester) == "" {
		return nil, fmt.Errorf("%w: escrow %s missing requester", ErrInvariantViolation, clone.JobID)
	}
	if clone.LockedAmount == nil || clone.LockedAmount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: escrow %s locked amount must be positive", ErrInvariantViolation, clone.JobID)
	}
	if !clone.State.Valid() {
		return nil, fmt.Errorf("%w: escrow %s invalid state %d", ErrInvariantViolation, clone.JobID, clone.State)
	}
	if clone.State != StateCreated && strings.TrimSpace(clone.Bidder) == "" && clone.State != StateRefunded {
		return nil, fmt.Errorf("%w: escrow %s in %s without bidder", ErrInvariantViolation, clone.JobID, clone.State)
	}
	return clone, nil
}

func (e *Escrow) appendHistory(action string, at int64, note string) {
	e.History = append(e.History, HistoryEntry{Action: action, At: at, Note: note})
}
