package market

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"aimarket/funds"
	"aimarket/storage"
)

// State is the authoritative store for jobs, escrows, bids and bid windows,
// owned by the coordinator. All access happens under the coordinator's
// per-job transition lock; State itself only guarantees durable, atomic
// per-record writes.
type State struct {
	db storage.Database
}

// NewState constructs a marketplace state over the given database.
func NewState(db storage.Database) *State {
	return &State{db: db}
}

const (
	jobKeyPrefix    = "market/job/"
	escrowKeyPrefix = "market/escrow/"
	bidKeyPrefix    = "market/bids/"
	windowKeyPrefix = "market/window/"
	activeKeyPrefix = "market/active/"
)

// Window bounds the interval during which bids are accepted for a job.
type Window struct {
	OpensAt  int64 `json:"opensAt"`
	ClosesAt int64 `json:"closesAt"`
}

type storedJob struct {
	ID           string `json:"id"`
	CreatedAt    int64  `json:"createdAt"`
	ExpiresAt    int64  `json:"expiresAt"`
	PromptRef    string `json:"promptRef"`
	ModelHint    string `json:"modelHint"`
	MaxTokens    int    `json:"maxTokens"`
	Quality      uint8  `json:"quality"`
	MaxPrice     string `json:"maxPrice"`
	PaymentMode  string `json:"paymentMode"`
	Requester    string `json:"requester"`
	RequesterRep float64 `json:"requesterRep"`
}

type storedBid struct {
	JobID          string  `json:"jobId"`
	Bidder         string  `json:"bidder"`
	BidderRep      float64 `json:"bidderRep"`
	Model          string  `json:"model,omitempty"`
	Hardware       string  `json:"hardware,omitempty"`
	Price          string  `json:"price"`
	EstimatedTimeS int64   `json:"estimatedTimeS"`
	SubmittedAt    int64   `json:"submittedAt"`
}

type storedDispute struct {
	RaisedBy   string `json:"raisedBy"`
	Reason     string `json:"reason"`
	RaisedAt   int64  `json:"raisedAt"`
	Validator  string `json:"validator,omitempty"`
	Verdict    uint8  `json:"verdict"`
	ResolvedAt int64  `json:"resolvedAt,omitempty"`
}

type storedEscrow struct {
	JobID          string         `json:"jobId"`
	Requester      string         `json:"requester"`
	Bidder         string         `json:"bidder,omitempty"`
	LockID         string         `json:"lockId"`
	DisputeLockID  string         `json:"disputeLockId,omitempty"`
	LockedAmount   string         `json:"lockedAmount"`
	AgreedPrice    string         `json:"agreedPrice,omitempty"`
	State          uint8          `json:"state"`
	StateEnteredAt int64          `json:"stateEnteredAt"`
	ResultRef      string         `json:"resultRef,omitempty"`
	ResultHash     string         `json:"resultHash,omitempty"`
	Dispute        *storedDispute `json:"dispute,omitempty"`
	Outcome        string         `json:"outcome,omitempty"`
	History        []HistoryEntry `json:"history,omitempty"`
}

// JobPut persists a job record.
func (s *State) JobPut(job *Job) error {
	sanitized, err := SanitizeJob(job)
	if err != nil {
		return err
	}
	stored := storedJob{
		ID:           sanitized.ID,
		CreatedAt:    sanitized.CreatedAt,
		ExpiresAt:    sanitized.ExpiresAt,
		PromptRef:    sanitized.PromptRef,
		ModelHint:    sanitized.ModelHint,
		MaxTokens:    sanitized.MaxTokens,
		Quality:      uint8(sanitized.Quality),
		MaxPrice:     sanitized.MaxPrice.String(),
		PaymentMode:  sanitized.PaymentMode,
		Requester:    sanitized.Requester,
		RequesterRep: sanitized.RequesterRep,
	}
	return s.putJSON(jobKeyPrefix+sanitized.ID, stored)
}

// JobGet loads a job by id.
func (s *State) JobGet(id string) (*Job, bool, error) {
	var stored storedJob
	ok, err := s.getJSON(jobKeyPrefix+id, &stored)
	if err != nil || !ok {
		return nil, false, err
	}
	maxPrice, parsed := new(big.Int).SetString(stored.MaxPrice, 10)
	if !parsed {
		return nil, false, fmt.Errorf("%w: corrupt max price for job %s", ErrInvariantViolation, id)
	}
	return &Job{
		ID:           stored.ID,
		CreatedAt:    stored.CreatedAt,
		ExpiresAt:    stored.ExpiresAt,
		PromptRef:    stored.PromptRef,
		ModelHint:    stored.ModelHint,
		MaxTokens:    stored.MaxTokens,
		Quality:      QualityTier(stored.Quality),
		MaxPrice:     maxPrice,
		PaymentMode:  stored.PaymentMode,
		Requester:    stored.Requester,
		RequesterRep: stored.RequesterRep,
	}, true, nil
}

// EscrowPut persists an escrow and maintains the active-escrow index used by
// the tick scan.
func (s *State) EscrowPut(esc *Escrow) error {
	sanitized, err := SanitizeEscrow(esc)
	if err != nil {
		return err
	}
	stored := storedEscrow{
		JobID:          sanitized.JobID,
		Requester:      sanitized.Requester,
		Bidder:         sanitized.Bidder,
		LockID:         string(sanitized.LockID),
		DisputeLockID:  string(sanitized.DisputeLockID),
		LockedAmount:   sanitized.LockedAmount.String(),
		State:          uint8(sanitized.State),
		StateEnteredAt: sanitized.StateEnteredAt,
		ResultRef:      sanitized.ResultRef,
		ResultHash:     sanitized.ResultHash,
		Outcome:        sanitized.Outcome,
		History:        sanitized.History,
	}
	if sanitized.AgreedPrice != nil {
		stored.AgreedPrice = sanitized.AgreedPrice.String()
	}
	if sanitized.Dispute != nil {
		stored.Dispute = &storedDispute{
			RaisedBy:   sanitized.Dispute.RaisedBy,
			Reason:     sanitized.Dispute.Reason,
			RaisedAt:   sanitized.Dispute.RaisedAt,
			Validator:  sanitized.Dispute.Validator,
			Verdict:    uint8(sanitized.Dispute.Verdict),
			ResolvedAt: sanitized.Dispute.ResolvedAt,
		}
	}
	if err := s.putJSON(escrowKeyPrefix+sanitized.JobID, stored); err != nil {
		return err
	}
	activeKey := []byte(activeKeyPrefix + sanitized.JobID)
	if sanitized.Terminal() {
		return s.db.Delete(activeKey)
	}
	return s.db.Put(activeKey, []byte{1})
}

// EscrowGet loads the escrow for a job id.
func (s *State) EscrowGet(jobID string) (*Escrow, bool, error) {
	var stored storedEscrow
	ok, err := s.getJSON(escrowKeyPrefix+jobID, &stored)
	if err != nil || !ok {
		return nil, false, err
	}
	locked, parsed := new(big.Int).SetString(stored.LockedAmount, 10)
	if !parsed {
		return nil, false, fmt.Errorf("%w: corrupt locked amount for %s", ErrInvariantViolation, jobID)
	}
	esc := &Escrow{
		JobID:          stored.JobID,
		Requester:      stored.Requester,
		Bidder:         stored.Bidder,
		LockID:         funds.LockID(stored.LockID),
		DisputeLockID:  funds.LockID(stored.DisputeLockID),
		LockedAmount:   locked,
		State:          EscrowState(stored.State),
		StateEnteredAt: stored.StateEnteredAt,
		ResultRef:      stored.ResultRef,
		ResultHash:     stored.ResultHash,
		Outcome:        stored.Outcome,
		History:        stored.History,
	}
	if stored.AgreedPrice != "" {
		price, parsed := new(big.Int).SetString(stored.AgreedPrice, 10)
		if !parsed {
			return nil, false, fmt.Errorf("%w: corrupt agreed price for %s", ErrInvariantViolation, jobID)
		}
		esc.AgreedPrice = price
	}
	if stored.Dispute != nil {
		esc.Dispute = &Dispute{
			RaisedBy:   stored.Dispute.RaisedBy,
			Reason:     stored.Dispute.Reason,
			RaisedAt:   stored.Dispute.RaisedAt,
			Validator:  stored.Dispute.Validator,
			Verdict:    Verdict(stored.Dispute.Verdict),
			ResolvedAt: stored.Dispute.ResolvedAt,
		}
	}
	return esc, true, nil
}

// ActiveJobIDs returns the job ids whose escrows have not reached a terminal
// state, in ascending id order.
func (s *State) ActiveJobIDs() ([]string, error) {
	ids := make([]string, 0, 16)
	err := s.db.IteratePrefix([]byte(activeKeyPrefix), func(key, _ []byte) bool {
		ids = append(ids, string(key[len(activeKeyPrefix):]))
		return true
	})
	return ids, err
}

// BidPut persists a bid. Bids are append-only: a later bid never overwrites
// an earlier one, all are retained for audit.
func (s *State) BidPut(bid *Bid) error {
	sanitized, err := SanitizeBid(bid)
	if err != nil {
		return err
	}
	stored := storedBid{
		JobID:          sanitized.JobID,
		Bidder:         sanitized.Bidder,
		BidderRep:      sanitized.BidderRep,
		Model:          sanitized.Model,
		Hardware:       sanitized.Hardware,
		Price:          sanitized.Price.String(),
		EstimatedTimeS: sanitized.EstimatedTimeS,
		SubmittedAt:    sanitized.SubmittedAt,
	}
	key := fmt.Sprintf("%s%s/%020d/%s", bidKeyPrefix, sanitized.JobID, sanitized.SubmittedAt, sanitized.Bidder)
	return s.putJSON(key, stored)
}

// BidsByJob returns every bid retained for the job, oldest first.
func (s *State) BidsByJob(jobID string) ([]*Bid, error) {
	prefix := []byte(bidKeyPrefix + jobID + "/")
	bids := make([]*Bid, 0, 8)
	var decodeErr error
	err := s.db.IteratePrefix(prefix, func(_, value []byte) bool {
		var stored storedBid
		if err := json.Unmarshal(value, &stored); err != nil {
			decodeErr = fmt.Errorf("%w: corrupt bid for %s", ErrInvariantViolation, jobID)
			return false
		}
		price, parsed := new(big.Int).SetString(stored.Price, 10)
		if !parsed {
			decodeErr = fmt.Errorf("%w: corrupt bid price for %s", ErrInvariantViolation, jobID)
			return false
		}
		bids = append(bids, &Bid{
			JobID:          stored.JobID,
			Bidder:         stored.Bidder,
			BidderRep:      stored.BidderRep,
			Model:          stored.Model,
			Hardware:       stored.Hardware,
			Price:          price,
			EstimatedTimeS: stored.EstimatedTimeS,
			SubmittedAt:    stored.SubmittedAt,
		})
		return true
	})
	if err != nil {
		return nil, err
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	return bids, nil
}

// WindowPut persists the bid window for a job.
func (s *State) WindowPut(jobID string, w Window) error {
	return s.putJSON(windowKeyPrefix+jobID, w)
}

// WindowGet loads the bid window for a job.
func (s *State) WindowGet(jobID string) (Window, bool, error) {
	var w Window
	ok, err := s.getJSON(windowKeyPrefix+jobID, &w)
	return w, ok, err
}

func (s *State) putJSON(key string, value any) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return s.db.Put([]byte(key), encoded)
}

func (s *State) getJSON(key string, out any) (bool, error) {
	raw, err := s.db.Get([]byte(key))
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("%w: %s undecodable: %v", ErrInvariantViolation, strings.TrimSpace(key), err)
	}
	return true, nil
}
