package market

import (
	"fmt"
	"math/big"
	"strings"
)

// QualityTier orders the quality thresholds a requester may demand.
type QualityTier uint8

const (
	QualityStandard QualityTier = iota
	QualityHigh
	QualityExpert
)

// Valid reports whether the tier is within the supported range.
func (q QualityTier) Valid() bool {
	switch q {
	case QualityStandard, QualityHigh, QualityExpert:
		return true
	default:
		return false
	}
}

func (q QualityTier) String() string {
	switch q {
	case QualityStandard:
		return "standard"
	case QualityHigh:
		return "high"
	case QualityExpert:
		return "expert"
	default:
		return fmt.Sprintf("quality(%d)", uint8(q))
	}
}

// ParseQualityTier returns the canonical tier for a wire string.
func ParseQualityTier(raw string) (QualityTier, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "standard":
		return QualityStandard, nil
	case "high":
		return QualityHigh, nil
	case "expert":
		return QualityExpert, nil
	default:
		return QualityStandard, fmt.Errorf("market: unknown quality tier %q", raw)
	}
}

// Payment modes supported for a posting.
const (
	PaymentModeFixed   = "fixed"
	PaymentModeAuction = "auction"
)

// NormalizePaymentMode canonicalises the payment mode string.
func NormalizePaymentMode(mode string) (string, error) {
	trimmed := strings.ToLower(strings.TrimSpace(mode))
	switch trimmed {
	case PaymentModeFixed, PaymentModeAuction:
		return trimmed, nil
	default:
		return "", fmt.Errorf("market: unsupported payment mode %q", mode)
	}
}

// Job is a requester's posted work item. Jobs are immutable once created; a
// correction is a new job with a new id.
type Job struct {
	ID           string
	CreatedAt    int64
	ExpiresAt    int64
	PromptRef    string
	ModelHint    string
	MaxTokens    int
	Quality      QualityTier
	MaxPrice     *big.Int
	PaymentMode  string
	Requester    string
	RequesterRep float64
}

// Clone returns a deep copy so callers can mutate safely.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	clone := *j
	if j.MaxPrice != nil {
		clone.MaxPrice = new(big.Int).Set(j.MaxPrice)
	} else {
		clone.MaxPrice = big.NewInt(0)
	}
	return &clone
}

// SanitizeJob validates and normalises the supplied job, returning a cloned
// instance. The original value is not mutated.
func SanitizeJob(j *Job) (*Job, error) {
	if j == nil {
		return nil, fmt.Errorf("market: nil job")
	}
	clone := j.Clone()
	if strings.TrimSpace(clone.ID) == "" {
		return nil, fmt.Errorf("market: job id required")
	}
	if strings.TrimSpace(clone.Requester) == "" {
		return nil, fmt.Errorf("market: requester address required")
	}
	if clone.ExpiresAt <= clone.CreatedAt {
		return nil, fmt.Errorf("market: job expiry must follow creation")
	}
	if clone.MaxPrice == nil || clone.MaxPrice.Sign() <= 0 {
		return nil, fmt.Errorf("market: job max price must be positive")
	}
	if !clone.Quality.Valid() {
		return nil, fmt.Errorf("market: invalid quality tier %d", clone.Quality)
	}
	mode, err := NormalizePaymentMode(clone.PaymentMode)
	if err != nil {
		return nil, err
	}
	clone.PaymentMode = mode
	return clone, nil
}

// Bid is a bidder's offer against a specific job. Bids are immutable and are
// retained for audit even after a winner supersedes them.
type Bid struct {
	JobID          string
	Bidder         string
	BidderRep      float64
	Model          string
	Hardware       string
	Price          *big.Int
	EstimatedTimeS int64
	SubmittedAt    int64
}

// Clone returns a deep copy of the bid.
func (b *Bid) Clone() *Bid {
	if b == nil {
		return nil
	}
	clone := *b
	if b.Price != nil {
		clone.Price = new(big.Int).Set(b.Price)
	} else {
		clone.Price = big.NewInt(0)
	}
	return &clone
}

// SanitizeBid validates structural bid fields. Window and price-ceiling rules
// are enforced by the registry against the owning job.
func SanitizeBid(b *Bid) (*Bid, error) {
	if b == nil {
		return nil, fmt.Errorf("market: nil bid")
	}
	clone := b.Clone()
	if strings.TrimSpace(clone.JobID) == "" {
		return nil, fmt.Errorf("market: bid job id required")
	}
	if strings.TrimSpace(clone.Bidder) == "" {
		return nil, fmt.Errorf("market: bidder address required")
	}
	if clone.Price == nil || clone.Price.Sign() <= 0 {
		return nil, fmt.Errorf("market: bid price must be positive")
	}
	return clone, nil
}
