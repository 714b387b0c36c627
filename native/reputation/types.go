package reputation

import (
	"errors"
	"strings"
)

const (
	// DefaultScore is assigned to participants with no recorded history.
	DefaultScore = 0.5
	// MinScore and MaxScore bound every stored score.
	MinScore = 0.0
	MaxScore = 1.0
)

// Profile is the running reputation record for one participant address.
type Profile struct {
	Address   string
	Score     float64
	Completed int64
	Failed    int64
	Slashes   int64
	UpdatedAt int64
}

// Validate ensures the profile is well formed before persistence.
func (p *Profile) Validate() error {
	if p == nil {
		return errors.New("reputation: profile nil")
	}
	if strings.TrimSpace(p.Address) == "" {
		return errors.New("reputation: address required")
	}
	if p.Score < MinScore || p.Score > MaxScore {
		return errors.New("reputation: score out of range")
	}
	if p.Completed < 0 || p.Failed < 0 || p.Slashes < 0 {
		return errors.New("reputation: counters must not be negative")
	}
	return nil
}

// SlashRecord captures the audit trail emitted when a penalty is applied.
type SlashRecord struct {
	Address   string
	Reason    string
	Penalty   float64
	Before    float64
	After     float64
	AppliedAt int64
}

// Validate ensures the slash record is well formed before emission.
func (r *SlashRecord) Validate() error {
	if r == nil {
		return errors.New("reputation: slash record nil")
	}
	if strings.TrimSpace(r.Address) == "" {
		return errors.New("reputation: address required")
	}
	if strings.TrimSpace(r.Reason) == "" {
		return errors.New("reputation: reason required")
	}
	if r.Penalty <= 0 {
		return errors.New("reputation: penalty must be positive")
	}
	return nil
}

func clampScore(score float64) float64 {
	if score < MinScore {
		return MinScore
	}
	if score > MaxScore {
		return MaxScore
	}
	return score
}
