package reputation

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"aimarket/storage"
)

var (
	profilePrefix = []byte("reputation/profile/")
	slashPrefix   = []byte("reputation/slash/")
)

func profileKey(addr string) []byte {
	return []byte(string(profilePrefix) + strings.ToLower(strings.TrimSpace(addr)))
}

func slashKey(addr string, appliedAt int64, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d/%d", slashPrefix, strings.ToLower(strings.TrimSpace(addr)), appliedAt, seq))
}

// Deltas applied per observed outcome. A completed job nudges the score up
// slowly; failures and slashes pull it down faster so recovering trust takes
// sustained good behaviour.
const (
	completionDelta = 0.02
	failureDelta    = 0.05
	slashPenalty    = 0.15
)

// Ledger persists reputation profiles and the slash audit trail.
type Ledger struct {
	db    storage.Database
	nowFn func() int64
	seq   uint64
}

// NewLedger constructs a ledger bound to the provided database.
func NewLedger(db storage.Database) *Ledger {
	return &Ledger{
		db:    db,
		nowFn: func() int64 { return time.Now().Unix() },
	}
}

// SetNowFunc overrides the wall clock used for audit timestamps. Primarily
// leveraged in tests to provide deterministic timestamps.
func (l *Ledger) SetNowFunc(now func() int64) {
	if l == nil {
		return
	}
	if now == nil {
		l.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	l.nowFn = now
}

func (l *Ledger) now() int64 {
	if l == nil || l.nowFn == nil {
		return time.Now().Unix()
	}
	return l.nowFn()
}

// Get returns the profile for an address. Unknown addresses receive a fresh
// profile at the default score without persisting anything.
func (l *Ledger) Get(addr string) (*Profile, error) {
	if l == nil || l.db == nil {
		return nil, errors.New("reputation: storage unavailable")
	}
	trimmed := strings.TrimSpace(addr)
	if trimmed == "" {
		return nil, errors.New("reputation: address required")
	}
	raw, err := l.db.Get(profileKey(trimmed))
	if errors.Is(err, storage.ErrNotFound) {
		return &Profile{Address: trimmed, Score: DefaultScore}, nil
	}
	if err != nil {
		return nil, err
	}
	var profile Profile
	if err := json.Unmarshal(raw, &profile); err != nil {
		return nil, fmt.Errorf("reputation: decode profile for %s: %w", trimmed, err)
	}
	return &profile, nil
}

func (l *Ledger) put(profile *Profile) error {
	if err := profile.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(profile)
	if err != nil {
		return err
	}
	return l.db.Put(profileKey(profile.Address), raw)
}

// RecordOutcome adjusts a participant's score for a settled job. success
// covers approvals in the participant's favour, failure covers refunds.
func (l *Ledger) RecordOutcome(addr string, success bool) (*Profile, error) {
	profile, err := l.Get(addr)
	if err != nil {
		return nil, err
	}
	if success {
		profile.Score = clampScore(profile.Score + completionDelta)
		profile.Completed++
	} else {
		profile.Score = clampScore(profile.Score - failureDelta)
		profile.Failed++
	}
	profile.UpdatedAt = l.now()
	if err := l.put(profile); err != nil {
		return nil, err
	}
	return profile, nil
}

// ApplySlash deducts the slash penalty from the address and appends an audit
// record. The record is written even when the score is already at the floor.
func (l *Ledger) ApplySlash(addr, reason string) (*SlashRecord, error) {
	profile, err := l.Get(addr)
	if err != nil {
		return nil, err
	}
	record := &SlashRecord{
		Address:   profile.Address,
		Reason:    strings.TrimSpace(reason),
		Penalty:   slashPenalty,
		Before:    profile.Score,
		AppliedAt: l.now(),
	}
	if err := record.Validate(); err != nil {
		return nil, err
	}
	profile.Score = clampScore(profile.Score - slashPenalty)
	profile.Slashes++
	profile.UpdatedAt = record.AppliedAt
	record.After = profile.Score
	if err := l.put(profile); err != nil {
		return nil, err
	}
	l.seq++
	raw, err := json.Marshal(record)
	if err != nil {
		return nil, err
	}
	if err := l.db.Put(slashKey(profile.Address, record.AppliedAt, l.seq), raw); err != nil {
		return nil, err
	}
	return record, nil
}

// Slashes returns the audit records for an address, oldest first.
func (l *Ledger) Slashes(addr string) ([]*SlashRecord, error) {
	if l == nil || l.db == nil {
		return nil, errors.New("reputation: storage unavailable")
	}
	prefix := []byte(string(slashPrefix) + strings.ToLower(strings.TrimSpace(addr)) + "/")
	var records []*SlashRecord
	var decodeErr error
	err := l.db.IteratePrefix(prefix, func(_, value []byte) bool {
		var record SlashRecord
		if err := json.Unmarshal(value, &record); err != nil {
			decodeErr = fmt.Errorf("reputation: decode slash record: %w", err)
			return false
		}
		records = append(records, &record)
		return true
	})
	if err != nil {
		return nil, err
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	return records, nil
}

// Snapshot returns every stored profile sorted by address. Participants that
// never interacted are absent.
func (l *Ledger) Snapshot() ([]*Profile, error) {
	if l == nil || l.db == nil {
		return nil, errors.New("reputation: storage unavailable")
	}
	var profiles []*Profile
	var decodeErr error
	err := l.db.IteratePrefix(profilePrefix, func(_, value []byte) bool {
		var profile Profile
		if err := json.Unmarshal(value, &profile); err != nil {
			decodeErr = fmt.Errorf("reputation: decode profile: %w", err)
			return false
		}
		profiles = append(profiles, &profile)
		return true
	})
	if err != nil {
		return nil, err
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	sort.Slice(profiles, func(i, j int) bool { return profiles[i].Address < profiles[j].Address })
	return profiles, nil
}
