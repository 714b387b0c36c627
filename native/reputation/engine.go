package reputation

import (
	"errors"

	"aimarket/core/events"
	"aimarket/storage"
)

// Engine wraps the ledger to provide the entry points the marketplace wires
// in: creation-time score snapshots, settlement outcomes and slash signals
// for misbehaving bidders. It satisfies market.ReputationSource,
// market.OutcomeRecorder and market.ReputationSlasher.
type Engine struct {
	ledger  *Ledger
	emitter events.Emitter
}

// NewEngine constructs an engine backed by the provided database.
func NewEngine(db storage.Database) *Engine {
	if db == nil {
		return &Engine{emitter: events.NoopEmitter{}}
	}
	return &Engine{ledger: NewLedger(db), emitter: events.NoopEmitter{}}
}

// SetNowFunc overrides the wall clock used by the underlying ledger.
func (e *Engine) SetNowFunc(now func() int64) {
	if e == nil || e.ledger == nil {
		return
	}
	e.ledger.SetNowFunc(now)
}

// SetEmitter configures where score events are published. Passing nil resets
// to a no-op sink.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if e == nil {
		return
	}
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// Score returns the address's current score, defaulting unknown addresses.
func (e *Engine) Score(addr string) (float64, error) {
	if e == nil || e.ledger == nil {
		return 0, errors.New("reputation: engine not initialised")
	}
	profile, err := e.ledger.Get(addr)
	if err != nil {
		return 0, err
	}
	return profile.Score, nil
}

// Profile returns the full stored record for an address.
func (e *Engine) Profile(addr string) (*Profile, error) {
	if e == nil || e.ledger == nil {
		return nil, errors.New("reputation: engine not initialised")
	}
	return e.ledger.Get(addr)
}

// RecordOutcome adjusts the address's score for a settled job.
func (e *Engine) RecordOutcome(addr string, success bool) (*Profile, error) {
	if e == nil || e.ledger == nil {
		return nil, errors.New("reputation: engine not initialised")
	}
	profile, err := e.ledger.RecordOutcome(addr, success)
	if err != nil {
		return nil, err
	}
	e.emitter.Emit(NewScoreAdjustedEvent(profile))
	return profile, nil
}

// RecordSettlement is the market-facing outcome hook. It adjusts the score
// and discards the updated profile.
func (e *Engine) RecordSettlement(addr string, success bool) error {
	_, err := e.RecordOutcome(addr, success)
	return err
}

// Slash applies the configured penalty and records the audit entry.
func (e *Engine) Slash(addr, reason string) error {
	if e == nil || e.ledger == nil {
		return errors.New("reputation: engine not initialised")
	}
	record, err := e.ledger.ApplySlash(addr, reason)
	if err != nil {
		return err
	}
	e.emitter.Emit(NewSlashedEvent(record))
	return nil
}

// Snapshot returns every stored profile sorted by address.
func (e *Engine) Snapshot() ([]*Profile, error) {
	if e == nil || e.ledger == nil {
		return nil, errors.New("reputation: engine not initialised")
	}
	return e.ledger.Snapshot()
}

// Slashes returns the slash audit trail for an address.
func (e *Engine) Slashes(addr string) ([]*SlashRecord, error) {
	if e == nil || e.ledger == nil {
		return nil, errors.New("reputation: engine not initialised")
	}
	return e.ledger.Slashes(addr)
}
