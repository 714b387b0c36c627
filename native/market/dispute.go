package market

import (
	"math/rand"
	"sort"
	"strings"
	"sync"
)

// ValidatorSource supplies one validator for a disputed job. Implementations
// wrap an external randomness/reputation-weighted capability; the resolver
// only consumes the choice.
type ValidatorSource interface {
	PickValidator(jobID string, exclude []string) (string, error)
}

// Resolver selects a validator for a disputed job and applies the recorded
// verdict. The payout/refund/slash consequences are delegated to the engine.
type Resolver struct {
	engine *Engine
	source ValidatorSource
}

// NewResolver constructs a resolver bound to the escrow engine.
func NewResolver(engine *Engine, source ValidatorSource) *Resolver {
	return &Resolver{engine: engine, source: source}
}

// AssignValidator picks a validator for the job's open dispute, excluding the
// disputing parties. Fails with ErrNoValidatorsAvailable when the pool cannot
// supply one. Re-assigning an already assigned dispute returns the existing
// record unchanged.
func (r *Resolver) AssignValidator(jobID string) (*Escrow, error) {
	if r == nil || r.engine == nil {
		return nil, errNilState
	}
	if r.source == nil {
		return nil, ErrNoValidatorsAvailable
	}
	esc, err := r.engine.loadEscrow(jobID)
	if err != nil {
		return nil, err
	}
	if esc.State != StateDisputed || esc.Dispute == nil {
		return nil, rejectInState(ErrNotDisputed, esc.State)
	}
	if esc.Dispute.Resolved() {
		return nil, ErrAlreadyResolved
	}
	if esc.Dispute.Validator != "" {
		return esc, nil
	}
	validator, err := r.source.PickValidator(jobID, []string{esc.Requester, esc.Bidder})
	if err != nil {
		return nil, err
	}
	return r.engine.SetValidator(jobID, validator)
}

// RecordVerdict applies the validator's verdict, which is the sole trigger
// for the disputed escrow's terminal transition.
func (r *Resolver) RecordVerdict(jobID string, verdict Verdict) (*Escrow, error) {
	if r == nil || r.engine == nil {
		return nil, errNilState
	}
	return r.engine.ApplyVerdict(jobID, verdict)
}

// WeightedPool is the reference ValidatorSource: a reputation-weighted random
// draw over a registered pool. The randomness source is injected so dispute
// assignment stays deterministic under test.
type WeightedPool struct {
	mu      sync.RWMutex
	weights map[string]float64
	rng     *rand.Rand
}

// NewWeightedPool constructs an empty pool drawing from the supplied source.
func NewWeightedPool(rng *rand.Rand) *WeightedPool {
	return &WeightedPool{weights: make(map[string]float64), rng: rng}
}

// Register adds or updates a validator with a reputation weight. Weights at
// or below zero remove the validator from the pool.
func (p *WeightedPool) Register(addr string, weight float64) {
	trimmed := strings.TrimSpace(addr)
	if trimmed == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if weight <= 0 {
		delete(p.weights, trimmed)
		return
	}
	p.weights[trimmed] = weight
}

// PickValidator draws one validator, excluding the given addresses.
func (p *WeightedPool) PickValidator(jobID string, exclude []string) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	excluded := make(map[string]struct{}, len(exclude))
	for _, addr := range exclude {
		excluded[addr] = struct{}{}
	}
	candidates := make([]string, 0, len(p.weights))
	total := 0.0
	for addr, weight := range p.weights {
		if _, skip := excluded[addr]; skip {
			continue
		}
		candidates = append(candidates, addr)
		total += weight
	}
	if len(candidates) == 0 {
		return "", ErrNoValidatorsAvailable
	}
	sort.Strings(candidates)
	roll := total
	if p.rng != nil {
		roll = p.rng.Float64() * total
	}
	cumulative := 0.0
	for _, addr := range candidates {
		cumulative += p.weights[addr]
		if roll <= cumulative {
			return addr, nil
		}
	}
	return candidates[len(candidates)-1], nil
}
