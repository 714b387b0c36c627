package market

import (
	"errors"
	"math/rand"
	"testing"
)

func TestWeightedPoolExcludesParties(t *testing.T) {
	pool := NewWeightedPool(rand.New(rand.NewSource(1)))
	pool.Register("addr_a", 1.0)
	pool.Register("addr_b", 1.0)

	for i := 0; i < 20; i++ {
		picked, err := pool.PickValidator("job_1", []string{"addr_a"})
		if err != nil {
			t.Fatalf("pick: %v", err)
		}
		if picked != "addr_b" {
			t.Fatalf("picked excluded validator %s", picked)
		}
	}
}

func TestWeightedPoolEmptyAfterExclusion(t *testing.T) {
	pool := NewWeightedPool(rand.New(rand.NewSource(1)))
	pool.Register("addr_a", 1.0)

	if _, err := pool.PickValidator("job_1", []string{"addr_a"}); !errors.Is(err, ErrNoValidatorsAvailable) {
		t.Fatalf("expected ErrNoValidatorsAvailable, got %v", err)
	}
	if _, err := NewWeightedPool(nil).PickValidator("job_1", nil); !errors.Is(err, ErrNoValidatorsAvailable) {
		t.Fatalf("expected ErrNoValidatorsAvailable for empty pool, got %v", err)
	}
}

func TestWeightedPoolDeterministicWithSeed(t *testing.T) {
	draw := func() []string {
		pool := NewWeightedPool(rand.New(rand.NewSource(42)))
		pool.Register("addr_a", 0.2)
		pool.Register("addr_b", 0.9)
		pool.Register("addr_c", 0.5)
		picks := make([]string, 0, 10)
		for i := 0; i < 10; i++ {
			picked, err := pool.PickValidator("job_1", nil)
			if err != nil {
				t.Fatalf("pick: %v", err)
			}
			picks = append(picks, picked)
		}
		return picks
	}

	first := draw()
	second := draw()
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("draw %d diverged: %s vs %s", i, first[i], second[i])
		}
	}
}

func TestWeightedPoolWeightBias(t *testing.T) {
	pool := NewWeightedPool(rand.New(rand.NewSource(7)))
	pool.Register("addr_heavy", 10.0)
	pool.Register("addr_light", 0.1)

	heavy := 0
	for i := 0; i < 200; i++ {
		picked, err := pool.PickValidator("job_1", nil)
		if err != nil {
			t.Fatalf("pick: %v", err)
		}
		if picked == "addr_heavy" {
			heavy++
		}
	}
	if heavy < 150 {
		t.Fatalf("heavy validator picked %d/200, expected a strong majority", heavy)
	}
}

func TestWeightedPoolDeregister(t *testing.T) {
	pool := NewWeightedPool(rand.New(rand.NewSource(1)))
	pool.Register("addr_a", 1.0)
	pool.Register("addr_a", 0)

	if _, err := pool.PickValidator("job_1", nil); !errors.Is(err, ErrNoValidatorsAvailable) {
		t.Fatalf("expected empty pool after deregistration, got %v", err)
	}
}

func TestResolverAssignValidatorIdempotent(t *testing.T) {
	fix := newEngineFixture(t)
	fix.mustCreate(t, testJob("job_1"))
	fix.mustAssign(t, "job_1", testBid("job_1", "addr_worker", 800))
	fix.mustSubmit(t, "job_1", "addr_worker")
	fix.now = 1300
	if _, err := fix.engine.Dispute("job_1", "addr_req", "bad"); err != nil {
		t.Fatalf("dispute: %v", err)
	}

	pool := NewWeightedPool(rand.New(rand.NewSource(3)))
	pool.Register("addr_validator", 1.0)
	resolver := NewResolver(fix.engine, pool)

	esc, err := resolver.AssignValidator("job_1")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if esc.Dispute.Validator != "addr_validator" {
		t.Fatalf("validator %s, want addr_validator", esc.Dispute.Validator)
	}

	// A second assignment returns the existing choice even if the pool grew.
	pool.Register("addr_other", 100.0)
	again, err := resolver.AssignValidator("job_1")
	if err != nil {
		t.Fatalf("re-assign: %v", err)
	}
	if again.Dispute.Validator != "addr_validator" {
		t.Fatalf("validator changed to %s", again.Dispute.Validator)
	}
}

func TestResolverRequiresOpenDispute(t *testing.T) {
	fix := newEngineFixture(t)
	fix.mustCreate(t, testJob("job_1"))

	pool := NewWeightedPool(rand.New(rand.NewSource(3)))
	pool.Register("addr_validator", 1.0)
	resolver := NewResolver(fix.engine, pool)

	if _, err := resolver.AssignValidator("job_1"); !errors.Is(err, ErrNotDisputed) {
		t.Fatalf("expected ErrNotDisputed, got %v", err)
	}
	if _, err := resolver.RecordVerdict("job_1", VerdictValid); !errors.Is(err, ErrNotDisputed) {
		t.Fatalf("expected ErrNotDisputed, got %v", err)
	}
}
