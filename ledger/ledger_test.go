package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"aimarket/storage"
)

func newLog(t *testing.T) *Log {
	t.Helper()
	return NewLog(storage.NewMemDB(), func() int64 { return 1000 })
}

func TestAppendAssignsSequences(t *testing.T) {
	log := newLog(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		id, err := log.Append(ctx, TopicJobs, []byte(fmt.Sprintf(`{"n":%d}`, i)))
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if id == "" {
			t.Fatal("empty record id")
		}
	}

	records, cursor, err := log.ReadSince(ctx, TopicJobs, 0, 10)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("records %d, want 3", len(records))
	}
	for i, record := range records {
		if record.Sequence != uint64(i+1) {
			t.Fatalf("record %d sequence %d", i, record.Sequence)
		}
		if record.AppendedAt != 1000 {
			t.Fatalf("record %d timestamp %d", i, record.AppendedAt)
		}
	}
	if cursor != 3 {
		t.Fatalf("cursor %d, want 3", cursor)
	}
}

func TestReadSinceCursor(t *testing.T) {
	log := newLog(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := log.Append(ctx, TopicBids, []byte(`{}`)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	records, cursor, err := log.ReadSince(ctx, TopicBids, 2, 10)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(records) != 3 || records[0].Sequence != 3 {
		t.Fatalf("got %d records starting at %d", len(records), records[0].Sequence)
	}
	if cursor != 5 {
		t.Fatalf("cursor %d, want 5", cursor)
	}

	// Reading from the head yields nothing and keeps the cursor.
	records, cursor, err = log.ReadSince(ctx, TopicBids, 5, 10)
	if err != nil || len(records) != 0 || cursor != 5 {
		t.Fatalf("tail read records=%d cursor=%d err=%v", len(records), cursor, err)
	}
}

func TestReadSinceLimit(t *testing.T) {
	log := newLog(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := log.Append(ctx, TopicResults, []byte(`{}`)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	records, cursor, err := log.ReadSince(ctx, TopicResults, 0, 2)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(records) != 2 || cursor != 2 {
		t.Fatalf("records %d cursor %d, want 2/2", len(records), cursor)
	}
	// Resuming from the returned cursor continues without gaps.
	records, _, err = log.ReadSince(ctx, TopicResults, cursor, 10)
	if err != nil || len(records) != 3 || records[0].Sequence != 3 {
		t.Fatalf("resume records=%d err=%v", len(records), err)
	}
}

func TestTopicsAreIndependent(t *testing.T) {
	log := newLog(t)
	ctx := context.Background()
	if _, err := log.Append(ctx, TopicJobs, []byte(`{"kind":"job"}`)); err != nil {
		t.Fatalf("append job: %v", err)
	}
	if _, err := log.Append(ctx, TopicBids, []byte(`{"kind":"bid"}`)); err != nil {
		t.Fatalf("append bid: %v", err)
	}

	records, _, err := log.ReadSince(ctx, TopicJobs, 0, 10)
	if err != nil || len(records) != 1 {
		t.Fatalf("jobs topic records=%d err=%v", len(records), err)
	}
	if records[0].Sequence != 1 {
		t.Fatalf("jobs sequence %d, want independent numbering", records[0].Sequence)
	}
}

func TestAppendRejectsBadInput(t *testing.T) {
	log := newLog(t)
	ctx := context.Background()

	if _, err := log.Append(ctx, "", []byte(`{}`)); err == nil {
		t.Fatal("expected rejection for empty topic")
	}
	if _, err := log.Append(ctx, "bad topic", []byte(`{}`)); err == nil {
		t.Fatal("expected rejection for topic with space")
	}
	if _, err := log.Append(ctx, TopicJobs, nil); err == nil {
		t.Fatal("expected rejection for empty payload")
	}
	if _, err := log.Append(ctx, TopicJobs, []byte("not json")); err == nil {
		t.Fatal("expected rejection for invalid JSON")
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := log.Append(cancelled, TopicJobs, []byte(`{}`)); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context error, got %v", err)
	}
}

func TestWithRetryRecoversTransientFailure(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 4, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	attempts := 0
	err := WithRetry(context.Background(), policy, func() error {
		attempts++
		if attempts < 3 {
			return fmt.Errorf("%w: blip", ErrUnavailable)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts %d, want 3", attempts)
	}
}

func TestWithRetryReportsEachRetry(t *testing.T) {
	retries := 0
	policy := RetryPolicy{
		MaxAttempts: 4,
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
		OnRetry: func(attempt int, err error) {
			retries++
			if attempt != retries {
				t.Fatalf("attempt %d on retry %d", attempt, retries)
			}
			if !errors.Is(err, ErrUnavailable) {
				t.Fatalf("retry reported non-transient error %v", err)
			}
		},
	}
	attempts := 0
	err := WithRetry(context.Background(), policy, func() error {
		attempts++
		if attempts < 3 {
			return fmt.Errorf("%w: blip", ErrUnavailable)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	// Two failed attempts precede the success, so the hook fires twice.
	if retries != 2 {
		t.Fatalf("retries reported %d, want 2", retries)
	}
}

func TestWithRetryStopsOnPermanentError(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 4, BaseDelay: time.Millisecond}
	permanent := errors.New("bad payload")
	attempts := 0
	err := WithRetry(context.Background(), policy, func() error {
		attempts++
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("permanent error retried %d times", attempts)
	}
}

func TestWithRetryExhaustsBudget(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	attempts := 0
	err := WithRetry(context.Background(), policy, func() error {
		attempts++
		return fmt.Errorf("%w: down", ErrUnavailable)
	})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable after exhaustion, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts %d, want 3", attempts)
	}
}

func TestWithRetryHonoursContext(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 100, BaseDelay: 50 * time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := WithRetry(ctx, policy, func() error {
		attempts++
		return fmt.Errorf("%w: down", ErrUnavailable)
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
}

func TestJobRecordPreservesUnknownFields(t *testing.T) {
	wire := []byte(`{"schema":2,"id":"job_1","created":100,"expires":200,` +
		`"request":{"model_hint":"llama","prompt_ref":"bafy","max_tokens":10,"quality_threshold":"standard"},` +
		`"economics":{"max_price":"1000","payment_mode":"fixed","escrow_ref":"lock_1"},` +
		`"requester":{"address":"addr_req","reputation":0.5},` +
		`"future_field":{"nested":true}}`)

	var record JobRecord
	if err := json.Unmarshal(wire, &record); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if record.Schema != 2 || record.ID != "job_1" {
		t.Fatalf("known fields lost: %+v", record)
	}
	if _, ok := record.Extra["future_field"]; !ok {
		t.Fatalf("unknown field dropped: %v", record.Extra)
	}

	out, err := json.Marshal(record)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var roundTripped map[string]json.RawMessage
	if err := json.Unmarshal(out, &roundTripped); err != nil {
		t.Fatalf("decode round trip: %v", err)
	}
	if _, ok := roundTripped["future_field"]; !ok {
		t.Fatal("unknown field not carried through re-encode")
	}
}

func TestRecordValidation(t *testing.T) {
	job := &JobRecord{Schema: 1, ID: "job_1", Created: 100, Expires: 200}
	job.Economics.MaxPrice = "1000"
	job.Requester.Address = "addr_req"
	if err := job.Validate(); err != nil {
		t.Fatalf("valid job rejected: %v", err)
	}

	bad := &JobRecord{Schema: 1, ID: "job_1", Created: 200, Expires: 100}
	bad.Economics.MaxPrice = "1000"
	bad.Requester.Address = "addr_req"
	if err := bad.Validate(); err == nil {
		t.Fatal("expected rejection for inverted lifetime")
	}

	bid := &BidRecord{Schema: 1, RequestID: "job_1"}
	bid.Bidder.Address = "addr_worker"
	bid.Bid.Price = "700"
	if err := bid.Validate(); err != nil {
		t.Fatalf("valid bid rejected: %v", err)
	}
	bid.Bid.Price = ""
	if err := bid.Validate(); err == nil {
		t.Fatal("expected rejection for missing price")
	}
}
