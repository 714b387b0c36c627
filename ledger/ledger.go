package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"aimarket/storage"
)

// Topics published by marketplace participants. Each topic is an independent
// append-only log with its own cursor space.
const (
	TopicJobs    = "jobs"
	TopicBids    = "bids"
	TopicResults = "results"
)

// ErrUnavailable signals a transient failure of the backing store or network.
// Callers must retry with backoff and never treat it as a state transition.
var ErrUnavailable = errors.New("ledger: unavailable")

// Record is a single entry read back from a topic log. Sequence numbers are
// monotonic per topic and serve as the read cursor.
type Record struct {
	ID         string          `json:"id"`
	Topic      string          `json:"topic"`
	Sequence   uint64          `json:"sequence"`
	AppendedAt int64           `json:"appendedAt"`
	Payload    json.RawMessage `json:"payload"`
}

// Adapter abstracts the decentralized storage/network layer used to publish
// and observe job, bid and result records. Reads are at-least-once: a poller
// restarted from an old cursor will observe records again.
type Adapter interface {
	Append(ctx context.Context, topic string, payload []byte) (string, error)
	// ReadSince returns up to limit records with sequence strictly greater
	// than cursor, together with the cursor to resume from.
	ReadSince(ctx context.Context, topic string, cursor uint64, limit int) ([]Record, uint64, error)
}

// Log is the reference Adapter backed by a storage.Database. Appends are
// serialised per log instance; sequence assignment and the record write are
// not visible half-done to readers because readers scan in key order and the
// head pointer is advanced only after the record is stored.
type Log struct {
	mu    sync.Mutex
	db    storage.Database
	nowFn func() int64
}

// NewLog constructs a topic log over the provided database. A nil nowFn
// selects the wall clock.
func NewLog(db storage.Database, nowFn func() int64) *Log {
	if nowFn == nil {
		nowFn = func() int64 { return time.Now().Unix() }
	}
	return &Log{db: db, nowFn: nowFn}
}

func (l *Log) now() int64 {
	return l.nowFn()
}

func headKey(topic string) []byte {
	return []byte("ledger/head/" + topic)
}

func recordKey(topic string, seq uint64) []byte {
	return []byte(fmt.Sprintf("ledger/log/%s/%020d", topic, seq))
}

func normalizeTopic(topic string) (string, error) {
	trimmed := strings.TrimSpace(topic)
	if trimmed == "" {
		return "", fmt.Errorf("ledger: empty topic")
	}
	if strings.ContainsAny(trimmed, "/ ") {
		return "", fmt.Errorf("ledger: invalid topic %q", topic)
	}
	return trimmed, nil
}

// Append publishes a record to the topic log and returns its identifier.
func (l *Log) Append(ctx context.Context, topic string, payload []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	normalized, err := normalizeTopic(topic)
	if err != nil {
		return "", err
	}
	if len(payload) == 0 {
		return "", fmt.Errorf("ledger: empty payload")
	}
	if !json.Valid(payload) {
		return "", fmt.Errorf("ledger: payload must be valid JSON")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	head, err := l.head(normalized)
	if err != nil {
		return "", err
	}
	seq := head + 1
	record := Record{
		ID:         "rec_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16],
		Topic:      normalized,
		Sequence:   seq,
		AppendedAt: l.now(),
		Payload:    append(json.RawMessage(nil), payload...),
	}
	encoded, err := json.Marshal(record)
	if err != nil {
		return "", err
	}
	if err := l.db.Put(recordKey(normalized, seq), encoded); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := l.db.Put(headKey(normalized), []byte(strconv.FormatUint(seq, 10))); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return record.ID, nil
}

// ReadSince returns records appended after the supplied cursor, oldest first.
func (l *Log) ReadSince(ctx context.Context, topic string, cursor uint64, limit int) ([]Record, uint64, error) {
	if err := ctx.Err(); err != nil {
		return nil, cursor, err
	}
	normalized, err := normalizeTopic(topic)
	if err != nil {
		return nil, cursor, err
	}
	if limit <= 0 {
		limit = 100
	}
	prefix := []byte("ledger/log/" + normalized + "/")
	records := make([]Record, 0, limit)
	next := cursor
	iterErr := l.db.IteratePrefix(prefix, func(_, value []byte) bool {
		var record Record
		if err := json.Unmarshal(value, &record); err != nil {
			return true
		}
		if record.Sequence <= cursor {
			return true
		}
		records = append(records, record)
		if record.Sequence > next {
			next = record.Sequence
		}
		return len(records) < limit
	})
	if iterErr != nil {
		return nil, cursor, fmt.Errorf("%w: %v", ErrUnavailable, iterErr)
	}
	return records, next, nil
}

func (l *Log) head(topic string) (uint64, error) {
	raw, err := l.db.Get(headKey(topic))
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	head, parseErr := strconv.ParseUint(string(raw), 10, 64)
	if parseErr != nil {
		return 0, fmt.Errorf("ledger: corrupt head pointer for %s: %v", topic, parseErr)
	}
	return head, nil
}
