package ledger

import (
	"encoding/json"
	"fmt"
	"strings"
)

// SchemaVersion is the current wire schema for marketplace records. Records
// with a higher version are still readable: unknown fields are preserved
// opaquely and never interpreted by the core.
const SchemaVersion = 1

// JobRequest describes the work a requester wants performed. The prompt
// content lives behind an opaque blob reference.
type JobRequest struct {
	ModelHint        string `json:"model_hint"`
	PromptRef        string `json:"prompt_ref"`
	MaxTokens        int    `json:"max_tokens"`
	QualityThreshold string `json:"quality_threshold"`
}

// JobEconomics captures the pricing terms of a posting.
type JobEconomics struct {
	MaxPrice    string `json:"max_price"`
	PaymentMode string `json:"payment_mode"`
	EscrowRef   string `json:"escrow_ref"`
}

// ParticipantRef identifies a requester together with its reputation snapshot
// at publication time.
type ParticipantRef struct {
	Address    string  `json:"address"`
	Reputation float64 `json:"reputation"`
}

// BidderRef identifies a bidder and the hardware/model it offers.
type BidderRef struct {
	Address    string  `json:"address"`
	Model      string  `json:"model"`
	Reputation float64 `json:"reputation"`
	Hardware   string  `json:"hardware,omitempty"`
}

// BidTerms are the economic terms of a bid.
type BidTerms struct {
	Price          string `json:"price"`
	EstimatedTimeS int64  `json:"estimated_time_s"`
	Submitted      int64  `json:"submitted"`
}

// JobRecord is the wire form of a posted job.
type JobRecord struct {
	Schema    int            `json:"schema"`
	ID        string         `json:"id"`
	Created   int64          `json:"created"`
	Expires   int64          `json:"expires"`
	Request   JobRequest     `json:"request"`
	Economics JobEconomics   `json:"economics"`
	Requester ParticipantRef `json:"requester"`

	// Extra holds fields published by newer schema versions. They are carried
	// through verbatim and never interpreted.
	Extra map[string]json.RawMessage `json:"-"`
}

// BidRecord is the wire form of a bid against a posted job.
type BidRecord struct {
	Schema    int       `json:"schema"`
	RequestID string    `json:"request_id"`
	Bidder    BidderRef `json:"bidder"`
	Bid       BidTerms  `json:"bid"`

	Extra map[string]json.RawMessage `json:"-"`
}

// ResultRecord is the wire form of a submitted inference result.
type ResultRecord struct {
	Schema     int    `json:"schema"`
	RequestID  string `json:"request_id"`
	Bidder     string `json:"bidder"`
	ResultRef  string `json:"result_ref"`
	ResultHash string `json:"result_hash"`
	Submitted  int64  `json:"submitted"`

	Extra map[string]json.RawMessage `json:"-"`
}

type jobRecordAlias JobRecord
type bidRecordAlias BidRecord
type resultRecordAlias ResultRecord

// MarshalJSON merges preserved unknown fields back into the encoded record.
func (r JobRecord) MarshalJSON() ([]byte, error) {
	return marshalPreserving(jobRecordAlias(r), r.Extra)
}

// UnmarshalJSON decodes known fields and retains the rest opaquely.
func (r *JobRecord) UnmarshalJSON(data []byte) error {
	var alias jobRecordAlias
	extra, err := unmarshalPreserving(data, &alias)
	if err != nil {
		return err
	}
	*r = JobRecord(alias)
	r.Extra = extra
	return nil
}

func (r BidRecord) MarshalJSON() ([]byte, error) {
	return marshalPreserving(bidRecordAlias(r), r.Extra)
}

func (r *BidRecord) UnmarshalJSON(data []byte) error {
	var alias bidRecordAlias
	extra, err := unmarshalPreserving(data, &alias)
	if err != nil {
		return err
	}
	*r = BidRecord(alias)
	r.Extra = extra
	return nil
}

func (r ResultRecord) MarshalJSON() ([]byte, error) {
	return marshalPreserving(resultRecordAlias(r), r.Extra)
}

func (r *ResultRecord) UnmarshalJSON(data []byte) error {
	var alias resultRecordAlias
	extra, err := unmarshalPreserving(data, &alias)
	if err != nil {
		return err
	}
	*r = ResultRecord(alias)
	r.Extra = extra
	return nil
}

// Validate performs the structural checks required before a job record may be
// interpreted by the core.
func (r *JobRecord) Validate() error {
	if r == nil {
		return fmt.Errorf("ledger: nil job record")
	}
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("ledger: job record missing id")
	}
	if r.Expires <= r.Created {
		return fmt.Errorf("ledger: job %s expires before creation", r.ID)
	}
	if strings.TrimSpace(r.Economics.MaxPrice) == "" {
		return fmt.Errorf("ledger: job %s missing max price", r.ID)
	}
	if strings.TrimSpace(r.Requester.Address) == "" {
		return fmt.Errorf("ledger: job %s missing requester", r.ID)
	}
	return nil
}

// Validate performs the structural checks required before a bid record may be
// interpreted by the core.
func (r *BidRecord) Validate() error {
	if r == nil {
		return fmt.Errorf("ledger: nil bid record")
	}
	if strings.TrimSpace(r.RequestID) == "" {
		return fmt.Errorf("ledger: bid record missing request id")
	}
	if strings.TrimSpace(r.Bidder.Address) == "" {
		return fmt.Errorf("ledger: bid record missing bidder")
	}
	if strings.TrimSpace(r.Bid.Price) == "" {
		return fmt.Errorf("ledger: bid record missing price")
	}
	return nil
}

func marshalPreserving(known any, extra map[string]json.RawMessage) ([]byte, error) {
	base, err := json.Marshal(known)
	if err != nil {
		return nil, err
	}
	if len(extra) == 0 {
		return base, nil
	}
	merged := make(map[string]json.RawMessage, len(extra)+8)
	for key, value := range extra {
		merged[key] = value
	}
	var knownFields map[string]json.RawMessage
	if err := json.Unmarshal(base, &knownFields); err != nil {
		return nil, err
	}
	// Known fields always win over preserved ones.
	for key, value := range knownFields {
		merged[key] = value
	}
	return json.Marshal(merged)
}

func unmarshalPreserving(data []byte, known any) (map[string]json.RawMessage, error) {
	if err := json.Unmarshal(data, known); err != nil {
		return nil, err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, err
	}
	base, err := json.Marshal(known)
	if err != nil {
		return nil, err
	}
	var knownFields map[string]json.RawMessage
	if err := json.Unmarshal(base, &knownFields); err != nil {
		return nil, err
	}
	extra := make(map[string]json.RawMessage)
	for key, value := range all {
		if _, ok := knownFields[key]; !ok {
			extra[key] = value
		}
	}
	if len(extra) == 0 {
		return nil, nil
	}
	return extra, nil
}
