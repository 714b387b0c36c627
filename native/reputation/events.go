package reputation

import (
	"strconv"

	"aimarket/core/events"
)

const (
	// EventTypeSlashed is emitted when a penalty lands on an address.
	EventTypeSlashed = "reputation.slashed"
	// EventTypeScoreAdjusted is emitted for routine outcome adjustments.
	EventTypeScoreAdjusted = "reputation.scoreAdjusted"
)

// NewSlashedEvent returns the canonical event payload for a slash.
func NewSlashedEvent(record *SlashRecord) *events.Event {
	attrs := make(map[string]string)
	if record == nil {
		return &events.Event{Type: EventTypeSlashed, Attributes: attrs}
	}
	attrs["address"] = record.Address
	attrs["reason"] = record.Reason
	attrs["penalty"] = strconv.FormatFloat(record.Penalty, 'f', -1, 64)
	attrs["score"] = strconv.FormatFloat(record.After, 'f', -1, 64)
	attrs["appliedAt"] = strconv.FormatInt(record.AppliedAt, 10)
	return &events.Event{Type: EventTypeSlashed, Attributes: attrs}
}

// NewScoreAdjustedEvent returns the canonical event payload for an outcome
// adjustment.
func NewScoreAdjustedEvent(profile *Profile) *events.Event {
	attrs := make(map[string]string)
	if profile == nil {
		return &events.Event{Type: EventTypeScoreAdjusted, Attributes: attrs}
	}
	attrs["address"] = profile.Address
	attrs["score"] = strconv.FormatFloat(profile.Score, 'f', -1, 64)
	attrs["completed"] = strconv.FormatInt(profile.Completed, 10)
	attrs["failed"] = strconv.FormatInt(profile.Failed, 10)
	attrs["updatedAt"] = strconv.FormatInt(profile.UpdatedAt, 10)
	return &events.Event{Type: EventTypeScoreAdjusted, Attributes: attrs}
}
