package market

import (
	"strconv"

	"aimarket/core/events"
)

const (
	EventTypeJobPosted         = "market.job.posted"
	EventTypeBidSubmitted      = "market.bid.submitted"
	EventTypeEscrowAssigned    = "market.escrow.assigned"
	EventTypeResultSubmitted   = "market.escrow.submitted"
	EventTypeEscrowApproved    = "market.escrow.approved"
	EventTypeEscrowRefunded    = "market.escrow.refunded"
	EventTypeEscrowDisputed    = "market.escrow.disputed"
	EventTypeValidatorAssigned = "market.dispute.validator_assigned"
	EventTypeDisputeResolved   = "market.dispute.resolved"
)

// NewJobPostedEvent returns the canonical event payload for a new posting.
func NewJobPostedEvent(job *Job) *events.Event {
	attrs := map[string]string{}
	if job != nil {
		attrs["jobId"] = job.ID
		attrs["requester"] = job.Requester
		attrs["maxPrice"] = job.MaxPrice.String()
		attrs["paymentMode"] = job.PaymentMode
		attrs["quality"] = job.Quality.String()
		attrs["expires"] = strconv.FormatInt(job.ExpiresAt, 10)
	}
	return &events.Event{Type: EventTypeJobPosted, Attributes: attrs}
}

// NewBidSubmittedEvent returns the canonical event payload for an accepted bid.
func NewBidSubmittedEvent(bid *Bid) *events.Event {
	attrs := map[string]string{}
	if bid != nil {
		attrs["jobId"] = bid.JobID
		attrs["bidder"] = bid.Bidder
		attrs["price"] = bid.Price.String()
		attrs["submitted"] = strconv.FormatInt(bid.SubmittedAt, 10)
	}
	return &events.Event{Type: EventTypeBidSubmitted, Attributes: attrs}
}

// NewValidatorAssignedEvent returns the event emitted when a dispute gains a
// validator.
func NewValidatorAssignedEvent(jobID, validator string) *events.Event {
	return &events.Event{Type: EventTypeValidatorAssigned, Attributes: map[string]string{
		"jobId":     jobID,
		"validator": validator,
	}}
}

func newEscrowEvent(eventType string, esc *Escrow) *events.Event {
	attrs := map[string]string{}
	if esc != nil {
		attrs["jobId"] = esc.JobID
		attrs["requester"] = esc.Requester
		attrs["state"] = esc.State.String()
		attrs["locked"] = esc.LockedAmount.String()
		if esc.Bidder != "" {
			attrs["bidder"] = esc.Bidder
		}
		if esc.AgreedPrice != nil {
			attrs["price"] = esc.AgreedPrice.String()
		}
		if esc.Outcome != "" {
			attrs["outcome"] = esc.Outcome
		}
		if esc.ResultHash != "" {
			attrs["resultHash"] = esc.ResultHash
		}
	}
	return &events.Event{Type: eventType, Attributes: attrs}
}

// NewAssignedEvent returns the event emitted when a winner is assigned.
func NewAssignedEvent(esc *Escrow) *events.Event { return newEscrowEvent(EventTypeEscrowAssigned, esc) }

// NewResultSubmittedEvent returns the event emitted when a result arrives.
func NewResultSubmittedEvent(esc *Escrow) *events.Event {
	return newEscrowEvent(EventTypeResultSubmitted, esc)
}

// NewApprovedEvent returns the event emitted on approval (explicit or auto).
func NewApprovedEvent(esc *Escrow) *events.Event { return newEscrowEvent(EventTypeEscrowApproved, esc) }

// NewRefundedEvent returns the event emitted when the lock returns to the
// requester.
func NewRefundedEvent(esc *Escrow) *events.Event { return newEscrowEvent(EventTypeEscrowRefunded, esc) }

// NewDisputedEvent returns the event emitted when a dispute is raised.
func NewDisputedEvent(esc *Escrow) *events.Event { return newEscrowEvent(EventTypeEscrowDisputed, esc) }

// NewDisputeResolvedEvent returns the event emitted once a verdict settles
// the dispute.
func NewDisputeResolvedEvent(esc *Escrow) *events.Event {
	evt := newEscrowEvent(EventTypeDisputeResolved, esc)
	if esc != nil && esc.Dispute != nil {
		evt.Attributes["verdict"] = esc.Dispute.Verdict.String()
		evt.Attributes["validator"] = esc.Dispute.Validator
	}
	return evt
}
