package models

import "encoding/json"

// TransitionDetails is the side data of one transition. The set of
// implementations is closed; each variant names its kind for the audit trail.
type TransitionDetails interface {
	Kind() string
	transitionDetails()
}

type AcceptanceDetails struct {
	Notes string `json:"notes,omitempty"`
}

type RejectionDetails struct {
	Reason string `json:"reason"`
}

type CancellationDetails struct {
	Reason            string  `json:"reason,omitempty"`
	InitiatedBy       Party   `json:"initiated_by"`
	HoursUntilService float64 `json:"hours_until_service"`
	RefundPercentage  int     `json:"refund_percentage"`
	RefundAmount      int64   `json:"refund_amount"`
	CallerSupplied    bool    `json:"caller_supplied,omitempty"`
}

type PaymentDetails struct {
	Attempt        int    `json:"attempt"`
	AmountCents    int64  `json:"amount_cents"`
	ChargeRef      string `json:"charge_ref,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	Failure        string `json:"failure,omitempty"`
}

type StartDetails struct {
	Notes string `json:"notes,omitempty"`
}

type CompletionDetails struct {
	Notes  string `json:"notes,omitempty"`
	NoShow bool   `json:"no_show,omitempty"`
}

type RefundDetails struct {
	AmountCents    int64  `json:"amount_cents"`
	RefundRef      string `json:"refund_ref"`
	IdempotencyKey string `json:"idempotency_key"`
}

// ReconciliationDetails records a marker being set or cleared without a status change.
type ReconciliationDetails struct {
	Marker  Reconciliation `json:"marker"`
	Message string         `json:"message,omitempty"`
}

func (AcceptanceDetails) Kind() string     { return "acceptance" }
func (RejectionDetails) Kind() string      { return "rejection" }
func (CancellationDetails) Kind() string   { return "cancellation" }
func (PaymentDetails) Kind() string        { return "payment" }
func (StartDetails) Kind() string          { return "start" }
func (CompletionDetails) Kind() string     { return "completion" }
func (RefundDetails) Kind() string         { return "refund" }
func (ReconciliationDetails) Kind() string { return "reconciliation" }

func (AcceptanceDetails) transitionDetails()     {}
func (RejectionDetails) transitionDetails()      {}
func (CancellationDetails) transitionDetails()   {}
func (PaymentDetails) transitionDetails()        {}
func (StartDetails) transitionDetails()          {}
func (CompletionDetails) transitionDetails()     {}
func (RefundDetails) transitionDetails()         {}
func (ReconciliationDetails) transitionDetails() {}

// Reason returns the human reason carried by the details, if any.
func Reason(d TransitionDetails) string {
	switch v := d.(type) {
	case RejectionDetails:
		return v.Reason
	case CancellationDetails:
		return v.Reason
	case AcceptanceDetails:
		return v.Notes
	case StartDetails:
		return v.Notes
	case CompletionDetails:
		return v.Notes
	case ReconciliationDetails:
		return v.Message
	}
	return ""
}

// MarshalDetails encodes details for the audit row.
func MarshalDetails(d TransitionDetails) ([]byte, error) {
	if d == nil {
		return nil, nil
	}
	return json.Marshal(d)
}
