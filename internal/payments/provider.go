package payments

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the provider-neutral state of a payment intent.
type Status string

const (
	// StatusPending indicates the buyer has not completed payment yet.
	StatusPending Status = "pending"
	// StatusSucceeded indicates the payment settled.
	StatusSucceeded Status = "succeeded"
	// StatusCanceled indicates the intent was voided before settlement.
	StatusCanceled Status = "canceled"
	// StatusRefunded indicates the payment settled and was later fully refunded.
	StatusRefunded Status = "refunded"
	// StatusFailed indicates the gateway rejected the payment.
	StatusFailed Status = "failed"
)

// IntentRequest describes the payment intent to open for an order.
type IntentRequest struct {
	OrderID        string
	OrderNumber    string
	Amount         decimal.Decimal
	Currency       string
	Description    string
	ReturnURL      string
	IdempotencyKey string
	Metadata       map[string]string
}

// Intent is the gateway's view of an opened payment.
type Intent struct {
	Provider    string
	ID          string
	Status      Status
	Amount      decimal.Decimal
	Currency    string
	RedirectURL string
	CreatedAt   time.Time
	Raw         map[string]any
}

// RefundRequest asks the gateway to return funds for a settled intent.
type RefundRequest struct {
	IntentID       string
	Amount         decimal.Decimal
	Currency       string
	Reason         string
	IdempotencyKey string
	Metadata       map[string]string
}

// Provider abstracts the payment gateway used to collect order payments.
// Implementations must be safe for concurrent use.
type Provider interface {
	// CreateIntent opens a fresh payment intent and returns the redirect
	// URL the buyer completes payment at.
	CreateIntent(ctx context.Context, req IntentRequest) (Intent, error)
	// Lookup retrieves the current state of an intent.
	Lookup(ctx context.Context, intentID string) (Intent, error)
	// Cancel voids an intent that has not settled.
	Cancel(ctx context.Context, intentID string) (Intent, error)
	// Refund returns funds for a settled intent.
	Refund(ctx context.Context, req RefundRequest) (Intent, error)
}
