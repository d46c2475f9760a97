// Package billing talks to the hosted checkout provider.
package billing

import (
	"context"
	"errors"

	"farmsmart/pkg/domain"
)

var (
	// ErrInvalidSignature rejects webhook payloads not signed by the provider.
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrNotConfigured    = errors.New("billing provider not configured")
	// ErrSessionNotFound means the provider has no checkout session with that id.
	ErrSessionNotFound = errors.New("checkout session not found")
)

// EventCheckoutCompleted is the only webhook event acted upon.
const EventCheckoutCompleted = "checkout.session.completed"

// CheckoutRequest describes a hosted subscription checkout.
type CheckoutRequest struct {
	UserID     string
	Email      string
	Plan       domain.Plan
	SuccessURL string
	CancelURL  string
}

// Session is the provider's view of one checkout.
type Session struct {
	ID  string
	URL string
	// UserID is the client reference attached at creation.
	UserID string
	Plan   domain.Plan
	Paid   bool
}

// Event is a verified webhook delivery.
type Event struct {
	ID      string
	Type    string
	Session Session
}

// CheckoutProvider creates and reads checkout sessions and verifies webhooks.
type CheckoutProvider interface {
	CreateSession(ctx context.Context, req CheckoutRequest) (Session, error)
	GetSession(ctx context.Context, id string) (Session, error)
	ParseWebhook(payload []byte, signature string) (Event, error)
}
