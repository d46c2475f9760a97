package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"

	"farmsmart/pkg/domain"
)

// StripeConfig configures StripeProvider.
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	// Prices maps a plan to its recurring price id.
	Prices map[domain.Plan]string
	// Backend overrides the API endpoint (tests).
	Backend stripe.Backend
}

// StripeProvider implements CheckoutProvider on Stripe Checkout.
type StripeProvider struct {
	api           *client.API
	webhookSecret string
	prices        map[domain.Plan]string
}

// NewStripeProvider builds a provider. A missing price for enterprise falls
// back to the pro price.
func NewStripeProvider(cfg StripeConfig) (*StripeProvider, error) {
	key := strings.TrimSpace(cfg.SecretKey)
	if key == "" {
		return nil, errors.New("stripe secret key required")
	}
	prices := map[domain.Plan]string{}
	for plan, price := range cfg.Prices {
		if price = strings.TrimSpace(price); price != "" {
			prices[plan] = price
		}
	}
	if prices[domain.PlanPro] == "" {
		return nil, errors.New("stripe price for plan pro required")
	}
	if prices[domain.PlanEnterprise] == "" {
		prices[domain.PlanEnterprise] = prices[domain.PlanPro]
	}
	var backends *stripe.Backends
	if cfg.Backend != nil {
		backends = &stripe.Backends{API: cfg.Backend, Connect: cfg.Backend, Uploads: cfg.Backend}
	}
	return &StripeProvider{
		api:           client.New(key, backends),
		webhookSecret: strings.TrimSpace(cfg.WebhookSecret),
		prices:        prices,
	}, nil
}

// CreateSession opens a hosted subscription checkout for req.Plan.
func (p *StripeProvider) CreateSession(ctx context.Context, req CheckoutRequest) (Session, error) {
	price, ok := p.prices[req.Plan]
	if !ok {
		return Session{}, fmt.Errorf("no price for plan %q", req.Plan)
	}
	params := &stripe.CheckoutSessionParams{
		Mode:               stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(price), Quantity: stripe.Int64(1)},
		},
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		ClientReferenceID: stripe.String(req.UserID),
	}
	if req.Email != "" {
		params.CustomerEmail = stripe.String(req.Email)
	}
	params.Context = ctx
	params.AddMetadata("plan", string(req.Plan))
	params.AddMetadata("uid", req.UserID)
	sess, err := p.api.CheckoutSessions.New(params)
	if err != nil {
		return Session{}, fmt.Errorf("create checkout session: %w", err)
	}
	return toSession(sess), nil
}

// GetSession fetches a checkout session by id.
func (p *StripeProvider) GetSession(ctx context.Context, id string) (Session, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	sess, err := p.api.CheckoutSessions.Get(id, params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && (stripeErr.HTTPStatusCode == http.StatusNotFound || stripeErr.Code == stripe.ErrorCodeResourceMissing) {
			return Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		return Session{}, fmt.Errorf("get checkout session: %w", err)
	}
	return toSession(sess), nil
}

// ParseWebhook verifies the Stripe-Signature header and decodes the event.
func (p *StripeProvider) ParseWebhook(payload []byte, signature string) (Event, error) {
	if p.webhookSecret == "" {
		return Event{}, ErrNotConfigured
	}
	ev, err := webhook.ConstructEventWithOptions(payload, signature, p.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	out := Event{ID: ev.ID, Type: string(ev.Type)}
	if out.Type == EventCheckoutCompleted && ev.Data != nil {
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(ev.Data.Raw, &sess); err != nil {
			return Event{}, fmt.Errorf("decode checkout session: %w", err)
		}
		out.Session = toSession(&sess)
	}
	return out, nil
}

func toSession(sess *stripe.CheckoutSession) Session {
	if sess == nil {
		return Session{}
	}
	userID := sess.ClientReferenceID
	if userID == "" {
		userID = sess.Metadata["uid"]
	}
	return Session{
		ID:     sess.ID,
		URL:    sess.URL,
		UserID: userID,
		Plan:   domain.Plan(sess.Metadata["plan"]),
		Paid: sess.Status == stripe.CheckoutSessionStatusComplete &&
			(sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid ||
				sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusNoPaymentRequired),
	}
}
