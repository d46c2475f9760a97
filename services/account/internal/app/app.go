package app

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"farmsmart/internal/usertoken"
	"farmsmart/internal/util"
	"farmsmart/pkg/domain"
	"farmsmart/pkg/queue"
	"farmsmart/pkg/store"
	"farmsmart/services/account/internal/billing"
	"farmsmart/services/account/internal/security"
)

const maxDisplayNameRunes = 80

// Alerter counts security events.
type Alerter interface {
	Observe(ctx context.Context, event, outcome, subject string) (security.AlertResult, error)
}

// Config holds runtime configuration for the account core.
type Config struct {
	Store    store.Store
	Checkout billing.CheckoutProvider
	Alerter  Alerter
	// SiteURL is the public origin the checkout provider redirects back to.
	SiteURL string
	// TrustReturnFlag grants premium on a bare premium=true return.
	TrustReturnFlag bool
	// Quotas is the total query allowance per plan.
	Quotas map[domain.Plan]int
	Now    func() time.Time
}

// App serves profiles, dashboards and billing.
type App struct {
	store           store.Store
	checkout        billing.CheckoutProvider
	alerter         Alerter
	siteURL         string
	trustReturnFlag bool
	quotas          map[domain.Plan]int
	now             func() time.Time
}

// DefaultQuotas are used for plans missing from Config.Quotas.
var DefaultQuotas = map[domain.Plan]int{
	domain.PlanFree:       1000,
	domain.PlanPro:        10000,
	domain.PlanEnterprise: 100000,
}

// New constructs the application.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("store required")
	}
	quotas := make(map[domain.Plan]int, len(DefaultQuotas))
	for plan, n := range DefaultQuotas {
		quotas[plan] = n
	}
	for plan, n := range cfg.Quotas {
		if n > 0 {
			quotas[plan] = n
		}
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &App{
		store:           cfg.Store,
		checkout:        cfg.Checkout,
		alerter:         cfg.Alerter,
		siteURL:         strings.TrimRight(strings.TrimSpace(cfg.SiteURL), "/"),
		trustReturnFlag: cfg.TrustReturnFlag,
		quotas:          quotas,
		now:             now,
	}, nil
}

// GetProfile returns the stored profile merged over the identity claims.
// Email always comes from the identity provider.
func (a *App) GetProfile(_ context.Context, user usertoken.Identity) (domain.Profile, error) {
	stored, ok, err := a.store.GetProfile(user.UID)
	if err != nil {
		return domain.Profile{}, fmt.Errorf("load profile: %w", err)
	}
	profile := domain.Profile{
		UID:         user.UID,
		DisplayName: user.Name,
		PhotoURL:    user.Picture,
		Plan:        domain.PlanFree,
	}
	if ok {
		profile = stored
		if profile.DisplayName == "" {
			profile.DisplayName = user.Name
		}
		if profile.PhotoURL == "" {
			profile.PhotoURL = user.Picture
		}
		if profile.Plan == "" {
			profile.Plan = domain.PlanFree
		}
	}
	profile.Email = user.Email
	return profile, nil
}

// ProfilePatch carries the editable fields. Nil leaves a field unchanged.
type ProfilePatch struct {
	DisplayName *string `json:"displayName"`
	PhotoURL    *string `json:"photoURL"`
	DOB         *string `json:"dob"`
}

// UpdateProfile validates and saves the editable profile fields.
func (a *App) UpdateProfile(ctx context.Context, user usertoken.Identity, patch ProfilePatch) (domain.Profile, error) {
	profile, err := a.GetProfile(ctx, user)
	if err != nil {
		return domain.Profile{}, err
	}
	if patch.DisplayName != nil {
		profile.DisplayName = strings.TrimSpace(*patch.DisplayName)
	}
	if profile.DisplayName == "" {
		return domain.Profile{}, ErrDisplayNameRequired
	}
	if utf8.RuneCountInString(profile.DisplayName) > maxDisplayNameRunes {
		return domain.Profile{}, ErrInvalidDisplayName
	}
	if patch.PhotoURL != nil {
		photo := strings.TrimSpace(*patch.PhotoURL)
		if photo != "" {
			u, err := url.Parse(photo)
			if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
				return domain.Profile{}, ErrInvalidPhotoURL
			}
		}
		profile.PhotoURL = photo
	}
	if patch.DOB != nil {
		dob := strings.TrimSpace(*patch.DOB)
		if dob != "" {
			born, err := time.Parse("2006-01-02", dob)
			if err != nil || born.After(a.now()) {
				return domain.Profile{}, ErrInvalidDOB
			}
		}
		profile.DOB = dob
	}
	if err := a.store.SaveProfile(profile); err != nil {
		return domain.Profile{}, fmt.Errorf("save profile: %w", err)
	}
	return a.GetProfile(ctx, user)
}

// Dashboard is the per-user usage summary.
type Dashboard struct {
	Premium          bool           `json:"premium"`
	Plan             domain.Plan    `json:"plan"`
	PremiumSince     *time.Time     `json:"premiumSince,omitempty"`
	QueriesToday     int            `json:"queriesToday"`
	UsedQueries      int            `json:"usedQueries"`
	TotalQueries     int            `json:"totalQueries"`
	RemainingQueries int            `json:"remainingQueries"`
	ToolUsage        map[string]int `json:"toolUsage"`
	WeeklyUsage      []DayCount     `json:"weeklyUsage"`
	MostUsedTool     string         `json:"mostUsedTool"`
}

// DayCount is one bar of the weekday histogram.
type DayCount struct {
	Day   string `json:"day"`
	Count int    `json:"count"`
}

var weekdays = []string{"Mon", "Tue", "Wed", "Thu", "Fri", "Sat", "Sun"}

// Dashboard assembles premium state, quota and usage histograms.
func (a *App) Dashboard(ctx context.Context, user usertoken.Identity) (Dashboard, error) {
	profile, err := a.GetProfile(ctx, user)
	if err != nil {
		return Dashboard{}, err
	}
	stats, _, err := a.store.GetUsageStats(user.UID)
	if err != nil {
		return Dashboard{}, fmt.Errorf("load usage stats: %w", err)
	}
	plan := profile.Plan
	if !profile.Premium || plan == "" {
		plan = domain.PlanFree
	}
	total := a.quotas[plan]
	remaining := total - stats.UsedQueries
	if remaining < 0 {
		remaining = 0
	}
	today := 0
	if stats.Day == domain.DayKey(a.now()) {
		today = stats.QueriesToday
	}
	tools := stats.ToolUsage
	if tools == nil {
		tools = map[string]int{}
	}
	weekly := make([]DayCount, 0, len(weekdays))
	for _, day := range weekdays {
		weekly = append(weekly, DayCount{Day: day, Count: stats.WeekdayUsage[day]})
	}
	return Dashboard{
		Premium:          profile.Premium,
		Plan:             plan,
		PremiumSince:     profile.PremiumSince,
		QueriesToday:     today,
		UsedQueries:      stats.UsedQueries,
		TotalQueries:     total,
		RemainingQueries: remaining,
		ToolUsage:        tools,
		WeeklyUsage:      weekly,
		MostUsedTool:     MostUsedTool(tools),
	}, nil
}

// MostUsedTool returns the category with the highest count. Ties go to the
// lexically smallest name; an empty map yields "".
func MostUsedTool(usage map[string]int) string {
	names := make([]string, 0, len(usage))
	for name := range usage {
		names = append(names, name)
	}
	sort.Strings(names)
	best, bestCount := "", 0
	for _, name := range names {
		if usage[name] > bestCount {
			best, bestCount = name, usage[name]
		}
	}
	return best
}

// CreateCheckoutSession opens a hosted checkout for plan and returns its URL.
func (a *App) CreateCheckoutSession(ctx context.Context, user usertoken.Identity, plan domain.Plan) (string, error) {
	if !plan.Valid() {
		return "", ErrInvalidPlan
	}
	if a.checkout == nil {
		return "", ErrBillingUnavailable
	}
	sess, err := a.checkout.CreateSession(ctx, billing.CheckoutRequest{
		UserID: user.UID,
		Email:  user.Email,
		Plan:   plan,
		// {CHECKOUT_SESSION_ID} is substituted by the provider.
		SuccessURL: a.siteURL + "/dashboard?premium=true&session_id={CHECKOUT_SESSION_ID}",
		CancelURL:  a.siteURL + "/dashboard",
	})
	if err != nil {
		util.Audit(ctx, "billing.checkout", "fail", "user_id", user.UID, "plan", plan, "reason", err.Error())
		return "", fmt.Errorf("%w: %v", ErrBillingUnavailable, err)
	}
	if sess.URL == "" {
		return "", fmt.Errorf("%w: provider returned no url", ErrBillingUnavailable)
	}
	util.Audit(ctx, "billing.checkout", "success", "user_id", user.UID, "plan", plan, "session_id", sess.ID)
	return sess.URL, nil
}

// ReturnRequest is the browser's return from the hosted checkout page.
type ReturnRequest struct {
	Premium   bool
	SessionID string
	// Plan is what the client asked for. It is recorded but never trusted:
	// verified sessions carry their own plan and unverified returns get pro.
	Plan domain.Plan
}

// ConfirmReturn handles the post-checkout redirect. With a session id the
// session is verified against the provider; without one the premium flag is
// trusted only when TrustReturnFlag is set.
func (a *App) ConfirmReturn(ctx context.Context, user usertoken.Identity, req ReturnRequest) (domain.Profile, error) {
	if !req.Premium {
		return a.GetProfile(ctx, user)
	}
	sessionID := strings.TrimSpace(req.SessionID)
	switch {
	case sessionID != "" && a.checkout != nil:
		sess, err := a.checkout.GetSession(ctx, sessionID)
		if errors.Is(err, billing.ErrSessionNotFound) {
			a.observe(ctx, "billing.premium", "fail", user.UID, "session_id", sessionID, "reason", "unknown_session")
			return domain.Profile{}, ErrPaymentNotVerified
		}
		if err != nil {
			return domain.Profile{}, fmt.Errorf("%w: %v", ErrBillingUnavailable, err)
		}
		if !sess.Paid || sess.UserID != user.UID {
			a.observe(ctx, "billing.premium", "fail", user.UID, "session_id", sessionID, "reason", "not_paid_or_not_owner")
			return domain.Profile{}, ErrPaymentNotVerified
		}
		plan := sess.Plan
		if !plan.Valid() {
			plan = domain.PlanPro
		}
		if err := a.store.SetPremium(user.UID, plan, a.now()); err != nil {
			return domain.Profile{}, fmt.Errorf("set premium: %w", err)
		}
		util.Audit(ctx, "billing.premium", "success", "user_id", user.UID, "plan", plan, "session_id", sessionID, "verified", true)
	case a.trustReturnFlag:
		// An unverified return never grants more than pro.
		plan := domain.PlanPro
		if err := a.store.SetPremium(user.UID, plan, a.now()); err != nil {
			return domain.Profile{}, fmt.Errorf("set premium: %w", err)
		}
		a.observe(ctx, "billing.premium", "unverified", user.UID, "plan", plan, "requested_plan", req.Plan)
	default:
		a.observe(ctx, "billing.premium", "fail", user.UID, "reason", "missing_session")
		return domain.Profile{}, ErrPaymentNotVerified
	}
	return a.GetProfile(ctx, user)
}

// HandleWebhook applies a signed provider event. Completed, paid checkouts
// mark the referenced user premium.
func (a *App) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	if a.checkout == nil {
		return ErrBillingUnavailable
	}
	ev, err := a.checkout.ParseWebhook(payload, signature)
	if err != nil {
		if errors.Is(err, billing.ErrInvalidSignature) {
			a.observe(ctx, "billing.webhook", "fail", "", "reason", "invalid_signature")
			return fmt.Errorf("%w: %v", ErrInvalidWebhook, err)
		}
		return fmt.Errorf("%w: %v", ErrBillingUnavailable, err)
	}
	if ev.Type != billing.EventCheckoutCompleted {
		return nil
	}
	sess := ev.Session
	if !sess.Paid || sess.UserID == "" {
		util.LoggerFromContext(ctx).Info("ignoring unpaid checkout", "event_id", ev.ID, "session_id", sess.ID)
		return nil
	}
	plan := sess.Plan
	if !plan.Valid() {
		plan = domain.PlanPro
	}
	if err := a.store.SetPremium(sess.UserID, plan, a.now()); err != nil {
		return fmt.Errorf("set premium: %w", err)
	}
	util.Audit(ctx, "billing.webhook", "success", "user_id", sess.UserID, "plan", plan, "event_id", ev.ID)
	return nil
}

// ApplyUsage is the usage queue handler.
func (a *App) ApplyUsage(ctx context.Context, job queue.Job) error {
	if strings.TrimSpace(job.Event.UserID) == "" {
		return nil
	}
	if job.Event.At.IsZero() {
		job.Event.At = job.CreatedAt
	}
	if strings.TrimSpace(job.Event.Category) == "" {
		job.Event.Category = "AI Chat"
	}
	if _, err := a.store.RecordUsage(job.Event); err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	util.LoggerFromContext(ctx).Debug("usage recorded", "job_id", job.ID, "user_id", job.Event.UserID, "category", job.Event.Category)
	return nil
}

// Observe audits a security event and feeds it to the alerter. subject is a
// user id or client address.
func (a *App) Observe(ctx context.Context, event, outcome, subject string, attrs ...any) {
	a.observe(ctx, event, outcome, subject, attrs...)
}

func (a *App) observe(ctx context.Context, event, outcome, uid string, attrs ...any) {
	if uid != "" {
		attrs = append([]any{"user_id", uid}, attrs...)
	}
	util.Audit(ctx, event, outcome, attrs...)
	if a.alerter == nil {
		return
	}
	res, err := a.alerter.Observe(ctx, event, outcome, uid)
	if err != nil {
		util.LoggerFromContext(ctx).Warn("security alerter failed", "event", event, "err", err)
		return
	}
	if res.Triggered {
		util.LoggerFromContext(ctx).Error("security alert", "event", event, "outcome", outcome, "user_id", uid, "count", res.Count, "threshold", res.Threshold, "window", res.Window.String())
	}
}
