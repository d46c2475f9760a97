package app

import "errors"

var (
	ErrInvalidPlan         = errors.New("invalid plan")
	ErrDisplayNameRequired = errors.New("display name is required")
	ErrInvalidDisplayName  = errors.New("display name is too long")
	ErrInvalidPhotoURL     = errors.New("photo URL must be an http(s) URL")
	ErrInvalidDOB          = errors.New("date of birth must be YYYY-MM-DD and not in the future")
	// ErrPaymentNotVerified means the checkout session is unpaid or belongs to someone else.
	ErrPaymentNotVerified = errors.New("payment could not be verified")
	ErrBillingUnavailable = errors.New("billing unavailable")
	ErrInvalidWebhook     = errors.New("invalid webhook")
)
