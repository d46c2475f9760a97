package app

import (
	"errors"

	"farmsmart/internal/turnlock"
	"farmsmart/pkg/attachment"
)

var (
	ErrEmptyMessage          = errors.New("message or file is required")
	ErrConversationNotFound  = errors.New("conversation not found")
	ErrConversationForbidden = errors.New("conversation forbidden")
	// ErrTurnInFlight is returned while another turn of the same conversation runs.
	ErrTurnInFlight = turnlock.ErrBusy

	ErrEmptyFile           = attachment.ErrEmptyFile
	ErrUnsupportedFileType = attachment.ErrUnsupportedType
	ErrFileTooLarge        = attachment.ErrTooLarge
	ErrInvalidFile         = attachment.ErrInvalidFile
)
