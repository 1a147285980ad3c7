package domain

import (
	"errors"
	"fmt"
)

// Taxonomía de errores de sincronización. Los errores concretos envuelven una de estas clases.
var (
	ErrValidation     = errors.New("validation error")
	ErrPersistence    = errors.New("persistence error")
	ErrRemoteWrite    = errors.New("remote write error")
	ErrRemoteRead     = errors.New("remote read error")
	ErrExhaustedRetry = errors.New("exhausted retry error")
)

var (
	ErrEmptyMessage     = fmt.Errorf("%w: message text is empty", ErrValidation)
	ErrDuplicateMessage = fmt.Errorf("%w: duplicate message id", ErrValidation)
	ErrMessageNotFound  = fmt.Errorf("%w: message not found", ErrValidation)
	ErrMissingContext   = fmt.Errorf("%w: user or conversation not set", ErrValidation)
)
