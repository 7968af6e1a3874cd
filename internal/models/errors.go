package models

import "errors"

var (
	ErrProviderUnconfigured = errors.New("payment provider not configured")
	ErrProviderRejected     = errors.New("payment provider rejected the request")
	ErrProviderTimeout      = errors.New("payment provider timed out")
	ErrUnsupported          = errors.New("operation not supported by provider")
	ErrUnknownProvider      = errors.New("unknown payment provider")
	ErrInvalidSignature     = errors.New("invalid callback signature")

	ErrInvalidTransition  = errors.New("invalid payment transition")
	ErrIntentNotFound     = errors.New("payment intent not found")
	ErrAmountMismatch     = errors.New("payment amount does not match course price")
	ErrDuplicateReference = errors.New("provider reference already used by another payment")

	ErrCourseNotFound  = errors.New("course not found")
	ErrAlreadyEnrolled = errors.New("user already has an active enrollment")
	ErrInvalidMethod   = errors.New("payment method not supported by provider")
)
