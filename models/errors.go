package models

import (
	"errors"

	"github.com/gofiber/fiber/v2"
)

// Domain error kinds. Services wrap these with context via fmt.Errorf("%w");
// handlers translate them to HTTP statuses with StatusFor.
var (
	ErrNotFound         = errors.New("not found")
	ErrInvalidState     = errors.New("invalid state for operation")
	ErrValidation       = errors.New("validation failed")
	ErrAlreadyFull      = errors.New("already full")
	ErrInvalidOperation = errors.New("operation not allowed")

	// ErrAdvisoryUnavailable marks a failed or timed-out advisor call. It is
	// always absorbed inside the services (deterministic fallback applies) and
	// must never reach a handler.
	ErrAdvisoryUnavailable = errors.New("advisory unavailable")
)

// StatusFor maps a domain error to an HTTP status code.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, ErrValidation):
		return fiber.StatusBadRequest
	case errors.Is(err, ErrInvalidState),
		errors.Is(err, ErrAlreadyFull),
		errors.Is(err, ErrInvalidOperation):
		return fiber.StatusConflict
	default:
		return fiber.StatusInternalServerError
	}
}
