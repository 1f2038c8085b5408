package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/crosslane/crosslane/internal/custody"
	"github.com/crosslane/crosslane/internal/fees"
	"github.com/crosslane/crosslane/internal/hub"
	"github.com/crosslane/crosslane/internal/messenger"
	"github.com/crosslane/crosslane/internal/registry"
	"github.com/crosslane/crosslane/internal/spoke"
)

// fail maps domain errors onto HTTP statuses: authorization → 403, replay
// and state conflicts → 409, timing/validation → 422, resource shortfalls →
// 422, proofs and malformed input → 400, missing resources → 404. Unmapped
// errors are internal.
func (h *Handler) fail(c *gin.Context, err error) {
	c.JSON(statusFor(err, h.log), gin.H{"error": err.Error()})
}

func statusFor(err error, log *zap.Logger) int {
	switch {
	// Authorization
	case errors.Is(err, hub.ErrNotAuthorized),
		errors.Is(err, spoke.ErrNotAuthorized),
		errors.Is(err, spoke.ErrNotSolver),
		errors.Is(err, messenger.ErrNotAuthorized),
		errors.Is(err, registry.ErrNotAuthorized):
		return http.StatusForbidden

	// Replay and state conflicts
	case errors.Is(err, hub.ErrNonceUsed),
		errors.Is(err, hub.ErrOrderNotActive),
		errors.Is(err, hub.ErrBadClaim),
		errors.Is(err, spoke.ErrAlreadyFilled),
		errors.Is(err, messenger.ErrAlreadyProcessed),
		errors.Is(err, registry.ErrAlreadyRegistered),
		errors.Is(err, registry.ErrNotActive),
		errors.Is(err, registry.ErrStillActive):
		return http.StatusConflict

	// Missing resources
	case errors.Is(err, hub.ErrOrderNotFound),
		errors.Is(err, spoke.ErrNotFilled),
		errors.Is(err, messenger.ErrChainUnknown),
		errors.Is(err, registry.ErrNotRegistered):
		return http.StatusNotFound

	// Timing, validation, resource shortfalls
	case errors.Is(err, hub.ErrRequestExpired),
		errors.Is(err, hub.ErrDeadlineTooFar),
		errors.Is(err, hub.ErrBadDeadlines),
		errors.Is(err, hub.ErrOrderExpired),
		errors.Is(err, hub.ErrWrongDomain),
		errors.Is(err, hub.ErrPaymentMismatch),
		errors.Is(err, hub.ErrTooEarly),
		errors.Is(err, spoke.ErrOrderExpired),
		errors.Is(err, spoke.ErrNotPrimaryFiller),
		errors.Is(err, spoke.ErrWrongDomain),
		errors.Is(err, spoke.ErrOutputMismatch),
		errors.Is(err, spoke.ErrFeeTooHigh),
		errors.Is(err, messenger.ErrChainInactive),
		errors.Is(err, registry.ErrNameTooLong),
		errors.Is(err, registry.ErrInsufficientStake),
		errors.Is(err, registry.ErrCooldownActive),
		errors.Is(err, fees.ErrFeeTooHigh),
		errors.Is(err, fees.ErrNoClaim),
		errors.Is(err, custody.ErrInsufficientBalance),
		errors.Is(err, custody.ErrNonPositiveAmount):
		return http.StatusUnprocessableEntity

	// Proofs and malformed input
	case errors.Is(err, hub.ErrBadSignature),
		errors.Is(err, hub.ErrProofMismatch),
		errors.Is(err, messenger.ErrInvalidProof),
		errors.Is(err, messenger.ErrUnknownType):
		return http.StatusBadRequest

	default:
		log.Error("internal error", zap.Error(err))
		return http.StatusInternalServerError
	}
}
