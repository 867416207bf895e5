package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/1ureka/sensorlink/internal/buffer"
	"github.com/1ureka/sensorlink/internal/transport"
)

var (
	ErrRegistrationRejected = errors.New("registration rejected")
	ErrUnknownSessionID     = errors.New("unknown session id")
	ErrTransportFailure     = errors.New("transport failure")
	ErrCancelled            = errors.New("cancelled")
	ErrInvalidState         = errors.New("invalid session state")
)

// classify maps a connect/join failure onto the session error taxonomy,
// keeping the underlying error in the chain.
func classify(ctx context.Context, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.Canceled), errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %w", ErrCancelled, err)
	case errors.Is(err, transport.ErrRejected):
		return fmt.Errorf("%w: %w", ErrRegistrationRejected, err)
	case errors.Is(err, transport.ErrUnknownSession):
		return fmt.Errorf("%w: %w", ErrUnknownSessionID, err)
	case errors.Is(err, ErrRegistrationRejected), errors.Is(err, ErrUnknownSessionID),
		errors.Is(err, ErrTransportFailure), errors.Is(err, ErrCancelled),
		isConfigError(err):
		return err
	default:
		return fmt.Errorf("%w: %w", ErrTransportFailure, err)
	}
}

// Describe returns the one-line cause shown to the user, which tells a
// retry (server unreachable) apart from re-pairing (unknown id).
func Describe(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnknownSessionID):
		return "unknown session id"
	case errors.Is(err, ErrRegistrationRejected):
		return "server rejected session"
	case errors.Is(err, ErrCancelled):
		return "connection attempt cancelled"
	case errors.Is(err, ErrTransportFailure):
		return "could not reach server"
	case errors.Is(err, ErrInvalidState):
		return "operation not allowed right now"
	case isConfigError(err):
		return "invalid modality configuration"
	default:
		return err.Error()
	}
}

func isConfigError(err error) bool {
	return errors.Is(err, buffer.ErrInvalidCapacity) || errors.Is(err, buffer.ErrInvalidPolicy)
}
