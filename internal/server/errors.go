package server

import (
	"context"
	"errors"

	"StabilityPool/internal/core"
	"StabilityPool/internal/ingestion"
	"StabilityPool/internal/ledger"
	"StabilityPool/internal/query"
	"StabilityPool/internal/state"
	"StabilityPool/internal/trove"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// toStatus maps domain errors onto gRPC codes. Rejections the caller can
// fix by changing the request are InvalidArgument; rejections that depend
// on pool state are FailedPrecondition.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codeOf(err), err.Error())
}

func codeOf(err error) codes.Code {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled

	case errors.Is(err, query.ErrNotFound):
		return codes.NotFound
	case errors.Is(err, query.ErrInvalidArgument),
		errors.Is(err, ingestion.ErrInvalidCommand),
		errors.Is(err, state.ErrZeroAmount),
		errors.Is(err, state.ErrInvalidKickbackRate):
		return codes.InvalidArgument
	case errors.Is(err, query.ErrUnavailable):
		return codes.Unavailable

	case errors.Is(err, trove.ErrTroveExists),
		errors.Is(err, state.ErrAlreadyRegistered):
		return codes.AlreadyExists
	case errors.Is(err, core.ErrSequence):
		return codes.Aborted
	case errors.Is(err, state.ErrNoActiveDeposit),
		errors.Is(err, state.ErrNoActiveTrove),
		errors.Is(err, state.ErrNoCollateralGain),
		errors.Is(err, state.ErrMustHaveNoDeposit),
		errors.Is(err, state.ErrUnknownFrontEnd),
		errors.Is(err, state.ErrCallerIsFrontEnd),
		errors.Is(err, state.ErrBelowMinimumCollateralRatio),
		errors.Is(err, state.ErrUndercollateralizedTroves),
		errors.Is(err, state.ErrExternalTransferFailed),
		errors.Is(err, ledger.ErrInsufficientBalance),
		errors.Is(err, ledger.ErrRecipientRejected):
		return codes.FailedPrecondition
	default:
		return codes.Internal
	}
}
