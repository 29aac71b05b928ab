package state

import "errors"

// Rejections surfaced to callers of the stability pool. Every one of them
// leaves the pool exactly as it was before the call.
var (
	ErrZeroAmount                  = errors.New("stability pool: amount must be non-zero")
	ErrNoActiveDeposit             = errors.New("stability pool: user must have a non-zero deposit")
	ErrNoActiveTrove               = errors.New("stability pool: caller must have an active trove")
	ErrNoCollateralGain            = errors.New("stability pool: caller must have non-zero collateral gain")
	ErrInvalidKickbackRate         = errors.New("stability pool: kickback rate must be in range [0,1]")
	ErrAlreadyRegistered           = errors.New("stability pool: front end already registered")
	ErrMustHaveNoDeposit           = errors.New("stability pool: user must have no deposit")
	ErrUnknownFrontEnd             = errors.New("stability pool: tag must be a registered front end, or the zero address")
	ErrCallerIsFrontEnd            = errors.New("stability pool: caller must not be a registered front end")
	ErrBelowMinimumCollateralRatio = errors.New("stability pool: trove collateral ratio would be below minimum")
	ErrUndercollateralizedTroves   = errors.New("stability pool: cannot withdraw while there are troves with ICR < MCR")
	ErrExternalTransferFailed      = errors.New("stability pool: external transfer failed")
)
