package settlement

import (
	"errors"
	"fmt"

	"arcsettle/internal/model"
)

var (
	// ErrInvalidProposal rejects proposals that cannot become a deal.
	ErrInvalidProposal = model.ErrInvalidProposal
	// ErrUnsupportedDecimals rejects tokens whose precision cannot be handled.
	ErrUnsupportedDecimals = errors.New("unsupported token decimals")
	// ErrLedgerUnavailable is returned when on-chain settlement is requested
	// without a ledger connection or the signing keys it needs.
	ErrLedgerUnavailable = errors.New("ledger unavailable for on-chain settlement")
)

// Stages reported outside of transaction submission.
const (
	StageValidate = "validate"
	StageRecord   = "record"
	StageNonce    = "nonce"
	StageFund     = "fund"
)

// LegError names the step of a settlement run that failed and why.
// Leg is empty when the failure happened outside the leg sequence.
type LegError struct {
	Leg       string `json:"leg,omitempty"`
	Stage     string `json:"stage"`
	TxHash    string `json:"tx_hash,omitempty"`
	Ambiguous bool   `json:"ambiguous"`
	Message   string `json:"message"`
	Err       error  `json:"-"`
}

func (e *LegError) Error() string {
	if e.Leg == "" {
		return fmt.Sprintf("settlement %s: %s", e.Stage, e.Message)
	}
	return fmt.Sprintf("settlement leg %s %s: %s", e.Leg, e.Stage, e.Message)
}

func (e *LegError) Unwrap() error {
	return e.Err
}

func stepError(stage string, err error) *LegError {
	return &LegError{Stage: stage, Message: err.Error(), Err: err}
}
