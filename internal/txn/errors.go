package txn

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Stage names where a submission failed.
type Stage string

const (
	StageFees     Stage = "fees"
	StageSign     Stage = "sign"
	StageSend     Stage = "send"
	StageConfirm  Stage = "confirm"
	StageReverted Stage = "reverted"
)

var (
	// ErrReceiptTimeout means no receipt appeared before the deadline.
	ErrReceiptTimeout = errors.New("receipt wait timed out")
	// ErrReverted means the transaction was mined with a failure status.
	ErrReverted = errors.New("transaction reverted")
)

// SubmissionError describes a failed submission.
//
// Ambiguous is set when the transaction may still be mined later.
type SubmissionError struct {
	Stage     Stage
	TxHash    common.Hash
	Ambiguous bool
	Err       error
}

func (e *SubmissionError) Error() string {
	if e.TxHash == (common.Hash{}) {
		return fmt.Sprintf("%s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Stage, e.TxHash.Hex(), e.Err)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}
