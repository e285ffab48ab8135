package txn

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
)

const (
	defaultReceiptTimeout = 240 * time.Second
	defaultReceiptPoll    = 2 * time.Second
	finalLookupTimeout    = 10 * time.Second
)

// Backend is the RPC surface the submitter needs.
type Backend interface {
	FeeSource
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Operation is one ledger-mutating transaction to submit.
type Operation struct {
	To       common.Address
	Value    *big.Int
	Data     []byte
	GasLimit uint64
	Nonce    uint64
}

// Confirmation is the result of a confirmed submission.
type Confirmation struct {
	TxHash      common.Hash
	BlockNumber uint64
	GasUsed     uint64
}

// SubmitterConfig configures receipt waiting.
type SubmitterConfig struct {
	ChainID        *big.Int
	ReceiptTimeout time.Duration
	ReceiptPoll    time.Duration
}

// Submitter signs, sends and confirms transactions.
type Submitter struct {
	backend Backend
	fees    *FeePlanner
	cfg     SubmitterConfig
	logger  *zap.Logger
}

// NewSubmitter creates a submitter.
func NewSubmitter(backend Backend, cfg SubmitterConfig, logger *zap.Logger) (*Submitter, error) {
	if backend == nil {
		return nil, fmt.Errorf("backend is nil")
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, fmt.Errorf("chain id is required")
	}
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = defaultReceiptTimeout
	}
	if cfg.ReceiptPoll <= 0 {
		cfg.ReceiptPoll = defaultReceiptPoll
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Submitter{
		backend: backend,
		fees:    NewFeePlanner(backend),
		cfg:     cfg,
		logger:  logger,
	}, nil
}

// Submit signs op with key, sends it and waits for a successful receipt.
// Every failure is a *SubmissionError.
func (s *Submitter) Submit(ctx context.Context, op Operation, key *ecdsa.PrivateKey) (Confirmation, error) {
	if key == nil {
		return Confirmation{}, &SubmissionError{Stage: StageSign, Err: errors.New("signing key is nil")}
	}

	fees, err := s.fees.PlanFees(ctx)
	if err != nil {
		return Confirmation{}, &SubmissionError{Stage: StageFees, Err: err}
	}

	value := op.Value
	if value == nil {
		value = new(big.Int)
	}
	to := op.To
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   s.cfg.ChainID,
		Nonce:     op.Nonce,
		GasTipCap: fees.Tip,
		GasFeeCap: fees.MaxFee,
		Gas:       op.GasLimit,
		To:        &to,
		Value:     value,
		Data:      op.Data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(s.cfg.ChainID), key)
	if err != nil {
		return Confirmation{}, &SubmissionError{Stage: StageSign, Err: fmt.Errorf("sign tx: %w", err)}
	}

	if err := s.backend.SendTransaction(ctx, signed); err != nil {
		return Confirmation{}, &SubmissionError{Stage: StageSend, Err: fmt.Errorf("send tx: %w", err)}
	}
	hash := signed.Hash()
	s.logger.Debug("transaction sent",
		zap.String("tx_hash", hash.Hex()),
		zap.Uint64("nonce", op.Nonce),
		zap.String("to", to.Hex()),
	)

	receipt, err := s.waitReceipt(ctx, hash)
	if err != nil {
		return Confirmation{TxHash: hash}, &SubmissionError{Stage: StageConfirm, TxHash: hash, Ambiguous: true, Err: err}
	}

	conf := Confirmation{
		TxHash:  hash,
		GasUsed: receipt.GasUsed,
	}
	if receipt.BlockNumber != nil {
		conf.BlockNumber = receipt.BlockNumber.Uint64()
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return conf, &SubmissionError{Stage: StageReverted, TxHash: hash, Err: ErrReverted}
	}
	return conf, nil
}

func (s *Submitter) waitReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.ReceiptTimeout)
	defer cancel()

	ticker := time.NewTicker(s.cfg.ReceiptPoll)
	defer ticker.Stop()

	for {
		receipt, err := s.backend.TransactionReceipt(waitCtx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) && waitCtx.Err() == nil {
			s.logger.Warn("receipt lookup failed", zap.String("tx_hash", hash.Hex()), zap.Error(err))
		}

		select {
		case <-waitCtx.Done():
			return s.finalLookup(ctx, hash, waitCtx.Err())
		case <-ticker.C:
		}
	}
}

// finalLookup asks once more after the wait ended, so a receipt that
// landed at the deadline is not reported as missing.
func (s *Submitter) finalLookup(ctx context.Context, hash common.Hash, cause error) (*types.Receipt, error) {
	lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalLookupTimeout)
	defer cancel()

	receipt, err := s.backend.TransactionReceipt(lookupCtx, hash)
	if err == nil && receipt != nil {
		return receipt, nil
	}
	if errors.Is(cause, context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, ErrReceiptTimeout
	}
	return nil, fmt.Errorf("wait receipt: %w", cause)
}
