package settlement

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"arcsettle/internal/model"
	"arcsettle/internal/token"
	"arcsettle/internal/txn"
)

type legOutcome struct {
	txHash     string
	block      uint64
	timestamp  uint64
	status     string
	source     model.RowSource
	notePrefix string
}

type legExecutor interface {
	prepare(ctx context.Context, res *Result) *LegError
	run(ctx context.Context, leg Leg) (legOutcome, *LegError)
}

type chainExecutor struct {
	o    *Orchestrator
	seq  *txn.Sequence
	plan Commitment
}

// prepare tops up the native balance of every leg signer that is short of
// gas. Top-ups are not part of the plan and produce no ledger rows.
func (e *chainExecutor) prepare(ctx context.Context, res *Result) *LegError {
	cfg := e.o.cfg
	if e.o.keys.Funder == nil || cfg.MinGasWei == nil || cfg.MinGasWei.Sign() <= 0 ||
		cfg.GasTopupWei == nil || cfg.GasTopupWei.Sign() <= 0 {
		return nil
	}
	funder := crypto.PubkeyToAddress(e.o.keys.Funder.PublicKey)

	seen := make(map[common.Address]struct{})
	for _, leg := range e.plan.Legs {
		signer := crypto.PubkeyToAddress(leg.key.PublicKey)
		if _, ok := seen[signer]; ok || signer == funder {
			continue
		}
		seen[signer] = struct{}{}

		balance, err := e.o.ledger.BalanceAt(ctx, signer, nil)
		if err != nil {
			return stepError(StageFund, fmt.Errorf("get balance of %s: %w", signer.Hex(), err))
		}
		if balance.Cmp(cfg.MinGasWei) >= 0 {
			continue
		}

		nonce, err := e.seq.Next(ctx, funder)
		if err != nil {
			return stepError(StageNonce, err)
		}
		conf, err := e.o.submitter.Submit(ctx, txn.Operation{
			To:       signer,
			Value:    new(big.Int).Set(cfg.GasTopupWei),
			GasLimit: cfg.GasLimitNative,
			Nonce:    nonce,
		}, e.o.keys.Funder)
		name := "fund " + model.NormalizeAddress(signer.Hex())
		if err != nil {
			legErr := submissionFailure(err)
			legErr.Stage = StageFund + ":" + legErr.Stage
			res.step(name, "error", legErr.TxHash, legErr.Message)
			return legErr
		}
		res.step(name, "done", conf.TxHash.Hex(), cfg.GasTopupWei.String()+" wei")
		e.o.logger.Info("signer funded",
			zap.String("signer", signer.Hex()),
			zap.String("tx_hash", conf.TxHash.Hex()),
		)
	}
	return nil
}

func (e *chainExecutor) run(ctx context.Context, leg Leg) (legOutcome, *LegError) {
	signer := crypto.PubkeyToAddress(leg.key.PublicKey)
	to := common.HexToAddress(leg.To)

	var (
		data     []byte
		err      error
		gasLimit uint64
	)
	if leg.Kind == LegIssuance {
		data, err = token.PackMint(to, leg.raw)
		gasLimit = e.o.cfg.GasLimitMint
	} else {
		data, err = token.PackTransfer(to, leg.raw)
		gasLimit = e.o.cfg.GasLimitTransfer
	}
	if err != nil {
		return legOutcome{}, stepError(string(txn.StageSign), err)
	}

	nonce, err := e.seq.Next(ctx, signer)
	if err != nil {
		return legOutcome{}, stepError(StageNonce, err)
	}

	conf, err := e.o.submitter.Submit(ctx, txn.Operation{
		To:       e.o.cfg.Token,
		Data:     data,
		GasLimit: gasLimit,
		Nonce:    nonce,
	}, leg.key)
	if err != nil {
		return legOutcome{}, submissionFailure(err)
	}

	ts, err := e.o.ledger.BlockTimestamp(ctx, conf.BlockNumber)
	if err != nil {
		e.o.logger.Warn("block timestamp lookup failed, using local time",
			zap.Uint64("block", conf.BlockNumber),
			zap.Error(err),
		)
		ts = uint64(e.o.now().Unix())
	}

	return legOutcome{
		txHash:    conf.TxHash.Hex(),
		block:     conf.BlockNumber,
		timestamp: ts,
		status:    LegConfirmed,
		source:    model.SourceOrchestrator,
	}, nil
}

// simulatedExecutor produces rows of the same shape without a ledger.
// Synthetic ids, block zero and the note prefix keep them distinguishable.
type simulatedExecutor struct {
	now func() time.Time
}

func (e *simulatedExecutor) prepare(context.Context, *Result) *LegError {
	return nil
}

func (e *simulatedExecutor) run(context.Context, Leg) (legOutcome, *LegError) {
	return legOutcome{
		txHash:     "sim-" + uuid.New().String(),
		block:      0,
		timestamp:  uint64(e.now().Unix()),
		status:     LegSimulated,
		source:     model.SourceSimulated,
		notePrefix: "simulated: ",
	}, nil
}
