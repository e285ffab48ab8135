package settlement

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"arcsettle/internal/chain"
	"arcsettle/internal/model"
	"arcsettle/internal/notify"
	"arcsettle/internal/storage"
	"arcsettle/internal/telemetry"
	"arcsettle/internal/token"
	"arcsettle/internal/txn"
)

const (
	defaultAuditor          = "AuditorBot"
	defaultDecimalsFallback = 6
	defaultGasLimitMint     = 200_000
	defaultGasLimitTransfer = 120_000
	defaultGasLimitNative   = 21_000
	recordTimeout           = 10 * time.Second
)

// Config holds the static settlement parameters.
type Config struct {
	ChainID          int64
	Token            common.Address
	Downstream       common.Address
	DecimalsFallback uint8
	Auditor          string

	GasLimitMint     uint64
	GasLimitTransfer uint64
	GasLimitNative   uint64
	// MinGasWei and GasTopupWei enable native top-ups of signers that
	// cannot pay for gas. Either being nil or zero disables them.
	MinGasWei   *big.Int
	GasTopupWei *big.Int

	ReceiptTimeout time.Duration
	ReceiptPoll    time.Duration
}

// Keys are the signing keys used for on-chain settlement.
type Keys struct {
	Issuer *ecdsa.PrivateKey
	Buyer  *ecdsa.PrivateKey
	Seller *ecdsa.PrivateKey
	Funder *ecdsa.PrivateKey
}

// Deps are the collaborators of an Orchestrator. Ledger may be nil, in
// which case only simulated settlement is possible.
type Deps struct {
	Store     storage.Store
	Ledger    chain.Backend
	Keys      Keys
	Publisher notify.Publisher
	Telemetry *telemetry.Metrics
	Logger    *zap.Logger
}

// Request is a settlement invocation.
type Request struct {
	Proposal []byte
	// Mode overrides the mode named in the proposal. Both empty means on-chain.
	Mode model.DealMode
	// Transcript, when set, is logged ahead of the fixed negotiation entries.
	Transcript string
}

// Orchestrator runs settlements: it records the deal, executes the leg
// plan on the ledger and finalizes the deal once every leg confirmed.
type Orchestrator struct {
	cfg       Config
	store     storage.Store
	ledger    chain.Backend
	keys      Keys
	submitter *txn.Submitter
	nonces    *txn.NoncePlanner
	publisher notify.Publisher
	telemetry *telemetry.Metrics
	logger    *zap.Logger
	now       func() time.Time
}

// NewOrchestrator validates cfg and wires the submitter and nonce planner.
func NewOrchestrator(deps Deps, cfg Config) (*Orchestrator, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("store is nil")
	}
	if cfg.DecimalsFallback == 0 {
		cfg.DecimalsFallback = defaultDecimalsFallback
	}
	if cfg.Auditor == "" {
		cfg.Auditor = defaultAuditor
	}
	if cfg.GasLimitMint == 0 {
		cfg.GasLimitMint = defaultGasLimitMint
	}
	if cfg.GasLimitTransfer == 0 {
		cfg.GasLimitTransfer = defaultGasLimitTransfer
	}
	if cfg.GasLimitNative == 0 {
		cfg.GasLimitNative = defaultGasLimitNative
	}
	if deps.Publisher == nil {
		deps.Publisher = notify.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	o := &Orchestrator{
		cfg:       cfg,
		store:     deps.Store,
		ledger:    deps.Ledger,
		keys:      deps.Keys,
		publisher: deps.Publisher,
		telemetry: deps.Telemetry,
		logger:    deps.Logger,
		now:       time.Now,
	}
	if deps.Ledger != nil {
		if cfg.ChainID <= 0 {
			return nil, fmt.Errorf("chain id is required for on-chain settlement")
		}
		submitter, err := txn.NewSubmitter(deps.Ledger, txn.SubmitterConfig{
			ChainID:        big.NewInt(cfg.ChainID),
			ReceiptTimeout: cfg.ReceiptTimeout,
			ReceiptPoll:    cfg.ReceiptPoll,
		}, deps.Logger)
		if err != nil {
			return nil, fmt.Errorf("create submitter: %w", err)
		}
		o.submitter = submitter
		o.nonces = txn.NewNoncePlanner(deps.Ledger)
	}
	return o, nil
}

// Settle runs one settlement. The returned Result is always populated;
// the error is non-nil whenever Result.Status is not settled.
//
// Cancelling ctx does not stop a settlement: once legs may be on the
// ledger the deal must end settled or failed with every confirmed row
// recorded. Each receipt wait is bounded by ReceiptTimeout.
func (o *Orchestrator) Settle(ctx context.Context, req Request) (Result, error) {
	ctx = context.WithoutCancel(ctx)
	res := Result{Mode: model.ModeOnChain, Status: StatusRejected}

	proposal, err := model.ParseProposal(req.Proposal)
	if err != nil {
		return o.reject(res, stepError(StageValidate, err))
	}
	input, err := proposal.DealInput()
	if err != nil {
		return o.reject(res, stepError(StageValidate, err))
	}
	res.Notional = input.Notional

	mode, err := resolveMode(req.Mode, input.Mode)
	if err != nil {
		return o.reject(res, stepError(StageValidate, err))
	}
	res.Mode = mode

	dealID := uuid.New().String()
	plan, err := o.prepare(ctx, dealID, mode, input)
	if err != nil {
		return o.reject(res, stepError(StageValidate, err))
	}
	commitment, err := plan.document()
	if err != nil {
		return o.reject(res, stepError(StageValidate, err))
	}

	deal := &model.Deal{
		ID:         dealID,
		Status:     model.DealDraft,
		Mode:       mode,
		Buyer:      input.Buyer,
		Seller:     input.Seller,
		SKU:        input.SKU,
		Quantity:   input.Quantity,
		UnitPrice:  input.UnitPrice,
		TaxRate:    input.TaxRate,
		Notional:   input.Notional,
		Commitment: commitment,
		CreatedAt:  o.now().UTC(),
	}
	if err := o.store.CreateDeal(ctx, deal); err != nil {
		return o.reject(res, stepError(StageRecord, err))
	}
	res.DealID = deal.ID
	res.Status = StatusFailed
	res.step("create deal", "done", "", string(deal.Status))

	logger := o.logger.With(zap.String("deal_id", deal.ID), zap.String("mode", string(mode)))

	if err := o.recordNegotiation(ctx, deal, req.Transcript, commitment); err != nil {
		return o.fail(ctx, logger, res, stepError(StageRecord, err))
	}
	res.step("record negotiation", "done", "", "")

	exec, release, legErr := o.executor(ctx, mode, plan)
	if legErr != nil {
		return o.fail(ctx, logger, res, legErr)
	}
	defer release()

	if legErr := exec.prepare(ctx, &res); legErr != nil {
		return o.fail(ctx, logger, res, legErr)
	}

	for _, leg := range plan.Legs {
		outcome, legErr := exec.run(ctx, leg)
		if legErr != nil {
			legErr.Leg = leg.Name
			res.Legs = append(res.Legs, LegResult{
				Name:   leg.Name,
				Kind:   leg.Kind,
				TxHash: legErr.TxHash,
				Status: legStatusFor(legErr),
			})
			o.telemetry.ObserveLeg(string(leg.Kind), legStatusFor(legErr))
			return o.fail(ctx, logger, res, legErr)
		}

		row := model.LedgerRow{
			TxHash:      outcome.txHash,
			Timestamp:   outcome.timestamp,
			BlockNumber: outcome.block,
			From:        leg.From,
			To:          leg.To,
			AmountRaw:   new(big.Int).Set(leg.raw),
			AmountUI:    leg.AmountUI,
			TierFrom:    leg.TierFrom,
			TierTo:      leg.TierTo,
			Issuance:    leg.Issuance,
			Eligible:    leg.Eligible,
			Notes:       outcome.notePrefix + leg.Note,
			DealID:      deal.ID,
			Source:      outcome.source,
		}
		if _, err := o.store.InsertLedgerRow(ctx, row); err != nil {
			res.Legs = append(res.Legs, LegResult{Name: leg.Name, Kind: leg.Kind, TxHash: outcome.txHash, Block: outcome.block, Status: outcome.status})
			legErr := stepError(StageRecord, err)
			legErr.Leg = leg.Name
			legErr.TxHash = outcome.txHash
			return o.fail(ctx, logger, res, legErr)
		}
		res.Legs = append(res.Legs, LegResult{Name: leg.Name, Kind: leg.Kind, TxHash: outcome.txHash, Block: outcome.block, Status: outcome.status})
		o.telemetry.ObserveLeg(string(leg.Kind), outcome.status)
		logger.Info("leg confirmed",
			zap.String("leg", leg.Name),
			zap.String("tx_hash", outcome.txHash),
			zap.Uint64("block", outcome.block),
		)
	}

	if err := o.store.FinalizeDeal(ctx, deal.ID, commitment, o.now().UTC()); err != nil {
		return o.fail(ctx, logger, res, stepError(StageRecord, err))
	}
	res.Status = StatusSettled
	res.step("finalize deal", "done", "", string(model.DealSettled))

	o.telemetry.ObserveSettlement(string(mode), string(StatusSettled))
	o.publish(ctx, logger, notify.SubjectDealSettled, res)
	logger.Info("deal settled", zap.Int("legs", len(res.Legs)))
	return res, nil
}

// prepare checks everything that must hold before the ledger is touched
// and lays out the leg plan.
func (o *Orchestrator) prepare(ctx context.Context, dealID string, mode model.DealMode, input model.DealInput) (Commitment, error) {
	params := planParams{
		dealID:   dealID,
		mode:     mode,
		decimals: o.cfg.DecimalsFallback,
		input:    input,
	}
	if o.cfg.Token != (common.Address{}) {
		params.token = model.NormalizeAddress(o.cfg.Token.Hex())
	}

	if mode == model.ModeSimulated {
		if o.cfg.Downstream != (common.Address{}) {
			params.downstream = model.NormalizeAddress(o.cfg.Downstream.Hex())
		}
		return buildPlan(params)
	}

	if o.ledger == nil || o.submitter == nil {
		return Commitment{}, fmt.Errorf("%w: no ledger connection", ErrLedgerUnavailable)
	}
	if o.cfg.Token == (common.Address{}) {
		return Commitment{}, fmt.Errorf("%w: token address is not configured", ErrLedgerUnavailable)
	}
	if o.keys.Issuer == nil || o.keys.Buyer == nil {
		return Commitment{}, fmt.Errorf("%w: issuer and buyer keys are required", ErrLedgerUnavailable)
	}
	for _, addr := range []string{input.Buyer, input.Seller} {
		if !common.IsHexAddress(addr) {
			return Commitment{}, fmt.Errorf("%w: %q is not an address", ErrInvalidProposal, addr)
		}
	}
	if buyer := addressOf(o.keys.Buyer); buyer != input.Buyer {
		return Commitment{}, fmt.Errorf("%w: buyer %s does not match the buyer key %s", ErrInvalidProposal, input.Buyer, buyer)
	}

	decimals, err := token.Decimals(ctx, o.ledger, o.cfg.Token)
	if err != nil {
		o.logger.Warn("decimals call failed, using fallback",
			zap.Uint8("fallback", o.cfg.DecimalsFallback),
			zap.Error(err),
		)
		decimals = o.cfg.DecimalsFallback
	}
	params.decimals = decimals
	params.issuer = o.keys.Issuer
	params.buyer = o.keys.Buyer

	if o.cfg.Downstream != (common.Address{}) {
		switch {
		case o.keys.Seller == nil:
			o.logger.Warn("downstream configured without seller key, skipping onward leg")
		case addressOf(o.keys.Seller) != input.Seller:
			o.logger.Warn("seller key does not match deal seller, skipping onward leg",
				zap.String("seller", input.Seller))
		default:
			params.downstream = model.NormalizeAddress(o.cfg.Downstream.Hex())
			params.seller = o.keys.Seller
		}
	}
	return buildPlan(params)
}

func (o *Orchestrator) recordNegotiation(ctx context.Context, deal *model.Deal, transcript string, commitment []byte) error {
	for _, agent := range []model.Agent{
		{Address: deal.Buyer, Role: model.RolePayer, Tier: 1},
		{Address: deal.Seller, Role: model.RoleVendor, Tier: 1},
	} {
		inserted, err := o.store.RegisterAgent(ctx, agent)
		if err != nil {
			return fmt.Errorf("register agent %s: %w", agent.Address, err)
		}
		if inserted {
			o.logger.Info("agent registered", zap.String("address", agent.Address), zap.String("role", string(agent.Role)))
		}
	}

	entries := make([]model.NegotiationRecord, 0, 4)
	if strings.TrimSpace(transcript) != "" {
		entries = append(entries, model.NegotiationRecord{Transcript: transcript})
	}
	entries = append(entries,
		model.NegotiationRecord{Transcript: "Buyer proposes."},
		model.NegotiationRecord{Transcript: "Seller accepts."},
		model.NegotiationRecord{Transcript: "Settlement legs committed.", Settlement: commitment},
	)
	for i := range entries {
		entries[i].DealID = deal.ID
		entries[i].Payer = deal.Buyer
		entries[i].Vendor = deal.Seller
		entries[i].Auditor = o.cfg.Auditor
		if err := o.store.AppendNegotiation(ctx, &entries[i]); err != nil {
			return fmt.Errorf("append negotiation: %w", err)
		}
	}
	return nil
}

func (o *Orchestrator) executor(ctx context.Context, mode model.DealMode, plan Commitment) (legExecutor, func(), *LegError) {
	if mode == model.ModeSimulated {
		return &simulatedExecutor{now: o.now}, func() {}, nil
	}

	signers := make([]common.Address, 0, 4)
	for _, leg := range plan.Legs {
		signers = append(signers, crypto.PubkeyToAddress(leg.key.PublicKey))
	}
	if o.keys.Funder != nil {
		signers = append(signers, crypto.PubkeyToAddress(o.keys.Funder.PublicKey))
	}
	seq, err := o.nonces.Begin(ctx, signers...)
	if err != nil {
		return nil, nil, stepError(StageNonce, err)
	}
	return &chainExecutor{o: o, seq: seq, plan: plan}, seq.Release, nil
}

func (o *Orchestrator) reject(res Result, legErr *LegError) (Result, error) {
	res.Status = StatusRejected
	res.Error = legErr
	res.step(legErr.Stage, "rejected", "", legErr.Message)
	o.telemetry.ObserveSettlement(string(res.Mode), string(StatusRejected))
	o.logger.Warn("settlement rejected", zap.String("stage", legErr.Stage), zap.Error(legErr.Err))
	return res, legErr
}

// fail marks the deal failed. Rows of legs that already confirmed stay.
func (o *Orchestrator) fail(ctx context.Context, logger *zap.Logger, res Result, legErr *LegError) (Result, error) {
	res.Status = StatusFailed
	res.Error = legErr

	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if err := o.store.FailDeal(recordCtx, res.DealID, legErr.Error()); err != nil {
		logger.Error("mark deal failed", zap.Error(err))
		res.step("fail deal", "error", "", err.Error())
	} else {
		res.step("fail deal", "done", "", legErr.Error())
	}

	o.telemetry.ObserveSettlement(string(res.Mode), string(StatusFailed))
	o.publish(recordCtx, logger, notify.SubjectDealFailed, res)
	logger.Error("settlement failed",
		zap.String("leg", legErr.Leg),
		zap.String("stage", legErr.Stage),
		zap.Bool("ambiguous", legErr.Ambiguous),
		zap.Error(legErr.Err),
	)
	return res, legErr
}

func (o *Orchestrator) publish(ctx context.Context, logger *zap.Logger, subject string, res Result) {
	if err := o.publisher.Publish(ctx, subject, res); err != nil {
		logger.Warn("publish event failed", zap.String("subject", subject), zap.Error(err))
	}
}

func resolveMode(requested model.DealMode, proposed string) (model.DealMode, error) {
	if requested != "" {
		mode, ok := model.ParseDealMode(string(requested))
		if !ok {
			return "", fmt.Errorf("%w: unknown mode %q", ErrInvalidProposal, requested)
		}
		return mode, nil
	}
	mode, ok := model.ParseDealMode(proposed)
	if !ok {
		return "", fmt.Errorf("%w: unknown mode %q", ErrInvalidProposal, proposed)
	}
	return mode, nil
}

func legStatusFor(legErr *LegError) string {
	switch {
	case legErr.Stage == string(txn.StageReverted):
		return LegReverted
	case legErr.TxHash != "":
		return LegUnconfirmed
	default:
		return LegNotSent
	}
}

func addressOf(key *ecdsa.PrivateKey) string {
	return model.NormalizeAddress(crypto.PubkeyToAddress(key.PublicKey).Hex())
}

func submissionFailure(err error) *LegError {
	legErr := &LegError{Stage: string(txn.StageSend), Message: err.Error(), Err: err}
	var subErr *txn.SubmissionError
	if errors.As(err, &subErr) {
		legErr.Stage = string(subErr.Stage)
		legErr.Ambiguous = subErr.Ambiguous
		if subErr.TxHash != (common.Hash{}) {
			legErr.TxHash = subErr.TxHash.Hex()
		}
	}
	return legErr
}
