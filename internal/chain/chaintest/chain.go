// Package chaintest provides an in-memory ledger that signs, mines and
// emits token events the way a node would, for tests.
package chaintest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"arcsettle/internal/chain"
	"arcsettle/internal/token"
)

// Outcome scripts what happens to a submitted transaction.
type Outcome int

const (
	// Mine includes the transaction in a new block with status 1.
	Mine Outcome = iota
	// FailSend rejects the transaction at broadcast.
	FailSend
	// Revert includes the transaction with status 0.
	Revert
	// Hold accepts the transaction but never produces a receipt.
	Hold
)

// ErrSendRejected is returned by SendTransaction for FailSend outcomes.
var ErrSendRejected = errors.New("transaction rejected by node")

const genesisTime = uint64(1_700_000_000)

// Chain is a single-node in-memory ledger.
type Chain struct {
	mu sync.Mutex

	chainID *big.Int
	signer  types.Signer
	token   common.Address

	decimals    uint8
	decimalsErr error

	baseFee  *big.Int
	gasPrice *big.Int
	tipCap   *big.Int
	tipErr   error

	head     uint64
	headers  map[uint64]*types.Header
	nonces   map[common.Address]uint64
	native   map[common.Address]*big.Int
	balances map[common.Address]*big.Int
	receipts map[common.Hash]*types.Receipt
	logs     []types.Log
	sent     []*types.Transaction

	outcomes    map[int]Outcome
	sendCalls   int
	filterFails int
	calls       map[string]int
}

var _ chain.Backend = (*Chain)(nil)

// New creates a ledger with a deployed token at tokenAddr.
func New(chainID int64, tokenAddr common.Address, decimals uint8) *Chain {
	c := &Chain{
		chainID:  big.NewInt(chainID),
		signer:   types.LatestSignerForChainID(big.NewInt(chainID)),
		token:    tokenAddr,
		decimals: decimals,
		baseFee:  big.NewInt(1_000_000_000),
		gasPrice: big.NewInt(2_000_000_000),
		tipCap:   big.NewInt(100_000_000),
		headers:  make(map[uint64]*types.Header),
		nonces:   make(map[common.Address]uint64),
		native:   make(map[common.Address]*big.Int),
		balances: make(map[common.Address]*big.Int),
		receipts: make(map[common.Hash]*types.Receipt),
		outcomes: make(map[int]Outcome),
		calls:    make(map[string]int),
	}
	c.headers[0] = c.header(0)
	return c
}

// ChainID returns the configured chain id.
func (c *Chain) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

// SetDecimalsError makes decimals() calls fail.
func (c *Chain) SetDecimalsError(err error) {
	c.mu.Lock()
	c.decimalsErr = err
	c.mu.Unlock()
}

// SetFees sets the base fee (nil means a pre-London header), gas price and tip.
func (c *Chain) SetFees(baseFee, gasPrice, tipCap *big.Int, tipErr error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.baseFee = baseFee
	c.gasPrice = gasPrice
	c.tipCap = tipCap
	c.tipErr = tipErr
	c.headers[c.head] = c.header(c.head)
}

// SetOutcome scripts the n-th SendTransaction call (1-based).
func (c *Chain) SetOutcome(n int, outcome Outcome) {
	c.mu.Lock()
	c.outcomes[n] = outcome
	c.mu.Unlock()
}

// FailFilterLogs makes the next n FilterLogs calls fail.
func (c *Chain) FailFilterLogs(n int) {
	c.mu.Lock()
	c.filterFails = n
	c.mu.Unlock()
}

// Fund credits native balance to account.
func (c *Chain) Fund(account common.Address, wei *big.Int) {
	c.mu.Lock()
	c.credit(c.native, account, wei)
	c.mu.Unlock()
}

// NativeBalance returns the native balance of account.
func (c *Chain) NativeBalance(account common.Address) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balanceOf(c.native, account)
}

// TokenBalance returns the token balance of account.
func (c *Chain) TokenBalance(account common.Address) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balanceOf(c.balances, account)
}

// Sent returns every transaction accepted by SendTransaction.
func (c *Chain) Sent() []*types.Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*types.Transaction(nil), c.sent...)
}

// Calls returns how many times an RPC method was invoked.
func (c *Chain) Calls(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[method]
}

// MineEmpty advances the head by n empty blocks.
func (c *Chain) MineEmpty(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := 0; i < n; i++ {
		c.nextBlock()
	}
}

// EmitTransfer mines a block holding a Transfer log that no tracked
// transaction produced, as a third-party contract call would.
func (c *Chain) EmitTransfer(from, to common.Address, value *big.Int) (common.Hash, uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	number := c.nextBlock()
	txHash := common.BigToHash(new(big.Int).SetUint64(number<<32 | uint64(len(c.logs))))
	log, err := token.TransferLog(c.token, from, to, value)
	if err != nil {
		return common.Hash{}, 0, err
	}
	c.debit(c.balances, from, value)
	c.credit(c.balances, to, value)
	c.appendLog(&log, txHash, number)
	return txHash, number, nil
}

// EmitTransfers mines a block holding one transaction that emits a
// Transfer log of value to each recipient.
func (c *Chain) EmitTransfers(from common.Address, value *big.Int, recipients ...common.Address) (common.Hash, uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	number := c.nextBlock()
	txHash := common.BigToHash(new(big.Int).SetUint64(number<<32 | uint64(len(c.logs))))
	for _, to := range recipients {
		log, err := token.TransferLog(c.token, from, to, value)
		if err != nil {
			return common.Hash{}, 0, err
		}
		c.debit(c.balances, from, value)
		c.credit(c.balances, to, value)
		c.appendLog(&log, txHash, number)
	}
	return txHash, number, nil
}

func (c *Chain) GetChainID(context.Context) (*big.Int, error) {
	c.count("eth_chainId")
	return c.ChainID(), nil
}

func (c *Chain) LatestBlockNumber(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls["eth_blockNumber"]++
	return c.head, nil
}

func (c *Chain) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls["eth_getBlockByNumber"]++
	n := c.head
	if number != nil {
		n = number.Uint64()
	}
	header, ok := c.headers[n]
	if !ok {
		return nil, ethereum.NotFound
	}
	return types.CopyHeader(header), nil
}

func (c *Chain) BlockTimestamp(ctx context.Context, number uint64) (uint64, error) {
	header, err := c.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return 0, err
	}
	return header.Time, nil
}

func (c *Chain) SuggestGasPrice(context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls["eth_gasPrice"]++
	return new(big.Int).Set(c.gasPrice), nil
}

func (c *Chain) SuggestGasTipCap(context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls["eth_maxPriorityFeePerGas"]++
	if c.tipErr != nil {
		return nil, c.tipErr
	}
	return new(big.Int).Set(c.tipCap), nil
}

func (c *Chain) PendingNonceAt(_ context.Context, account common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls["eth_getTransactionCount"]++
	return c.nonces[account], nil
}

func (c *Chain) BalanceAt(_ context.Context, account common.Address, _ *big.Int) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls["eth_getBalance"]++
	return c.balanceOf(c.native, account), nil
}

func (c *Chain) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls["eth_sendRawTransaction"]++
	c.sendCalls++

	if tx.ChainId().Cmp(c.chainID) != 0 {
		return fmt.Errorf("invalid chain id %s", tx.ChainId())
	}
	from, err := types.Sender(c.signer, tx)
	if err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}

	outcome := c.outcomes[c.sendCalls]
	if outcome == FailSend {
		return ErrSendRejected
	}
	if want := c.nonces[from]; tx.Nonce() != want {
		return fmt.Errorf("invalid nonce: have %d want %d", tx.Nonce(), want)
	}
	c.nonces[from]++
	c.sent = append(c.sent, tx)

	if outcome == Hold {
		return nil
	}

	number := c.nextBlock()
	receipt := &types.Receipt{
		Type:        tx.Type(),
		Status:      types.ReceiptStatusSuccessful,
		TxHash:      tx.Hash(),
		BlockNumber: new(big.Int).SetUint64(number),
		GasUsed:     tx.Gas(),
	}
	if outcome == Revert {
		receipt.Status = types.ReceiptStatusFailed
		c.receipts[tx.Hash()] = receipt
		return nil
	}

	if tx.Value() != nil && tx.Value().Sign() > 0 {
		c.debit(c.native, from, tx.Value())
		c.credit(c.native, *tx.To(), tx.Value())
	}
	if tx.To() != nil && *tx.To() == c.token && len(tx.Data()) >= 4 {
		logs, err := c.applyTokenCall(from, tx, number)
		if err != nil {
			receipt.Status = types.ReceiptStatusFailed
		} else {
			receipt.Logs = logs
		}
	}
	c.receipts[tx.Hash()] = receipt
	return nil
}

func (c *Chain) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls["eth_getTransactionReceipt"]++
	receipt, ok := c.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

func (c *Chain) FilterLogs(ctx context.Context, fromBlock, toBlock uint64, addresses []common.Address, topic0 []common.Hash) ([]types.Log, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls["eth_getLogs"]++
	if c.filterFails > 0 {
		c.filterFails--
		return nil, errors.New("rpc unavailable")
	}

	var out []types.Log
	for _, log := range c.logs {
		if log.BlockNumber < fromBlock || log.BlockNumber > toBlock {
			continue
		}
		if len(addresses) > 0 && !containsAddress(addresses, log.Address) {
			continue
		}
		if len(topic0) > 0 && (len(log.Topics) == 0 || !containsHash(topic0, log.Topics[0])) {
			continue
		}
		out = append(out, log)
	}
	return out, nil
}

func (c *Chain) CallContract(ctx context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls["eth_call"]++
	if msg.To == nil || *msg.To != c.token || len(msg.Data) < 4 {
		return nil, errors.New("execution reverted")
	}

	parsed, err := token.ABI()
	if err != nil {
		return nil, err
	}
	method, err := parsed.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	switch method.Name {
	case "decimals":
		if c.decimalsErr != nil {
			return nil, c.decimalsErr
		}
		return method.Outputs.Pack(c.decimals)
	case "balanceOf":
		args, err := method.Inputs.Unpack(msg.Data[4:])
		if err != nil {
			return nil, err
		}
		return method.Outputs.Pack(c.balanceOf(c.balances, args[0].(common.Address)))
	default:
		return nil, fmt.Errorf("method %s is not callable", method.Name)
	}
}

func (c *Chain) applyTokenCall(from common.Address, tx *types.Transaction, number uint64) ([]*types.Log, error) {
	parsed, err := token.ABI()
	if err != nil {
		return nil, err
	}
	method, err := parsed.MethodById(tx.Data()[:4])
	if err != nil {
		return nil, err
	}
	args, err := method.Inputs.Unpack(tx.Data()[4:])
	if err != nil {
		return nil, err
	}
	to := args[0].(common.Address)
	amount := args[1].(*big.Int)

	src := from
	switch method.Name {
	case "mint":
		src = common.Address{}
	case "transfer":
		if c.balanceOf(c.balances, from).Cmp(amount) < 0 {
			return nil, errors.New("insufficient balance")
		}
		c.debit(c.balances, from, amount)
	default:
		return nil, fmt.Errorf("method %s is not supported", method.Name)
	}
	c.credit(c.balances, to, amount)

	log, err := token.TransferLog(c.token, src, to, amount)
	if err != nil {
		return nil, err
	}
	stored := c.appendLog(&log, tx.Hash(), number)
	return []*types.Log{stored}, nil
}

func (c *Chain) appendLog(log *types.Log, txHash common.Hash, number uint64) *types.Log {
	log.TxHash = txHash
	log.BlockNumber = number
	log.BlockHash = c.headers[number].Hash()
	log.Index = uint(len(c.logs))
	c.logs = append(c.logs, *log)
	return log
}

func (c *Chain) nextBlock() uint64 {
	c.head++
	c.headers[c.head] = c.header(c.head)
	return c.head
}

func (c *Chain) header(number uint64) *types.Header {
	header := &types.Header{
		Number: new(big.Int).SetUint64(number),
		Time:   genesisTime + number*2,
	}
	if c.baseFee != nil {
		header.BaseFee = new(big.Int).Set(c.baseFee)
	}
	return header
}

func (c *Chain) count(method string) {
	c.mu.Lock()
	c.calls[method]++
	c.mu.Unlock()
}

func (c *Chain) balanceOf(book map[common.Address]*big.Int, account common.Address) *big.Int {
	if bal, ok := book[account]; ok {
		return new(big.Int).Set(bal)
	}
	return new(big.Int)
}

func (c *Chain) credit(book map[common.Address]*big.Int, account common.Address, amount *big.Int) {
	book[account] = new(big.Int).Add(c.balanceOf(book, account), amount)
}

func (c *Chain) debit(book map[common.Address]*big.Int, account common.Address, amount *big.Int) {
	book[account] = new(big.Int).Sub(c.balanceOf(book, account), amount)
}

func containsAddress(list []common.Address, target common.Address) bool {
	for _, item := range list {
		if item == target {
			return true
		}
	}
	return false
}

func containsHash(list []common.Hash, target common.Hash) bool {
	for _, item := range list {
		if item == target {
			return true
		}
	}
	return false
}
