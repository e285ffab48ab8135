package txn

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arcsettle/internal/chain/chaintest"
	"arcsettle/internal/token"
)

func newTestSubmitter(t *testing.T, ledger *chaintest.Chain) *Submitter {
	t.Helper()
	submitter, err := NewSubmitter(ledger, SubmitterConfig{
		ChainID:        ledger.ChainID(),
		ReceiptTimeout: 50 * time.Millisecond,
		ReceiptPoll:    5 * time.Millisecond,
	}, nil)
	require.NoError(t, err)
	return submitter
}

func mintOperation(t *testing.T, key *ecdsa.PrivateKey, nonce uint64) Operation {
	t.Helper()
	data, err := token.PackMint(crypto.PubkeyToAddress(key.PublicKey), big.NewInt(1_000_000))
	require.NoError(t, err)
	return Operation{To: testToken, Data: data, GasLimit: 200_000, Nonce: nonce}
}

func TestSubmitConfirmsMint(t *testing.T) {
	ledger := chaintest.New(1337, testToken, 6)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	conf, err := newTestSubmitter(t, ledger).Submit(context.Background(), mintOperation(t, key, 0), key)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), conf.BlockNumber)
	assert.NotEqual(t, common.Hash{}, conf.TxHash)
	assert.Equal(t, "1000000", ledger.TokenBalance(crypto.PubkeyToAddress(key.PublicKey)).String())

	sent := ledger.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "1200000000", sent[0].GasFeeCap().String())
}

func TestSubmitSendFailure(t *testing.T) {
	ledger := chaintest.New(1337, testToken, 6)
	ledger.SetOutcome(1, chaintest.FailSend)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	_, err = newTestSubmitter(t, ledger).Submit(context.Background(), mintOperation(t, key, 0), key)
	var subErr *SubmissionError
	require.True(t, errors.As(err, &subErr))
	assert.Equal(t, StageSend, subErr.Stage)
	assert.Equal(t, common.Hash{}, subErr.TxHash)
	assert.False(t, subErr.Ambiguous)
	assert.ErrorIs(t, err, chaintest.ErrSendRejected)
}

func TestSubmitReverted(t *testing.T) {
	ledger := chaintest.New(1337, testToken, 6)
	ledger.SetOutcome(1, chaintest.Revert)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	conf, err := newTestSubmitter(t, ledger).Submit(context.Background(), mintOperation(t, key, 0), key)
	var subErr *SubmissionError
	require.True(t, errors.As(err, &subErr))
	assert.Equal(t, StageReverted, subErr.Stage)
	assert.Equal(t, conf.TxHash, subErr.TxHash)
	assert.ErrorIs(t, err, ErrReverted)
	assert.Equal(t, "0", ledger.TokenBalance(crypto.PubkeyToAddress(key.PublicKey)).String())
}

func TestSubmitReceiptTimeoutIsAmbiguous(t *testing.T) {
	ledger := chaintest.New(1337, testToken, 6)
	ledger.SetOutcome(1, chaintest.Hold)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	_, err = newTestSubmitter(t, ledger).Submit(context.Background(), mintOperation(t, key, 0), key)
	var subErr *SubmissionError
	require.True(t, errors.As(err, &subErr))
	assert.Equal(t, StageConfirm, subErr.Stage)
	assert.True(t, subErr.Ambiguous)
	assert.NotEqual(t, common.Hash{}, subErr.TxHash)
	assert.ErrorIs(t, err, ErrReceiptTimeout)
}

func TestSubmitRejectsNilKey(t *testing.T) {
	ledger := chaintest.New(1337, testToken, 6)
	_, err := newTestSubmitter(t, ledger).Submit(context.Background(), Operation{To: testToken}, nil)
	var subErr *SubmissionError
	require.True(t, errors.As(err, &subErr))
	assert.Equal(t, StageSign, subErr.Stage)
	assert.Empty(t, ledger.Sent())
}

type headerlessLedger struct {
	*chaintest.Chain
}

func (headerlessLedger) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return nil, errors.New("header unavailable")
}

func TestSubmitFeeFailureIsNotASigningError(t *testing.T) {
	ledger := chaintest.New(1337, testToken, 6)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	submitter, err := NewSubmitter(headerlessLedger{ledger}, SubmitterConfig{ChainID: ledger.ChainID()}, nil)
	require.NoError(t, err)

	_, err = submitter.Submit(context.Background(), mintOperation(t, key, 0), key)
	var subErr *SubmissionError
	require.True(t, errors.As(err, &subErr))
	assert.Equal(t, StageFees, subErr.Stage)
	assert.False(t, subErr.Ambiguous)
	assert.Empty(t, ledger.Sent())
}
