package token

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

type stubCaller struct {
	resp []byte
	err  error
	msgs []ethereum.CallMsg
}

func (s *stubCaller) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	s.msgs = append(s.msgs, msg)
	return s.resp, s.err
}

func TestTransferTopic(t *testing.T) {
	topic, err := TransferTopic()
	if err != nil {
		t.Fatalf("topic: %v", err)
	}
	want := crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
	if topic != want {
		t.Fatalf("topic mismatch: %s", topic.Hex())
	}
}

func TestDecodeTransferRoundTrip(t *testing.T) {
	tokenAddr := common.HexToAddress("0x1111111111111111111111111111111111111111")
	from := common.HexToAddress("0x2222222222222222222222222222222222222222")
	to := common.HexToAddress("0x3333333333333333333333333333333333333333")

	log, err := TransferLog(tokenAddr, from, to, big.NewInt(2_000_000))
	if err != nil {
		t.Fatalf("build log: %v", err)
	}
	log.TxHash = common.HexToHash("0xdef")
	log.BlockNumber = 42

	transfer, err := DecodeTransfer(log)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if transfer.From != from || transfer.To != to {
		t.Fatalf("address mismatch: %+v", transfer)
	}
	if transfer.Value.Cmp(big.NewInt(2_000_000)) != 0 {
		t.Fatalf("value mismatch: %s", transfer.Value)
	}
	if transfer.BlockNumber != 42 || transfer.TxHash != log.TxHash {
		t.Fatalf("position mismatch: %+v", transfer)
	}
}

func TestDecodeTransferRejectsForeignTopic(t *testing.T) {
	log := types.Log{Topics: []common.Hash{common.HexToHash("0x01"), {}, {}}}
	if _, err := DecodeTransfer(log); err == nil {
		t.Fatalf("expected error for foreign topic")
	}
}

func TestPackMintSelector(t *testing.T) {
	data, err := PackMint(common.HexToAddress("0x2222222222222222222222222222222222222222"), big.NewInt(5))
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	selector := crypto.Keccak256([]byte("mint(address,uint256)"))[:4]
	if string(data[:4]) != string(selector) {
		t.Fatalf("selector mismatch")
	}
	if len(data) != 4+64 {
		t.Fatalf("unexpected length %d", len(data))
	}
}

func TestDecimals(t *testing.T) {
	parsed, err := ABI()
	if err != nil {
		t.Fatalf("abi: %v", err)
	}
	resp, err := parsed.Methods["decimals"].Outputs.Pack(uint8(18))
	if err != nil {
		t.Fatalf("pack output: %v", err)
	}
	caller := &stubCaller{resp: resp}
	tokenAddr := common.HexToAddress("0x1111111111111111111111111111111111111111")

	decimals, err := Decimals(context.Background(), caller, tokenAddr)
	if err != nil {
		t.Fatalf("decimals: %v", err)
	}
	if decimals != 18 {
		t.Fatalf("decimals mismatch: %d", decimals)
	}
	if len(caller.msgs) != 1 || *caller.msgs[0].To != tokenAddr {
		t.Fatalf("call target mismatch")
	}
}

func TestDecimalsPropagatesCallError(t *testing.T) {
	caller := &stubCaller{err: errors.New("execution reverted")}
	if _, err := Decimals(context.Background(), caller, common.Address{}); err == nil {
		t.Fatalf("expected error")
	}
}
