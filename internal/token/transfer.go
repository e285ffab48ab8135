package token

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Transfer is a decoded Transfer event.
type Transfer struct {
	From        common.Address
	To          common.Address
	Value       *big.Int
	TxHash      common.Hash
	BlockNumber uint64
	LogIndex    uint
}

// TransferTopic returns topic0 of the Transfer event.
func TransferTopic() (common.Hash, error) {
	parsed, err := ABI()
	if err != nil {
		return common.Hash{}, fmt.Errorf("parse token abi: %w", err)
	}
	return parsed.Events["Transfer"].ID, nil
}

// DecodeTransfer decodes a Transfer log.
func DecodeTransfer(log types.Log) (Transfer, error) {
	parsed, err := ABI()
	if err != nil {
		return Transfer{}, fmt.Errorf("parse token abi: %w", err)
	}
	event := parsed.Events["Transfer"]

	if len(log.Topics) != 3 {
		return Transfer{}, fmt.Errorf("expected 3 topics, got %d", len(log.Topics))
	}
	if log.Topics[0] != event.ID {
		return Transfer{}, fmt.Errorf("unexpected topic0 %s", log.Topics[0].Hex())
	}

	var indexed struct {
		From common.Address
		To   common.Address
	}
	if err := abi.ParseTopics(&indexed, indexedArguments(event.Inputs), log.Topics[1:]); err != nil {
		return Transfer{}, fmt.Errorf("parse topics: %w", err)
	}

	values, err := event.Inputs.NonIndexed().Unpack(log.Data)
	if err != nil {
		return Transfer{}, fmt.Errorf("unpack transfer: %w", err)
	}
	if len(values) != 1 {
		return Transfer{}, fmt.Errorf("unexpected transfer values: %d", len(values))
	}
	value, err := asBigInt(values[0])
	if err != nil {
		return Transfer{}, err
	}

	return Transfer{
		From:        indexed.From,
		To:          indexed.To,
		Value:       value,
		TxHash:      log.TxHash,
		BlockNumber: log.BlockNumber,
		LogIndex:    log.Index,
	}, nil
}

// TransferLog builds the log a token contract emits for a transfer.
func TransferLog(token, from, to common.Address, value *big.Int) (types.Log, error) {
	parsed, err := ABI()
	if err != nil {
		return types.Log{}, fmt.Errorf("parse token abi: %w", err)
	}
	event := parsed.Events["Transfer"]
	data, err := event.Inputs.NonIndexed().Pack(value)
	if err != nil {
		return types.Log{}, fmt.Errorf("pack transfer: %w", err)
	}
	return types.Log{
		Address: token,
		Topics: []common.Hash{
			event.ID,
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(to.Bytes()),
		},
		Data: data,
	}, nil
}

func indexedArguments(args abi.Arguments) abi.Arguments {
	indexed := make(abi.Arguments, 0, len(args))
	for _, arg := range args {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	return indexed
}
