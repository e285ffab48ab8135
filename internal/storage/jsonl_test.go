package storage

import (
	"bufio"
	"encoding/json"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arcsettle/internal/model"
)

func TestJsonlSinkAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mirror", "rows.jsonl")
	sink := NewJsonlSink(path, 0)

	require.NoError(t, sink.Append([]model.LedgerRow{{TxHash: "0x01", AmountRaw: big.NewInt(10)}}))
	require.NoError(t, sink.Append([]model.LedgerRow{{TxHash: "0x02", AmountRaw: big.NewInt(20)}}))
	require.NoError(t, sink.Append(nil))

	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()

	var hashes []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var row model.LedgerRow
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &row))
		hashes = append(hashes, row.TxHash)
	}
	require.NoError(t, scanner.Err())
	assert.Equal(t, []string{"0x01", "0x02"}, hashes)
}

func readHashes(t *testing.T, path string) []string {
	t.Helper()
	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()

	var hashes []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var row model.LedgerRow
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &row))
		hashes = append(hashes, row.TxHash)
	}
	require.NoError(t, scanner.Err())
	return hashes
}

func TestJsonlSinkRotatesBySize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rows.jsonl")
	sink := NewJsonlSink(path, 64)
	sink.now = func() time.Time { return time.Unix(0, 42) }

	require.NoError(t, sink.Append([]model.LedgerRow{{TxHash: "0x01"}}))
	require.NoError(t, sink.Append([]model.LedgerRow{{TxHash: "0x02"}}))

	assert.Equal(t, []string{"0x01"}, readHashes(t, path+".42"))
	assert.Equal(t, []string{"0x02"}, readHashes(t, path))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestJsonlSinkKeepsBatchTogether(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rows.jsonl")
	sink := NewJsonlSink(path, 1)

	batch := []model.LedgerRow{{TxHash: "0x01"}, {TxHash: "0x02"}, {TxHash: "0x03"}}
	require.NoError(t, sink.Append(batch))
	assert.Equal(t, []string{"0x01", "0x02", "0x03"}, readHashes(t, path))
}

func TestDealFilterNormalize(t *testing.T) {
	assert.Equal(t, DefaultListLimit, DealFilter{}.Normalize().Limit)
	assert.Equal(t, MaxListLimit, DealFilter{Limit: 10_000}.Normalize().Limit)
	assert.Equal(t, 0, DealFilter{Offset: -4}.Normalize().Offset)
	assert.Equal(t, 7, DealFilter{Limit: 7}.Normalize().Limit)
}
