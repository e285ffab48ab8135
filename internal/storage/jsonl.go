package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"arcsettle/internal/model"
)

// JsonlSink mirrors committed ledger rows into an append-only JSONL file.
// When MaxBytes is positive the file is rotated to <path>.<unix-nanos>
// before a batch would push it past that size.
type JsonlSink struct {
	path     string
	maxBytes int64
	now      func() time.Time

	mu sync.Mutex
}

func NewJsonlSink(path string, maxBytes int64) *JsonlSink {
	return &JsonlSink{path: path, maxBytes: maxBytes, now: time.Now}
}

// Append writes rows as one contiguous block of JSON lines. A row that
// fails to encode aborts the whole batch before anything is written.
func (s *JsonlSink) Append(rows []model.LedgerRow) error {
	if len(rows) == 0 {
		return nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			return fmt.Errorf("encode ledger row %s: %w", row.TxHash, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create mirror dir: %w", err)
	}
	if err := s.rotate(int64(buf.Len())); err != nil {
		return err
	}

	file, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open mirror file: %w", err)
	}
	if _, err := buf.WriteTo(file); err != nil {
		file.Close()
		return fmt.Errorf("write mirror: %w", err)
	}
	return file.Close()
}

func (s *JsonlSink) rotate(incoming int64) error {
	if s.maxBytes <= 0 {
		return nil
	}
	info, err := os.Stat(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat mirror file: %w", err)
	}
	if info.Size() == 0 || info.Size()+incoming <= s.maxBytes {
		return nil
	}
	rotated := fmt.Sprintf("%s.%d", s.path, s.now().UnixNano())
	if err := os.Rename(s.path, rotated); err != nil {
		return fmt.Errorf("rotate mirror file: %w", err)
	}
	return nil
}
