package txn

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// NonceSource returns the next usable nonce for an account.
type NonceSource interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// NoncePlanner hands out nonces and serializes work per signer.
type NoncePlanner struct {
	source NonceSource

	mu    sync.Mutex
	locks map[common.Address]chan struct{}
}

// NewNoncePlanner creates a nonce planner.
func NewNoncePlanner(source NonceSource) *NoncePlanner {
	return &NoncePlanner{
		source: source,
		locks:  make(map[common.Address]chan struct{}),
	}
}

// Sequence is an exclusive hold on a set of signers.
type Sequence struct {
	planner *NoncePlanner
	held    []common.Address

	mu   sync.Mutex
	next map[common.Address]uint64

	releaseOnce sync.Once
}

// Begin locks every signer, in address order, until Release is called.
// It blocks while another sequence holds any of them.
func (p *NoncePlanner) Begin(ctx context.Context, signers ...common.Address) (*Sequence, error) {
	ordered := uniqueSorted(signers)
	seq := &Sequence{
		planner: p,
		held:    make([]common.Address, 0, len(ordered)),
		next:    make(map[common.Address]uint64, len(ordered)),
	}
	for _, signer := range ordered {
		lock := p.lockFor(signer)
		select {
		case lock <- struct{}{}:
			seq.held = append(seq.held, signer)
		case <-ctx.Done():
			seq.Release()
			return nil, fmt.Errorf("lock signer %s: %w", signer.Hex(), ctx.Err())
		}
	}
	return seq, nil
}

// Next returns the next nonce for signer. The node is asked once per
// sequence; later nonces are assigned locally.
func (s *Sequence) Next(ctx context.Context, signer common.Address) (uint64, error) {
	if !s.holds(signer) {
		return 0, fmt.Errorf("signer %s is not held by this sequence", signer.Hex())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if nonce, ok := s.next[signer]; ok {
		s.next[signer] = nonce + 1
		return nonce, nil
	}
	nonce, err := s.planner.source.PendingNonceAt(ctx, signer)
	if err != nil {
		return 0, fmt.Errorf("get pending nonce: %w", err)
	}
	s.next[signer] = nonce + 1
	return nonce, nil
}

// Release unlocks every held signer. It is safe to call more than once.
func (s *Sequence) Release() {
	s.releaseOnce.Do(func() {
		for i := len(s.held) - 1; i >= 0; i-- {
			<-s.planner.lockFor(s.held[i])
		}
		s.held = nil
	})
}

func (s *Sequence) holds(signer common.Address) bool {
	for _, held := range s.held {
		if held == signer {
			return true
		}
	}
	return false
}

func (p *NoncePlanner) lockFor(signer common.Address) chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	lock, ok := p.locks[signer]
	if !ok {
		lock = make(chan struct{}, 1)
		p.locks[signer] = lock
	}
	return lock
}

func uniqueSorted(signers []common.Address) []common.Address {
	seen := make(map[common.Address]struct{}, len(signers))
	out := make([]common.Address, 0, len(signers))
	for _, signer := range signers {
		if _, ok := seen[signer]; ok {
			continue
		}
		seen[signer] = struct{}{}
		out = append(out, signer)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Bytes(), out[j].Bytes()) < 0
	})
	return out
}
