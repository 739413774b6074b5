package procgroup

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// localMailboxDepth bounds the number of undelivered messages per
// (from, to, tag) before Send starts to block.
const localMailboxDepth = 64

// LocalHub connects goroutine ranks living in one process. It backs single
// process runs and tests.
type LocalHub struct {
	size int

	mu        sync.Mutex
	mailboxes map[mailboxKey]*mailbox
	barriers  map[string]*barrierGeneration
}

type mailboxKey struct {
	from, to int
	tag      string
}

// mailbox is dropped from the hub once no Send or Recv holds it and it is
// empty, so per-yieldstep tags do not accumulate.
type mailbox struct {
	ch    chan []byte
	users int
}

type barrierGeneration struct {
	arrived int
	done    chan struct{}
}

// NewLocalHub creates a hub for size ranks.
func NewLocalHub(size int) (*LocalHub, error) {
	if size < 1 {
		return nil, fmt.Errorf("procgroup: size must be at least 1, got %d", size)
	}
	return &LocalHub{
		size:      size,
		mailboxes: make(map[mailboxKey]*mailbox),
		barriers:  make(map[string]*barrierGeneration),
	}, nil
}

// Member returns the Group view for rank.
func (h *LocalHub) Member(rank int) (Group, error) {
	if err := checkPeer(h.size, rank); err != nil {
		return nil, err
	}
	return &localMember{hub: h, rank: rank}, nil
}

func (h *LocalHub) acquire(key mailboxKey) *mailbox {
	h.mu.Lock()
	defer h.mu.Unlock()
	mb, ok := h.mailboxes[key]
	if !ok {
		mb = &mailbox{ch: make(chan []byte, localMailboxDepth)}
		h.mailboxes[key] = mb
	}
	mb.users++
	return mb
}

func (h *LocalHub) release(key mailboxKey, mb *mailbox) {
	h.mu.Lock()
	defer h.mu.Unlock()
	mb.users--
	if mb.users == 0 && len(mb.ch) == 0 {
		delete(h.mailboxes, key)
	}
}

func (h *LocalHub) openMailboxes() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.mailboxes)
}

func (h *LocalHub) arrive(name string) <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	gen, ok := h.barriers[name]
	if !ok {
		gen = &barrierGeneration{done: make(chan struct{})}
		h.barriers[name] = gen
	}
	gen.arrived++
	if gen.arrived == h.size {
		close(gen.done)
		// The next barrier with the same name starts a fresh generation.
		delete(h.barriers, name)
	}
	return gen.done
}

type localMember struct {
	hub  *LocalHub
	rank int
}

func (m *localMember) Rank() int { return m.rank }

func (m *localMember) Size() int { return m.hub.size }

func (m *localMember) Send(ctx context.Context, to int, tag string, payload []byte) error {
	if err := checkPeer(m.hub.size, to); err != nil {
		return err
	}
	msg := append([]byte(nil), payload...)
	key := mailboxKey{from: m.rank, to: to, tag: tag}
	mb := m.hub.acquire(key)
	defer m.hub.release(key, mb)
	select {
	case mb.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *localMember) Recv(ctx context.Context, from int, tag string) ([]byte, error) {
	if err := checkPeer(m.hub.size, from); err != nil {
		return nil, err
	}
	key := mailboxKey{from: from, to: m.rank, tag: tag}
	mb := m.hub.acquire(key)
	defer m.hub.release(key, mb)
	select {
	case msg := <-mb.ch:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *localMember) Barrier(ctx context.Context, name string) error {
	done := m.hub.arrive(name)
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunLocal runs fn once per rank on a fresh LocalHub and waits for all ranks.
// The first error cancels the context shared by the remaining ranks.
func RunLocal(ctx context.Context, size int, fn func(ctx context.Context, g Group) error) error {
	if fn == nil {
		return errors.New("procgroup: rank function must not be nil")
	}
	hub, err := NewLocalHub(size)
	if err != nil {
		return err
	}

	eg, egCtx := errgroup.WithContext(ctx)
	for rank := 0; rank < size; rank++ {
		member, err := hub.Member(rank)
		if err != nil {
			return err
		}
		eg.Go(func() error {
			if err := fn(egCtx, member); err != nil {
				return fmt.Errorf("rank %d: %w", member.Rank(), err)
			}
			return nil
		})
	}
	return eg.Wait()
}

var _ Group = (*localMember)(nil)
