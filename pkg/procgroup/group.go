// Package procgroup models the message-passing process group a partitioned
// simulation runs on: a rank id, the rank count, tagged point-to-point messages
// and named barriers.
package procgroup

import (
	"context"
	"errors"
	"fmt"
)

// ErrInvalidRank indicates a peer rank outside [0, Size()).
var ErrInvalidRank = errors.New("procgroup: invalid rank")

// Group is the set of cooperating ranks of one simulation batch.
type Group interface {
	// Rank returns this process's id in [0, Size()).
	Rank() int
	// Size returns the number of ranks in the group.
	Size() int
	// Send delivers payload to rank to under tag. It must not wait for the
	// matching Recv, so every rank may send before it receives.
	Send(ctx context.Context, to int, tag string, payload []byte) error
	// Recv blocks until the message sent by rank from under tag arrives.
	Recv(ctx context.Context, from int, tag string) ([]byte, error)
	// Barrier blocks until every rank of the group has entered the barrier name.
	Barrier(ctx context.Context, name string) error
}

// Exchange sends local to every other rank and receives every other rank's
// value under tag. The returned slice is indexed by rank and includes local at
// this rank's position.
func Exchange(ctx context.Context, g Group, tag string, local bool) ([]bool, error) {
	if g == nil {
		return nil, errors.New("procgroup: group must not be nil")
	}
	size, self := g.Size(), g.Rank()
	votes := make([]bool, size)
	votes[self] = local

	if err := Announce(ctx, g, tag, local); err != nil {
		return nil, err
	}
	for peer := 0; peer < size; peer++ {
		if peer == self {
			continue
		}
		msg, err := g.Recv(ctx, peer, tag)
		if err != nil {
			return nil, fmt.Errorf("receive %s from rank %d: %w", tag, peer, err)
		}
		votes[peer] = len(msg) == 1 && msg[0] == 1
	}
	return votes, nil
}

// Announce sends local to every other rank under tag without waiting for
// their values. It is the sending half of Exchange.
func Announce(ctx context.Context, g Group, tag string, local bool) error {
	if g == nil {
		return errors.New("procgroup: group must not be nil")
	}
	payload := []byte{0}
	if local {
		payload[0] = 1
	}
	for peer := 0; peer < g.Size(); peer++ {
		if peer == g.Rank() {
			continue
		}
		if err := g.Send(ctx, peer, tag, payload); err != nil {
			return fmt.Errorf("send %s to rank %d: %w", tag, peer, err)
		}
	}
	return nil
}

// All reports whether every value is true.
func All(values []bool) bool {
	for _, v := range values {
		if !v {
			return false
		}
	}
	return true
}

// Any reports whether at least one value is true.
func Any(values []bool) bool {
	for _, v := range values {
		if v {
			return true
		}
	}
	return false
}

func checkPeer(size, rank int) error {
	if rank < 0 || rank >= size {
		return fmt.Errorf("%w: %d not in [0,%d)", ErrInvalidRank, rank, size)
	}
	return nil
}
