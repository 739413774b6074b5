package procgroup

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

func TestLocalSendRecv(t *testing.T) {
	hub, err := NewLocalHub(2)
	if err != nil {
		t.Fatalf("new hub: %v", err)
	}
	a, _ := hub.Member(0)
	b, _ := hub.Member(1)
	ctx := context.Background()

	if err := a.Send(ctx, 1, "greeting", []byte("hi")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := a.Send(ctx, 1, "other", []byte("ignored")); err != nil {
		t.Fatalf("send: %v", err)
	}
	msg, err := b.Recv(ctx, 0, "greeting")
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if string(msg) != "hi" {
		t.Fatalf("expected tag-scoped message, got %q", msg)
	}
	if n := hub.openMailboxes(); n != 1 {
		t.Fatalf("expected only the undelivered mailbox to remain, got %d", n)
	}
}

func TestLocalRecvHonoursContext(t *testing.T) {
	hub, _ := NewLocalHub(2)
	b, _ := hub.Member(1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := b.Recv(ctx, 0, "never"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestLocalRejectsInvalidRank(t *testing.T) {
	hub, _ := NewLocalHub(2)
	if _, err := hub.Member(2); !errors.Is(err, ErrInvalidRank) {
		t.Fatalf("expected invalid rank error, got %v", err)
	}
	a, _ := hub.Member(0)
	if err := a.Send(context.Background(), -1, "x", nil); !errors.Is(err, ErrInvalidRank) {
		t.Fatalf("expected invalid rank error, got %v", err)
	}
	if _, err := NewLocalHub(0); err == nil {
		t.Fatal("expected error for empty group")
	}
}

func TestBarrierReleasesOnlyWhenAllArrive(t *testing.T) {
	const size = 4
	var passed atomic.Int32
	var arrivedBeforeRelease atomic.Int32

	err := RunLocal(context.Background(), size, func(ctx context.Context, g Group) error {
		if g.Rank() == 0 {
			// Last to arrive: nobody may have passed yet.
			time.Sleep(20 * time.Millisecond)
			arrivedBeforeRelease.Store(passed.Load())
		}
		if err := g.Barrier(ctx, "resume"); err != nil {
			return err
		}
		passed.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("run local: %v", err)
	}
	if got := arrivedBeforeRelease.Load(); got != 0 {
		t.Fatalf("expected no rank past the barrier before the last arrival, got %d", got)
	}
	if got := passed.Load(); got != size {
		t.Fatalf("expected all ranks to pass, got %d", got)
	}
}

func TestBarrierNameCanBeReused(t *testing.T) {
	err := RunLocal(context.Background(), 3, func(ctx context.Context, g Group) error {
		for i := 0; i < 3; i++ {
			if err := g.Barrier(ctx, "yieldstep"); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("run local: %v", err)
	}
}

func TestExchangeCollectsEveryVote(t *testing.T) {
	const size = 3
	results := make([][]bool, size)

	err := RunLocal(context.Background(), size, func(ctx context.Context, g Group) error {
		votes, err := Exchange(ctx, g, "vote/1", g.Rank() != 1)
		if err != nil {
			return err
		}
		results[g.Rank()] = votes
		return nil
	})
	if err != nil {
		t.Fatalf("run local: %v", err)
	}
	for rank, votes := range results {
		if len(votes) != size || !votes[0] || votes[1] || !votes[2] {
			t.Fatalf("rank %d observed unexpected votes %v", rank, votes)
		}
		if All(votes) {
			t.Fatalf("rank %d: expected unanimous check to fail", rank)
		}
		if !Any(votes) {
			t.Fatalf("rank %d: expected any check to pass", rank)
		}
	}
}

func TestDeliveredMailboxesAreReleased(t *testing.T) {
	const size = 3
	hub, err := NewLocalHub(size)
	if err != nil {
		t.Fatalf("new hub: %v", err)
	}
	eg, ctx := errgroup.WithContext(context.Background())
	for rank := 0; rank < size; rank++ {
		member, _ := hub.Member(rank)
		eg.Go(func() error {
			for step := 1; step <= 200; step++ {
				if _, err := Exchange(ctx, member, fmt.Sprintf("bail/1/%d", step), false); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if n := hub.openMailboxes(); n != 0 {
		t.Fatalf("expected every delivered mailbox to be released, %d remain", n)
	}
}

func TestRunLocalPropagatesRankError(t *testing.T) {
	boom := errors.New("boom")
	err := RunLocal(context.Background(), 2, func(ctx context.Context, g Group) error {
		if g.Rank() == 1 {
			return boom
		}
		// Rank 0 would block forever without the shared context cancellation.
		_, err := g.Recv(ctx, 1, "never")
		return err
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected rank error, got %v", err)
	}
}
