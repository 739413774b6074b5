package procgroup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Hydrata/run-anuga/internal/testutil"
)

func newEtcdGroups(t *testing.T, size int) []*EtcdGroup {
	t.Helper()
	etcd := testutil.StartEmbeddedEtcd(t)
	return openEtcdGroups(t, etcd.Endpoints, testutil.RunKey(t), size)
}

func openEtcdGroups(t *testing.T, endpoints []string, runKey string, size int) []*EtcdGroup {
	t.Helper()
	groups := make([]*EtcdGroup, size)
	for rank := 0; rank < size; rank++ {
		g, err := NewEtcdGroup(EtcdGroupOptions{
			Endpoints: endpoints,
			Namespace: "run-anuga-test",
			RunKey:    runKey,
			Rank:      rank,
			Size:      size,
			KeyTTL:    time.Minute,
		})
		if err != nil {
			t.Fatalf("new etcd group rank %d: %v", rank, err)
		}
		t.Cleanup(func() { _ = g.Close() })
		groups[rank] = g
	}
	return groups
}

func TestEtcdGroupExchange(t *testing.T) {
	groups := newEtcdGroups(t, 3)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	errs := make(chan error, len(groups))
	results := make([][]bool, len(groups))
	for _, g := range groups {
		go func() {
			votes, err := Exchange(ctx, g, "checkpoint/1", g.Rank() != 2)
			results[g.Rank()] = votes
			errs <- err
		}()
	}
	for range groups {
		if err := <-errs; err != nil {
			t.Fatalf("exchange: %v", err)
		}
	}
	for rank, votes := range results {
		if len(votes) != 3 || !votes[0] || !votes[1] || votes[2] {
			t.Fatalf("rank %d observed unexpected votes %v", rank, votes)
		}
	}
}

func TestEtcdGroupBarrierWaitsForAllRanks(t *testing.T) {
	groups := newEtcdGroups(t, 2)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	released := make(chan error, 1)
	go func() { released <- groups[0].Barrier(ctx, "resume/173.0") }()

	select {
	case err := <-released:
		t.Fatalf("barrier released before rank 1 arrived: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	if err := groups[1].Barrier(ctx, "resume/173.0"); err != nil {
		t.Fatalf("rank 1 barrier: %v", err)
	}
	if err := <-released; err != nil {
		t.Fatalf("rank 0 barrier: %v", err)
	}
}

func TestEtcdGroupRecvHonoursContext(t *testing.T) {
	groups := newEtcdGroups(t, 2)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	if _, err := groups[0].Recv(ctx, 1, "never"); !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context error, got %v", err)
	}
}

func TestEtcdGroupRelaunchIgnoresCrashedLaunchVotes(t *testing.T) {
	etcd := testutil.StartEmbeddedEtcd(t)
	runKey := testutil.RunKey(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	// The first launch gets as far as rank 1 voting, then every rank dies.
	crashed := openEtcdGroups(t, etcd.Endpoints, runKey, 2)
	errs := make(chan error, 2)
	for _, g := range crashed {
		go func() { errs <- g.Barrier(ctx, "started") }()
	}
	for range crashed {
		if err := <-errs; err != nil {
			t.Fatalf("first launch barrier: %v", err)
		}
	}
	if err := Announce(ctx, crashed[1], "checkpoint/173.0/1", true); err != nil {
		t.Fatalf("first launch vote: %v", err)
	}
	for _, g := range crashed {
		_ = g.Close()
	}

	relaunched := openEtcdGroups(t, etcd.Endpoints, runKey, 2)
	results := make([][]bool, 2)
	for _, g := range relaunched {
		go func() {
			votes, err := Exchange(ctx, g, "checkpoint/173.0/1", g.Rank() == 0)
			results[g.Rank()] = votes
			errs <- err
		}()
	}
	for range relaunched {
		if err := <-errs; err != nil {
			t.Fatalf("relaunch exchange: %v", err)
		}
	}
	for rank, votes := range results {
		if len(votes) != 2 || !votes[0] || votes[1] {
			t.Fatalf("rank %d observed %v; the crashed launch's vote leaked into the relaunch", rank, votes)
		}
	}
	if relaunched[0].launch == crashed[0].launch || relaunched[0].launch != relaunched[1].launch {
		t.Fatalf("expected a fresh shared launch id, got %q and %q (crashed %q)",
			relaunched[0].launch, relaunched[1].launch, crashed[0].launch)
	}
}

func TestNewEtcdGroupValidatesOptions(t *testing.T) {
	cases := []EtcdGroupOptions{
		{RunKey: "r", Size: 1},
		{Endpoints: []string{"127.0.0.1:2379"}, Size: 1},
		{Endpoints: []string{"127.0.0.1:2379"}, RunKey: "r", Size: 0},
		{Endpoints: []string{"127.0.0.1:2379"}, RunKey: "r", Size: 2, Rank: 2},
	}
	for i, opts := range cases {
		if _, err := NewEtcdGroup(opts); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
}

func TestApplyNamespace(t *testing.T) {
	if got := applyNamespace("/ns/", "/run/"); got != "/ns/run/" {
		t.Fatalf("unexpected key %q", got)
	}
	if got := applyNamespace("", "run"); got != "/run" {
		t.Fatalf("unexpected key %q", got)
	}
}
