package procgroup

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdGroupOptions configures the etcd-backed process group.
type EtcdGroupOptions struct {
	Endpoints   []string
	DialTimeout time.Duration
	Namespace   string
	// RunKey scopes every message and barrier key to one simulation batch.
	RunKey string
	Rank   int
	Size   int
	TLS    *tls.Config
	// KeyTTL bounds how long message and barrier keys outlive the run.
	KeyTTL time.Duration
}

// EtcdGroup exchanges messages and barrier arrivals as etcd keys. It lets ranks
// on different hosts coordinate without an MPI runtime.
//
// On first use the ranks agree on a launch id and keep every message and
// barrier key under it, so a relaunch with the same RunKey never reads keys
// of a crashed launch. Barrier names and message tags must be unique within
// one launch; keys are never rewritten, so a reused barrier name is satisfied
// immediately.
type EtcdGroup struct {
	client     *clientv3.Client
	base       string
	rank       int
	size       int
	ttlSeconds int64

	leaseMu sync.Mutex
	lease   clientv3.LeaseID

	joinMu sync.Mutex
	launch string
	prefix string
}

// NewEtcdGroup connects to etcd and returns the group view for opts.Rank.
func NewEtcdGroup(opts EtcdGroupOptions) (*EtcdGroup, error) {
	if len(opts.Endpoints) == 0 {
		return nil, errors.New("etcd process group requires at least one endpoint")
	}
	runKey := strings.Trim(strings.TrimSpace(opts.RunKey), "/")
	if runKey == "" {
		return nil, errors.New("etcd process group requires a non-empty run key")
	}
	if opts.Size < 1 {
		return nil, fmt.Errorf("etcd process group size must be at least 1, got %d", opts.Size)
	}
	if err := checkPeer(opts.Size, opts.Rank); err != nil {
		return nil, err
	}

	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	ttl := opts.KeyTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	ttlSeconds := int64(math.Ceil(ttl.Seconds()))

	cfg := clientv3.Config{
		Endpoints:           opts.Endpoints,
		DialTimeout:         dialTimeout,
		TLS:                 opts.TLS,
		RejectOldCluster:    true,
		PermitWithoutStream: true,
	}
	client, err := clientv3.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("create etcd client: %w", err)
	}

	return &EtcdGroup{
		client:     client,
		base:       applyNamespace(opts.Namespace, runKey),
		rank:       opts.Rank,
		size:       opts.Size,
		ttlSeconds: ttlSeconds,
	}, nil
}

// Close releases underlying client resources. Keys expire with their lease.
func (g *EtcdGroup) Close() error {
	if g == nil {
		return nil
	}
	return g.client.Close()
}

// Rank implements Group.
func (g *EtcdGroup) Rank() int { return g.rank }

// Size implements Group.
func (g *EtcdGroup) Size() int { return g.size }

// Send implements Group.
func (g *EtcdGroup) Send(ctx context.Context, to int, tag string, payload []byte) error {
	if err := checkPeer(g.size, to); err != nil {
		return err
	}
	prefix, err := g.scope(ctx)
	if err != nil {
		return err
	}
	lease, err := g.leaseID(ctx)
	if err != nil {
		return err
	}
	ctx = clientv3.WithRequireLeader(ctx)
	if _, err := g.client.Put(ctx, messageKey(prefix, tag, g.rank, to), string(payload), clientv3.WithLease(lease)); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("store message: %w", err)
	}
	return nil
}

// Recv implements Group.
func (g *EtcdGroup) Recv(ctx context.Context, from int, tag string) ([]byte, error) {
	if err := checkPeer(g.size, from); err != nil {
		return nil, err
	}
	prefix, err := g.scope(ctx)
	if err != nil {
		return nil, err
	}
	key := messageKey(prefix, tag, from, g.rank)

	ctx = clientv3.WithRequireLeader(ctx)
	resp, err := g.client.Get(ctx, key)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("read message: %w", err)
	}
	if len(resp.Kvs) > 0 {
		return resp.Kvs[0].Value, nil
	}

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	for wr := range g.client.Watch(watchCtx, key, clientv3.WithRev(resp.Header.Revision+1)) {
		if err := wr.Err(); err != nil {
			return nil, fmt.Errorf("watch message: %w", err)
		}
		for _, ev := range wr.Events {
			if ev.Type == clientv3.EventTypePut {
				return ev.Kv.Value, nil
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, errors.New("watch message: channel closed")
}

// Barrier implements Group.
func (g *EtcdGroup) Barrier(ctx context.Context, name string) error {
	prefix, err := g.scope(ctx)
	if err != nil {
		return err
	}
	lease, err := g.leaseID(ctx)
	if err != nil {
		return err
	}
	dir := prefix + "/barrier/" + strings.Trim(name, "/") + "/"

	ctx = clientv3.WithRequireLeader(ctx)
	if _, err := g.client.Put(ctx, dir+strconv.Itoa(g.rank), time.Now().UTC().Format(time.RFC3339Nano), clientv3.WithLease(lease)); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("enter barrier: %w", err)
	}

	resp, err := g.client.Get(ctx, dir, clientv3.WithPrefix(), clientv3.WithCountOnly())
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("count barrier arrivals: %w", err)
	}
	arrived := resp.Count
	if arrived >= int64(g.size) {
		return nil
	}

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	for wr := range g.client.Watch(watchCtx, dir, clientv3.WithPrefix(), clientv3.WithRev(resp.Header.Revision+1)) {
		if err := wr.Err(); err != nil {
			return fmt.Errorf("watch barrier: %w", err)
		}
		for _, ev := range wr.Events {
			if ev.IsCreate() {
				arrived++
			}
		}
		if arrived >= int64(g.size) {
			return nil
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return errors.New("watch barrier: channel closed")
}

func (g *EtcdGroup) leaseID(ctx context.Context) (clientv3.LeaseID, error) {
	g.leaseMu.Lock()
	defer g.leaseMu.Unlock()
	if g.lease != 0 {
		return g.lease, nil
	}
	resp, err := g.client.Grant(ctx, g.ttlSeconds)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return 0, err
		}
		return 0, fmt.Errorf("grant key lease: %w", err)
	}
	g.lease = resp.ID
	return g.lease, nil
}

func messageKey(prefix, tag string, from, to int) string {
	return fmt.Sprintf("%s/msg/%s/%d-%d", prefix, strings.Trim(tag, "/"), from, to)
}

func applyNamespace(namespace, key string) string {
	normalizedKey := "/" + strings.TrimLeft(key, "/")
	trimmedNamespace := strings.Trim(namespace, "/")
	if trimmedNamespace == "" {
		return normalizedKey
	}
	return "/" + trimmedNamespace + normalizedKey
}

var _ Group = (*EtcdGroup)(nil)
