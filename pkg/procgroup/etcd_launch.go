package procgroup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// launchRecord is published by rank 0. Members maps each other rank to the
// nonce it joined with, so a worker only accepts a record naming its own
// nonce and never a record left behind by an earlier launch.
type launchRecord struct {
	ID      string            `json:"id"`
	Members map[string]string `json:"members"`
}

// Key layout under the run prefix:
//
//	launch/join/{rank}       worker nonce
//	launch/current           launchRecord
//	launch/ack/{id}/{rank}   worker nonce, once the worker adopted id
//	launches/{id}/...        messages and barriers of launch id
func (g *EtcdGroup) launchKey(parts ...string) string {
	return g.base + "/launch/" + strings.Join(parts, "/")
}

// scope returns the per-launch key prefix, joining the launch on first use.
func (g *EtcdGroup) scope(ctx context.Context) (string, error) {
	g.joinMu.Lock()
	defer g.joinMu.Unlock()
	if g.launch != "" {
		return g.prefix, nil
	}
	var (
		id  string
		err error
	)
	if g.rank == 0 {
		id, err = g.lead(ctx)
	} else {
		id, err = g.follow(ctx)
	}
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
		return "", fmt.Errorf("join launch: %w", err)
	}
	g.launch = id
	g.prefix = g.base + "/launches/" + id
	return g.prefix, nil
}

// lead publishes a fresh launch id and waits until every worker has adopted
// it. A worker that rejoins with a new nonce gets a republished record.
func (g *EtcdGroup) lead(ctx context.Context) (string, error) {
	id := uuid.NewString()
	if g.size == 1 {
		return id, nil
	}
	lease, err := g.leaseID(ctx)
	if err != nil {
		return "", err
	}
	ctx = clientv3.WithRequireLeader(ctx)
	joinDir := g.launchKey("join") + "/"
	ackDir := g.launchKey("ack", id) + "/"
	published := ""

	for {
		resp, err := g.client.Get(ctx, g.launchKey(), clientv3.WithPrefix())
		if err != nil {
			return "", err
		}
		joins := make(map[string]string)
		acks := make(map[string]string)
		for _, kv := range resp.Kvs {
			key := string(kv.Key)
			switch {
			case strings.HasPrefix(key, joinDir):
				joins[strings.TrimPrefix(key, joinDir)] = string(kv.Value)
			case strings.HasPrefix(key, ackDir):
				acks[strings.TrimPrefix(key, ackDir)] = string(kv.Value)
			}
		}

		members := make(map[string]string, g.size-1)
		for rank := 1; rank < g.size; rank++ {
			if nonce, ok := joins[strconv.Itoa(rank)]; ok {
				members[strconv.Itoa(rank)] = nonce
			}
		}
		if len(members) == g.size-1 {
			data, err := json.Marshal(launchRecord{ID: id, Members: members})
			if err != nil {
				return "", err
			}
			if record := string(data); record != published {
				if _, err := g.client.Put(ctx, g.launchKey("current"), record, clientv3.WithLease(lease)); err != nil {
					return "", err
				}
				published = record
			}
			adopted := true
			for rank, nonce := range members {
				if acks[rank] != nonce {
					adopted = false
					break
				}
			}
			if adopted {
				return id, nil
			}
		}

		if err := g.awaitChange(ctx, g.launchKey(), resp.Header.Revision, true); err != nil {
			return "", err
		}
	}
}

// follow joins with a fresh nonce and adopts the first launch record that
// names it.
func (g *EtcdGroup) follow(ctx context.Context) (string, error) {
	lease, err := g.leaseID(ctx)
	if err != nil {
		return "", err
	}
	ctx = clientv3.WithRequireLeader(ctx)
	nonce := uuid.NewString()
	rank := strconv.Itoa(g.rank)
	if _, err := g.client.Put(ctx, g.launchKey("join", rank), nonce, clientv3.WithLease(lease)); err != nil {
		return "", err
	}

	current := g.launchKey("current")
	for {
		resp, err := g.client.Get(ctx, current)
		if err != nil {
			return "", err
		}
		if len(resp.Kvs) > 0 {
			var record launchRecord
			if err := json.Unmarshal(resp.Kvs[0].Value, &record); err == nil && record.ID != "" && record.Members[rank] == nonce {
				if _, err := g.client.Put(ctx, g.launchKey("ack", record.ID, rank), nonce, clientv3.WithLease(lease)); err != nil {
					return "", err
				}
				return record.ID, nil
			}
		}
		if err := g.awaitChange(ctx, current, resp.Header.Revision, false); err != nil {
			return "", err
		}
	}
}

// awaitChange blocks until key (or any key below it) is written after rev.
func (g *EtcdGroup) awaitChange(ctx context.Context, key string, rev int64, prefix bool) error {
	opts := []clientv3.OpOption{clientv3.WithRev(rev + 1)}
	if prefix {
		opts = append(opts, clientv3.WithPrefix())
	}
	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	for wr := range g.client.Watch(watchCtx, key, opts...) {
		if err := wr.Err(); err != nil {
			return fmt.Errorf("watch %s: %w", key, err)
		}
		if len(wr.Events) > 0 {
			return nil
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return errors.New("watch " + key + ": channel closed")
}
