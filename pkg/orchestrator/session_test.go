package orchestrator

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Hydrata/run-anuga/internal/testutil"
	"github.com/Hydrata/run-anuga/pkg/checkpoint"
	"github.com/Hydrata/run-anuga/pkg/config"
)

func TestSessionRunsFreshBatchAndServesMetrics(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir, 1)
	cfg.Logging = config.LoggingConfig{FileLevel: "debug", ConsoleLevel: "warn"}
	cfg.Metrics = config.MetricsConfig{Enabled: true, Listen: "127.0.0.1:0"}
	cfg.Run.Label = "run_1_2_3"

	var console bytes.Buffer
	session, err := OpenSession(cfg, SessionOptions{Console: &console})
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	defer session.Close()
	if session.Resumer != nil {
		t.Fatal("fresh batch should not build a resumer")
	}

	domain := &testDomain{}
	mon, err := session.NewMonitor(domain)
	if err != nil {
		t.Fatalf("new monitor: %v", err)
	}
	runner, err := session.NewRunner(&fakeEngine{yieldstep: 60, finalSteps: 2, domain: domain}, WithMonitor(mon))
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	outcome, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if outcome.Status != StatusFinished || outcome.Summary == nil || outcome.Summary.Run.RunLabel != "run_1_2_3" {
		t.Fatalf("unexpected outcome %+v", outcome)
	}

	resp, err := http.Get("http://" + session.MetricsAddr() + "/metrics")
	if err != nil {
		t.Fatalf("scrape metrics: %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	if !strings.Contains(string(body), "run_anuga_yieldstep_sim_time_seconds 120") {
		t.Fatalf("expected yieldstep gauge in scrape:\n%s", body)
	}

	logData, err := os.ReadFile(filepath.Join(dir, "run_anuga_1.log"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(logData), `"event":"yieldstep"`) || !strings.Contains(string(logData), `"component":"orchestrator"`) {
		t.Fatalf("expected yieldstep events in log file:\n%s", logData)
	}
	if strings.Contains(console.String(), "yieldstep") {
		t.Fatalf("info events should be filtered from a warn console:\n%s", console.String())
	}

	if err := session.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := session.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestOpenSessionRejectsMultiRankLocalBackend(t *testing.T) {
	cfg := testConfig(t.TempDir(), 2)
	if _, err := OpenSession(cfg, SessionOptions{}); err == nil {
		t.Fatal("expected error for a multi-rank local group")
	}
}

func TestOpenSessionResumeRequiresLoader(t *testing.T) {
	cfg := testConfig(t.TempDir(), 1)
	checkpointTime := 60.0
	cfg.BatchNumber = 2
	cfg.CheckpointTime = &checkpointTime
	if _, err := OpenSession(cfg, SessionOptions{}); err == nil {
		t.Fatal("expected error when resuming without a loader")
	}
}

func TestSessionResumesOverEtcd(t *testing.T) {
	etcd := testutil.StartEmbeddedEtcd(t)
	runKey := testutil.RunKey(t)
	dir := t.TempDir()
	const size = 2
	checkpointTime := 300.0

	sessions := make([]*Session, size)
	for rank := 0; rank < size; rank++ {
		cfg := testConfig(dir, size)
		cfg.BatchNumber = 3
		cfg.CheckpointTime = &checkpointTime
		cfg.Logging = config.LoggingConfig{FileLevel: "info", ConsoleLevel: "info"}
		cfg.ProcessGroup = config.ProcessGroupConfig{
			Backend:        config.BackendEtcd,
			Rank:           rank,
			Size:           size,
			EtcdEndpoints:  etcd.Endpoints,
			EtcdNamespace:  "run-anuga-test",
			RunKey:         runKey,
			DialTimeoutSec: 5,
			KeyTTLSec:      60,
		}
		if rank == 0 {
			if err := os.MkdirAll(cfg.CheckpointDir, 0o755); err != nil {
				t.Fatalf("mkdir: %v", err)
			}
			for r := 0; r < size; r++ {
				path := checkpoint.Path(cfg.CheckpointDir, cfg.DomainName, size, r, checkpointTime)
				if err := os.WriteFile(path, []byte("state"), 0o644); err != nil {
					t.Fatalf("write checkpoint: %v", err)
				}
			}
		}
		loader := checkpoint.LoaderFunc(func(ctx context.Context, path string) (checkpoint.State, error) {
			if _, err := os.Stat(path); err != nil {
				return nil, err
			}
			return &fakeState{}, nil
		})
		session, err := OpenSession(cfg, SessionOptions{Loader: loader})
		if err != nil {
			t.Fatalf("open session rank %d: %v", rank, err)
		}
		t.Cleanup(func() { _ = session.Close() })
		sessions[rank] = session
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	var (
		wg       sync.WaitGroup
		outcomes = make([]Outcome, size)
		errs     = make([]error, size)
	)
	for rank, session := range sessions {
		runner, err := session.NewRunner(&fakeEngine{start: checkpointTime, yieldstep: 60, finalSteps: 3})
		if err != nil {
			t.Fatalf("new runner rank %d: %v", rank, err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes[rank], errs[rank] = runner.Run(ctx)
		}()
	}
	wg.Wait()

	for rank := 0; rank < size; rank++ {
		if errs[rank] != nil {
			t.Fatalf("rank %d: %v", rank, errs[rank])
		}
		if outcomes[rank].Status != StatusFinished || outcomes[rank].LastSimTime != 480 {
			t.Fatalf("rank %d: unexpected outcome %+v", rank, outcomes[rank])
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "run_anuga_3.log")); err != nil {
		t.Fatalf("expected rank 0 log file: %v", err)
	}
}
