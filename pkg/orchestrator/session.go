package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/Hydrata/run-anuga/pkg/bailout"
	"github.com/Hydrata/run-anuga/pkg/checkpoint"
	"github.com/Hydrata/run-anuga/pkg/config"
	"github.com/Hydrata/run-anuga/pkg/monitor"
	"github.com/Hydrata/run-anuga/pkg/observability"
	"github.com/Hydrata/run-anuga/pkg/procgroup"
)

// Session holds the per-rank infrastructure of one batch: process group,
// logging, metrics, bail controller and checkpoint coordinator.
type Session struct {
	Config   *config.Config
	Group    procgroup.Group
	Reporter *observability.StructuredReporter
	Metrics  *observability.PrometheusCollector
	Bailer   *bailout.Controller
	// Resumer is nil for the first batch.
	Resumer *checkpoint.Coordinator

	logs        *observability.LogSetup
	groupCloser io.Closer
	server      *http.Server
	listener    net.Listener
	serveErr    chan error

	closeOnce sync.Once
	closeErr  error
}

// SessionOptions supplies what the configuration cannot.
type SessionOptions struct {
	// Loader restores checkpoint blobs; required when the batch resumes.
	Loader checkpoint.Loader
	// Console receives human readable events; nil disables console output.
	Console io.Writer
}

// OpenSession builds the infrastructure described by cfg. The batch log
// file is written by rank 0 only.
func OpenSession(cfg *config.Config, opts SessionOptions) (*Session, error) {
	if cfg == nil {
		return nil, errors.New("config must not be nil")
	}
	s := &Session{Config: cfg, Metrics: observability.NewPrometheusCollector()}

	group, closer, err := openGroup(cfg)
	if err != nil {
		return nil, err
	}
	s.Group, s.groupCloser = group, closer

	logger, err := s.openLogs(opts.Console)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.Reporter = observability.NewStructuredReporter(cfg.Run.Label, group.Rank(), logger, s.Metrics)

	s.Bailer, err = bailout.NewController(cfg.OutputDir, group.Rank(),
		bailout.WithPackageDir(cfg.PackageDir),
		bailout.WithReporter(s.Reporter.WithComponent("bailout")),
	)
	if err != nil {
		s.Close()
		return nil, err
	}

	if cfg.Resuming() {
		if opts.Loader == nil {
			s.Close()
			return nil, fmt.Errorf("batch %d resumes from a checkpoint and requires a loader", cfg.BatchNumber)
		}
		s.Resumer, err = checkpoint.NewCoordinator(group, opts.Loader,
			checkpoint.WithReporter(s.Reporter.WithComponent("checkpoint")),
		)
		if err != nil {
			s.Close()
			return nil, err
		}
	}

	if cfg.Metrics.Enabled && group.Rank() == 0 {
		if err := s.serveMetrics(cfg.Metrics.Listen); err != nil {
			s.Close()
			return nil, err
		}
	}
	return s, nil
}

func openGroup(cfg *config.Config) (procgroup.Group, io.Closer, error) {
	pg := cfg.ProcessGroup
	switch pg.Backend {
	case config.BackendEtcd:
		tlsCfg, err := pg.EtcdTLS.TLSConfig()
		if err != nil {
			return nil, nil, err
		}
		group, err := procgroup.NewEtcdGroup(procgroup.EtcdGroupOptions{
			Endpoints:   pg.EtcdEndpoints,
			DialTimeout: cfg.DialTimeout(),
			Namespace:   pg.EtcdNamespace,
			RunKey:      pg.RunKey,
			Rank:        pg.Rank,
			Size:        pg.Size,
			TLS:         tlsCfg,
			KeyTTL:      cfg.KeyTTL(),
		})
		if err != nil {
			return nil, nil, err
		}
		return group, group, nil
	case config.BackendLocal, "":
		if pg.Size != 1 {
			return nil, nil, fmt.Errorf("local process group serves a single process, got size %d", pg.Size)
		}
		hub, err := procgroup.NewLocalHub(1)
		if err != nil {
			return nil, nil, err
		}
		member, err := hub.Member(0)
		if err != nil {
			return nil, nil, err
		}
		return member, nil, nil
	default:
		return nil, nil, fmt.Errorf("unsupported process group backend %q", pg.Backend)
	}
}

func (s *Session) openLogs(console io.Writer) (observability.Logger, error) {
	fileLevel, err := observability.ParseLevel(s.Config.Logging.FileLevel)
	if err != nil {
		return nil, fmt.Errorf("logging.file_level: %w", err)
	}
	consoleLevel, err := observability.ParseLevel(s.Config.Logging.ConsoleLevel)
	if err != nil {
		return nil, fmt.Errorf("logging.console_level: %w", err)
	}

	if s.Group.Rank() != 0 {
		if console == nil {
			return observability.MultiLogger{}, nil
		}
		return observability.LevelFilter{Min: consoleLevel, Next: observability.NewTextLogger(console)}, nil
	}

	setup, err := observability.Configure(observability.LogOptions{
		OutputDir:    s.Config.OutputDir,
		BatchNumber:  s.Config.BatchNumber,
		FileLevel:    fileLevel,
		ConsoleLevel: consoleLevel,
		Console:      console,
	})
	if err != nil {
		return nil, err
	}
	s.logs = setup
	return setup.Logger, nil
}

func (s *Session) serveMetrics(listen string) error {
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return fmt.Errorf("listen for metrics: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.Metrics.Handler())
	s.listener = ln
	s.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	s.serveErr = make(chan error, 1)
	go func() {
		err := s.server.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		s.serveErr <- err
	}()
	return nil
}

// MetricsAddr returns the bound metrics address, or "" when not serving.
func (s *Session) MetricsAddr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// NewMonitor builds the diagnostics monitor for domain from the configuration.
func (s *Session) NewMonitor(domain monitor.Domain) (*monitor.Monitor, error) {
	run := s.Config.Run
	return monitor.New(domain, monitor.Options{
		OutputDir:   s.Config.OutputDir,
		BatchNumber: s.Config.BatchNumber,
		Yieldstep:   s.Config.YieldstepSec,
		CFL:         s.Config.CFL,
		Duration:    s.Config.DurationSec,
		Run: monitor.RunMetadata{
			Label:      run.Label,
			Project:    run.Project,
			Scenario:   run.Scenario,
			RunID:      run.RunID,
			Name:       run.Name,
			EPSG:       run.EPSG,
			Resolution: run.Resolution,
		},
	}, monitor.WithReporter(s.Reporter.WithComponent("monitor")))
}

// NewRunner builds the batch runner for engine. Pass WithMonitor on rank 0.
func (s *Session) NewRunner(engine Engine, opts ...Option) (*Runner, error) {
	base := []Option{WithReporter(s.Reporter.WithComponent("orchestrator"))}
	if s.Resumer != nil {
		base = append(base, WithResumer(s.Resumer))
	}
	return NewRunner(s.Config, s.Group, engine, s.Bailer, append(base, opts...)...)
}

// Close stops the metrics server and releases the group and log sinks.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		if s.server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			errs = append(errs, s.server.Shutdown(ctx))
			cancel()
			errs = append(errs, <-s.serveErr)
		}
		if s.Bailer != nil {
			errs = append(errs, s.Bailer.Close())
		}
		if s.groupCloser != nil {
			errs = append(errs, s.groupCloser.Close())
		}
		errs = append(errs, observability.Teardown(s.logs))
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}
