package observability

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// LogOptions describes the sinks Configure installs for one simulation batch.
type LogOptions struct {
	// OutputDir receives run_anuga_{BatchNumber}.log. Created when missing.
	OutputDir    string
	BatchNumber  int
	FileLevel    Level
	ConsoleLevel Level
	// Console is the human readable sink; nil disables console output.
	Console io.Writer
}

// LogSetup carries exactly the sinks installed by Configure. It is consumed by
// Teardown, which closes only what this setup opened.
type LogSetup struct {
	Logger  Logger
	LogPath string

	mu      sync.Mutex
	closers []io.Closer
	done    bool
}

// Configure opens the per-batch log file and builds a fan-out logger over the
// file and console sinks.
func Configure(opts LogOptions) (*LogSetup, error) {
	if opts.OutputDir == "" {
		return nil, errors.New("log output directory must not be empty")
	}
	batch := opts.BatchNumber
	if batch <= 0 {
		batch = 1
	}
	fileLevel := opts.FileLevel
	if fileLevel == "" {
		fileLevel = LevelInfo
	}
	consoleLevel := opts.ConsoleLevel
	if consoleLevel == "" {
		consoleLevel = LevelInfo
	}

	if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	path := filepath.Join(opts.OutputDir, fmt.Sprintf("run_anuga_%d.log", batch))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	sinks := MultiLogger{LevelFilter{Min: fileLevel, Next: NewJSONLogger(f)}}
	if opts.Console != nil {
		sinks = append(sinks, LevelFilter{Min: consoleLevel, Next: NewTextLogger(opts.Console)})
	}

	return &LogSetup{
		Logger:  sinks,
		LogPath: path,
		closers: []io.Closer{f},
	}, nil
}

// Teardown closes the sinks installed by setup. Safe to call more than once and
// with a nil setup.
func Teardown(setup *LogSetup) error {
	if setup == nil {
		return nil
	}
	setup.mu.Lock()
	defer setup.mu.Unlock()
	if setup.done {
		return nil
	}
	setup.done = true

	var errs []error
	for _, c := range setup.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	setup.closers = nil
	setup.Logger = MultiLogger(nil)
	return errors.Join(errs...)
}
