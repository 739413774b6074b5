package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestJSONLoggerEmitsEvent(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf)
	logger.now = func() time.Time { return time.Unix(100, 0).UTC() }

	event := Event{
		Level:   LevelInfo,
		Run:     "run_1_1_1",
		Event:   "checkpoint_vote",
		Message: "votes exchanged",
		Fields: map[string]interface{}{
			"attempt": 1,
			"overall": false,
		},
	}

	if err := logger.Log(context.Background(), event); err != nil {
		t.Fatalf("log event: %v", err)
	}

	var payload Event
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}

	if payload.Timestamp.Unix() != 100 {
		t.Fatalf("expected timestamp to be set, got %v", payload.Timestamp)
	}
	if payload.Level != LevelInfo {
		t.Fatalf("unexpected level: %s", payload.Level)
	}
	if payload.Event != event.Event {
		t.Fatalf("unexpected event name: %s", payload.Event)
	}
	if payload.Fields["overall"] != false {
		t.Fatalf("expected overall field preserved, got %v", payload.Fields)
	}
}

func TestJSONLoggerRequiresWriter(t *testing.T) {
	logger := NewJSONLogger(nil)
	if err := logger.Log(context.Background(), Event{Event: "test"}); err == nil {
		t.Fatal("expected error when writer is nil")
	}
}

func TestTextLoggerFormatsSortedFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewTextLogger(&buf)
	err := logger.Log(context.Background(), Event{
		Level:     LevelWarn,
		Component: "bailout",
		Event:     "bail_requested",
		Fields:    map[string]interface{}{"rank": 0, "reason": "signal"},
	})
	if err != nil {
		t.Fatalf("log event: %v", err)
	}
	if got, want := buf.String(), "WARN bailout:bail_requested rank=0 reason=signal\n"; got != want {
		t.Fatalf("unexpected line %q, want %q", got, want)
	}
}

func TestLevelFilterDropsLowerLevels(t *testing.T) {
	var seen []Level
	filter := LevelFilter{Min: LevelInfo, Next: LoggerFunc(func(_ context.Context, e Event) error {
		seen = append(seen, e.Level)
		return nil
	})}
	for _, lvl := range []Level{LevelDebug, LevelInfo, LevelWarn, LevelError} {
		_ = filter.Log(context.Background(), Event{Level: lvl, Event: "x"})
	}
	if len(seen) != 3 || seen[0] != LevelInfo {
		t.Fatalf("expected debug to be dropped, got %v", seen)
	}
}

func TestMultiLoggerAttemptsEverySink(t *testing.T) {
	calls := 0
	failing := LoggerFunc(func(context.Context, Event) error {
		calls++
		return errors.New("disk full")
	})
	ok := LoggerFunc(func(context.Context, Event) error {
		calls++
		return nil
	})
	err := MultiLogger{failing, ok}.Log(context.Background(), Event{Event: "x"})
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("expected joined error, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected both sinks to be called, got %d", calls)
	}
}

func TestParseLevel(t *testing.T) {
	if lvl, err := ParseLevel("WARNING"); err != nil || lvl != LevelWarn {
		t.Fatalf("expected warn, got %q (%v)", lvl, err)
	}
	if lvl, err := ParseLevel(""); err != nil || lvl != LevelInfo {
		t.Fatalf("expected default info, got %q (%v)", lvl, err)
	}
	if _, err := ParseLevel("verbose"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}
