package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestSlogServiceLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewSlogServiceLogger(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	logger.Info("Service started", LogFields{"backend": "segment"})
	out := buf.String()
	if !strings.Contains(out, `"msg":"Service started"`) {
		t.Fatalf("message missing: %s", out)
	}
	if !strings.Contains(out, `"backend":"segment"`) {
		t.Fatalf("fields missing: %s", out)
	}

	buf.Reset()
	logger.Error("Produce failed", errors.New("broker down"), LogFields{"topic": "orders"})
	out = buf.String()
	if !strings.Contains(out, `"error":"broker down"`) {
		t.Fatalf("error missing: %s", out)
	}
	if !strings.Contains(out, `"level":"ERROR"`) {
		t.Fatalf("level wrong: %s", out)
	}
}

func TestSlogServiceLoggerWith(t *testing.T) {
	var buf bytes.Buffer
	logger := NewSlogServiceLogger(slog.New(slog.NewJSONHandler(&buf, nil)))

	scoped := logger.With(LogFields{"worker": "orders"})
	scoped.Warn("Attempt failed", LogFields{"attempt": 2})

	out := buf.String()
	if !strings.Contains(out, `"worker":"orders"`) {
		t.Fatalf("scoped field missing: %s", out)
	}
	if !strings.Contains(out, `"attempt":2`) {
		t.Fatalf("call field missing: %s", out)
	}

	// With on an empty map returns the same logger.
	if logger.With(nil) != logger {
		t.Fatalf("empty With must be a no-op")
	}
}

func TestNewSlogServiceLoggerPanicsOnNil(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic for nil slog logger")
		}
	}()
	NewSlogServiceLogger(nil)
}

type entryCall struct {
	level  string
	args   []any
	fields map[string]any
	err    error
}

// fakeEntry mimics a logrus-style entry whose chained methods return the
// concrete type.
type fakeEntry struct {
	sink   *[]entryCall
	fields map[string]any
	err    error
}

func newFakeEntry() fakeEntry {
	return fakeEntry{sink: &[]entryCall{}, fields: map[string]any{}}
}

func (e fakeEntry) WithField(key string, value any) fakeEntry {
	fields := make(map[string]any, len(e.fields)+1)
	for k, v := range e.fields {
		fields[k] = v
	}
	fields[key] = value
	return fakeEntry{sink: e.sink, fields: fields, err: e.err}
}

func (e fakeEntry) WithError(err error) fakeEntry {
	return fakeEntry{sink: e.sink, fields: e.fields, err: err}
}

func (e fakeEntry) log(level string, args ...any) {
	*e.sink = append(*e.sink, entryCall{level: level, args: args, fields: e.fields, err: e.err})
}

func (e fakeEntry) Debug(args ...any) { e.log("debug", args...) }
func (e fakeEntry) Info(args ...any)  { e.log("info", args...) }
func (e fakeEntry) Warn(args ...any)  { e.log("warn", args...) }
func (e fakeEntry) Error(args ...any) { e.log("error", args...) }

func TestEntryServiceLogger(t *testing.T) {
	entry := newFakeEntry()
	logger := NewEntryServiceLogger(entry)

	logger.Info("Message processed", LogFields{"worker": "orders"})
	logger.Error("Produce failed", errors.New("broker down"), LogFields{"topic": "orders"})

	calls := *entry.sink
	if len(calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(calls))
	}
	if calls[0].level != "info" || calls[0].fields["worker"] != "orders" {
		t.Fatalf("info call wrong: %+v", calls[0])
	}
	if calls[1].level != "error" || calls[1].err == nil {
		t.Fatalf("error call wrong: %+v", calls[1])
	}
}

func TestEntryServiceLoggerWithScopesFields(t *testing.T) {
	entry := newFakeEntry()
	logger := NewEntryServiceLogger(entry).With(LogFields{"component": "producer"})

	logger.Debug("Enqueued", LogFields{"topic": "orders"})

	calls := *entry.sink
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if calls[0].fields["component"] != "producer" || calls[0].fields["topic"] != "orders" {
		t.Fatalf("fields not merged: %+v", calls[0].fields)
	}
}

func TestNopLogger(t *testing.T) {
	logger := Nop()
	scoped := logger.With(LogFields{"anything": 1})

	// Must be callable without side effects.
	scoped.Debug("x", nil)
	scoped.Info("x", nil)
	scoped.Warn("x", nil)
	scoped.Error("x", errors.New("boom"), nil)
}
