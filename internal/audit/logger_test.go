package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

// threadSafeBuffer is a thread-safe bytes.Buffer for concurrent write testing.
type threadSafeBuffer struct {
	buf bytes.Buffer
	mu  sync.Mutex
}

func (b *threadSafeBuffer) Write(p []byte) (n int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *threadSafeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *threadSafeBuffer) Close() error { return nil }

// createTestLogger creates a logger with a buffer for testing.
func createTestLogger(t *testing.T, cfg Config) (*Logger, *threadSafeBuffer) {
	t.Helper()
	buf := &threadSafeBuffer{}

	cfg.Output = "stdout" // replaced below
	cfg.Enabled = true
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 1.0
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = 100
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 50 * time.Millisecond
	}

	logger, err := NewLogger(cfg)
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	logger.output = buf
	logger.slogger = slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: logger.slogLevel(),
	})).With("component", "audit")
	return logger, buf
}

func waitForLine(t *testing.T, buf *threadSafeBuffer, substr string) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s := buf.String(); strings.Contains(s, substr) {
			return s
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %q in log output, got: %s", substr, buf.String())
	return ""
}

func TestNewLoggerDisabled(t *testing.T) {
	logger, err := NewLogger(Config{Enabled: false})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	logger.Log(context.Background(), &Event{Type: EventToolInvocation})
	if err := logger.Close(); err != nil {
		t.Errorf("unexpected error closing: %v", err)
	}
}

func TestNewLoggerInvalidOutput(t *testing.T) {
	_, err := NewLogger(Config{Enabled: true, Output: "ftp://invalid"})
	if err == nil {
		t.Error("expected error for invalid output")
	}
}

func TestLogToolInvocationIncludesOperationAndToolCall(t *testing.T) {
	logger, buf := createTestLogger(t, Config{Level: LevelInfo, Format: FormatJSON})
	defer logger.Close()

	logger.LogToolInvocation(context.Background(), "turn-1", "get_customer", "call-123", json.RawMessage(`{"id":"cus_1"}`), 1)

	out := waitForLine(t, buf, "call-123")
	if !strings.Contains(out, "get_customer") {
		t.Errorf("expected operation_id in output, got: %s", out)
	}
	if !strings.Contains(out, "turn-1") {
		t.Errorf("expected turn_id in output, got: %s", out)
	}
}

func TestLogToolInvocationHashesInputByDefault(t *testing.T) {
	logger, buf := createTestLogger(t, Config{Level: LevelInfo, Format: FormatJSON, IncludeToolInput: false})
	defer logger.Close()

	logger.LogToolInvocation(context.Background(), "turn-1", "charge_card", "call-1", json.RawMessage(`{"card_number":"4242"}`), 1)

	out := waitForLine(t, buf, "call-1")
	if strings.Contains(out, "4242") {
		t.Errorf("expected raw card number to be hashed, got: %s", out)
	}
	if !strings.Contains(out, "input_hash") {
		t.Errorf("expected input_hash field, got: %s", out)
	}
}

func TestLogToolCompletionMarksWarnOnFailure(t *testing.T) {
	logger, buf := createTestLogger(t, Config{Level: LevelInfo, Format: FormatJSON})
	defer logger.Close()

	logger.LogToolCompletion(context.Background(), "turn-1", "list_charges", "call-2", false, "", 25*time.Millisecond)

	out := waitForLine(t, buf, "call-2")
	if !strings.Contains(out, `"level":"WARN"`) {
		t.Errorf("expected warn level on failed completion, got: %s", out)
	}
}

func TestLogToolDeniedRecordsPolicy(t *testing.T) {
	logger, buf := createTestLogger(t, Config{Level: LevelInfo, Format: FormatJSON})
	defer logger.Close()

	logger.LogToolDenied(context.Background(), "turn-1", "delete_user", "call-3", "matches denylist", "delete_*")

	out := waitForLine(t, buf, "call-3")
	if !strings.Contains(out, "delete_*") {
		t.Errorf("expected policy_matched in output, got: %s", out)
	}
}

func TestLogPermissionDecisionGrantedVsDenied(t *testing.T) {
	logger, buf := createTestLogger(t, Config{Level: LevelInfo, Format: FormatJSON})
	defer logger.Close()

	logger.LogPermissionDecision(context.Background(), "turn-1", "refund_charge", "call-4", EventPermissionDenied, false, "default_decision")
	out := waitForLine(t, buf, "call-4")
	if !strings.Contains(out, `"level":"WARN"`) {
		t.Errorf("expected warn level for denied permission, got: %s", out)
	}
}

func TestWithTurnInheritsTurnID(t *testing.T) {
	logger, buf := createTestLogger(t, Config{Level: LevelInfo, Format: FormatJSON})
	defer logger.Close()

	turnLogger := logger.WithTurn("turn-77")
	turnLogger.LogToolInvocation(context.Background(), "list_invoices", "call-5", nil, 1)

	out := waitForLine(t, buf, "call-5")
	if !strings.Contains(out, "turn-77") {
		t.Errorf("expected turn_id 'turn-77' in output, got: %s", out)
	}
}

func TestEventTypeFilterDropsUnlistedEvents(t *testing.T) {
	logger, buf := createTestLogger(t, Config{
		Level:      LevelInfo,
		Format:     FormatJSON,
		EventTypes: []EventType{EventToolCompletion},
	})
	defer logger.Close()

	logger.LogToolInvocation(context.Background(), "turn-1", "op", "call-6", nil, 1)
	logger.LogToolCompletion(context.Background(), "turn-1", "op", "call-7", true, "ok", time.Millisecond)

	out := waitForLine(t, buf, "call-7")
	if strings.Contains(out, "call-6") {
		t.Errorf("expected filtered-out tool.invocation event to be absent, got: %s", out)
	}
}

func TestHashStringIsStableAndShort(t *testing.T) {
	a := hashString("secret-value")
	b := hashString("secret-value")
	if a != b {
		t.Errorf("expected stable hash, got %s vs %s", a, b)
	}
	if len(a) != 16 {
		t.Errorf("expected 16-char hash, got %d", len(a))
	}
}

func TestGlobalLoggerRoundTrip(t *testing.T) {
	logger, buf := createTestLogger(t, Config{Level: LevelInfo, Format: FormatJSON})
	defer logger.Close()

	SetGlobalLogger(logger)
	defer SetGlobalLogger(nil)

	if GetGlobalLogger() != logger {
		t.Fatal("expected GetGlobalLogger to return the set logger")
	}

	Log(context.Background(), &Event{Type: EventToolInvocation, ToolCallID: "call-8", Action: "tool_invoked"})
	waitForLine(t, buf, "call-8")
}

var _ io.WriteCloser = (*threadSafeBuffer)(nil)
