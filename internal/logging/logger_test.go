package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestLoggerAddsRequestID(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "debug", "json")

	ctx := WithRequestID(context.Background(), "req-123")
	logger.InfoContext(ctx, "ledger operation applied", "amount", 5)

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if record["request_id"] != "req-123" {
		t.Fatalf("expected request_id req-123, got %v", record["request_id"])
	}
	if record["msg"] != "ledger operation applied" {
		t.Fatalf("unexpected msg %v", record["msg"])
	}
}

func TestLoggerInvalidLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "chatty", "text")

	logger.Debug("hidden")
	logger.Info("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug record written at default level: %q", out)
	}
	if !strings.Contains(out, "msg=shown") {
		t.Fatalf("expected text record, got %q", out)
	}
}
