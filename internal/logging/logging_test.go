package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestLogfmtQuotesAndCarriesFields(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, Debug).With(F("session_id", "s-1"))
	log.Info("progress_fallback_poll", F("reason", "idle timeout"), Err(errors.New("eof")))

	line := buf.String()
	for _, want := range []string{"level=info", "msg=progress_fallback_poll", "session_id=s-1", `reason="idle timeout"`, "error=eof"} {
		if !strings.Contains(line, want) {
			t.Fatalf("expected %q in %q", want, line)
		}
	}
}

func TestJSONFormatEmitsOneObjectPerLine(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithFormat(&buf, Info, FormatJSON)
	log.Warn("checkpoint_write_failed", F("bytes", 1024), Err(errors.New("quota")))

	var payload map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &payload); err != nil {
		t.Fatalf("decode: %v (%q)", err, buf.String())
	}
	if payload["msg"] != "checkpoint_write_failed" || payload["error"] != "quota" {
		t.Fatalf("unexpected payload: %#v", payload)
	}
	if payload["bytes"] != float64(1024) {
		t.Fatalf("unexpected bytes field: %#v", payload["bytes"])
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, Warn)
	log.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("expected info to be filtered, got %q", buf.String())
	}
	if log.Enabled(Debug) || !log.Enabled(Error) {
		t.Fatalf("unexpected Enabled results")
	}
}

func TestNopDiscardsEverything(t *testing.T) {
	log := Nop()
	if log.Enabled(Error) {
		t.Fatalf("nop logger should not be enabled")
	}
	log.Error("ignored")
	if OrNop(nil) == nil {
		t.Fatalf("OrNop returned nil")
	}
}
