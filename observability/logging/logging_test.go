package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestSetupEmitsServiceFields(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := Setup("escrowd", "test", WithOutput(buf), WithLevel("debug"))
	logger.Debug("auto trigger", slog.String("session_id", "abc"))

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("decode log line: %v (%s)", err, buf.String())
	}
	if entry["service"] != "escrowd" {
		t.Fatalf("expected service attr, got %v", entry["service"])
	}
	if entry["env"] != "test" {
		t.Fatalf("expected env attr, got %v", entry["env"])
	}
	if entry["severity"] != "DEBUG" {
		t.Fatalf("expected DEBUG severity, got %v", entry["severity"])
	}
	if entry["message"] != "auto trigger" {
		t.Fatalf("unexpected message %v", entry["message"])
	}
}

func TestMaskFieldRedactsDestination(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{}))
	destination := "44AFFq5kSiGBoZ4NMDwYtN18obc8AemS33DBLWs3H7otXft3XjrpDtQGv7SqSsaBYBb98uNbr2VBBEt7f2wfn3RVGQBEP3A"
	logger.Info("release initiated",
		MaskField("destination", destination),
		MaskField("trade_id", "t-1"))

	if strings.Contains(buf.String(), destination) {
		t.Fatalf("log output leaked destination: %s", buf.String())
	}
	if !strings.Contains(buf.String(), `"trade_id":"t-1"`) {
		t.Fatalf("allowlisted key should be preserved: %s", buf.String())
	}
}

func TestSetupMasksSensitiveKeys(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := Setup("escrowd", "test", WithOutput(buf))
	logger.Info("finalize", slog.String("signed_tx", "deadbeefcafe"), slog.String("trade_id", "t-2"))

	if strings.Contains(buf.String(), "deadbeefcafe") {
		t.Fatalf("signed transaction leaked: %s", buf.String())
	}
	if !strings.Contains(buf.String(), `"signed_tx":"[REDACTED]"`) {
		t.Fatalf("expected masked signed_tx: %s", buf.String())
	}
	if !strings.Contains(buf.String(), `"trade_id":"t-2"`) {
		t.Fatalf("trade_id should be kept: %s", buf.String())
	}
}

func TestBlobKeepsPrefixAndLength(t *testing.T) {
	attr := Blob("hex", strings.Repeat("ab", 50))
	if attr.Value.String() != "abababababab...(100)" {
		t.Fatalf("unexpected blob rendering %q", attr.Value.String())
	}
	if short := Blob("hex", "abc"); short.Value.String() != "abc" {
		t.Fatalf("short blobs are kept, got %q", short.Value.String())
	}
}

func TestParseLevelFallback(t *testing.T) {
	if ParseLevel("nonsense") != slog.LevelInfo {
		t.Fatalf("expected info fallback")
	}
	if ParseLevel("WARN") != slog.LevelWarn {
		t.Fatalf("expected warn")
	}
}
