// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestConfigureSlogLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := ConfigureSlog(&buf, "warn", "text")

	logger.Info("should be dropped")
	logger.Warn("should appear")

	out := buf.String()
	if strings.Contains(out, "should be dropped") {
		t.Errorf("info line leaked through warn level: %s", out)
	}
	if !strings.Contains(out, "should appear") {
		t.Errorf("warn line missing: %s", out)
	}
}

func TestConfigureSlogJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := ConfigureSlog(&buf, "info", "json")

	logger.Info("hello", "key", "value")

	out := buf.String()
	if !strings.Contains(out, `"msg":"hello"`) {
		t.Errorf("expected json output, got %s", out)
	}
}

func TestConfigureSlogRedacted(t *testing.T) {
	redact := func(s string) string {
		return strings.ReplaceAll(s, "sk-secret-key-12345", "***")
	}

	var buf bytes.Buffer
	logger := ConfigureSlogRedacted(&buf, "info", "text", redact)

	logger.Info("calling provider with sk-secret-key-12345", "api_key", "sk-secret-key-12345")
	logger.With("token", "sk-secret-key-12345").Info("bound attr")

	out := buf.String()
	if strings.Contains(out, "sk-secret-key-12345") {
		t.Fatalf("credential leaked into log output: %s", out)
	}
	if !strings.Contains(out, "***") {
		t.Errorf("expected redaction marker in output: %s", out)
	}
}

func TestParseLogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLogLevel(in); got != want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
