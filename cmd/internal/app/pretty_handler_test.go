package app

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestPrettyHandler_Line(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}, false))

	log.With("component", "dispatcher").Info("assignment.created",
		"chat_id", "chat-1",
		"reason", "queue head",
		"status", 201,
		"duration_ms", int64(12),
	)

	got := strings.TrimSpace(buf.String())
	for _, want := range []string{
		"INFO ",
		"assignment.created",
		"component=dispatcher",
		"chat_id=chat-1",
		`reason="queue head"`,
		"status=201",
		"duration=12ms",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("line %q missing %q", got, want)
		}
	}
	if strings.Contains(got, "\x1b[") {
		t.Fatalf("uncolored handler emitted ANSI codes: %q", got)
	}
}

func TestPrettyHandler_LevelFilterAndGroups(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}, true))

	log.Info("queue.enqueued")
	if buf.Len() != 0 {
		t.Fatalf("info record passed a warn handler: %q", buf.String())
	}

	log.WithGroup("ws").Warn("ws.reject.origin", "remote", "10.0.0.1")
	got := buf.String()
	if !strings.Contains(got, "ws.remote=10.0.0.1") {
		t.Fatalf("group prefix missing: %q", got)
	}
	if !strings.Contains(got, ansiYellow+"WARN") {
		t.Fatalf("warn tag not colored: %q", got)
	}
}

func TestQuoteIfNeeded(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"":          `""`,
		"plain":     "plain",
		"two words": `"two words"`,
		"k=v":       `"k=v"`,
	}
	for in, want := range cases {
		if got := quoteIfNeeded(in); got != want {
			t.Fatalf("quoteIfNeeded(%q)=%q want=%q", in, got, want)
		}
	}
}
