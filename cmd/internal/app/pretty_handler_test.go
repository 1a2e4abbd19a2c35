package app

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestStripANSI(t *testing.T) {
	t.Parallel()

	in := ansiBlue + "INFO" + ansiReset + " plain " + ansiRed + "ERR" + ansiReset
	if got := stripANSI(in); got != "INFO plain ERR" {
		t.Fatalf("stripANSI()=%q", got)
	}
}

func TestLevelTag(t *testing.T) {
	t.Parallel()

	cases := map[slog.Level]string{
		slog.LevelDebug: "DEBUG",
		slog.LevelInfo:  "INFO ",
		slog.LevelWarn:  "WARN ",
		slog.LevelError: "ERROR",
	}
	for lvl, want := range cases {
		if got := levelTag(lvl, false); got != want {
			t.Fatalf("levelTag(%v)=%q want=%q", lvl, got, want)
		}
		if got := stripANSI(levelTag(lvl, true)); got != want {
			t.Fatalf("colored levelTag(%v)=%q want=%q", lvl, got, want)
		}
	}
}

func TestPrettyHandler_Line(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}, false))

	log.Debug("hidden")
	log.With("svc", "chat").WithGroup("req").Info("message.sent",
		"match_id", "alice:bob",
		"status", 201,
		"err", errors.New("boom here"),
	)

	line := buf.String()
	if strings.Contains(line, "hidden") {
		t.Fatalf("debug record leaked: %q", line)
	}
	for _, want := range []string{"INFO ", "message.sent", "svc=chat", "req.match_id=alice:bob", "req.status=201", `req.err="boom here"`} {
		if !strings.Contains(line, want) {
			t.Fatalf("line %q missing %q", line, want)
		}
	}
	if strings.Count(line, "\n") != 1 {
		t.Fatalf("want one line, got %q", line)
	}
}
