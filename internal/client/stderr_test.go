package client

import (
	"strings"
	"testing"
)

func TestParseStderrError(t *testing.T) {
	t.Run("usage limit with reset time", func(t *testing.T) {
		line := `2026-01-23T22:57:08.953223Z ERROR codex_api::endpoint::responses: error=http 429 Too Many Requests: Some("{\"error\":{\"type\":\"usage_limit_reached\",\"message\":\"You have hit your usage limit.\",\"resets_in_seconds\":5400}}")`
		parsed := ParseStderrError(line)
		if parsed == nil {
			t.Fatal("expected parse, got nil")
		}
		if parsed.HTTPError != "http 429 Too Many Requests" {
			t.Errorf("unexpected http error %q", parsed.HTTPError)
		}
		if parsed.ErrorType != "usage_limit_reached" {
			t.Errorf("unexpected error type %q", parsed.ErrorType)
		}
		if parsed.ResetsInSeconds != 5400 {
			t.Errorf("unexpected reset seconds %d", parsed.ResetsInSeconds)
		}
		if !strings.Contains(parsed.Message, "You have hit your usage limit.") {
			t.Errorf("message missing original text: %q", parsed.Message)
		}
		if !strings.Contains(parsed.Message, "resets in 2 hours") {
			t.Errorf("message missing reset time: %q", parsed.Message)
		}
	})

	t.Run("unparseable json falls back to http error", func(t *testing.T) {
		line := `2026-01-23T22:57:08Z ERROR mod: error=http 500 Internal Server Error: Some("not json")`
		parsed := ParseStderrError(line)
		if parsed == nil {
			t.Fatal("expected parse, got nil")
		}
		if parsed.Message != "http 500 Internal Server Error" {
			t.Errorf("unexpected message %q", parsed.Message)
		}
	})

	t.Run("non-error line", func(t *testing.T) {
		if parsed := ParseStderrError("2026-01-23T22:57:08Z INFO starting up"); parsed != nil {
			t.Errorf("expected nil, got %+v", parsed)
		}
	})
}

func TestParseStderrLines(t *testing.T) {
	lines := []string{
		"info line",
		`2026-01-23T22:00:00Z ERROR mod: error=http 500 Internal Server Error: Some("{\"message\":\"old failure\"}")`,
		"another info line",
		`2026-01-23T22:05:00Z ERROR mod: error=http 429 Too Many Requests: Some("{\"message\":\"recent failure\"}")`,
	}
	parsed := ParseStderrLines(lines)
	if parsed == nil {
		t.Fatal("expected parse, got nil")
	}
	if parsed.Message != "recent failure" {
		t.Errorf("expected most recent error, got %q", parsed.Message)
	}

	if parsed := ParseStderrLines([]string{"nothing", "here"}); parsed != nil {
		t.Errorf("expected nil, got %+v", parsed)
	}
}

func TestStderrRingBounds(t *testing.T) {
	r := &stderrRing{}
	for i := 0; i < stderrRingSize+50; i++ {
		r.append("line")
	}
	if got := len(r.Lines()); got != stderrRingSize {
		t.Errorf("expected %d retained lines, got %d", stderrRingSize, got)
	}
}
