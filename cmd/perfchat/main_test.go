package main

import (
	"testing"
	"time"
)

func TestWSURLForSession(t *testing.T) {
	got, err := wsURLForSession("https://shop.example.com/api/", "s 1")
	if err != nil {
		t.Fatalf("wsURLForSession() error = %v", err)
	}
	want := "wss://shop.example.com/api/v1/chat/ws?session_id=s+1"
	if got != want {
		t.Fatalf("wsURLForSession() = %q, want %q", got, want)
	}
	if _, err := wsURLForSession("ftp://shop.example.com", "s"); err == nil {
		t.Fatalf("wsURLForSession(ftp) error = nil, want error")
	}
}

func TestPercentile(t *testing.T) {
	sorted := []time.Duration{10, 20, 30, 40, 50, 60, 70, 80, 90, 100}
	cases := map[float64]time.Duration{50: 50, 95: 100, 100: 100, 0: 10}
	for p, want := range cases {
		if got := percentile(sorted, p); got != want {
			t.Fatalf("percentile(%v) = %v, want %v", p, got, want)
		}
	}
	if got := percentile(nil, 50); got != 0 {
		t.Fatalf("percentile(nil) = %v, want 0", got)
	}
}

func TestParseFlagsSplitsTexts(t *testing.T) {
	cfg, err := parseFlags([]string{"-texts", "a | |b", "-turns", "3"})
	if err != nil {
		t.Fatalf("parseFlags() error = %v", err)
	}
	if len(cfg.texts) != 2 || cfg.texts[0] != "a" || cfg.texts[1] != "b" {
		t.Fatalf("texts = %q, want [a b]", cfg.texts)
	}
	if _, err := parseFlags([]string{"-turns", "0"}); err == nil {
		t.Fatalf("parseFlags(turns=0) error = nil, want error")
	}
}
