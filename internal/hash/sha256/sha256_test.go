// Package sha256 includes tests for the task fingerprint hasher.
package sha256

import (
	"testing"
	"time"
)

// TestHasherHashDeterministic ensures repeated hashing yields the same truncated digest.
func TestHasherHashDeterministic(t *testing.T) {
	t.Parallel()

	h := New(0)
	got := h.Hash([]byte("hello world"))
	want := "b94d27b993"
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
	if again := h.Hash([]byte("hello world")); again != got {
		t.Fatalf("expected deterministic hash, got %s vs %s", got, again)
	}
}

// TestHasherLength checks custom and oversized lengths.
func TestHasherLength(t *testing.T) {
	t.Parallel()

	if got := New(4).Hash([]byte("hello world")); got != "b94d" {
		t.Fatalf("expected 4 chars, got %q", got)
	}
	if got := New(100).Hash([]byte("hello world")); len(got) != 64 {
		t.Fatalf("expected full digest, got %d chars", len(got))
	}
}

// TestFingerprintVariesWithTime ensures the same URL at different instants differs.
func TestFingerprintVariesWithTime(t *testing.T) {
	t.Parallel()

	h := &Hasher{}
	at := time.Unix(1_700_000_000, 0)
	a := h.Fingerprint(at, "http://example.com")
	b := h.Fingerprint(at.Add(time.Nanosecond), "http://example.com")
	if len(a) != DefaultLength || len(b) != DefaultLength {
		t.Fatalf("unexpected lengths %q %q", a, b)
	}
	if a == b {
		t.Fatalf("expected distinct fingerprints, got %s twice", a)
	}
	if a != h.Fingerprint(at, "http://example.com") {
		t.Fatal("fingerprint is not deterministic")
	}
}
