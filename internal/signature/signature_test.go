package signature

import (
	"errors"
	"strconv"
	"testing"
	"time"
)

func fixedNow() time.Time {
	return time.Date(2026, 2, 16, 12, 0, 0, 0, time.UTC)
}

func newTestVerifier(t *testing.T) *Verifier {
	t.Helper()
	v, err := NewVerifier("8f742231b10e8888abcd99yyyzzz85a5", Options{Now: fixedNow})
	if err != nil {
		t.Fatalf("NewVerifier() error = %v", err)
	}
	return v
}

func TestVerifyValidSignature(t *testing.T) {
	t.Parallel()

	v := newTestVerifier(t)
	body := []byte(`{"type":"event_callback","event":{"type":"app_mention"}}`)
	ts := strconv.FormatInt(fixedNow().Unix(), 10)

	if err := v.Verify(ts, v.Sign(ts, body), body); err != nil {
		t.Fatalf("Verify() error = %v, want nil", err)
	}
}

func TestVerifyRejectsStaleTimestamp(t *testing.T) {
	t.Parallel()

	v := newTestVerifier(t)
	body := []byte("payload")
	stale := strconv.FormatInt(fixedNow().Add(-6*time.Minute).Unix(), 10)

	// The hash itself is correct; freshness alone must reject it.
	err := v.Verify(stale, v.Sign(stale, body), body)
	if !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("Verify(stale) error = %v, want ErrUnauthenticated", err)
	}
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	t.Parallel()

	v := newTestVerifier(t)
	ts := strconv.FormatInt(fixedNow().Unix(), 10)
	sig := v.Sign(ts, []byte("original"))

	err := v.Verify(ts, sig, []byte("tampered"))
	if !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("Verify(tampered) error = %v, want ErrUnauthenticated", err)
	}
}

func TestVerifyRejectsMissingHeaders(t *testing.T) {
	t.Parallel()

	v := newTestVerifier(t)
	if err := v.Verify("", "", []byte("x")); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("Verify(missing headers) error = %v, want ErrUnauthenticated", err)
	}
	if err := v.Verify("not-a-number", "v0=00", []byte("x")); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("Verify(bad timestamp) error = %v, want ErrUnauthenticated", err)
	}
}

func TestNewVerifierRequiresSecret(t *testing.T) {
	t.Parallel()

	if _, err := NewVerifier("   ", Options{}); err == nil {
		t.Fatalf("NewVerifier(empty secret) error = nil, want error")
	}
}
