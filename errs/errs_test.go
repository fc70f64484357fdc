package errs

import (
	"errors"
	"testing"
)

func TestAsPassesThroughClassified(t *testing.T) {
	ce := New(Network, "boom")
	got := As(ce)
	if got != ce {
		t.Fatalf("As should return the same instance for an already-classified error")
	}
}

func TestAsDefaultsToGeneric(t *testing.T) {
	got := As(errors.New("plain"))
	if got.Tag != Generic {
		t.Fatalf("expected Generic, got %v", got.Tag)
	}
}

func TestAsNil(t *testing.T) {
	if As(nil) != nil {
		t.Fatalf("As(nil) should be nil")
	}
}

func TestWrapUnwraps(t *testing.T) {
	cause := errors.New("root cause")
	ce := Wrap(Storage, "write failed", cause)
	if !errors.Is(ce, cause) {
		t.Fatalf("Wrap should preserve the cause for errors.Is")
	}
}

func TestRetryable(t *testing.T) {
	cases := []struct {
		tag                            Tag
		retryOnNetwork, retryOnTimeout bool
		want                           bool
	}{
		{Network, true, false, true},
		{Network, false, false, false},
		{Timeout, false, true, true},
		{Timeout, false, false, false},
		{Serialization, true, true, false},
		{Deserialization, true, true, false},
		{TypeMismatch, true, true, false},
		{Storage, true, true, false},
		{InvalidKey, true, true, false},
		{Cancelled, true, true, false},
		{Generic, false, false, true},
	}
	for _, c := range cases {
		got := c.tag.Retryable(c.retryOnNetwork, c.retryOnTimeout)
		if got != c.want {
			t.Errorf("%v.Retryable(%v,%v) = %v, want %v", c.tag, c.retryOnNetwork, c.retryOnTimeout, got, c.want)
		}
	}
}
