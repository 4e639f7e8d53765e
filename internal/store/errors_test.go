package store

import (
	"errors"
	"testing"
)

func TestAdapterErrorWrapsAndUnwraps(t *testing.T) {
	cause := errors.New("connection refused")
	err := adapterErr("remote", "get", cause)

	if !errors.Is(err, cause) {
		t.Error("adapterErr result does not unwrap to cause")
	}

	var ae *AdapterError
	if !errors.As(err, &ae) {
		t.Fatal("adapterErr result does not match *AdapterError")
	}
	if ae.Tier != "remote" || ae.Op != "get" {
		t.Errorf("AdapterError = {Tier: %q, Op: %q}, want {remote, get}", ae.Tier, ae.Op)
	}
	if got := err.Error(); got == "" {
		t.Error("Error() returned empty string")
	}
}

func TestAdapterErrNilPassthrough(t *testing.T) {
	if err := adapterErr("durable", "set", nil); err != nil {
		t.Errorf("adapterErr with nil cause = %v, want nil", err)
	}
}

func TestFeatureNotFoundError(t *testing.T) {
	err := &FeatureNotFoundError{Name: "checkout-v2"}
	if got := err.Error(); got == "" {
		t.Error("Error() returned empty string")
	}
}
