package fault_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/xraph/conduit/fault"
)

func TestCategoryRetryable(t *testing.T) {
	tests := []struct {
		cat  fault.Category
		want bool
	}{
		{fault.CategoryNetwork, true},
		{fault.CategoryTimeout, true},
		{fault.CategoryServer, true},
		{fault.CategoryRateLimit, true},
		{fault.CategoryAuth, false},
		{fault.CategoryValidation, false},
		{fault.CategoryTransformation, false},
		{fault.CategorySSRF, false},
		{fault.CategoryCancelled, false},
		{fault.CategoryInternal, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.cat), func(t *testing.T) {
			if got := tt.cat.Retryable(); got != tt.want {
				t.Errorf("%s.Retryable() = %v, want %v", tt.cat, got, tt.want)
			}
		})
	}
}

func TestErrorString(t *testing.T) {
	e := fault.New(fault.CategoryServer, "bad_gateway", "upstream said no")
	if got := e.Error(); got != "SERVER_ERROR: upstream said no" {
		t.Errorf("Error() = %q", got)
	}

	e = e.WithStatus(502)
	if got := e.Error(); got != "SERVER_ERROR (502): upstream said no" {
		t.Errorf("Error() with status = %q", got)
	}
}

func TestWrapNilCause(t *testing.T) {
	if e := fault.Wrap(fault.CategoryNetwork, "dial", nil); e != nil {
		t.Errorf("Wrap(nil) = %v, want nil", e)
	}
}

func TestWrapUnwrapChain(t *testing.T) {
	cause := errors.New("connection refused")
	e := fault.Wrap(fault.CategoryNetwork, "dial", cause)

	if !errors.Is(e, cause) {
		t.Error("errors.Is() lost the wrapped cause")
	}

	wrapped := fmt.Errorf("delivering: %w", e)
	var fe *fault.Error
	if !errors.As(wrapped, &fe) {
		t.Fatal("errors.As() did not find the fault through the wrap")
	}
	if fe.Category != fault.CategoryNetwork {
		t.Errorf("category = %s, want NETWORK", fe.Category)
	}
}

func TestCategoryOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want fault.Category
	}{
		{"nil", nil, ""},
		{"tagged", fault.New(fault.CategoryAuth, "x", "y"), fault.CategoryAuth},
		{"wrapped tagged", fmt.Errorf("outer: %w", fault.New(fault.CategorySSRF, "x", "y")), fault.CategorySSRF},
		{"context canceled", context.Canceled, fault.CategoryCancelled},
		{"deadline exceeded", context.DeadlineExceeded, fault.CategoryTimeout},
		{"plain error", errors.New("boom"), fault.CategoryInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := fault.CategoryOf(tt.err); got != tt.want {
				t.Errorf("CategoryOf() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestAsSynthesizesInternal(t *testing.T) {
	if fault.As(nil) != nil {
		t.Error("As(nil) should be nil")
	}

	fe := fault.As(errors.New("boom"))
	if fe.Category != fault.CategoryInternal {
		t.Errorf("category = %s, want INTERNAL", fe.Category)
	}
	if fe.Code != "uncategorized" {
		t.Errorf("code = %q, want uncategorized", fe.Code)
	}

	orig := fault.New(fault.CategoryTimeout, "slow", "took too long")
	if fault.As(orig) != orig {
		t.Error("As() should return the original tagged error unchanged")
	}
}

func TestFromPanic(t *testing.T) {
	fe := fault.FromPanic("index out of range")
	if fe.Category != fault.CategoryInternal {
		t.Errorf("category = %s, want INTERNAL", fe.Category)
	}
	if fe.Code != "panic" {
		t.Errorf("code = %q, want panic", fe.Code)
	}
}
