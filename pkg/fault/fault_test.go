package fault

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, Kind("")},
		{"tagged transient", Transient("llm.generate", "503", nil), KindTransient},
		{"tagged repository", Repository("store.upsert", "disk", errors.New("io")), KindRepository},
		{"wrapped taxonomy error", fmt.Errorf("outer: %w", PromptTooLarge("writer", "", nil)), KindPromptTooLarge},
		{"context canceled", context.Canceled, KindCancelled},
		{"wrapped context canceled", fmt.Errorf("call: %w", context.Canceled), KindCancelled},
		{"deadline exceeded", context.DeadlineExceeded, KindTransient},
		{"untagged defaults to fatal", errors.New("boom"), KindFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestErrorUnwrap(t *testing.T) {
	inner := errors.New("connection reset")
	err := Transient("rag.search", "vector store unreachable", inner)

	if !errors.Is(err, inner) {
		t.Error("expected errors.Is to find the wrapped error")
	}

	var fe *Error
	if !errors.As(err, &fe) {
		t.Fatal("expected errors.As to extract *Error")
	}
	if fe.Op != "rag.search" {
		t.Errorf("Op = %q, want rag.search", fe.Op)
	}
}

func TestErrorString(t *testing.T) {
	err := Repository("store.get", "query failed", errors.New("locked"))
	want := "[repository] store.get: query failed: locked"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestIsHelpers(t *testing.T) {
	if !IsTransient(Transient("x", "", nil)) {
		t.Error("IsTransient() = false, want true")
	}
	if !IsPromptTooLarge(PromptTooLarge("x", "", nil)) {
		t.Error("IsPromptTooLarge() = false, want true")
	}
	if !IsCancelled(Cancelled("x", context.Canceled)) {
		t.Error("IsCancelled() = false, want true")
	}
	if IsTransient(errors.New("plain")) {
		t.Error("IsTransient() on untagged error = true, want false")
	}
}
