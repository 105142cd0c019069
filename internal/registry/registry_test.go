package registry

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"ops-orchestrator/internal/models"
)

func TestDispatchPropagatesResultAndError(t *testing.T) {
	reg := New()
	boom := errors.New("SMTP timeout")
	if err := reg.Register("extractWMS", func(_ context.Context, args models.Args) (any, error) {
		return args["site"], nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register("sendKPI", func(context.Context, models.Args) (any, error) { return nil, boom }); err != nil {
		t.Fatalf("register: %v", err)
	}

	res, err := reg.Dispatch(context.Background(), "extractWMS", models.Args{"site": "north"})
	if err != nil || res != "north" {
		t.Fatalf("dispatch = %v, %v", res, err)
	}
	if _, err := reg.Dispatch(context.Background(), "sendKPI", nil); err != boom {
		t.Fatalf("task error must be returned unchanged, got %v", err)
	}
	if IsPermanent(boom) {
		t.Fatalf("plain task errors are retryable")
	}
}

func TestDispatchUnknownAction(t *testing.T) {
	_, err := New().Dispatch(context.Background(), "missing", nil)
	if !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("expected ErrUnknownAction, got %v", err)
	}
	if !IsPermanent(err) {
		t.Fatalf("unknown action should be permanent")
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	reg := New()
	fn := func(context.Context, models.Args) (any, error) { return nil, nil }
	if err := reg.Register("b", fn); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register("a", fn); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register("a", fn); !errors.Is(err, ErrDuplicateAction) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
	if err := reg.Register("", fn); err == nil {
		t.Fatalf("empty action must be rejected")
	}
	if got := reg.Actions(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("actions = %v", got)
	}
	if !reg.Has("a") || reg.Has("c") {
		t.Fatalf("Has mismatch")
	}
}

func TestPermanentWrapping(t *testing.T) {
	base := errors.New("bad request")
	err := fmt.Errorf("runner: %w", Permanent(base))
	if !IsPermanent(err) || !errors.Is(err, base) {
		t.Fatalf("wrapped permanent error lost its marker or cause: %v", err)
	}
	if Permanent(nil) != nil {
		t.Fatalf("Permanent(nil) must be nil")
	}
}

func TestSafeDispatchRecoversPanic(t *testing.T) {
	_, err := SafeDispatch(func() (any, error) { panic("nil map") })
	var pe *PanicError
	if !errors.As(err, &pe) || pe.Value != "nil map" {
		t.Fatalf("expected PanicError, got %v", err)
	}
}
