package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindsMatchWithErrorsIs(t *testing.T) {
	err := NotFoundf("scan job %s not found", "abc")
	if !errors.Is(err, ErrNotFound) {
		t.Fatal("expected not found")
	}
	if errors.Is(err, ErrForbidden) {
		t.Fatal("not found must not match forbidden")
	}
	wrapped := fmt.Errorf("get progress: %w", Forbiddenf("not yours"))
	if !errors.Is(wrapped, ErrForbidden) {
		t.Fatal("expected forbidden through wrapping")
	}
	if KindOf(wrapped) != KindForbidden {
		t.Fatalf("unexpected kind %q", KindOf(wrapped))
	}
	if KindOf(errors.New("plain")) != "" {
		t.Fatal("plain errors carry no kind")
	}
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(KindValidation, cause, "invalid target")
	if !errors.Is(err, cause) || !errors.Is(err, ErrValidation) {
		t.Fatalf("expected both cause and kind: %v", err)
	}
	if err.Error() != "invalid target: boom" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if Wrap(KindValidation, nil, "x") != nil {
		t.Fatal("wrapping nil must return nil")
	}
}
