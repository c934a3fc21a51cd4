package vault

import (
	"errors"
	"testing"
)

func TestKindOfUnwrapsError(t *testing.T) {
	err := wrapErr(KindEncryption, errors.New("boom"), "decrypt field")
	if got := KindOf(err); got != KindEncryption {
		t.Fatalf("KindOf() = %v, want %v", got, KindEncryption)
	}
}

func TestKindOfNilIsSuccess(t *testing.T) {
	if got := KindOf(nil); got != KindSuccess {
		t.Fatalf("KindOf(nil) = %v, want %v", got, KindSuccess)
	}
}

func TestKindOfForeignErrorIsUnexpected(t *testing.T) {
	if got := KindOf(errors.New("not ours")); got != KindUnexpected {
		t.Fatalf("KindOf(foreign) = %v, want %v", got, KindUnexpected)
	}
}

func TestIsKindRejectsStringCopyButMatchesSentinel(t *testing.T) {
	wrapped := errors.New("context: " + ErrInvalidHandle.Error())
	if IsKind(wrapped, KindNotFound) {
		t.Fatal("IsKind() matched a string-wrapped error that does not actually wrap *Error")
	}
	if !IsKind(ErrInvalidHandle, KindNotFound) {
		t.Fatal("IsKind(ErrInvalidHandle, KindNotFound) = false, want true")
	}
}

func TestErrorUnwrapExposesCause(t *testing.T) {
	cause := errors.New("root cause")
	err := wrapErr(KindBackend, cause, "operation failed")
	if !errors.Is(err, cause) {
		t.Fatal("errors.Is() did not see through wrapErr's Cause")
	}
}

func TestErrorMessageIncludesCauseWhenPresent(t *testing.T) {
	cause := errors.New("disk full")
	err := wrapErr(KindBackend, cause, "write row")
	if got := err.Error(); got == "" {
		t.Fatal("Error() returned empty string")
	}
	var plain error = newErr(KindInput, "bad input")
	if plain.Error() == err.Error() {
		t.Fatal("wrapped and unwrapped errors produced identical messages")
	}
}

func TestNewErrorAndWrapErrorMatchUnexportedConstructors(t *testing.T) {
	a := NewError(KindInput, "bad value %d", 42)
	b := newErr(KindInput, "bad value %d", 42)
	if a.Error() != b.Error() {
		t.Fatalf("NewError() = %q, newErr() = %q, want equal", a.Error(), b.Error())
	}

	cause := errors.New("cause")
	wa := WrapError(KindBackend, cause, "context")
	wb := wrapErr(KindBackend, cause, "context")
	if wa.Error() != wb.Error() {
		t.Fatalf("WrapError() = %q, wrapErr() = %q, want equal", wa.Error(), wb.Error())
	}
}

func TestKindStringCoversEveryKnownKind(t *testing.T) {
	kinds := []Kind{
		KindSuccess, KindBackend, KindBusy, KindDuplicate, KindEncryption,
		KindInput, KindNotFound, KindUnexpected, KindUnsupported, KindCustom,
	}
	seen := make(map[string]bool)
	for _, k := range kinds {
		s := k.String()
		if s == "" {
			t.Fatalf("Kind(%d).String() returned empty string", k)
		}
		seen[s] = true
	}
	if len(seen) != len(kinds) {
		t.Fatalf("Kind.String() produced %d distinct strings for %d kinds", len(seen), len(kinds))
	}
}
