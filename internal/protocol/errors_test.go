package protocol

import (
	"errors"
	"testing"
)

func TestIsKnownKind(t *testing.T) {
	for _, k := range []ErrorKind{
		KindMalformedMessage,
		KindInvalidRequestID,
		KindInvalidRequestName,
		KindDuplicateRequestID,
		KindInvalidRequestParams,
		KindRequestFailed,
	} {
		if !IsKnownKind(k) {
			t.Fatalf("expected known kind %q", k)
		}
	}
	if IsKnownKind("E_NOT_DEFINED") {
		t.Fatalf("expected unknown kind rejected")
	}
}

func TestError_IsMatchesKind(t *testing.T) {
	err := error(&Error{Kind: KindRequestFailed, Message: "boom"})
	if !errors.Is(err, &Error{Kind: KindRequestFailed}) {
		t.Fatalf("expected kind match")
	}
	if errors.Is(err, &Error{Kind: KindMalformedMessage}) {
		t.Fatalf("unexpected match on a different kind")
	}
	if err.Error() != "REQUEST_FAILED: boom" {
		t.Fatalf("Error()=%q", err.Error())
	}
	if (&Error{Kind: KindInvalidRequestID}).Error() != "INVALID_REQUEST_ID" {
		t.Fatalf("kind-only message wrong")
	}
}
