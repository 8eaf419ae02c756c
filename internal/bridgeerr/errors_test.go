package bridgeerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestNewClassifiesKind(t *testing.T) {
	cases := []struct {
		code Code
		want Kind
	}{
		{CodeConnectionRefused, KindTransport},
		{CodeConnectionLost, KindTransport},
		{CodeInvalidAddress, KindProtocol},
		{CodeInvalidArguments, KindProtocol},
		{CodeUnknownRoute, KindProtocol},
		{CodeTimeout, KindResource},
		{CodeRateLimitExceeded, KindResource},
		{CodePatchNotFound, KindState},
		{CodeObjectNotFound, KindState},
		{CodeInternalError, KindFatal},
	}

	for _, tc := range cases {
		t.Run(fmt.Sprintf("code_%d", tc.code), func(t *testing.T) {
			err := New(tc.code, "boom")
			if err.Kind != tc.want {
				t.Errorf("code %d: got kind %q, want %q", tc.code, err.Kind, tc.want)
			}
		})
	}
}

func TestErrorMessageFormatting(t *testing.T) {
	err := New(CodePatchNotFound, "patch missing")
	want := "bridge: [201] patch missing"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := Wrap(CodeConnectionRefused, "connect to l1", cause)

	if !errors.Is(err, cause) {
		t.Error("Wrap should preserve the cause for errors.Is")
	}
	want := "bridge: [101] connect to l1: dial tcp: connection refused"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestNewfFormats(t *testing.T) {
	err := Newf(CodeInvalidArguments, "missing argument %q", "patchId")
	want := "bridge: [105] missing argument \"patchId\""
	if got := err.Error(); got != want {
		t.Errorf("Newf() = %q, want %q", got, want)
	}
}

func TestWithDataCopiesWithoutMutatingOriginal(t *testing.T) {
	base := New(CodeObjectNotFound, "no such object")
	withData := base.WithData(map[string]interface{}{"objectId": "obj-1"})

	if base.Data != nil {
		t.Error("WithData must not mutate the receiver")
	}
	if withData.Data["objectId"] != "obj-1" {
		t.Errorf("WithData: got %v, want objectId=obj-1", withData.Data)
	}
	if withData.Code != base.Code || withData.Message != base.Message {
		t.Error("WithData must preserve code and message")
	}
}

func TestAsExtractsBridgeError(t *testing.T) {
	inner := New(CodeSessionError, "session expired")
	wrapped := fmt.Errorf("handling request: %w", inner)

	be, ok := As(wrapped)
	if !ok {
		t.Fatal("As should find the wrapped *Error")
	}
	if be.Code != CodeSessionError {
		t.Errorf("As: got code %d, want %d", be.Code, CodeSessionError)
	}

	if _, ok := As(errors.New("plain error")); ok {
		t.Error("As should return false for a non-bridge error")
	}
}

func TestInternalWrapsAsCatchAll(t *testing.T) {
	cause := errors.New("panic recovered")
	err := Internal(cause)

	if err.Code != CodeInternalError {
		t.Errorf("Internal: got code %d, want %d", err.Code, CodeInternalError)
	}
	if err.Kind != KindFatal {
		t.Errorf("Internal: got kind %q, want %q", err.Kind, KindFatal)
	}
	if !errors.Is(err, cause) {
		t.Error("Internal should preserve the cause")
	}
}
