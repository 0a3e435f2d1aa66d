package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"testing"
)

func TestTransportErrorInterface(t *testing.T) {
	tests := []struct {
		name     string
		err      TransportError
		wantCode int
		wantCat  Category
		wantKind Kind
	}{
		{
			name:     "transport unavailable",
			err:      TransportUnavailable("subscription"),
			wantCode: CodeTransportUnavailable,
			wantCat:  CategoryUnavailable,
			wantKind: KindTransportUnavailable,
		},
		{
			name:     "auth expired",
			err:      AuthExpired(401, nil),
			wantCode: CodeAuthExpired,
			wantCat:  CategoryAuth,
			wantKind: KindAuthExpired,
		},
		{
			name:     "network failure",
			err:      NetworkFailure("http", "http://localhost:4001/graphql", 0, fmt.Errorf("connection refused")),
			wantCode: CodeNetworkFailure,
			wantCat:  CategoryNetwork,
			wantKind: KindNetworkFailure,
		},
		{
			name:     "refresh failed",
			err:      RefreshFailed(nil),
			wantCode: CodeRefreshFailed,
			wantCat:  CategoryAuth,
			wantKind: KindRefreshFailed,
		},
		{
			name:     "channel exhausted",
			err:      ChannelExhausted("ws://localhost:4000/chat", 5),
			wantCode: CodeChannelExhausted,
			wantCat:  CategoryChannel,
			wantKind: KindChannelExhausted,
		},
		{
			name:     "graphql errors",
			err:      GraphQLErrors([]string{"boom"}),
			wantCode: CodeGraphQLErrors,
			wantCat:  CategoryProtocol,
			wantKind: KindGraphQL,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Code(); got != tt.wantCode {
				t.Errorf("Code() = %v, want %v", got, tt.wantCode)
			}
			if got := tt.err.Category(); got != tt.wantCat {
				t.Errorf("Category() = %v, want %v", got, tt.wantCat)
			}
			if got := KindOf(tt.err); got != tt.wantKind {
				t.Errorf("KindOf() = %v, want %v", got, tt.wantKind)
			}
			if tt.err.Error() == "" {
				t.Error("Error() returned empty string")
			}
			if tt.err.Context() == nil || tt.err.Context().Timestamp.IsZero() {
				t.Error("expected a timestamped context")
			}
		})
	}
}

func TestKindOfWrappedError(t *testing.T) {
	inner := AuthExpired(401, nil)
	wrapped := fmt.Errorf("execute: %w", inner)

	if got := KindOf(wrapped); got != KindAuthExpired {
		t.Errorf("KindOf(wrapped) = %v, want %v", got, KindAuthExpired)
	}
	if !IsCode(wrapped, CodeAuthExpired) {
		t.Error("IsCode should see through fmt wrapping")
	}
}

func TestKindOfContextCancellation(t *testing.T) {
	if got := KindOf(context.Canceled); got != KindNetworkFailure {
		t.Errorf("KindOf(context.Canceled) = %v, want %v", got, KindNetworkFailure)
	}
	if !IsAborted(context.Canceled) {
		t.Error("context.Canceled should be reported as aborted")
	}
	if KindOf(stderrors.New("plain")) != KindUnknown {
		t.Error("plain errors should be unknown")
	}
}

func TestNetworkFailureMarksAbort(t *testing.T) {
	err := NetworkFailure("http", "http://api.example.com/graphql", 0, fmt.Errorf("post: %w", context.Canceled))

	if !IsAborted(err) {
		t.Fatal("expected aborted network failure")
	}
	if !stderrors.Is(err, context.Canceled) {
		t.Error("errors.Is should reach the cause")
	}
	data, ok := err.Data().(*NetworkErrorData)
	if !ok {
		t.Fatalf("unexpected data type %T", err.Data())
	}
	if data.Endpoint != "api.example.com" {
		t.Errorf("Endpoint = %q, want host only", data.Endpoint)
	}
}

func TestErrorChaining(t *testing.T) {
	err := RefreshFailed(fmt.Errorf("no refresh token")).
		WithDetail("first").
		WithDetail("second").
		WithContext(&Context{RequestID: "req-1", Component: "TokenRefresh"})

	if err.Details() != "first; second" {
		t.Errorf("Details() = %q", err.Details())
	}
	if err.Context().RequestID != "req-1" {
		t.Errorf("RequestID = %q", err.Context().RequestID)
	}
	if err.Context().Timestamp.IsZero() {
		t.Error("WithContext should keep the original timestamp")
	}
}

func TestErrorJSON(t *testing.T) {
	err := ChannelExhausted("ws://chat.example.com/chat", 5)

	raw, marshalErr := json.Marshal(err)
	if marshalErr != nil {
		t.Fatalf("marshal: %v", marshalErr)
	}

	var decoded map[string]interface{}
	if unmarshalErr := json.Unmarshal(raw, &decoded); unmarshalErr != nil {
		t.Fatalf("unmarshal: %v", unmarshalErr)
	}
	if decoded["name"] != "ChannelExhausted" {
		t.Errorf("name = %v", decoded["name"])
	}
	if decoded["category"] != string(CategoryChannel) {
		t.Errorf("category = %v", decoded["category"])
	}
}
