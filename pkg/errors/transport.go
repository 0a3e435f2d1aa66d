package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/url"
	"strings"
)

// Kind is the coarse classification every transport error falls into.
type Kind int

const (
	KindUnknown Kind = iota
	KindTransportUnavailable
	KindAuthExpired
	KindNetworkFailure
	KindRefreshFailed
	KindChannelExhausted
	KindGraphQL
	KindInvalid
)

func (k Kind) String() string {
	switch k {
	case KindTransportUnavailable:
		return "transport_unavailable"
	case KindAuthExpired:
		return "auth_expired"
	case KindNetworkFailure:
		return "network_failure"
	case KindRefreshFailed:
		return "refresh_failed"
	case KindChannelExhausted:
		return "channel_exhausted"
	case KindGraphQL:
		return "graphql"
	case KindInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// NetworkErrorData contains structured data for network failures
type NetworkErrorData struct {
	Transport  string `json:"transport"`
	Endpoint   string `json:"endpoint,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
	Aborted    bool   `json:"aborted"`
	Reason     string `json:"reason,omitempty"`
}

// ChannelErrorData contains structured data for stream channel errors
type ChannelErrorData struct {
	Endpoint string `json:"endpoint,omitempty"`
	Attempts int    `json:"attempts"`
}

// TransportUnavailable reports that no transport is configured for kind.
func TransportUnavailable(kind string) TransportError {
	return NewError(
		CodeTransportUnavailable,
		fmt.Sprintf("no transport available for %s operations", kind),
		CategoryUnavailable,
		SeverityError,
	).WithContext(&Context{Kind: kind, Component: "Router"})
}

// AuthExpired reports that the server rejected the credential.
func AuthExpired(statusCode int, cause error) TransportError {
	message := "credential rejected"
	if statusCode > 0 {
		message = fmt.Sprintf("credential rejected (HTTP %d)", statusCode)
	}
	return WrapError(cause, CodeAuthExpired, message, CategoryAuth, SeverityWarning).
		WithData(map[string]interface{}{"status_code": statusCode})
}

// NetworkFailure reports a connectivity error. statusCode is zero when no
// response was received.
func NetworkFailure(transport, endpoint string, statusCode int, cause error) TransportError {
	message := fmt.Sprintf("%s transport failure", transport)
	if statusCode > 0 {
		message = fmt.Sprintf("%s transport failure (HTTP %d)", transport, statusCode)
	}
	if cause != nil {
		message = fmt.Sprintf("%s: %s", message, cause.Error())
	}

	data := &NetworkErrorData{
		Transport:  transport,
		Endpoint:   hostOf(endpoint),
		StatusCode: statusCode,
		Aborted:    isCancellation(cause),
	}
	if cause != nil {
		data.Reason = cause.Error()
	}

	return WrapError(cause, CodeNetworkFailure, message, CategoryNetwork, SeverityError).WithData(data)
}

// Aborted reports a call abandoned by the caller before it completed.
func Aborted(transport, endpoint string, cause error) TransportError {
	if cause == nil {
		cause = context.Canceled
	}
	return NetworkFailure(transport, endpoint, 0, cause)
}

// RefreshFailed reports that a token refresh produced no usable credential.
func RefreshFailed(cause error) TransportError {
	message := "credential refresh failed"
	if cause != nil {
		message = fmt.Sprintf("%s: %s", message, cause.Error())
	}
	return WrapError(cause, CodeRefreshFailed, message, CategoryAuth, SeverityWarning)
}

// ChannelExhausted reports that the stream channel stopped reconnecting.
func ChannelExhausted(endpoint string, attempts int) TransportError {
	return NewError(
		CodeChannelExhausted,
		fmt.Sprintf("stream channel gave up after %d reconnect attempts", attempts),
		CategoryChannel,
		SeverityWarning,
	).WithData(&ChannelErrorData{Endpoint: hostOf(endpoint), Attempts: attempts})
}

// GraphQLErrors reports errors returned in a GraphQL response body.
func GraphQLErrors(messages []string) TransportError {
	return NewError(
		CodeGraphQLErrors,
		fmt.Sprintf("graphql errors: %s", strings.Join(messages, "; ")),
		CategoryProtocol,
		SeverityError,
	).WithData(messages)
}

// InvalidConfiguration reports an invalid configuration parameter.
func InvalidConfiguration(parameter, reason string) TransportError {
	return NewError(
		CodeInvalidConfiguration,
		fmt.Sprintf("invalid configuration for '%s': %s", parameter, reason),
		CategoryValidation,
		SeverityError,
	)
}

// InvalidOperation reports a malformed operation.
func InvalidOperation(reason string) TransportError {
	return NewError(
		CodeInvalidOperation,
		fmt.Sprintf("invalid operation: %s", reason),
		CategoryValidation,
		SeverityError,
	)
}

// KindOf classifies err. Bare context cancellations count as network
// failures, since they abort the underlying call.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	if te, ok := AsTransportError(err); ok {
		switch te.Code() {
		case CodeTransportUnavailable:
			return KindTransportUnavailable
		case CodeAuthExpired:
			return KindAuthExpired
		case CodeNetworkFailure:
			return KindNetworkFailure
		case CodeRefreshFailed:
			return KindRefreshFailed
		case CodeChannelExhausted:
			return KindChannelExhausted
		case CodeGraphQLErrors:
			return KindGraphQL
		case CodeInvalidConfiguration, CodeInvalidOperation:
			return KindInvalid
		}
	}
	if isCancellation(err) {
		return KindNetworkFailure
	}
	return KindUnknown
}

// IsAborted reports whether err represents a client-initiated abort.
func IsAborted(err error) bool {
	if te, ok := AsTransportError(err); ok {
		if data, ok := te.Data().(*NetworkErrorData); ok {
			return data.Aborted
		}
	}
	return isCancellation(err)
}

func isCancellation(err error) bool {
	return err != nil && (stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded))
}

func hostOf(endpoint string) string {
	if endpoint == "" {
		return ""
	}
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		return u.Host
	}
	return endpoint
}
