package errors

// Transport layer error codes. The range sits outside the JSON-RPC reserved
// block so codes never collide with server-provided ones.
const (
	CodeTransportUnavailable int = -33001 // No transport configured for the operation kind
	CodeAuthExpired          int = -33002 // Credential rejected by the server
	CodeNetworkFailure       int = -33003 // Connectivity error, including client aborts
	CodeRefreshFailed        int = -33004 // Token refresh produced no usable credential
	CodeChannelExhausted     int = -33005 // Stream channel gave up reconnecting
	CodeGraphQLErrors        int = -33006 // Response carried GraphQL errors
	CodeInvalidConfiguration int = -33007 // Invalid configuration value
	CodeInvalidOperation     int = -33008 // Operation is malformed
)

// ErrorCodeInfo provides human-readable information about error codes
type ErrorCodeInfo struct {
	Code        int
	Name        string
	Description string
	Category    Category
	Severity    Severity
}

var errorCodeRegistry = map[int]ErrorCodeInfo{
	CodeTransportUnavailable: {CodeTransportUnavailable, "TransportUnavailable", "No usable transport for operation kind", CategoryUnavailable, SeverityError},
	CodeAuthExpired:          {CodeAuthExpired, "AuthExpired", "Credential rejected", CategoryAuth, SeverityWarning},
	CodeNetworkFailure:       {CodeNetworkFailure, "NetworkFailure", "Network failure", CategoryNetwork, SeverityError},
	CodeRefreshFailed:        {CodeRefreshFailed, "RefreshFailed", "Credential refresh failed", CategoryAuth, SeverityWarning},
	CodeChannelExhausted:     {CodeChannelExhausted, "ChannelExhausted", "Reconnect attempts exhausted", CategoryChannel, SeverityWarning},
	CodeGraphQLErrors:        {CodeGraphQLErrors, "GraphQLErrors", "Response contained GraphQL errors", CategoryProtocol, SeverityError},
	CodeInvalidConfiguration: {CodeInvalidConfiguration, "InvalidConfiguration", "Invalid configuration", CategoryValidation, SeverityError},
	CodeInvalidOperation:     {CodeInvalidOperation, "InvalidOperation", "Invalid operation", CategoryValidation, SeverityError},
}

// GetErrorCodeInfo returns information about an error code
func GetErrorCodeInfo(code int) (ErrorCodeInfo, bool) {
	info, exists := errorCodeRegistry[code]
	return info, exists
}

// CodeName returns the name of an error code
func CodeName(code int) string {
	if info, exists := errorCodeRegistry[code]; exists {
		return info.Name
	}
	return "UnknownError"
}
