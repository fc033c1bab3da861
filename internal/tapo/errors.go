package tapo

import (
	"errors"
	"fmt"
)

// Sentinel errors for the taxonomy in the transport spec. Use errors.Is
// against these, or errors.As for the struct-carrying variants below.
var (
	ErrInvalidCredentials   = errors.New("tapo: invalid credentials")
	ErrAuthenticationFailed = errors.New("tapo: authentication failed")
	ErrHandshakeInvalid     = errors.New("tapo: invalid handshake response")
	ErrProtocolError        = errors.New("tapo: protocol error")
	ErrTimeout              = errors.New("tapo: request timed out")
	ErrTransport            = errors.New("tapo: transport error")
)

// HTTPError reports a non-200 HTTP response that wasn't recovered locally
// (403 on the data path is handled by the session engines themselves and
// never reaches the caller as an HTTPError unless the retry also fails).
type HTTPError struct {
	Status int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("tapo: unexpected HTTP status %d", e.Status)
}

// SmartError reports a non-zero error_code surfaced by the SMART envelope,
// either at the top level or as one entry of a multipleRequest batch.
type SmartError struct {
	ErrorCode    int
	Method       string
	RequestJSON  string
	ResponseJSON string
}

func (e *SmartError) Error() string {
	return fmt.Sprintf("tapo: method %q returned error_code %d", e.Method, e.ErrorCode)
}

// authErrors are the AES inner error_code values that classify as
// authentication expiry and trigger a session reset + one re-login attempt.
var authErrors = map[int]bool{
	-1501:  true,
	1111:   true,
	-1005:  true,
	1100:   true,
	1003:   true,
	-40412: true,
}

func isAuthError(code int) bool {
	return authErrors[code]
}

// InvalidArgument is returned for malformed caller input, such as
// specifying more than one childID in a single SMART call.
type InvalidArgument struct {
	Msg string
}

func (e *InvalidArgument) Error() string {
	return "tapo: invalid argument: " + e.Msg
}
