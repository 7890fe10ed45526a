package mirai

import (
	"errors"
	"fmt"
)

// ErrNilGroup is returned by group operations called without a group.
var ErrNilGroup = errors.New("mirai: nil group")

func errNilGroup(op string) error {
	return fmt.Errorf("%s: %w", op, ErrNilGroup)
}

// codeInvalidAuthKey is the auth response code the gateway uses for a wrong auth key.
const codeInvalidAuthKey = -1

// AuthError reports that the gateway rejected the configured auth key.
type AuthError struct {
	Code int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("mirai: wrong auth key (code %d)", e.Code)
}

// VerificationError reports that the gateway refused to bind the session
// key to the configured account.
type VerificationError struct {
	Code    int
	Message string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("mirai: verify failed (code %d): %s", e.Code, e.Message)
}

// SendError reports a rejected sendFriendMessage or sendGroupMessage call.
type SendError struct {
	Code    int
	Message string
}

func (e *SendError) Error() string {
	return fmt.Sprintf("mirai: send rejected (code %d): %s", e.Code, e.Message)
}

// GatewayError reports a non-zero status code on an endpoint that has no
// dedicated error type.
type GatewayError struct {
	Endpoint string
	Code     int
	Message  string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("mirai: %s returned code %d: %s", e.Endpoint, e.Code, e.Message)
}

// TransportError is returned for non-2xx HTTP responses.
type TransportError struct {
	Method     string
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("mirai: unexpected %d response from %s %s: %s", e.StatusCode, e.Method, e.Endpoint, e.Body)
}

// MalformedResponseError is returned when a response body cannot be decoded
// into the shape the endpoint promises.
type MalformedResponseError struct {
	Endpoint string
	Err      error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("mirai: malformed %s response: %v", e.Endpoint, e.Err)
}

func (e *MalformedResponseError) Unwrap() error {
	return e.Err
}

// UploadError reports an image that could not be prepared or was not
// assigned an identifier by the gateway.
type UploadError struct {
	Reason string
	Err    error
}

func (e *UploadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("mirai: image upload: %s: %v", e.Reason, e.Err)
	}
	return "mirai: image upload: " + e.Reason
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

// NotConnectedError is returned by every operation other than Connect while
// the session is disconnected.
type NotConnectedError struct {
	Op string
}

func (e *NotConnectedError) Error() string {
	return fmt.Sprintf("mirai: %s: session is not connected", e.Op)
}

// NotImplementedError is returned for upload scopes the gateway client
// does not support.
type NotImplementedError struct {
	Feature string
}

func (e *NotImplementedError) Error() string {
	return "mirai: not implemented: " + e.Feature
}
