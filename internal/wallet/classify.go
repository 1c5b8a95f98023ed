package wallet

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
)

// FailureType classifies why a wallet call failed.
type FailureType string

const (
	FailureNetwork   FailureType = "network_error"      // connection refused, DNS failure, TLS, reset
	FailureHTTP      FailureType = "http_error"         // agent answered with HTTP >= 400
	FailureTimeout   FailureType = "timeout_error"      // request or context deadline exceeded
	FailureInvalid   FailureType = "invalid_response"   // body is not JSON
	FailureRejected  FailureType = "agent_rejected"     // agent answered with a non-"0000" status
	FailureMalformed FailureType = "malformed_response" // JSON body without a status field
	FailureUnknown   FailureType = "unknown_error"
)

// Transport reports whether the failure happened before the agent produced
// an answer, leaving the operation's outcome unknown on the agent side.
func (f FailureType) Transport() bool {
	switch f {
	case FailureNetwork, FailureTimeout, FailureUnknown:
		return true
	}
	return false
}

// CallError is the error returned for every failed wallet call, after
// classification and audit logging. CallbackURL and AuditID give callers
// what they need to enqueue a retry without resolving the agent again.
type CallError struct {
	Action      string
	AgentID     string
	Type        FailureType
	HTTPStatus  int
	Message     string
	AuditID     string
	CallbackURL string
	Err         error
}

func (e *CallError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("wallet: %s to agent %s failed (%s): %s", e.Action, e.AgentID, e.Type, msg)
}

func (e *CallError) Unwrap() error { return e.Err }

// AsCallError unwraps err to a *CallError if there is one in the chain.
func AsCallError(err error) (*CallError, bool) {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// classifyTransport maps an error from the HTTP round trip to a failure type.
// Timeouts are checked first because a timed-out dial also satisfies net.Error.
func classifyTransport(err error) FailureType {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return FailureTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		return FailureTimeout
	case isConnectionError(err):
		return FailureNetwork
	default:
		return FailureUnknown
	}
}

func isConnectionError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	return isTLSError(err)
}

// isTLSError matches handshake failures: the agent's certificate cannot be
// verified, or the far side is not speaking TLS at all.
func isTLSError(err error) bool {
	var (
		certErr    *tls.CertificateVerificationError
		recordErr  tls.RecordHeaderError
		authErr    x509.UnknownAuthorityError
		hostErr    x509.HostnameError
		invalidErr x509.CertificateInvalidError
	)
	return errors.As(err, &certErr) ||
		errors.As(err, &recordErr) ||
		errors.As(err, &authErr) ||
		errors.As(err, &hostErr) ||
		errors.As(err, &invalidErr)
}
