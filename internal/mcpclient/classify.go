package mcpclient

import (
	"errors"
	"io"
	"net"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// recoveryAction is the outcome of classifying a failed MCP call.
type recoveryAction int

const (
	noRetry recoveryAction = iota
	retryNewSession
)

// classify decides whether err looks like a transient transport failure
// worth a retry, or a validation/protocol error that a retry can't fix.
func classify(err error) recoveryAction {
	if err == nil {
		return noRetry
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return noRetry
		}
		return retryNewSession
	}

	if isConnectionError(err) {
		return retryNewSession
	}

	if isProtocolError(err) {
		return noRetry
	}

	return noRetry
}

func isConnectionError(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{"connection refused", "connection reset", "broken pipe", "connection closed", "no such host"} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// isProtocolError detects MCP JSON-RPC protocol errors (bad request,
// unknown method, bad params) using the SDK's typed wire error rather
// than string matching.
func isProtocolError(err error) bool {
	var wireErr *jsonrpc.Error
	if !errors.As(err, &wireErr) {
		return false
	}
	switch wireErr.Code {
	case jsonrpc.CodeParseError, jsonrpc.CodeInvalidRequest, jsonrpc.CodeMethodNotFound, jsonrpc.CodeInvalidParams:
		return true
	default:
		return false
	}
}
