package resilience

import (
	"context"
	"errors"
	"net"
	"net/http"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"
)

// ErrorClass groups poll errors by how the real-time monitor reacts to them.
type ErrorClass string

const (
	// ClassIgnorable errors carry no actionable information
	ClassIgnorable ErrorClass = "ignorable"

	// ClassConnectivity errors indicate the transport session is gone
	ClassConnectivity ErrorClass = "connectivity"

	// ClassOther errors are logged and the caller carries on
	ClassOther ErrorClass = "other"
)

var ignorableMarkers = []string{
	"filter not found",
}

var connectivityMarkers = []string{
	"connection refused",
	"connection reset",
	"connection closed",
	"connection lost",
	"network is unreachable",
	"no such host",
	"broken pipe",
	"eof",
	"timeout",
	"deadline exceeded",
	"dial tcp",
	"websocket",
	"socket hang up",
	"could not detect network",
	"server_error",
	"bad gateway",
	"service unavailable",
}

// gatewayStatus matches a bare 502/503 status code. Word boundaries keep hex
// ids and hashes that contain those digits from matching.
var gatewayStatus = regexp.MustCompile(`\b50[23]\b`)

func isGatewayStatus(code int) bool {
	return code == http.StatusBadGateway || code == http.StatusServiceUnavailable
}

// ClassifyError classifies an error returned by a remote call.
func ClassifyError(err error) ErrorClass {
	if err == nil || errors.Is(err, context.Canceled) {
		return ClassIgnorable
	}

	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	if msg == "" {
		return ClassIgnorable
	}
	for _, marker := range ignorableMarkers {
		if strings.Contains(msg, marker) {
			return ClassIgnorable
		}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, net.ErrClosed) {
		return ClassConnectivity
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassConnectivity
	}
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		if isGatewayStatus(httpErr.StatusCode) {
			return ClassConnectivity
		}
		return ClassOther
	}
	for _, marker := range connectivityMarkers {
		if strings.Contains(msg, marker) {
			return ClassConnectivity
		}
	}
	if gatewayStatus.MatchString(msg) {
		return ClassConnectivity
	}

	return ClassOther
}

// IsConnectivityError reports whether err should trigger a reconnect.
func IsConnectivityError(err error) bool {
	return ClassifyError(err) == ClassConnectivity
}
