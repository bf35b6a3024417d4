package metrics

import (
	"context"
	"errors"
	"net"
	"strings"
)

const maxReasonLen = 80

// Reasoner is implemented by errors that carry a short failure reason, such as
// an HTTP status code.
type Reasoner interface {
	Reason() string
}

// FailureReason returns the short label under which err is counted.
func FailureReason(err error) string {
	if err == nil {
		return ""
	}
	var r Reasoner
	if errors.As(err, &r) {
		if reason := strings.TrimSpace(r.Reason()); reason != "" {
			return reason
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}

	msg := strings.TrimSpace(err.Error())
	if msg == "" {
		return "unknown error"
	}
	if len(msg) > maxReasonLen {
		msg = msg[:maxReasonLen]
	}
	return msg
}
