package supervisor

import (
	"errors"
	"os/exec"

	"github.com/nextlevelbuilder/ksi/pkg/protocol"
)

const stderrDetailMax = 2048

// Classify maps a spawn outcome to a wire error, or nil for success.
// Exit 0 → success; timer fired → TIMEOUT; signal-killed → SERVICE_UNAVAILABLE;
// exit 1 with stderr → BAD_REQUEST; missing executable → CONNECTION_ERROR.
func Classify(res *Result, spawnErr error) *protocol.ErrorInfo {
	if spawnErr != nil {
		switch {
		case errors.Is(spawnErr, exec.ErrNotFound):
			return &protocol.ErrorInfo{Code: protocol.ErrConnectionError, Message: spawnErr.Error()}
		case errors.Is(spawnErr, ErrInflightCap), errors.Is(spawnErr, ErrShuttingDown):
			return &protocol.ErrorInfo{Code: protocol.ErrServiceUnavailable, Message: spawnErr.Error()}
		default:
			return &protocol.ErrorInfo{Code: protocol.ErrConnectionError, Message: spawnErr.Error()}
		}
	}
	switch res.Status {
	case StatusCompleted:
		return nil
	case StatusTimedOut:
		return &protocol.ErrorInfo{
			Code:    protocol.ErrTimeout,
			Message: "subprocess timed out",
			Details: string(res.TimeoutCause),
		}
	case StatusKilled:
		return &protocol.ErrorInfo{
			Code:    protocol.ErrServiceUnavailable,
			Message: "subprocess killed",
			Details: truncate(res.Stderr, stderrDetailMax),
		}
	default: // crashed
		code := protocol.ErrServiceUnavailable
		if res.ExitCode == 1 && res.Stderr != "" {
			code = protocol.ErrBadRequest
		}
		return &protocol.ErrorInfo{
			Code:    code,
			Message: "subprocess exited nonzero",
			Details: truncate(res.Stderr, stderrDetailMax),
		}
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
