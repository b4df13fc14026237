package misc

import (
	"errors"
	"os"

	"github.com/mailforge/mailforge/lalog"
)

var (
	// EnableAWSIntegration is a program-global flag that determines whether
	// to integrate with AWS services (X-Ray tracing, Secrets Manager) for
	// normal operation.
	EnableAWSIntegration bool
	// EnablePrometheusIntegration is a program-global flag that determines
	// whether to collect and serve Prometheus metrics readings.
	EnablePrometheusIntegration bool
	// EmergencyLockDown is a flag checked by daemons; they stop accepting
	// new connections while it is true.
	EmergencyLockDown bool
	// ErrEmergencyLockDown is returned by daemons to inform the caller that
	// lock-down is in effect.
	ErrEmergencyLockDown = errors.New("LOCKED DOWN")

	logger = lalog.Logger{ComponentName: "misc", ComponentID: []lalog.LoggerIDField{{Key: "PID", Value: os.Getpid()}}}
)

// TriggerEmergencyLockDown turns on EmergencyLockDown, so that daemons will
// immediately (or very soon) refuse to accept further connections. The
// process keeps running; there is no way to cancel lock-down other than
// restarting it.
func TriggerEmergencyLockDown() {
	logger.Warning("", nil, "daemons will stop accepting connections ASAP")
	EmergencyLockDown = true
}
