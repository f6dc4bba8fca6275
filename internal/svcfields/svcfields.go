// Package svcfields tags loggers with the subsystem that emits them.
package svcfields

import (
	"strings"

	"pkt.systems/pslog"
)

// SubsystemKey is the field name carrying the subsystem path.
const SubsystemKey = pslog.TrustedString("sys")

// Subsystem joins non-empty parts into a dot-delimited path, for example
// Subsystem("net", "thread", "3") == "net.thread.3".
func Subsystem(parts ...string) string {
	filtered := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.Trim(part, ". ")
		if part != "" {
			filtered = append(filtered, part)
		}
	}
	return strings.Join(filtered, ".")
}

// WithSubsystem returns logger tagged with subsystem. A nil logger yields a
// disabled one so callers never nil-check.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	subsystem = strings.Trim(subsystem, ". ")
	if subsystem == "" {
		return logger
	}
	return logger.With(SubsystemKey, subsystem)
}

// Ensure returns logger, or a disabled logger when it is nil.
func Ensure(logger pslog.Logger) pslog.Logger {
	if logger == nil {
		return pslog.NoopLogger()
	}
	return logger
}
