// Package klog is the kernel's early-boot and diagnostic logger. It
// wraps fmt the way the teacher's mem.Phys_init reports pool stats
// directly through fmt.Printf, giving every subsystem one place to
// route console output instead of scattering fmt calls.
package klog

import "fmt"

// Level selects how a message is tagged on the console.
type Level int

const (
	Info Level = iota
	Warn
	Panic
)

func (l Level) tag() string {
	switch l {
	case Warn:
		return "WARN"
	case Panic:
		return "PANIC"
	default:
		return "INFO"
	}
}

// Sink receives formatted log lines; swappable so tests can capture
// output instead of writing to the real console driver.
var Sink func(string) = func(s string) { fmt.Print(s) }

func logf(level Level, format string, args ...interface{}) string {
	line := fmt.Sprintf("[%s] %s\n", level.tag(), fmt.Sprintf(format, args...))
	Sink(line)
	return line
}

// Printf logs an informational message.
func Printf(format string, args ...interface{}) {
	logf(Info, format, args...)
}

// Warnf logs a recoverable-anomaly message (spurious interrupt counts,
// dropped overlapping zones, and the like).
func Warnf(format string, args ...interface{}) {
	logf(Warn, format, args...)
}

// Panicf logs a fatal diagnostic then panics, used at call sites that
// want the tagged console line preserved before the trap dispatcher's
// own panic unwinds the stack.
func Panicf(format string, args ...interface{}) {
	line := logf(Panic, format, args...)
	panic(line)
}
