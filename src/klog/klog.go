// Package klog is the kernel's structured log sink. It wraps logrus, writing
// every entry through a single io.Writer — in production that writer is the
// serial/debug port, in tests it is any bytes.Buffer.
package klog

import (
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/sirupsen/logrus"
)

/// Logger is the kernel-wide structured logger. Swap Logger.Out to redirect
/// output (e.g. to the serial port driver once it is attached during boot).
var Logger = logrus.New()

func init() {
	Logger.SetOutput(os.Stdout)
	Logger.SetFormatter(&logrus.TextFormatter{
		DisableColors:   true,
		FullTimestamp:   false,
		DisableTimestamp: true,
	})
}

/// SetSink redirects all subsequent log output to w, e.g. the serial port.
func SetSink(w io.Writer) {
	Logger.SetOutput(w)
}

/// Subsystem returns a logger pre-tagged with the given subsystem name, so
/// every PFA/ASM/scheduler message is consistently attributable.
func Subsystem(name string) *logrus.Entry {
	return Logger.WithField("subsystem", name)
}

/// Fatal logs a structured kernel invariant violation and halts. This is the
/// only sanctioned path for one: print through the debug sink, then stop.
/// It never returns.
//
// A short call-stack snippet is attached under the "at" field: knowing
// which invariant fired matters more at 3am than a polished panic message.
func Fatal(subsystem, invariant string, detail string) {
	at := callerSnippet(2)
	Logger.WithFields(logrus.Fields{
		"subsystem": subsystem,
		"invariant": invariant,
		"at":        at,
	}).Log(logrus.FatalLevel, detail)
	// The entry is written at fatal level through Log rather than Fatal:
	// logrus's Fatal calls os.Exit(1) via its ExitFunc, which would end the
	// process before the panic below could run. The panic is what halts
	// the caller.
	panic(fmt.Sprintf("%s: %s: %s (%s)", subsystem, invariant, detail, at))
}

func callerSnippet(skip int) string {
	pc, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "unknown"
	}
	fn := runtime.FuncForPC(pc)
	name := "unknown"
	if fn != nil {
		name = fn.Name()
	}
	return fmt.Sprintf("%s (%s:%d)", name, file, line)
}
