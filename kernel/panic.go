package kernel

import (
	"github.com/sirupsen/logrus"
)

var (
	// haltFn is mocked by tests.
	haltFn = halt

	errRuntimePanic = &Error{Module: "rt", Message: "unknown cause", Fatal: true}
)

// Panic logs the supplied error (if not nil) and halts the system. Calls to
// Panic never return. It is the escalation point for fatal kernel errors:
// a corrupted allocator or a misused mapping call must never be allowed to
// silently propagate memory unsafety.
func Panic(e interface{}) {
	var err *Error

	switch t := e.(type) {
	case *Error:
		err = t
	case string:
		errRuntimePanic.Message = t
		err = errRuntimePanic
	case error:
		errRuntimePanic.Message = t.Error()
		err = errRuntimePanic
	}

	if err != nil {
		logrus.WithField("module", err.Module).Error(err.Message)
	}
	logrus.Error("kernel panic: system halted")

	haltFn()
}

// halt parks the calling hart. On real hardware this spins on wfi; the hosted
// build simply spins.
func halt() {
	for {
	}
}
