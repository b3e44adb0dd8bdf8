package kernel

import (
	"bytes"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestPanic(t *testing.T) {
	defer func(origHaltFn func()) {
		haltFn = origHaltFn
		logrus.SetOutput(os.Stderr)
	}(haltFn)

	var (
		buf        bytes.Buffer
		haltCalled bool
	)

	logrus.SetOutput(&buf)
	haltFn = func() { haltCalled = true }

	specs := []struct {
		input       interface{}
		expContains string
	}{
		{&Error{Module: "pmm", Message: "possible double-free", Fatal: true}, "possible double-free"},
		{"corrupt heap", "corrupt heap"},
		{errors.New("some other error"), "some other error"},
		{nil, "kernel panic: system halted"},
	}

	for specIndex, spec := range specs {
		buf.Reset()
		haltCalled = false

		Panic(spec.input)

		if !haltCalled {
			t.Errorf("[spec %d] expected Panic to halt the system", specIndex)
		}

		if got := buf.String(); !strings.Contains(got, spec.expContains) {
			t.Errorf("[spec %d] expected output to contain %q; got:\n%q", specIndex, spec.expContains, got)
		}
	}
}
