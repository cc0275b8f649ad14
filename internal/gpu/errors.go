package gpu

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMissingFeature marks a pipeline that needs a feature the device lacks.
	ErrMissingFeature = errors.New("missing device feature")
	// ErrCompile marks a rejected shader module.
	ErrCompile = errors.New("shader compilation failed")
	// ErrDeviceLost is returned by every call on a closed device.
	ErrDeviceLost = errors.New("device lost")
	// ErrUnknownDevice is returned by Normalize and Open for unrecognised names.
	ErrUnknownDevice = errors.New("unknown device")
)

type MissingFeatureError struct {
	Pipeline string
	Features []Feature
}

func (e *MissingFeatureError) Error() string {
	names := make([]string, len(e.Features))
	for i, f := range e.Features {
		names[i] = string(f)
	}
	return fmt.Sprintf("pipeline %s requires %s", e.Pipeline, strings.Join(names, ", "))
}

func (e *MissingFeatureError) Unwrap() error { return ErrMissingFeature }

// CompileMessage is one diagnostic emitted while compiling a shader module.
type CompileMessage struct {
	Line    int
	Message string
}

type CompileError struct {
	Module   string
	Messages []CompileMessage
}

func (e *CompileError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "compile %s", e.Module)
	for _, m := range e.Messages {
		if m.Line > 0 {
			fmt.Fprintf(&b, "\n  line %d: %s", m.Line, m.Message)
		} else {
			fmt.Fprintf(&b, "\n  %s", m.Message)
		}
	}
	return b.String()
}

func (e *CompileError) Unwrap() error { return ErrCompile }
