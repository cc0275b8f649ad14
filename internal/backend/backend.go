// Package backend resolves a device name to a gpu.Device.
package backend

import (
	"fmt"
	"strings"

	"github.com/samcharles93/kiln/internal/gpu"
	"github.com/samcharles93/kiln/internal/gpu/soft"
	"github.com/samcharles93/kiln/internal/logger"
)

const (
	Soft   = "soft"
	WebGPU = "webgpu"
	Auto   = "auto"
)

type Options struct {
	Logger logger.Logger
	// Capabilities overrides the soft device probe.
	Capabilities *gpu.Capabilities
}

func Normalize(name string) (string, error) {
	backend := strings.ToLower(strings.TrimSpace(name))
	if backend == "" {
		return Auto, nil
	}
	switch backend {
	case Soft, WebGPU, Auto:
		return backend, nil
	default:
		return "", fmt.Errorf("%w %q (expected auto, soft, or webgpu)", gpu.ErrUnknownDevice, backend)
	}
}

// Open creates the named device. auto prefers a native adapter and falls
// back to the soft device when none is built in or none can be acquired.
func Open(name string, opts Options) (gpu.Device, error) {
	backend, err := Normalize(name)
	if err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	switch backend {
	case Soft:
		return soft.New(soft.Options{Logger: log, Capabilities: opts.Capabilities}), nil
	case WebGPU:
		return newWebGPU(log)
	default:
		if Has(WebGPU) {
			dev, err := newWebGPU(log)
			if err == nil {
				return dev, nil
			}
			log.Warn("webgpu adapter unavailable, using soft device", "error", err)
		}
		return soft.New(soft.Options{Logger: log, Capabilities: opts.Capabilities}), nil
	}
}
