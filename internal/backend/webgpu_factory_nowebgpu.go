//go:build !webgpu

package backend

import (
	"errors"

	"github.com/samcharles93/kiln/internal/gpu"
	"github.com/samcharles93/kiln/internal/logger"
)

const webgpuEnabled = false

var errWebGPUUnavailable = errors.New("webgpu backend is not available in this build (rebuild with -tags webgpu)")

func newWebGPU(logger.Logger) (gpu.Device, error) {
	return nil, errWebGPUUnavailable
}
