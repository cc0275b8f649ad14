//go:build webgpu

package backend

import (
	"github.com/samcharles93/kiln/internal/gpu"
	"github.com/samcharles93/kiln/internal/gpu/webgpu"
	"github.com/samcharles93/kiln/internal/logger"
)

const webgpuEnabled = true

func newWebGPU(log logger.Logger) (gpu.Device, error) {
	return webgpu.Open(log)
}
