package soft

import (
	goruntime "runtime"

	"github.com/samcharles93/kiln/internal/gpu"
	"golang.org/x/sys/cpu"
)

// DefaultMaxWorkgroupSize matches the WebGPU default limit.
const DefaultMaxWorkgroupSize = 256

// Probe reports what the software device can offer on this host. Half
// precision is advertised when the CPU converts binary16 natively; subgroup
// operations are always emulated.
func Probe() gpu.Capabilities {
	return gpu.Capabilities{
		Platform:             "soft/" + goruntime.GOARCH,
		HasHalfPrecision:     hostHasF16(),
		HasSubgroupReduction: true,
		MaxWorkgroupSize:     DefaultMaxWorkgroupSize,
	}
}

func hostHasF16() bool {
	switch goruntime.GOARCH {
	case "amd64", "386":
		// x/sys/cpu has no F16C bit; every AVX2 part implements F16C.
		return cpu.X86.HasAVX2
	case "arm64":
		return cpu.ARM64.HasFPHP || cpu.ARM64.HasASIMDHP
	default:
		return false
	}
}
