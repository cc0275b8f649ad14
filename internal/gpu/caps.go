package gpu

import "strings"

// Feature names an optional device feature a shader may require.
type Feature string

const (
	FeatureShaderF16 Feature = "shader-f16"
	FeatureSubgroups Feature = "subgroups"
)

// Capabilities is the probe result the variant tables select on.
type Capabilities struct {
	Platform             string
	HasHalfPrecision     bool
	HasSubgroupReduction bool
	// MaxWorkgroupSize is the largest invocation count of one workgroup.
	MaxWorkgroupSize uint32
}

func (c Capabilities) Has(f Feature) bool {
	switch f {
	case FeatureShaderF16:
		return c.HasHalfPrecision
	case FeatureSubgroups:
		return c.HasSubgroupReduction
	default:
		return false
	}
}

// Missing returns the features in required that the device lacks.
func (c Capabilities) Missing(required []Feature) []Feature {
	var missing []Feature
	for _, f := range required {
		if !c.Has(f) {
			missing = append(missing, f)
		}
	}
	return missing
}

// Features lists the optional features the device supports.
func (c Capabilities) Features() []Feature {
	var out []Feature
	if c.HasHalfPrecision {
		out = append(out, FeatureShaderF16)
	}
	if c.HasSubgroupReduction {
		out = append(out, FeatureSubgroups)
	}
	return out
}

func (c Capabilities) String() string {
	names := make([]string, 0, 2)
	for _, f := range c.Features() {
		names = append(names, string(f))
	}
	if len(names) == 0 {
		names = append(names, "none")
	}
	return c.Platform + " [" + strings.Join(names, ",") + "]"
}
