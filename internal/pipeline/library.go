// Package pipeline compiles and caches compute pipelines per kernel variant.
package pipeline

import (
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"slices"
	"strings"

	"github.com/samcharles93/kiln/internal/gpu"
)

var (
	// ErrUnknownVariant is returned for an (operation, variant) pair that no
	// installed library registers.
	ErrUnknownVariant = errors.New("unknown kernel variant")
	ErrDuplicate      = errors.New("conflicting kernel registration")
)

// Key names a kernel variant.
type Key struct {
	Op      string `json:"op"`
	Variant string `json:"variant"`
}

func (k Key) String() string { return k.Op + "/" + k.Variant }

// Descriptor is the immutable description of one kernel variant.
type Descriptor struct {
	ShaderFile       string
	EntryPoint       string
	WorkgroupSize    [3]uint32
	RequiredFeatures []gpu.Feature
	// Layout names the bind group layout in the owning Library.
	Layout string
	// Defines, when set, render ShaderFile as a text/template so one source
	// can produce several modules (f32 and f16 storage, for instance).
	Defines map[string]string
}

// ModuleLabel identifies the compiled module: the file name plus its
// defines, so variants that render the same source share one compile.
func (d Descriptor) ModuleLabel() string {
	if len(d.Defines) == 0 {
		return d.ShaderFile
	}
	keys := slices.Sorted(maps.Keys(d.Defines))
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + d.Defines[k]
	}
	return d.ShaderFile + "?" + strings.Join(parts, "&")
}

func (d Descriptor) equal(o Descriptor) bool {
	return d.ShaderFile == o.ShaderFile &&
		d.EntryPoint == o.EntryPoint &&
		d.WorkgroupSize == o.WorkgroupSize &&
		d.Layout == o.Layout &&
		slices.Equal(d.RequiredFeatures, o.RequiredFeatures) &&
		maps.Equal(d.Defines, o.Defines)
}

// Library is a set of kernel variants sharing one shader file system.
type Library struct {
	Name        string
	FS          fs.FS
	Layouts     map[string][]gpu.LayoutEntry
	Descriptors map[Key]Descriptor
	// Kernels are host implementations for devices that cannot run WGSL.
	Kernels map[Key]gpu.HostKernel
}

func (l *Library) validate() error {
	if l.FS == nil {
		return fmt.Errorf("library %s: no shader file system", l.Name)
	}
	for key, d := range l.Descriptors {
		if d.ShaderFile == "" || d.EntryPoint == "" {
			return fmt.Errorf("library %s: %s: shader file and entry point are required", l.Name, key)
		}
		if _, ok := l.Layouts[d.Layout]; !ok {
			return fmt.Errorf("library %s: %s: unknown layout %q", l.Name, key, d.Layout)
		}
		if _, err := fs.Stat(l.FS, d.ShaderFile); err != nil {
			return fmt.Errorf("library %s: %s: %w", l.Name, key, err)
		}
	}
	return nil
}

// Groups returns the workgroup count covering n invocations of size each.
func Groups(n int, size uint32) uint32 {
	if n <= 0 {
		return 0
	}
	return (uint32(n) + size - 1) / size
}
