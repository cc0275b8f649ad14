package backend

import "strings"

// Available returns a comma-separated list of available backends.
func Available() string {
	entries := []string{Soft}
	if Has(WebGPU) {
		entries = append(entries, WebGPU)
	}
	return strings.Join(entries, ",")
}

// Has reports whether the named backend is compiled into this binary.
func Has(name string) bool {
	switch name {
	case Soft:
		return true
	case WebGPU:
		return webgpuEnabled
	default:
		return false
	}
}
