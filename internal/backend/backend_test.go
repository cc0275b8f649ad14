package backend

import (
	"errors"
	"strings"
	"testing"

	"github.com/samcharles93/kiln/internal/gpu"
)

func TestNormalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"", Auto, false},
		{"  SOFT ", Soft, false},
		{"webgpu", WebGPU, false},
		{"auto", Auto, false},
		{"cuda", "", true},
	}
	for _, tc := range tests {
		got, err := Normalize(tc.in)
		if tc.wantErr {
			if !errors.Is(err, gpu.ErrUnknownDevice) {
				t.Errorf("Normalize(%q): expected ErrUnknownDevice, got %v", tc.in, err)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("Normalize(%q) = %q, %v; want %q", tc.in, got, err, tc.want)
		}
	}
}

func TestOpenSoftWithCapabilities(t *testing.T) {
	t.Parallel()
	caps := gpu.Capabilities{Platform: "test", HasSubgroupReduction: true}
	dev, err := Open("soft", Options{Capabilities: &caps})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer dev.Close()
	got := dev.Capabilities()
	if got.Platform != "test" || got.HasHalfPrecision || !got.HasSubgroupReduction {
		t.Fatalf("unexpected capabilities %+v", got)
	}
}

func TestOpenAutoAlwaysSucceeds(t *testing.T) {
	t.Parallel()
	dev, err := Open("auto", Options{})
	if err != nil {
		t.Fatalf("Open(auto): %v", err)
	}
	_ = dev.Close()
}

func TestAvailableListsSoft(t *testing.T) {
	t.Parallel()
	if !strings.HasPrefix(Available(), Soft) {
		t.Fatalf("Available() = %q", Available())
	}
	if Has("cuda") {
		t.Fatal("cuda should not be reported")
	}
}
