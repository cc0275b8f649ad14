package tensor

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestByteSize(t *testing.T) {
	tests := []struct {
		dtype DType
		n     int
		want  uint64
	}{
		{F32, 3, 12},
		{F16, 3, 8},
		{F16, 4, 8},
		{Q4, 8, 4},
		{Q4, 9, 8},
		{U32, 0, 0},
	}
	for _, tc := range tests {
		if got := tc.dtype.ByteSize(tc.n); got != tc.want {
			t.Errorf("%s.ByteSize(%d) = %d, want %d", tc.dtype, tc.n, got, tc.want)
		}
	}
}

func TestParseDType(t *testing.T) {
	for _, name := range []string{"f32", "F16", "half", "u32", "i32", "q4"} {
		if _, err := ParseDType(name); err != nil {
			t.Errorf("ParseDType(%q): %v", name, err)
		}
	}
	if _, err := ParseDType("bf16"); !errors.Is(err, ErrDType) {
		t.Fatalf("expected ErrDType, got %v", err)
	}
}

func TestShapeHelpers(t *testing.T) {
	x := New(nil, F32, []int{2, 3, 4}, "x")
	if x.Elements() != 24 || x.Dim(-1) != 4 || x.Dim(5) != 0 {
		t.Fatalf("unexpected dims for %s", x)
	}
	y, err := x.Reshape(6, 4)
	if err != nil {
		t.Fatal(err)
	}
	if !SameShape(y.Shape, []int{6, 4}) || SameShape(x.Shape, y.Shape) {
		t.Fatal("reshape must not alias the original shape")
	}
	if _, err := x.Reshape(5, 5); err == nil {
		t.Fatal("expected element-count error")
	}
}

func TestEncodeDecode(t *testing.T) {
	in := []float32{1, -0.5, 3}
	for _, dt := range []DType{F32, F16} {
		b, err := Encode(dt, in)
		if err != nil {
			t.Fatal(err)
		}
		got, err := Decode(dt, b, len(in))
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(in, got); diff != "" {
			t.Fatalf("%s mismatch (-want +got):\n%s", dt, diff)
		}
	}
	if _, err := Encode(Q4, in); err == nil {
		t.Fatal("expected error encoding q4 from floats")
	}
}
