package tensor

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestNew(t *testing.T) {
	if _, err := New([]int{2, 3}, make([]float64, 5)); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch, got %v", err)
	}

	if _, err := New([]int{2, 0}, nil); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch for zero dimension, got %v", err)
	}

	tt, err := New([]int{2, 3}, []float64{1, 2, 3, 4, 5, 6})
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]int{2, 3}, tt.Shape()); diff != "" {
		t.Errorf("shape mismatch (-want +got):\n%s", diff)
	}

	// Shape returns a copy
	tt.Shape()[0] = 9
	if tt.Dim(0) != 2 {
		t.Errorf("Shape leaked internal state")
	}
}

func TestArithmetic(t *testing.T) {
	a, _ := New([]int{1, 3}, []float64{1, 2, 3})
	b, _ := New([]int{1, 3}, []float64{0.5, 0.5, 0.5})

	d, err := Sub(a, b)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]float64{0.5, 1.5, 2.5}, d.Data()); diff != "" {
		t.Errorf("Sub mismatch (-want +got):\n%s", diff)
	}

	if err := a.AddScaled(2, b); err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]float64{2, 3, 4}, a.Data()); diff != "" {
		t.Errorf("AddScaled mismatch (-want +got):\n%s", diff)
	}

	a.Scale(0.5)
	if diff := cmp.Diff([]float64{1, 1.5, 2}, a.Data()); diff != "" {
		t.Errorf("Scale mismatch (-want +got):\n%s", diff)
	}

	c := Zeros(3, 1)
	if err := a.AddScaled(1, c); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch, got %v", err)
	}
}

func TestBatching(t *testing.T) {
	x, _ := New([]int{1, 2, 2}, []float64{1, 2, 3, 4})

	r, err := x.Repeat(2)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]int{2, 2, 2}, r.Shape()); diff != "" {
		t.Errorf("Repeat shape mismatch (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff([]float64{1, 2, 3, 4, 1, 2, 3, 4}, r.Data()); diff != "" {
		t.Errorf("Repeat data mismatch (-want +got):\n%s", diff)
	}

	if _, err := r.Repeat(2); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch repeating a batch of 2, got %v", err)
	}

	b1, err := r.Batch(1)
	if err != nil {
		t.Fatal(err)
	}

	b1.Data()[0] = 42
	if r.Data()[4] != 42 {
		t.Errorf("Batch should share memory with its parent")
	}

	if _, err := r.Batch(2); err == nil {
		t.Errorf("expected out of range error")
	}

	y, _ := New([]int{1, 2, 2}, []float64{5, 6, 7, 8})
	c, err := Concat(x, y)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]float64{1, 2, 3, 4, 5, 6, 7, 8}, c.Data()); diff != "" {
		t.Errorf("Concat mismatch (-want +got):\n%s", diff)
	}

	if _, err := Concat(x, Zeros(1, 4)); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch, got %v", err)
	}
}

func TestCodec(t *testing.T) {
	x, _ := New([]int{1, 4}, []float64{0, 1.5, -2.25, 1024})

	cases := []DType{F32, F16, BF16}
	for _, dtype := range cases {
		t.Run(string(dtype), func(t *testing.T) {
			b, err := Encode(x, dtype)
			if err != nil {
				t.Fatal(err)
			}

			if len(b) != x.Len()*dtype.Size() {
				t.Fatalf("encoded %d bytes, want %d", len(b), x.Len()*dtype.Size())
			}

			y, err := Decode(x.Shape(), dtype, b)
			if err != nil {
				t.Fatal(err)
			}

			// every value above is exactly representable in all three encodings
			if diff := cmp.Diff(x.Data(), y.Data(), cmpopts.EquateApprox(0, 1e-6)); diff != "" {
				t.Errorf("decoded mismatch (-want +got):\n%s", diff)
			}
		})
	}

	if _, err := Decode([]int{1, 4}, F32, make([]byte, 15)); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch, got %v", err)
	}

	if _, err := Encode(x, "q4_0"); err == nil {
		t.Errorf("expected unknown dtype error")
	}
}

func TestReshape(t *testing.T) {
	x, _ := New([]int{2, 3}, []float64{1, 2, 3, 4, 5, 6})

	y, err := x.Reshape(1, 2, 3)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]int{1, 2, 3}, y.Shape()); diff != "" {
		t.Errorf("shape mismatch (-want +got):\n%s", diff)
	}

	y.Data()[5] = 0
	if x.Data()[5] != 0 {
		t.Errorf("Reshape should share memory")
	}

	if _, err := x.Reshape(4, 2); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch, got %v", err)
	}
}
