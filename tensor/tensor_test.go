package tensor

import "testing"

func TestNewValidatesShape(t *testing.T) {
	if _, err := New([]int{2, 2}, []float64{1, 2, 3}); err == nil {
		t.Error("Expected error for data/shape mismatch")
	}
	if _, err := New([]int{0, 2}, nil); err == nil {
		t.Error("Expected error for zero dimension")
	}
	if _, err := Zeros(nil); err == nil {
		t.Error("Expected error for empty shape")
	}

	x, err := New([]int{2, 3}, []float64{1, 2, 3, 4, 5, 6})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if x.NumElems != 6 {
		t.Errorf("Expected 6 elements, got %d", x.NumElems)
	}
	row := x.Row(1)
	if len(row) != 3 || row[0] != 4 || row[2] != 6 {
		t.Errorf("Unexpected row 1: %v", row)
	}
	if x.Row(2) != nil {
		t.Error("Expected nil for out of range row")
	}
}

func TestGradHelpers(t *testing.T) {
	p := MustParameter("w", 4)
	if !p.RequiresGrad {
		t.Error("New parameters must be trainable")
	}
	g := p.EnsureGrad()
	if len(g) != 4 {
		t.Fatalf("Expected grad length 4, got %d", len(g))
	}
	g[2] = 3
	p.ZeroGrad()
	if p.Grad[2] != 0 {
		t.Error("ZeroGrad did not clear the buffer")
	}
}

func TestCountElements(t *testing.T) {
	a := MustParameter("a", 2, 3)
	b := MustParameter("b", 5)
	b.RequiresGrad = false

	params := []*Parameter{a, b}
	if n := CountElements(params, false); n != 11 {
		t.Errorf("Expected 11 elements, got %d", n)
	}
	if n := CountElements(params, true); n != 6 {
		t.Errorf("Expected 6 trainable elements, got %d", n)
	}
	if !SameShape(a.Shape, []int{2, 3}) || SameShape(a.Shape, b.Shape) {
		t.Error("SameShape returned the wrong answer")
	}
}
