package nanobatch

import "testing"

func TestVisionContextCreation(t *testing.T) {
	pixels := [][]float32{{0.1, 0.2}, {0.3, 0.4}}
	args := map[string]any{"image_grid": []int{2, 2}}

	ctx, err := NewTextAndVisionContext(3, []int{1, 2, 3}, pixels, args)
	if err != nil {
		t.Fatalf("NewTextAndVisionContext failed: %v", err)
	}

	if len(ctx.PixelValues()) != 2 {
		t.Errorf("Expected 2 pixel inputs, got %d", len(ctx.PixelValues()))
	}

	if ctx.ExtraModelArgs()["image_grid"] == nil {
		t.Errorf("Expected extra model args to be retained")
	}

	if ctx.CurrentLength() != 3 {
		t.Errorf("Expected current length 3, got %d", ctx.CurrentLength())
	}
}

func TestVisionContextConsumesPixelsOnce(t *testing.T) {
	pixels := [][]float32{{0.1, 0.2}}
	ctx, err := NewTextAndVisionContext(3, []int{1, 2, 3}, pixels, nil)
	if err != nil {
		t.Fatalf("NewTextAndVisionContext failed: %v", err)
	}

	if err := ctx.Update(42, nil, false); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	// The image is encoded during the initial pass and must not be resent
	if ctx.PixelValues() != nil {
		t.Errorf("Expected pixel inputs cleared after first update")
	}

	if err := ctx.Update(43, nil, false); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	if ctx.PixelValues() != nil {
		t.Errorf("Expected pixel inputs to stay cleared")
	}
}

func TestVisionContextGrammarErrorKeepsPixels(t *testing.T) {
	pixels := [][]float32{{0.1}}
	ctx, err := NewTextAndVisionContext(3, []int{1, 2, 3}, pixels, nil)
	if err != nil {
		t.Fatalf("NewTextAndVisionContext failed: %v", err)
	}
	ctx.SetMatcher(&stubMatcher{reject: true})

	if err := ctx.Update(42, nil, false); err == nil {
		t.Fatalf("Expected grammar error")
	}

	// A failed update terminates the request anyway, but the variant must
	// not clear state the base update did not commit to.
	if ctx.PixelValues() == nil {
		t.Errorf("Expected pixel inputs untouched on failed update")
	}
}
