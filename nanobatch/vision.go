package nanobatch

// TextAndVisionContext extends TextContext with auxiliary encoded model
// inputs, e.g. image embeddings produced by a vision tower. The auxiliary
// inputs are consumed exactly once during context encoding and must not be
// resent on later iterations.
type TextAndVisionContext struct {
	*TextContext

	pixelValues    [][]float32
	extraModelArgs map[string]any
}

// NewTextAndVisionContext creates a multimodal context. pixelValues and
// extraModelArgs are supplied once at construction and handed to the model
// runner alongside the first prompt pass.
func NewTextAndVisionContext(cacheSlotID int, tokens []int, pixelValues [][]float32, extraModelArgs map[string]any, opts ...ContextOption) (*TextAndVisionContext, error) {
	base, err := NewTextContext(cacheSlotID, tokens, opts...)
	if err != nil {
		return nil, err
	}

	return &TextAndVisionContext{
		TextContext:    base,
		pixelValues:    pixelValues,
		extraModelArgs: extraModelArgs,
	}, nil
}

// PixelValues returns the auxiliary encoded inputs. Valid only while
// non-empty; after the first update they are gone.
func (c *TextAndVisionContext) PixelValues() [][]float32 { return c.pixelValues }

// ExtraModelArgs returns extra named arguments for the model runner.
func (c *TextAndVisionContext) ExtraModelArgs() map[string]any { return c.extraModelArgs }

// Update advances the sequence and clears the auxiliary inputs so the same
// image is not re-encoded on subsequent steps. No image tokens are expected
// after context encoding.
func (c *TextAndVisionContext) Update(token int, logProbs *LogProbabilities, isEOS bool) error {
	if err := c.TextContext.Update(token, logProbs, isEOS); err != nil {
		return err
	}

	c.pixelValues = nil
	return nil
}
