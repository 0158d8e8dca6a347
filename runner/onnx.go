// Package runner provides ONNX Runtime backed model execution for the
// batching engine.
package runner

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	ort "github.com/yalue/onnxruntime_go"

	"nano-batch-go/nanobatch"
)

// ONNXRunner implements nanobatch.ModelRunner using ONNX Runtime. Each
// forward pass consumes a context's active window only; the KV state for
// earlier positions is assumed to live in the session's cache inputs.
type ONNXRunner struct {
	modelPath   string
	config      *nanobatch.Config
	vocabSize   int
	eosTokenID  int
	temperature float64
	initialized bool
}

// NewONNXRunner creates a new ONNX-based model runner
func NewONNXRunner(modelPath string, config *nanobatch.Config, vocabSize, eosTokenID int) (*ONNXRunner, error) {
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX runtime: %w", err)
		}
	}

	return &ONNXRunner{
		modelPath:   modelPath,
		config:      config,
		vocabSize:   vocabSize,
		eosTokenID:  eosTokenID,
		temperature: 1.0,
		initialized: true,
	}, nil
}

// SetTemperature sets the sampling temperature for subsequent passes
func (m *ONNXRunner) SetTemperature(t float64) {
	m.temperature = t
}

// Run executes inference over the contexts' active windows
func (m *ONNXRunner) Run(ctxs []nanobatch.InputContext, isPrefill bool) ([]nanobatch.Prediction, error) {
	if !m.initialized {
		return nil, fmt.Errorf("model runner not initialized")
	}
	if len(ctxs) == 0 {
		return nil, fmt.Errorf("no contexts to process")
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer options.Destroy()

	if err := options.SetIntraOpNumThreads(4); err != nil {
		return nil, fmt.Errorf("failed to set threads: %w", err)
	}

	preds := make([]nanobatch.Prediction, len(ctxs))

	for i, ctx := range ctxs {
		window := ctx.NextTokens()
		if len(window) == 0 {
			return nil, fmt.Errorf("context for slot %d has an empty active window", ctx.CacheSlotID())
		}

		inputShape := ort.NewShape(1, int64(len(window)))
		inputData := make([]int64, len(window))
		for j, id := range window {
			inputData[j] = int64(id)
		}

		inputTensor, err := ort.NewTensor(inputShape, inputData)
		if err != nil {
			return nil, fmt.Errorf("failed to create input tensor: %w", err)
		}
		defer inputTensor.Destroy()

		outputShape := ort.NewShape(1, int64(len(window)), int64(m.vocabSize))
		outputData := make([]float32, len(window)*m.vocabSize)
		outputTensor, err := ort.NewTensor(outputShape, outputData)
		if err != nil {
			return nil, fmt.Errorf("failed to create output tensor: %w", err)
		}
		defer outputTensor.Destroy()

		session, err := ort.NewAdvancedSession(
			m.modelPath,
			[]string{"input_ids"},
			[]string{"logits"},
			[]ort.Value{inputTensor},
			[]ort.Value{outputTensor},
			options,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create session: %w", err)
		}
		defer session.Destroy()

		if err := session.Run(); err != nil {
			return nil, fmt.Errorf("inference failed: %w", err)
		}

		logits := outputTensor.GetData()
		lastTokenStart := (len(window) - 1) * m.vocabSize
		lastTokenLogits := logits[lastTokenStart : lastTokenStart+m.vocabSize]

		probs := softmax(lastTokenLogits, m.temperature)
		tokenID := sampleToken(probs)

		preds[i] = nanobatch.Prediction{
			Token: tokenID,
			IsEOS: tokenID == m.eosTokenID,
		}

		if n := ctx.LogProbCount(); n > 0 {
			preds[i].LogProbs = topLogProbs(probs, tokenID, n)
		}
	}

	return preds, nil
}

// softmax converts logits to probabilities with temperature scaling
func softmax(logits []float32, temperature float64) []float64 {
	maxLogit := logits[0]
	for _, logit := range logits {
		if logit > maxLogit {
			maxLogit = logit
		}
	}

	var sumExp float64
	probs := make([]float64, len(logits))
	for i, logit := range logits {
		probs[i] = math.Exp(float64(logit-maxLogit) / temperature)
		sumExp += probs[i]
	}

	for i := range probs {
		probs[i] /= sumExp
	}
	return probs
}

// sampleToken samples a token from the categorical distribution
func sampleToken(probs []float64) int {
	r := rand.Float64()
	var cumProb float64
	for i, prob := range probs {
		cumProb += prob
		if r <= cumProb {
			return i
		}
	}
	return len(probs) - 1
}

// topLogProbs extracts the sampled token's log probability and the top n
// candidates at that position
func topLogProbs(probs []float64, sampled, n int) *nanobatch.LogProbabilities {
	type cand struct {
		token int
		prob  float64
	}

	cands := make([]cand, len(probs))
	for i, p := range probs {
		cands[i] = cand{token: i, prob: p}
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].prob > cands[j].prob })

	if n > len(cands) {
		n = len(cands)
	}

	top := make(map[int]float64, n)
	for _, c := range cands[:n] {
		top[c.token] = math.Log(c.prob)
	}

	return &nanobatch.LogProbabilities{
		TokenLogProb: math.Log(probs[sampled]),
		TopLogProbs:  top,
	}
}

// Close cleans up resources
func (m *ONNXRunner) Close() error {
	m.initialized = false
	return nil
}
