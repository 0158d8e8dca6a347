package main

import (
	"fmt"
	"log"

	"nano-batch-go/nanobatch"
)

func main() {
	// Create a config (using current directory as model path for demo)
	// In production, this would be a real model directory
	config := nanobatch.NewConfig(
		".",
		nanobatch.WithMaxNumSeqs(512),
		nanobatch.WithMaxNumBatchedTokens(16384),
		nanobatch.WithPrefillChunkSize(512),
	)

	// Create LLM engine with mock components
	llm := nanobatch.NewLLM(config)
	defer llm.Close()

	// Set up sampling parameters
	samplingParams := nanobatch.NewSamplingParams(
		nanobatch.WithTemperature(0.6),
		nanobatch.WithMaxTokens(256),
	)

	// Prompts to generate
	prompts := []string{
		"Hello, Nano-Batch-Go!",
		"What is the meaning of life?",
		"Explain quantum computing in simple terms.",
	}

	fmt.Println("Starting generation...")
	fmt.Println()

	// Generate outputs
	outputs, err := llm.GenerateSimple(prompts, samplingParams, true)
	if err != nil {
		log.Fatalf("Generation failed: %v", err)
	}

	// Print results
	fmt.Println("\nResults:")
	fmt.Println("========")
	for i, output := range outputs {
		fmt.Printf("\nPrompt %d: %s\n", i+1, prompts[i])
		fmt.Printf("Output: %s\n", output.Text)
		fmt.Printf("Tokens: %d\n", len(output.TokenIDs))
		fmt.Printf("Done: %s\n", output.DoneReason)
	}
}
