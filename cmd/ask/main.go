package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"nano-batch-go/constrain"
	"nano-batch-go/nanobatch"
	"nano-batch-go/runner"
	"nano-batch-go/tokenizer"
)

func main() {
	modelPath := flag.String("model", "./models/model.onnx", "Path to the ONNX model file")
	tokenizerPath := flag.String("tokenizer", "./models/tokenizer.json", "Path to tokenizer.json")
	prompt := flag.String("prompt", "", "Prompt text (required)")
	maxTokens := flag.Int("max-tokens", 100, "Maximum number of tokens to generate")
	temperature := flag.Float64("temperature", 0.7, "Sampling temperature")
	vocabSize := flag.Int("vocab-size", 32000, "Model vocabulary size")
	eosToken := flag.Int("eos", 2, "EOS token ID")
	jsonOutput := flag.Bool("json", false, "Constrain the output to valid JSON")
	logProbs := flag.Int("logprobs", 0, "Report the top n log probabilities per token")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	flag.Parse()

	if *prompt == "" {
		fmt.Fprintln(os.Stderr, "Error: -prompt is required")
		flag.Usage()
		os.Exit(1)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	config := nanobatch.NewConfig(
		*modelPath,
		nanobatch.WithEOS(*eosToken),
		nanobatch.WithMaxNumSeqs(1),
	)

	tk, err := tokenizer.NewHF(*tokenizerPath, *eosToken)
	if err != nil {
		slog.Error("failed to load tokenizer", "error", err)
		os.Exit(1)
	}
	defer tk.Close()

	modelRunner, err := runner.NewONNXRunner(*modelPath, config, *vocabSize, *eosToken)
	if err != nil {
		slog.Error("failed to create model runner", "error", err)
		os.Exit(1)
	}
	modelRunner.SetTemperature(*temperature)

	engine := nanobatch.NewLLMEngine(config, modelRunner, tk)
	defer engine.Close()

	engine.SetMatcherFactory(func(schema string) (nanobatch.GrammarMatcher, error) {
		return constrain.NewJSONMatcher(schema, tk.DecodeToken)
	})

	opts := []nanobatch.SamplingOption{
		nanobatch.WithTemperature(*temperature),
		nanobatch.WithMaxTokens(*maxTokens),
	}
	if *jsonOutput {
		opts = append(opts, nanobatch.WithSchema(`{}`))
	}
	if *logProbs > 0 {
		opts = append(opts, nanobatch.WithTopLogProbs(*logProbs))
	}

	outputs, err := engine.Generate([]interface{}{*prompt}, nanobatch.NewSamplingParams(opts...), false)
	if err != nil {
		slog.Error("generation failed", "error", err)
		os.Exit(1)
	}

	out := outputs[0]
	fmt.Println(out.Text)

	if out.DoneReason == "error" {
		slog.Error("request terminated abnormally")
		os.Exit(1)
	}

	if *logProbs > 0 {
		for i, lp := range out.LogProbs {
			if lp == nil {
				continue
			}
			slog.Debug("token log probability",
				"position", i, "token", out.TokenIDs[i], "logprob", lp.TokenLogProb)
		}
	}
}
