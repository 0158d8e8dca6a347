package nanobatch

// LogProbabilities holds the log probability data computed for a single
// sampled token. TopLogProbs maps token ID to log probability for the top N
// candidates at that position, where N is the context's requested count.
type LogProbabilities struct {
	TokenLogProb float64
	TopLogProbs  map[int]float64
}

// CompletionToken is one client-visible generated token drained from a
// context's completion window. LogProbs is nil for positions that were never
// scored.
type CompletionToken struct {
	Token    int
	LogProbs *LogProbabilities
}
