package nanobatch

import "fmt"

// Config holds the configuration for the batching engine
type Config struct {
	Model               string
	MaxNumBatchedTokens int
	MaxNumSeqs          int
	MaxModelLen         int
	PrefillChunkSize    int
	EOS                 int
	KVPageSize          int
	NumKVPages          int
}

// ConfigOption is a functional option for Config
type ConfigOption func(*Config)

// NewConfig creates a new Config with default values
func NewConfig(modelPath string, opts ...ConfigOption) *Config {
	c := &Config{
		Model:               modelPath,
		MaxNumBatchedTokens: 16384,
		MaxNumSeqs:          512,
		MaxModelLen:         4096,
		PrefillChunkSize:    512,
		EOS:                 -1,
		KVPageSize:          256,
		NumKVPages:          -1,
	}

	for _, opt := range opts {
		opt(c)
	}

	if err := c.validate(); err != nil {
		panic(err)
	}

	return c
}

// validate checks if the configuration is valid
func (c *Config) validate() error {
	if c.MaxNumSeqs < 1 {
		return fmt.Errorf("max_num_seqs must be at least 1")
	}

	if c.KVPageSize < ChunkSize || c.KVPageSize%ChunkSize != 0 {
		return fmt.Errorf("kv_page_size must be a positive multiple of %d", ChunkSize)
	}

	if c.PrefillChunkSize < 1 {
		return fmt.Errorf("prefill_chunk_size must be at least 1")
	}

	if c.MaxNumBatchedTokens < c.PrefillChunkSize {
		return fmt.Errorf("max_num_batched_tokens must be >= prefill_chunk_size")
	}

	if c.MaxNumBatchedTokens < c.MaxModelLen {
		return fmt.Errorf("max_num_batched_tokens must be >= max_model_len")
	}

	return nil
}

// WithMaxNumBatchedTokens sets the maximum number of batched tokens
func WithMaxNumBatchedTokens(n int) ConfigOption {
	return func(c *Config) {
		c.MaxNumBatchedTokens = n
	}
}

// WithMaxNumSeqs sets the maximum number of concurrently running sequences
func WithMaxNumSeqs(n int) ConfigOption {
	return func(c *Config) {
		c.MaxNumSeqs = n
	}
}

// WithMaxModelLen sets the maximum model context length
func WithMaxModelLen(n int) ConfigOption {
	return func(c *Config) {
		c.MaxModelLen = n
	}
}

// WithPrefillChunkSize sets the per-iteration prompt chunk width
func WithPrefillChunkSize(n int) ConfigOption {
	return func(c *Config) {
		c.PrefillChunkSize = n
	}
}

// WithEOS sets the EOS token ID
func WithEOS(id int) ConfigOption {
	return func(c *Config) {
		c.EOS = id
	}
}

// WithKVPageSize sets the KV cache page size
func WithKVPageSize(n int) ConfigOption {
	return func(c *Config) {
		c.KVPageSize = n
	}
}

// WithNumKVPages sets the number of KV cache pages
func WithNumKVPages(n int) ConfigOption {
	return func(c *Config) {
		c.NumKVPages = n
	}
}
