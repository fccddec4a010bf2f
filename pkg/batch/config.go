package batch

import (
	"fmt"
	"time"

	"github.com/Sternrassler/inat-orders/pkg/inat"
)

// Config holds batch fetcher configuration.
type Config struct {
	// BatchSize is the number of ids per batch call (1..200).
	BatchSize int
	// MaxRetries is the number of retries after the first attempt of any call.
	MaxRetries int
	// RetryDelay is the backoff before the first retry; it doubles per retry.
	RetryDelay time.Duration
	// MaxRetryDelay caps the backoff.
	MaxRetryDelay time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		BatchSize:     inat.MaxBatchSize,
		MaxRetries:    3,
		RetryDelay:    2 * time.Second,
		MaxRetryDelay: 60 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.BatchSize < 1 || c.BatchSize > inat.MaxBatchSize {
		return fmt.Errorf("batch size must be between 1 and %d (got %d)", inat.MaxBatchSize, c.BatchSize)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must be >= 0 (got %d)", c.MaxRetries)
	}
	if c.RetryDelay <= 0 {
		return fmt.Errorf("retry delay must be > 0 (got %s)", c.RetryDelay)
	}
	if c.MaxRetryDelay < c.RetryDelay {
		return fmt.Errorf("max retry delay %s must be >= retry delay %s", c.MaxRetryDelay, c.RetryDelay)
	}
	return nil
}

// Chunks splits ids into consecutive chunks of at most size ids, keeping
// order. It yields ceil(len(ids)/size) chunks.
func Chunks(ids []int64, size int) [][]int64 {
	if size < 1 {
		size = 1
	}
	chunks := make([][]int64, 0, (len(ids)+size-1)/size)
	for start := 0; start < len(ids); start += size {
		end := min(start+size, len(ids))
		chunks = append(chunks, ids[start:end:end])
	}
	return chunks
}
