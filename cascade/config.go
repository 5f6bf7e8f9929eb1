package cascade

import (
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the cascade-scoped configuration, validated with
// go-playground/validator struct tags the way the rest of the pack validates
// request DTOs and service config at construction time.
type Config struct {
	// EnableRequestCoalescing, if false, makes every cache miss run its own
	// factory call rather than sharing one with concurrent callers.
	EnableRequestCoalescing bool

	CoalescingTimeout time.Duration `validate:"required,gt=0"`
	MaxUploadQueueBytes int64       `validate:"required,gt=0"`

	BloomEstimatedItems     uint64        `validate:"required,gt=0"`
	BloomFalsePositiveRate  float64       `validate:"required,gt=0,lt=1"`
	BloomSlots              int           `validate:"required,gt=0"`
	BloomRotationInterval   time.Duration `validate:"required,gt=0"`
	// BloomRotationInserts, when nonzero, additionally rotates the filter
	// after this many Add calls since the last rotation (count-based
	// trigger alongside the time-based one).
	BloomRotationInserts uint64

	// OnCacheEvent receives a synchronous notification for every cache
	// outcome; defaults to a Prometheus-backed sink (see events.go) when
	// left nil.
	OnCacheEvent func(Event)
}

// DefaultConfig returns sane defaults for all numeric fields, leaving
// EnableRequestCoalescing on and OnCacheEvent nil (resolved to the
// Prometheus sink by New).
func DefaultConfig() Config {
	return Config{
		EnableRequestCoalescing: true,
		CoalescingTimeout:       5 * time.Second,
		MaxUploadQueueBytes:     64 * 1024 * 1024,
		BloomEstimatedItems:     100_000,
		BloomFalsePositiveRate:  0.01,
		BloomSlots:              4,
		BloomRotationInterval:   10 * time.Minute,
	}
}

var validate = validator.New()

func (c Config) validateConfig() error {
	return validate.Struct(c)
}
