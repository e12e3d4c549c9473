package session

import (
	"github.com/cenkalti/backoff/v5"
)

// ExponentialBackOff converts the retry policy into a backoff.BackOff.
func (cfg BackoffConfig) ExponentialBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if cfg.InitialDelay > 0 {
		b.InitialInterval = cfg.InitialDelay
	}
	if cfg.Multiplier >= 1.0 {
		b.Multiplier = cfg.Multiplier
	}
	if cfg.MaxDelay > 0 {
		b.MaxInterval = cfg.MaxDelay
	}
	if !cfg.Jitter {
		b.RandomizationFactor = 0
	}
	b.Reset()
	return b
}
