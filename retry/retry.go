// Package retry computes backoff delays for activity retry attempts.
// A Policy is attached to an activity at registration time, persisted with
// each scheduled task, and consulted by the worker whenever an attempt fails
// or times out.
package retry

import (
	"math"
	"math/rand"
	"time"
)

// Strategy selects how the retry interval grows across attempts.
type Strategy string

const (
	// StrategyExponential multiplies the interval by BackoffCoefficient
	// after every attempt.
	StrategyExponential Strategy = "exponential"
	// StrategyLinear grows the interval by InitialInterval per attempt.
	StrategyLinear Strategy = "linear"
)

// Policy controls retry behavior for activities. The zero value disables
// retries entirely (a single attempt, no backoff).
type Policy struct {
	// InitialInterval is the delay before the first retry.
	InitialInterval time.Duration `json:"initial_interval" yaml:"initial_interval"`
	// BackoffCoefficient multiplies the delay after each retry. Values < 1
	// are treated as 1 (constant backoff). Ignored by StrategyLinear.
	BackoffCoefficient float64 `json:"backoff_coefficient" yaml:"backoff_coefficient"`
	// MaximumInterval caps the computed delay. Zero means no cap.
	MaximumInterval time.Duration `json:"maximum_interval" yaml:"maximum_interval"`
	// MaximumAttempts caps the total number of attempts, including the
	// first. Zero or one means no retries.
	MaximumAttempts int `json:"maximum_attempts" yaml:"maximum_attempts"`
	// Jitter adds +/- the given fraction of randomness to the computed
	// delay. A value of 0.1 spreads delays by up to 10% either way.
	Jitter float64 `json:"jitter" yaml:"jitter"`
	// Strategy selects exponential or linear growth. Empty means exponential.
	Strategy Strategy `json:"strategy" yaml:"strategy"`
}

// Default returns the policy applied to activities registered without an
// explicit one: a single attempt, with the usual backoff intervals in place
// should the caller raise MaximumAttempts. Unlimited retries are not
// expressible; an activity that must retry states its budget.
func Default() Policy {
	return Policy{
		InitialInterval:    time.Second,
		BackoffCoefficient: 2.0,
		MaximumInterval:    time.Minute,
		MaximumAttempts:    1,
		Strategy:           StrategyExponential,
	}
}

// ShouldRetry reports whether another attempt is allowed after the given
// 1-based attempt number failed.
func (p Policy) ShouldRetry(attempt int) bool {
	return attempt < p.MaximumAttempts
}

// Backoff computes the delay before the retry following the given 1-based
// attempt number. The result is never negative.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	initial := float64(p.InitialInterval)
	var interval float64
	switch p.Strategy {
	case StrategyLinear:
		interval = initial * float64(attempt)
	default:
		coeff := p.BackoffCoefficient
		if coeff < 1 {
			coeff = 1
		}
		interval = initial * math.Pow(coeff, float64(attempt-1))
	}
	if p.MaximumInterval > 0 && interval > float64(p.MaximumInterval) {
		interval = float64(p.MaximumInterval)
	}
	if p.Jitter > 0 {
		delta := interval * p.Jitter
		interval += delta * (rand.Float64()*2 - 1) //nolint:gosec // jitter doesn't need crypto rand
	}
	if interval < 0 {
		return 0
	}
	return time.Duration(interval)
}
