package slp

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sethvargo/go-envconfig"
)

// Config holds the recognized options from the external-interfaces section
// of the design: the tunables that govern window capacity, flow-control
// hysteresis, liveness polling and NACK debouncing, and the wire CRC
// polynomial. Zero-value Config is not usable; build one with
// DefaultConfig or LoadConfigFromEnv and call Validate.
type Config struct {
	// MaxPayload bounds a single producer submission in bytes.
	MaxPayload int `env:"SLP_MAX_PAYLOAD,default=65536"`
	// NMax is the window and reorder-buffer capacity, in entries.
	NMax int `env:"SLP_N_MAX,default=32768"`
	// Tolerance is the hysteresis margin: primary_wait engages once
	// |window| >= NMax-Tolerance.
	Tolerance int `env:"SLP_TOLERANCE,default=4096"`
	// RestartLimit is the lower hysteresis threshold: primary_wait clears
	// once |window| <= RestartLimit.
	RestartLimit int `env:"SLP_RESTART_LIMIT,default=1024"`

	// PollPeriod is how often the poll loop wakes to check for a stall.
	PollPeriod time.Duration `env:"SLP_POLL_PERIOD,default=1ms"`
	// PollCheckTime is the settle window used to confirm the oldest
	// outstanding sequence hasn't moved (roughly 3x one-way transit).
	PollCheckTime time.Duration `env:"SLP_POLL_CHECK_TIME,default=30ms"`
	// PollAckTimeout is the number of poll-loop cycles a poll is given to
	// be acknowledged before it's considered lost.
	PollAckTimeout uint32 `env:"SLP_POLL_ACK_TIMEOUT,default=5"`

	// NackCheckDelay is the spacing between consecutive NACK-generator
	// samples.
	NackCheckDelay time.Duration `env:"SLP_NACK_CHECK_DELAY,default=5ms"`
	// NackCheckLimit is how many consecutive non-empty samples are
	// required before a hole is NACKed.
	NackCheckLimit int `env:"SLP_NACK_CHECK_LIMIT,default=3"`
	// NackRetransLimit is how many NACK-generator iterations elapse
	// before a persistent hole's suppression is cleared and it is
	// re-NACKed.
	NackRetransLimit int `env:"SLP_NACK_RETRANS_LIMIT,default=50"`

	// CRCPolynomial selects the 8-bit polynomial driving the CRC table.
	// Wire compatibility requires both peers agree on this value; the
	// protocol's historical default is 0xD8.
	CRCPolynomial byte `env:"SLP_CRC_POLYNOMIAL,default=216"`
}

// DefaultConfig returns production-scale defaults matching the constants
// named in the external-interfaces section.
func DefaultConfig() Config {
	return Config{
		MaxPayload:       65536,
		NMax:             32768,
		Tolerance:        4096,
		RestartLimit:     1024,
		PollPeriod:       time.Millisecond,
		PollCheckTime:    30 * time.Millisecond,
		PollAckTimeout:   5,
		NackCheckDelay:   5 * time.Millisecond,
		NackCheckLimit:   3,
		NackRetransLimit: 50,
		CRCPolynomial:    0xD8,
	}
}

// LoadConfigFromEnv loads Config from the process environment, using the
// struct tags' own defaults (matching DefaultConfig) for anything unset.
func LoadConfigFromEnv(ctx context.Context) (Config, error) {
	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations that would deadlock or misbehave:
// hysteresis thresholds that don't actually bound the window, or
// non-positive sizes/timings.
func (c Config) Validate() error {
	var result *multierror.Error
	if c.MaxPayload <= 0 {
		result = multierror.Append(result, fmt.Errorf("MaxPayload must be positive, got %d", c.MaxPayload))
	}
	if c.NMax <= 0 {
		result = multierror.Append(result, fmt.Errorf("NMax must be positive, got %d", c.NMax))
	}
	if c.Tolerance < 0 || c.Tolerance >= c.NMax {
		result = multierror.Append(result, fmt.Errorf("Tolerance must be in [0, NMax), got %d (NMax=%d)", c.Tolerance, c.NMax))
	}
	if c.RestartLimit < 0 || c.RestartLimit > c.NMax-c.Tolerance {
		result = multierror.Append(result, fmt.Errorf("RestartLimit must be in [0, NMax-Tolerance], got %d (NMax-Tolerance=%d)", c.RestartLimit, c.NMax-c.Tolerance))
	}
	if c.PollPeriod <= 0 {
		result = multierror.Append(result, fmt.Errorf("PollPeriod must be positive"))
	}
	if c.PollCheckTime <= 0 {
		result = multierror.Append(result, fmt.Errorf("PollCheckTime must be positive"))
	}
	if c.PollAckTimeout == 0 {
		result = multierror.Append(result, fmt.Errorf("PollAckTimeout must be positive"))
	}
	if c.NackCheckDelay <= 0 {
		result = multierror.Append(result, fmt.Errorf("NackCheckDelay must be positive"))
	}
	if c.NackCheckLimit <= 0 {
		result = multierror.Append(result, fmt.Errorf("NackCheckLimit must be positive"))
	}
	if c.NackRetransLimit <= 0 {
		result = multierror.Append(result, fmt.Errorf("NackRetransLimit must be positive"))
	}
	return result.ErrorOrNil()
}
