package dlq

import (
	"encoding/json"
	"time"
)

// StrategyKind selects how retry delays grow with the attempt count.
type StrategyKind string

const (
	StrategyImmediate   StrategyKind = "immediate"
	StrategyLinear      StrategyKind = "linear"
	StrategyExponential StrategyKind = "exponential"
	StrategyCustom      StrategyKind = "custom"
)

// DelayFunc computes a custom delay from the retry count.
type DelayFunc func(retryCount uint32) time.Duration

// Strategy computes the delay before the next retry attempt. The zero value
// behaves as an exponential strategy with the default base and cap.
type Strategy struct {
	Kind StrategyKind
	// LinearStep is the per-attempt increment for linear backoff.
	LinearStep time.Duration
	// ExpBase and ExpCap bound exponential backoff: base * 2^n, capped.
	ExpBase time.Duration
	ExpCap  time.Duration
	// Custom is consulted only for StrategyCustom. Not persisted.
	Custom DelayFunc
}

// strategyJSON is the persisted form; durations are stored as milliseconds.
type strategyJSON struct {
	Kind         StrategyKind `json:"kind,omitempty"`
	LinearStepMs int64        `json:"linear_step_ms,omitempty"`
	ExpBaseMs    int64        `json:"exp_base_ms,omitempty"`
	ExpCapMs     int64        `json:"exp_cap_ms,omitempty"`
}

func (s Strategy) MarshalJSON() ([]byte, error) {
	return json.Marshal(strategyJSON{
		Kind:         s.Kind,
		LinearStepMs: s.LinearStep.Milliseconds(),
		ExpBaseMs:    s.ExpBase.Milliseconds(),
		ExpCapMs:     s.ExpCap.Milliseconds(),
	})
}

func (s *Strategy) UnmarshalJSON(data []byte) error {
	var raw strategyJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	s.Kind = raw.Kind
	s.LinearStep = time.Duration(raw.LinearStepMs) * time.Millisecond
	s.ExpBase = time.Duration(raw.ExpBaseMs) * time.Millisecond
	s.ExpCap = time.Duration(raw.ExpCapMs) * time.Millisecond
	return nil
}

// Defaults per the retry policy: linear 10s per attempt, exponential
// 5s doubling capped at 300s.
const (
	defaultLinearStep = 10 * time.Second
	defaultExpBase    = 5 * time.Second
	defaultExpCap     = 300 * time.Second
)

// Delay returns the wait before retry attempt retryCount (1-based).
func (s Strategy) Delay(retryCount uint32) time.Duration {
	switch s.Kind {
	case StrategyImmediate:
		return 0
	case StrategyLinear:
		step := s.LinearStep
		if step <= 0 {
			step = defaultLinearStep
		}
		return time.Duration(retryCount) * step
	case StrategyCustom:
		if s.Custom != nil {
			return s.Custom(retryCount)
		}
		return 0
	default: // exponential
		base := s.ExpBase
		if base <= 0 {
			base = defaultExpBase
		}
		ceiling := s.ExpCap
		if ceiling <= 0 {
			ceiling = defaultExpCap
		}
		d := base
		for i := uint32(0); i < retryCount; i++ {
			d *= 2
			if d >= ceiling {
				return ceiling
			}
		}
		if d > ceiling {
			return ceiling
		}
		return d
	}
}
