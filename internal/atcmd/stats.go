package atcmd

import "time"

// Stats summarises finished transactions.
type Stats struct {
	Transactions  uint64  `json:"transactions"`
	Succeeded     uint64  `json:"succeeded"`
	Failed        uint64  `json:"failed"`
	TimedOut      uint64  `json:"timed_out"`
	Canceled      uint64  `json:"canceled"`
	LastCommand   string  `json:"last_command,omitempty"`
	LastOutcome   string  `json:"last_outcome,omitempty"`
	LastElapsedMS float64 `json:"last_elapsed_ms"`
	MaxElapsedMS  float64 `json:"max_elapsed_ms"`
	AvgElapsedMS  float64 `json:"avg_elapsed_ms"`
}

type stats struct {
	n, ok, failed, timeout, canceled uint64
	lastCmd, lastOutcome             string
	last, max, total                 time.Duration
}

func (s *stats) record(cmd, outcome string, d time.Duration) {
	s.n++
	switch outcome {
	case OutcomeOK:
		s.ok++
	case OutcomeTimeout:
		s.timeout++
	case OutcomeCanceled:
		s.canceled++
	default:
		s.failed++
	}
	s.lastCmd, s.lastOutcome = cmd, outcome
	s.last = d
	s.total += d
	if d > s.max {
		s.max = d
	}
}

func ms(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }

func (c *Channel) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	out := Stats{
		Transactions:  s.n,
		Succeeded:     s.ok,
		Failed:        s.failed,
		TimedOut:      s.timeout,
		Canceled:      s.canceled,
		LastCommand:   s.lastCmd,
		LastOutcome:   s.lastOutcome,
		LastElapsedMS: ms(s.last),
		MaxElapsedMS:  ms(s.max),
	}
	if s.n > 0 {
		out.AvgElapsedMS = ms(s.total / time.Duration(s.n))
	}
	return out
}
