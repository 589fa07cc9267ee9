package sip

import (
	"encoding/json"
	"log/slog"
	"time"

	"braces.dev/errtrace"
)

// Default values of the base SIP timers (RFC 3261 Appendix A).
const (
	// T1 is the RTT estimate.
	T1 = 500 * time.Millisecond
	// T2 is the maximum retransmit interval for non-INVITE requests and INVITE responses.
	T2 = 4 * time.Second
	// T4 is the maximum duration a message remains in the network.
	T4 = 5 * time.Second
	// TimeD is the wait time for response retransmits in the client INVITE transaction.
	TimeD = 32 * time.Second
	// Time100 is the delay of the automatic 100 Trying sent by the server INVITE transaction.
	Time100 = 200 * time.Millisecond
)

// TimingConfig holds the base timer values.
// Zero fields mean the defaults [T1], [T2], [T4], [TimeD] and [Time100].
// Timers A to K are derived from them.
type TimingConfig struct {
	t1, t2, t4,
	timeD,
	time100 time.Duration
}

// NewTimings creates a timing config with the given base values.
func NewTimings(t1, t2, t4, timeD, time100 time.Duration) TimingConfig {
	return TimingConfig{t1, t2, t4, timeD, time100}
}

func (c TimingConfig) T1() time.Duration {
	if c.t1 <= 0 {
		return T1
	}
	return c.t1
}

func (c TimingConfig) T2() time.Duration {
	if c.t2 <= 0 {
		return T2
	}
	return c.t2
}

func (c TimingConfig) T4() time.Duration {
	if c.t4 <= 0 {
		return T4
	}
	return c.t4
}

func (c TimingConfig) TimeD() time.Duration {
	if c.timeD <= 0 {
		return TimeD
	}
	return c.timeD
}

func (c TimingConfig) Time100() time.Duration {
	if c.time100 <= 0 {
		return Time100
	}
	return c.time100
}

// TimeA is the initial INVITE retransmit interval.
func (c TimingConfig) TimeA() time.Duration { return c.T1() }

// TimeB is the INVITE client transaction timeout.
func (c TimingConfig) TimeB() time.Duration { return 64 * c.T1() }

// TimeE is the initial non-INVITE retransmit interval.
func (c TimingConfig) TimeE() time.Duration { return c.T1() }

// TimeF is the non-INVITE client transaction timeout.
func (c TimingConfig) TimeF() time.Duration { return 64 * c.T1() }

// TimeG is the initial INVITE final response retransmit interval.
func (c TimingConfig) TimeG() time.Duration { return c.T1() }

// TimeH is the wait time for ACK receipt.
func (c TimingConfig) TimeH() time.Duration { return 64 * c.T1() }

// TimeI is the wait time for ACK retransmits.
func (c TimingConfig) TimeI() time.Duration { return c.T4() }

// TimeJ is the wait time for non-INVITE request retransmits.
func (c TimingConfig) TimeJ() time.Duration { return 64 * c.T1() }

// TimeK is the wait time for non-INVITE response retransmits.
func (c TimingConfig) TimeK() time.Duration { return c.T4() }

// nextRetransmit returns the interval following cur, doubled and capped at T2 when capped is set.
func (c TimingConfig) nextRetransmit(cur time.Duration, capped bool) time.Duration {
	next := 2 * cur
	if capped && next > c.T2() {
		next = c.T2()
	}
	return next
}

// IsZero reports whether all base values are defaults.
func (c TimingConfig) IsZero() bool {
	return c.t1 == 0 && c.t2 == 0 && c.t4 == 0 && c.timeD == 0 && c.time100 == 0
}

func (c TimingConfig) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Duration("t1", c.T1()),
		slog.Duration("t2", c.T2()),
		slog.Duration("t4", c.T4()),
		slog.Duration("time_d", c.TimeD()),
		slog.Duration("time_100", c.Time100()),
	)
}

type timingConfData struct {
	T1      time.Duration `json:"t1,omitempty"`
	T2      time.Duration `json:"t2,omitempty"`
	T4      time.Duration `json:"t4,omitempty"`
	TimeD   time.Duration `json:"time_d,omitempty"`
	Time100 time.Duration `json:"time_100,omitempty"`
}

func (c TimingConfig) MarshalJSON() ([]byte, error) {
	return errtrace.Wrap2(json.Marshal(timingConfData{c.t1, c.t2, c.t4, c.timeD, c.time100}))
}

func (c *TimingConfig) UnmarshalJSON(data []byte) error {
	var d timingConfData
	if err := json.Unmarshal(data, &d); err != nil {
		return errtrace.Wrap(err)
	}
	*c = NewTimings(d.T1, d.T2, d.T4, d.TimeD, d.Time100)
	return nil
}
