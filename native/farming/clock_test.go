package farming

import "testing"

func TestAdvanceClock(t *testing.T) {
	const s = NanosPerSecond
	tests := []struct {
		name       string
		now        uint64
		start      uint64
		last       uint64
		interval   uint64
		staked     bool
		sessions   uint64
		checkpoint uint64
	}{
		{name: "before start", now: 5 * s, start: 10 * s, last: 10 * s, interval: s, staked: true, sessions: 0, checkpoint: 10 * s},
		{name: "before start unstaked", now: 5 * s, start: 10 * s, last: 10 * s, interval: s, staked: false, sessions: 0, checkpoint: 10 * s},
		{name: "unstaked forfeits idle time", now: 95 * s, start: 0, last: 3 * s, interval: 10 * s, staked: false, sessions: 0, checkpoint: 95 * s},
		{name: "partial session", now: 9 * s, start: 0, last: 0, interval: 10 * s, staked: true, sessions: 0, checkpoint: 0},
		{name: "partial remainder carried", now: 25 * s, start: 0, last: 0, interval: 10 * s, staked: true, sessions: 2, checkpoint: 20 * s},
		{name: "exact multiple", now: 30 * s, start: 0, last: 0, interval: 10 * s, staked: true, sessions: 3, checkpoint: 30 * s},
		{name: "same instant", now: 30 * s, start: 0, last: 30 * s, interval: 10 * s, staked: true, sessions: 0, checkpoint: 30 * s},
		{name: "zero interval", now: 30 * s, start: 0, last: 10 * s, interval: 0, staked: true, sessions: 0, checkpoint: 10 * s},
		{name: "at start", now: 10 * s, start: 10 * s, last: 10 * s, interval: s, staked: true, sessions: 0, checkpoint: 10 * s},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tick := AdvanceClock(tc.now, tc.start, tc.last, tc.interval, tc.staked)
			if tick.Sessions != tc.sessions {
				t.Fatalf("sessions: expected %d, got %d", tc.sessions, tick.Sessions)
			}
			if tick.Checkpoint != tc.checkpoint {
				t.Fatalf("checkpoint: expected %d, got %d", tc.checkpoint, tick.Checkpoint)
			}
			if tc.now >= tc.start && tick.Checkpoint > tc.now {
				t.Fatalf("checkpoint %d ahead of now %d", tick.Checkpoint, tc.now)
			}
		})
	}
}

func TestAdvanceClockSplitCallsMatchSingleCall(t *testing.T) {
	const interval = 7 * NanosPerSecond
	single := AdvanceClock(100*NanosPerSecond, 0, 0, interval, true)

	var (
		last     uint64
		sessions uint64
	)
	for _, now := range []uint64{3, 15, 15, 40, 41, 99, 100} {
		tick := AdvanceClock(now*NanosPerSecond, 0, last, interval, true)
		sessions += tick.Sessions
		last = tick.Checkpoint
	}
	if sessions != single.Sessions || last != single.Checkpoint {
		t.Fatalf("split updates drifted: sessions %d/%d checkpoint %d/%d", sessions, single.Sessions, last, single.Checkpoint)
	}
}
