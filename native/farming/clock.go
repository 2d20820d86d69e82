package farming

// Tick is the outcome of advancing a farm's accrual clock.
type Tick struct {
	Sessions   uint64
	Checkpoint uint64
}

// AdvanceClock computes how many whole sessions have elapsed since the last
// checkpoint and where the checkpoint moves to. Before the start time the
// checkpoint is left alone. With nothing staked the idle time is forfeited
// and the checkpoint jumps to now. Partial sessions stay behind the
// checkpoint so they are credited by a later call.
func AdvanceClock(now, startTime, lastCheckpoint, interval uint64, staked bool) Tick {
	if now < startTime {
		return Tick{Checkpoint: lastCheckpoint}
	}
	if !staked {
		return Tick{Checkpoint: now}
	}
	if interval == 0 || now <= lastCheckpoint {
		return Tick{Checkpoint: min(lastCheckpoint, now)}
	}
	sessions := (now - lastCheckpoint) / interval
	checkpoint := lastCheckpoint + sessions*interval
	if checkpoint > now {
		checkpoint = now
	}
	return Tick{Sessions: sessions, Checkpoint: checkpoint}
}
