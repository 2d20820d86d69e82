// Package stream fans engine events out to metrics, websocket subscribers
// and an optional redis stream.
package stream

import (
	"strconv"
	"strings"

	"github.com/holiman/uint256"

	"yieldfarm/core/events"
	"yieldfarm/core/types"
	"yieldfarm/native/farming"
	"yieldfarm/observability/metrics"
)

type payloadEvent interface {
	Event() *types.Event
}

// Payload extracts the structured payload carried by evt, if any.
func Payload(evt events.Event) (*types.Event, bool) {
	if evt == nil {
		return nil, false
	}
	carrier, ok := evt.(payloadEvent)
	if !ok {
		return nil, false
	}
	payload := carrier.Event()
	return payload, payload != nil
}

// Fanout delivers every event to each sink in order.
type Fanout struct {
	sinks []events.Emitter
}

// NewFanout skips nil sinks.
func NewFanout(sinks ...events.Emitter) *Fanout {
	out := &Fanout{}
	for _, sink := range sinks {
		if sink != nil {
			out.sinks = append(out.sinks, sink)
		}
	}
	return out
}

func (f *Fanout) Emit(evt events.Event) {
	if f == nil {
		return
	}
	for _, sink := range f.sinks {
		sink.Emit(evt)
	}
}

// MetricsObserver counts events by type and records the rounding dust
// reported by accrual events.
type MetricsObserver struct{}

func (MetricsObserver) Emit(evt events.Event) {
	if evt == nil {
		return
	}
	m := metrics.Farming()
	m.ObserveEvent(evt.EventType())
	if evt.EventType() != farming.EventTypeFarmAccrued {
		return
	}
	payload, ok := Payload(evt)
	if !ok {
		return
	}
	farmID := payload.Attributes["farmId"]
	assets := splitList(payload.Attributes["rewardAssets"])
	for i, raw := range splitList(payload.Attributes["dust"]) {
		dust, err := uint256.FromDecimal(raw)
		if err != nil || dust.IsZero() {
			continue
		}
		asset := "slot" + strconv.Itoa(i)
		if i < len(assets) {
			asset = assets[i]
		}
		m.AddRoundingDust(farmID, asset, dust.Float64())
	}
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	return strings.Split(raw, ",")
}
