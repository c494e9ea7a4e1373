package room

import (
	"context"
	"time"

	"github.com/echoroom/voicerelay/backend/audio"
)

// readiness of the mixing cycle's WaitingForBatch state.
type readiness int

const (
	// notReady: no participants, or some unmuted participant's queue is
	// still short of a full batch.
	notReady readiness = iota
	// allMuted: participants exist but every one of them is muted.
	allMuted
	// batchReady: every unmuted participant holds at least one full batch.
	batchReady
)

// Run drives the mixing cycle until the room's context is canceled, which
// happens only when the directory deletes the room. One bad cycle is
// recovered and logged; it never terminates the loop.
func (r *Room) Run(ctx context.Context) {
	r.logger.Debug().Msg("mixing cycle started")
	defer r.logger.Debug().Msg("mixing cycle stopped")
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		r.cycle(ctx)
	}
}

// cycle is one pass through WaitingForBatch -> Draining -> Mixing ->
// Broadcasting. Panics are contained here so the next pass starts clean.
func (r *Room) cycle(ctx context.Context) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error().Any("panic", p).Msg("mixing cycle recovered")
		}
	}()

	for {
		switch r.readiness() {
		case batchReady:
			r.mixOnce()
			return
		case allMuted:
			// Everyone muted: keep the output stream alive with silence,
			// paced at the real-time duration one batch occupies so the
			// loop does not free-spin.
			r.broadcastSilence()
			t := time.NewTimer(r.cfg.BatchDuration())
			select {
			case <-ctx.Done():
				t.Stop()
			case <-t.C:
			}
			return
		default:
			select {
			case <-ctx.Done():
				return
			case <-r.notify:
			}
		}
	}
}

func (r *Room) readiness() readiness {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.readinessLocked()
}

func (r *Room) readinessLocked() readiness {
	if len(r.members) == 0 {
		return notReady
	}
	unmuted := 0
	for _, m := range r.members {
		if m.muted {
			continue
		}
		unmuted++
		if m.queue.depth() < r.cfg.BatchSize {
			return notReady
		}
	}
	if unmuted == 0 {
		return allMuted
	}
	return batchReady
}

// mixOnce drains one batch per unmuted participant, mixes, and unicasts the
// personalized payload to every participant. Reports whether a batch
// actually fired; it re-checks readiness under the lock since pushes and
// detaches may have raced the caller's check.
func (r *Room) mixOnce() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.readinessLocked() != batchReady {
		return false
	}

	// Draining: exactly one batch per unmuted participant, all or nothing.
	drained := make(map[uint32][]byte, len(r.members))
	for id, m := range r.members {
		if m.muted {
			continue
		}
		drained[id] = m.queue.popBatch(r.cfg.BatchSize)
	}

	// Mixing: widened sum once, then two personalized renders per member.
	var withSelf []byte
	var sum []int32
	if len(drained) == 0 {
		withSelf = audio.Silence(r.cfg.BatchBytes())
	} else {
		buffers := make([][]byte, 0, len(drained))
		for _, b := range drained {
			buffers = append(buffers, b)
		}
		sum = audio.Sum(buffers)
		withSelf = audio.Render(sum, r.cfg.Gain)
	}

	// Broadcasting: first half is the mix including the recipient's own
	// voice (for client-side recording), second half excludes it (for
	// playback). A slow participant loses this payload, nobody else does.
	for id, m := range r.members {
		withoutSelf := withSelf
		if own, ok := drained[id]; ok && sum != nil {
			withoutSelf = audio.RenderWithout(sum, own, r.cfg.Gain)
		}
		payload := make([]byte, 0, len(withSelf)+len(withoutSelf))
		payload = append(payload, withSelf...)
		payload = append(payload, withoutSelf...)
		r.sendLocked(m, payload)
	}
	return true
}

func (r *Room) broadcastSilence() {
	r.mu.Lock()
	defer r.mu.Unlock()
	payload := audio.Silence(2 * r.cfg.BatchBytes())
	for _, m := range r.members {
		r.sendLocked(m, payload)
	}
}

func (r *Room) sendLocked(m *member, payload []byte) {
	if m.gone {
		return
	}
	select {
	case m.tx <- payload:
	default:
		r.logger.Debug().
			Uint32("participant", m.id).
			Msg("outbound channel full, payload dropped")
	}
}
