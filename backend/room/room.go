// Package room implements the per-room state machines: the audio Room with
// its jitter queues, mute registry and mixing cycle, and the lighter
// VideoRoom with its latest-frame slots and broadcast loop.
//
// All mutation of a room's queues and mute flags is serialized through the
// room's own mutex; pushes originate from many connection goroutines while
// the mixing cycle is the sole consumer.
package room

import (
	"errors"
	"sync"

	"github.com/echoroom/voicerelay/backend/audio"
	"github.com/echoroom/voicerelay/backend/config"
	"github.com/rs/zerolog"
)

// txDepth is the per-participant outbound channel capacity. A participant
// whose sender goroutine stalls for more than txDepth cycles starts losing
// payloads; the cycle itself never blocks on a slow receiver.
const txDepth = 8

var ErrUnknownParticipant = errors.New("participant is not attached to this room")

// Handle is what a connection holds after attaching: its assigned id and the
// outbound message stream to drain into the socket. The channel is closed on
// detach.
type Handle struct {
	ID  uint32
	Out <-chan []byte
}

type member struct {
	id    uint32
	name  string
	queue *chunkQueue
	muted bool
	tx    chan []byte
	gone  bool // set on detach; guards against sends after tx is closed
}

// Room owns one audio call: the participant set, one jitter queue per
// participant, the mute registry, and the mixing cycle started via Run.
// Rooms are created and deleted explicitly by the directory; an empty room
// keeps running until deleted.
type Room struct {
	name   string
	cfg    config.Audio
	logger zerolog.Logger

	mu      sync.Mutex
	members map[uint32]*member
	nextID  uint32

	// notify wakes the mixing cycle after a push, mute or detach changed
	// the readiness predicate. Buffered so signals coalesce.
	notify chan struct{}
}

func New(name string, cfg config.Audio, logger *zerolog.Logger) *Room {
	return &Room{
		name:    name,
		cfg:     cfg,
		logger:  logger.With().Str("component", "room").Str("room", name).Logger(),
		members: make(map[uint32]*member),
		notify:  make(chan struct{}, 1),
	}
}

func (r *Room) Name() string { return r.name }

// Attach adds a participant with an empty queue and mute cleared.
func (r *Room) Attach(name string) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	m := &member{
		id:    r.nextID,
		name:  name,
		queue: newChunkQueue(r.cfg.MaxQueueChunks()),
		tx:    make(chan []byte, txDepth),
	}
	r.members[m.id] = m

	r.logger.Info().
		Uint32("participant", m.id).
		Str("name", name).
		Int("total", len(r.members)).
		Msg("participant attached")
	return &Handle{ID: m.id, Out: m.tx}
}

// Detach removes the participant's queue and mute entry and closes its
// outbound channel. The room itself persists even when this leaves it empty.
func (r *Room) Detach(id uint32) {
	r.mu.Lock()
	m, ok := r.members[id]
	if ok {
		delete(r.members, id)
		m.gone = true
		close(m.tx)
	}
	total := len(r.members)
	r.mu.Unlock()

	if !ok {
		return
	}
	r.signal()
	r.logger.Info().
		Uint32("participant", id).
		Int("total", total).
		Msg("participant detached")
}

// DetachAll force-leaves every participant. Used when the room is deleted.
func (r *Room) DetachAll() {
	r.mu.Lock()
	for id, m := range r.members {
		delete(r.members, id)
		m.gone = true
		close(m.tx)
	}
	r.mu.Unlock()
	r.signal()
}

// Participants reports the current member count.
func (r *Room) Participants() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// Push appends one audio chunk to the participant's jitter queue. A push
// from a muted participant first unmutes it: the queue is pre-filled with
// whole batches of silence until its depth matches the average depth of the
// other unmuted queues, so the batch readiness check stays time-aligned
// without special-casing freshly-unmuted participants.
func (r *Room) Push(id uint32, chunk []byte) error {
	r.mu.Lock()
	m, ok := r.members[id]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownParticipant
	}
	if m.muted {
		m.muted = false
		fill := r.resyncFillLocked(m)
		for i := 0; i < fill; i++ {
			m.queue.push(audio.Silence(r.cfg.ChunkBytes()))
		}
		if fill > 0 {
			r.logger.Debug().
				Uint32("participant", id).
				Int("chunks", fill).
				Msg("unmuted, queue resynced with silence")
		}
	}
	dropped := m.queue.push(chunk)
	r.mu.Unlock()

	if dropped {
		r.logger.Debug().Uint32("participant", id).Msg("queue full, oldest chunk dropped")
	}
	r.signal()
	return nil
}

// resyncFillLocked picks the silence pre-fill for a freshly-unmuted member:
// N*k chunks where k brings the queue depth to within one batch of the
// average depth of the other unmuted queues.
func (r *Room) resyncFillLocked(m *member) int {
	var total, count int
	for _, other := range r.members {
		if other.id == m.id || other.muted {
			continue
		}
		total += other.queue.depth()
		count++
	}
	if count == 0 {
		return 0
	}
	k := (total / count) / r.cfg.BatchSize
	return k * r.cfg.BatchSize
}

// Mute discards everything the participant has queued (it is stale by the
// time it would be unmuted) and excludes it from the batch readiness check.
// Muting an already-muted participant is a no-op.
func (r *Room) Mute(id uint32) error {
	r.mu.Lock()
	m, ok := r.members[id]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownParticipant
	}
	m.muted = true
	discarded := m.queue.clear()
	r.mu.Unlock()

	r.logger.Debug().
		Uint32("participant", id).
		Int("discarded", discarded).
		Msg("participant muted")
	r.signal()
	return nil
}

// Muted reports the participant's mute flag.
func (r *Room) Muted(id uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[id]
	return ok && m.muted
}

// QueueDepth reports the participant's current queue depth in chunks.
func (r *Room) QueueDepth(id uint32) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.members[id]; ok {
		return m.queue.depth()
	}
	return 0
}

func (r *Room) signal() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}
