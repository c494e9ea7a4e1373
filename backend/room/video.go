package room

import (
	"context"
	"sync"

	"github.com/echoroom/voicerelay/backend/model"
	"github.com/rs/zerolog"
)

// VideoRoom is the audio Room's lighter sibling: no queues, no batching, no
// mute logic. Each participant has a single latest-frame slot that inbound
// frames overwrite (last-write-wins, stale frames are dropped by design).
// The broadcast loop fires whenever every current slot is filled and sends
// each participant the other participants' frames tagged by sender id.
type VideoRoom struct {
	name   string
	logger zerolog.Logger

	mu      sync.Mutex
	members map[uint32]*videoMember
	nextID  uint32

	notify chan struct{}
}

type videoMember struct {
	id    uint32
	name  string
	kind  string
	frame []byte
	tx    chan []byte
	gone  bool
}

func NewVideo(name string, logger *zerolog.Logger) *VideoRoom {
	return &VideoRoom{
		name:    name,
		logger:  logger.With().Str("component", "video-room").Str("room", name).Logger(),
		members: make(map[uint32]*videoMember),
		notify:  make(chan struct{}, 1),
	}
}

func (v *VideoRoom) Name() string { return v.name }

// Attach adds a participant with an empty frame slot.
func (v *VideoRoom) Attach(name, kind string) *Handle {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.nextID++
	m := &videoMember{
		id:   v.nextID,
		name: name,
		kind: kind,
		tx:   make(chan []byte, txDepth),
	}
	v.members[m.id] = m

	v.logger.Info().
		Uint32("participant", m.id).
		Str("name", name).
		Str("kind", kind).
		Int("total", len(v.members)).
		Msg("participant attached")
	return &Handle{ID: m.id, Out: m.tx}
}

// Detach clears the participant's slot and tells everyone else to retire its
// rendering surface.
func (v *VideoRoom) Detach(id uint32) {
	v.mu.Lock()
	m, ok := v.members[id]
	if ok {
		delete(v.members, id)
		m.gone = true
		close(m.tx)
		notice := model.EncodeVideoLeave(id)
		for _, other := range v.members {
			v.sendLocked(other, notice)
		}
	}
	v.mu.Unlock()

	if !ok {
		return
	}
	v.signal()
	v.logger.Info().Uint32("participant", id).Msg("participant detached")
}

// DetachAll force-leaves every participant. Used when the room is deleted.
func (v *VideoRoom) DetachAll() {
	v.mu.Lock()
	for id, m := range v.members {
		delete(v.members, id)
		m.gone = true
		close(m.tx)
	}
	v.mu.Unlock()
	v.signal()
}

// Participants reports the current member count.
func (v *VideoRoom) Participants() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.members)
}

// SetFrame overwrites the participant's slot with its newest frame.
func (v *VideoRoom) SetFrame(id uint32, frame []byte) error {
	v.mu.Lock()
	m, ok := v.members[id]
	if !ok {
		v.mu.Unlock()
		return ErrUnknownParticipant
	}
	m.frame = frame
	v.mu.Unlock()

	v.signal()
	return nil
}

// Run drives the broadcast loop until the room's context is canceled.
func (v *VideoRoom) Run(ctx context.Context) {
	v.logger.Debug().Msg("broadcast loop started")
	defer v.logger.Debug().Msg("broadcast loop stopped")
	for {
		select {
		case <-ctx.Done():
			return
		case <-v.notify:
			v.broadcastOnce()
		}
	}
}

// broadcastOnce fans out everyone's latest frame to everyone else once all
// current slots are filled, then clears the slots for the next round.
// Reports whether a round fired.
func (v *VideoRoom) broadcastOnce() bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	if len(v.members) == 0 {
		return false
	}
	for _, m := range v.members {
		if len(m.frame) == 0 {
			return false
		}
	}

	for _, dst := range v.members {
		for _, src := range v.members {
			if src.id == dst.id {
				continue
			}
			v.sendLocked(dst, model.EncodeVideoFrame(src.id, src.frame))
		}
	}
	for _, m := range v.members {
		m.frame = nil
	}
	return true
}

func (v *VideoRoom) sendLocked(m *videoMember, msg []byte) {
	if m.gone {
		return
	}
	select {
	case m.tx <- msg:
	default:
		v.logger.Debug().
			Uint32("participant", m.id).
			Msg("outbound channel full, frame dropped")
	}
}

func (v *VideoRoom) signal() {
	select {
	case v.notify <- struct{}{}:
	default:
	}
}
