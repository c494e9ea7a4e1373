// Package directory is the top-level registry of rooms. It owns room
// lifecycles: creating a room starts its mixing cycle and video broadcast
// loop, deleting it cancels them and force-leaves everyone. Rooms are never
// deleted implicitly; an empty room persists until an explicit delete so
// participants can rejoin without recreating it.
package directory

import (
	"context"
	"errors"
	"sync"

	"github.com/echoroom/voicerelay/backend/config"
	"github.com/echoroom/voicerelay/backend/room"
	"github.com/rs/zerolog"
)

var (
	ErrRoomExists   = errors.New("room already exists")
	ErrRoomNotFound = errors.New("room is not found")
)

type entry struct {
	audio  *room.Room
	video  *room.VideoRoom
	cancel context.CancelFunc
}

type Directory struct {
	cfg    config.Audio
	logger zerolog.Logger

	mx    sync.Mutex
	rooms map[string]*entry
}

func New(cfg config.Audio, logger *zerolog.Logger) *Directory {
	return &Directory{
		cfg:    cfg,
		logger: logger.With().Str("component", "directory").Logger(),
		rooms:  make(map[string]*entry),
	}
}

// Create allocates a room (and its video sibling) under the given name and
// starts both loops. Fails with ErrRoomExists if the name is taken.
func (d *Directory) Create(name string) error {
	d.mx.Lock()
	defer d.mx.Unlock()

	if _, ok := d.rooms[name]; ok {
		return ErrRoomExists
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &entry{
		audio:  room.New(name, d.cfg, &d.logger),
		video:  room.NewVideo(name, &d.logger),
		cancel: cancel,
	}
	d.rooms[name] = e
	go e.audio.Run(ctx)
	go e.video.Run(ctx)

	d.logger.Info().Str("room", name).Msg("room created")
	return nil
}

// List returns the current room names in no particular order.
func (d *Directory) List() []string {
	d.mx.Lock()
	defer d.mx.Unlock()

	names := make([]string, 0, len(d.rooms))
	for name := range d.rooms {
		names = append(names, name)
	}
	return names
}

// Delete cancels the room's loops and force-leaves all participants. Fails
// with ErrRoomNotFound if the name is absent.
func (d *Directory) Delete(name string) error {
	d.mx.Lock()
	e, ok := d.rooms[name]
	if ok {
		delete(d.rooms, name)
	}
	d.mx.Unlock()

	if !ok {
		return ErrRoomNotFound
	}
	e.cancel()
	e.audio.DetachAll()
	e.video.DetachAll()

	d.logger.Info().Str("room", name).Msg("room deleted")
	return nil
}

// Join resolves the audio room for attachment. The room must have been
// created explicitly.
func (d *Directory) Join(name string) (*room.Room, error) {
	d.mx.Lock()
	defer d.mx.Unlock()

	e, ok := d.rooms[name]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return e.audio, nil
}

// JoinVideo resolves the video room for attachment.
func (d *Directory) JoinVideo(name string) (*room.VideoRoom, error) {
	d.mx.Lock()
	defer d.mx.Unlock()

	e, ok := d.rooms[name]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return e.video, nil
}

// Close deletes every room. Shutdown path only.
func (d *Directory) Close() {
	d.mx.Lock()
	entries := make([]*entry, 0, len(d.rooms))
	for name, e := range d.rooms {
		entries = append(entries, e)
		delete(d.rooms, name)
	}
	d.mx.Unlock()

	for _, e := range entries {
		e.cancel()
		e.audio.DetachAll()
		e.video.DetachAll()
	}
}
