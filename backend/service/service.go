// Package service glues the connection handlers to the room directory: it
// executes control commands and manages join/leave sessions for both the
// audio and video endpoints.
package service

import (
	"errors"
	"strings"

	"github.com/echoroom/voicerelay/backend/directory"
	"github.com/echoroom/voicerelay/backend/model"
	"github.com/echoroom/voicerelay/backend/room"
	"github.com/rs/zerolog"
)

// Textual replies for control commands.
const (
	ReplyCreated  = "created"
	ReplyExists   = "already exists"
	ReplyDeleted  = "deleted"
	ReplyNotFound = "not found"
)

var (
	ErrJoin  = errors.New("unable to join room")
	ErrLeave = errors.New("unable to leave room")
)

type Service struct {
	dir    *directory.Directory
	logger zerolog.Logger
}

type Config struct {
	Directory *directory.Directory
	Logger    *zerolog.Logger
}

func New(cfg Config) *Service {
	return &Service{
		dir:    cfg.Directory,
		logger: cfg.Logger.With().Str("component", "service").Logger(),
	}
}

// Control executes a LIST, CREATE or DELETE command and renders the reply
// sent back to the requester. Directory errors are the only user-visible
// errors in the system; everything else stays local to a connection or room.
func (svc *Service) Control(cmd model.Command) string {
	switch cmd.Verb {
	case model.VerbList:
		return strings.Join(svc.dir.List(), ",")
	case model.VerbCreate:
		if err := svc.dir.Create(cmd.Room); err != nil {
			return ReplyExists
		}
		return ReplyCreated
	case model.VerbDelete:
		if err := svc.dir.Delete(cmd.Room); err != nil {
			return ReplyNotFound
		}
		return ReplyDeleted
	}
	return ""
}

// Join attaches a participant to an audio room. The room must already exist.
func (svc *Service) Join(roomName, displayName string) (*room.Room, *room.Handle, error) {
	rm, err := svc.dir.Join(roomName)
	if err != nil {
		return nil, nil, errors.Join(ErrJoin, err)
	}
	h := rm.Attach(displayName)
	svc.logger.Debug().
		Str("room", roomName).
		Uint32("participant", h.ID).
		Msg("audio session joined")
	return rm, h, nil
}

// Leave detaches a participant from an audio room.
func (svc *Service) Leave(roomName string, id uint32) error {
	rm, err := svc.dir.Join(roomName)
	if err != nil {
		return errors.Join(ErrLeave, err)
	}
	rm.Detach(id)
	svc.logger.Debug().
		Str("room", roomName).
		Uint32("participant", id).
		Msg("audio session left")
	return nil
}

// JoinVideo attaches a participant to a video room.
func (svc *Service) JoinVideo(join model.VideoJoin) (*room.VideoRoom, *room.Handle, error) {
	vr, err := svc.dir.JoinVideo(join.Room)
	if err != nil {
		return nil, nil, errors.Join(ErrJoin, err)
	}
	h := vr.Attach(join.Name, join.Kind)
	svc.logger.Debug().
		Str("room", join.Room).
		Str("kind", join.Kind).
		Uint32("participant", h.ID).
		Msg("video session joined")
	return vr, h, nil
}
