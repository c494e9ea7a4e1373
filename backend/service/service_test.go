package service

import (
	"testing"

	"github.com/echoroom/voicerelay/backend/config"
	"github.com/echoroom/voicerelay/backend/directory"
	"github.com/echoroom/voicerelay/backend/model"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService() (*Service, *directory.Directory) {
	logger := zerolog.Nop()
	dir := directory.New(config.Default(), &logger)
	return New(Config{Directory: dir, Logger: &logger}), dir
}

func TestControlReplies(t *testing.T) {
	svc, dir := newTestService()
	defer dir.Close()

	assert.Equal(t, "", svc.Control(model.Command{Verb: model.VerbList}))
	assert.Equal(t, ReplyCreated, svc.Control(model.Command{Verb: model.VerbCreate, Room: "demo"}))
	assert.Equal(t, ReplyExists, svc.Control(model.Command{Verb: model.VerbCreate, Room: "demo"}))
	assert.Equal(t, "demo", svc.Control(model.Command{Verb: model.VerbList}))
	assert.Equal(t, ReplyDeleted, svc.Control(model.Command{Verb: model.VerbDelete, Room: "demo"}))
	assert.Equal(t, ReplyNotFound, svc.Control(model.Command{Verb: model.VerbDelete, Room: "demo"}))
}

func TestJoinAndLeave(t *testing.T) {
	svc, dir := newTestService()
	defer dir.Close()

	_, _, err := svc.Join("ghost", "alice")
	assert.ErrorIs(t, err, directory.ErrRoomNotFound)

	require.NoError(t, dir.Create("demo"))
	rm, h, err := svc.Join("demo", "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, rm.Participants())

	require.NoError(t, svc.Leave("demo", h.ID))
	assert.Equal(t, 0, rm.Participants())

	assert.ErrorIs(t, svc.Leave("ghost", h.ID), directory.ErrRoomNotFound)
}

func TestJoinVideo(t *testing.T) {
	svc, dir := newTestService()
	defer dir.Close()

	_, _, err := svc.JoinVideo(model.VideoJoin{Room: "ghost"})
	assert.ErrorIs(t, err, directory.ErrRoomNotFound)

	require.NoError(t, dir.Create("demo"))
	vr, _, err := svc.JoinVideo(model.VideoJoin{Room: "demo", Name: "alice", Kind: "camera"})
	require.NoError(t, err)
	assert.Equal(t, 1, vr.Participants())
}
