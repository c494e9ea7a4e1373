package room

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/echoroom/voicerelay/backend/model"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestVideoRoom() *VideoRoom {
	logger := zerolog.Nop()
	return NewVideo("test", &logger)
}

func recvVideo(t *testing.T, h *Handle) (tag byte, sender uint32, frame []byte) {
	t.Helper()
	select {
	case msg, ok := <-h.Out:
		require.True(t, ok, "outbound channel closed")
		require.GreaterOrEqual(t, len(msg), model.VideoHeaderSize)
		return msg[0], binary.BigEndian.Uint32(msg[1:]), msg[model.VideoHeaderSize:]
	default:
		t.Fatal("no video message delivered")
		return 0, 0, nil
	}
}

func TestVideoBroadcastWaitsForAllSlots(t *testing.T) {
	v := newTestVideoRoom()
	a := v.Attach("a", "camera")
	v.Attach("b", "camera")

	require.NoError(t, v.SetFrame(a.ID, []byte("frame-a")))
	assert.False(t, v.broadcastOnce(), "one slot still empty")
}

func TestVideoBroadcastExcludesOwnFrame(t *testing.T) {
	v := newTestVideoRoom()
	a := v.Attach("a", "camera")
	b := v.Attach("b", "camera")
	c := v.Attach("c", "screen")

	require.NoError(t, v.SetFrame(a.ID, []byte("frame-a")))
	require.NoError(t, v.SetFrame(b.ID, []byte("frame-b")))
	require.NoError(t, v.SetFrame(c.ID, []byte("frame-c")))
	require.True(t, v.broadcastOnce())

	got := map[uint32][]byte{}
	for i := 0; i < 2; i++ {
		tag, sender, frame := recvVideo(t, a)
		assert.Equal(t, model.VideoFrameTag, tag)
		got[sender] = frame
	}
	assert.Equal(t, []byte("frame-b"), got[b.ID])
	assert.Equal(t, []byte("frame-c"), got[c.ID])
	assert.NotContains(t, got, a.ID, "never receives own frame")

	// Slots were cleared; the next round waits for fresh frames.
	assert.False(t, v.broadcastOnce())
}

func TestVideoOverwriteLastWriteWins(t *testing.T) {
	v := newTestVideoRoom()
	a := v.Attach("a", "camera")
	b := v.Attach("b", "camera")

	require.NoError(t, v.SetFrame(a.ID, []byte("stale")))
	require.NoError(t, v.SetFrame(a.ID, []byte("fresh")))
	require.NoError(t, v.SetFrame(b.ID, []byte("frame-b")))
	require.True(t, v.broadcastOnce())

	_, sender, frame := recvVideo(t, b)
	assert.Equal(t, a.ID, sender)
	assert.Equal(t, []byte("fresh"), frame)
}

func TestVideoDetachBroadcastsLeaveNotice(t *testing.T) {
	v := newTestVideoRoom()
	a := v.Attach("a", "camera")
	b := v.Attach("b", "camera")

	v.Detach(a.ID)

	tag, sender, frame := recvVideo(t, b)
	assert.Equal(t, model.VideoLeaveTag, tag)
	assert.Equal(t, a.ID, sender)
	assert.Empty(t, frame)

	_, ok := <-a.Out
	assert.False(t, ok, "leaver's channel closed")
	assert.Equal(t, 1, v.Participants())
}

func TestVideoSetFrameAfterDetachRejected(t *testing.T) {
	v := newTestVideoRoom()
	a := v.Attach("a", "camera")
	v.Detach(a.ID)
	assert.ErrorIs(t, v.SetFrame(a.ID, []byte("x")), ErrUnknownParticipant)
}

func TestVideoRunDeliversThroughLoop(t *testing.T) {
	v := newTestVideoRoom()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go v.Run(ctx)

	a := v.Attach("a", "camera")
	b := v.Attach("b", "camera")
	require.NoError(t, v.SetFrame(a.ID, []byte("frame-a")))
	require.NoError(t, v.SetFrame(b.ID, []byte("frame-b")))

	select {
	case msg := <-a.Out:
		assert.Equal(t, model.VideoFrameTag, msg[0])
		assert.Equal(t, b.ID, binary.BigEndian.Uint32(msg[1:]))
		assert.Equal(t, []byte("frame-b"), msg[model.VideoHeaderSize:])
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast loop did not fire")
	}
}
