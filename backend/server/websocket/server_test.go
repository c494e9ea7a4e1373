package websocket

import (
	"encoding/binary"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/echoroom/voicerelay/backend/config"
	"github.com/echoroom/voicerelay/backend/directory"
	"github.com/echoroom/voicerelay/backend/service"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCfg() config.Audio {
	return config.Audio{
		SampleRate:      16000,
		Channels:        1,
		ChunkSize:       4,
		BatchSize:       2,
		Gain:            1,
		MaxQueueBatches: 4,
	}
}

func newTestServer(t *testing.T) (*httptest.Server, *directory.Directory, config.Audio) {
	t.Helper()
	logger := zerolog.Nop()
	cfg := testCfg()
	dir := directory.New(cfg, &logger)
	t.Cleanup(dir.Close)
	svc := service.New(service.Config{Directory: dir, Logger: &logger})
	srv := NewServer(Config{
		Logger:     &logger,
		Service:    svc,
		Audio:      cfg,
		ListenAddr: ":0",
	})
	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(ts.Close)
	return ts, dir, cfg
}

func dialAudio(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/audio"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func writeText(t *testing.T, conn *websocket.Conn, text string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(text)))
}

func readText(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	msgType, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, msgType)
	return string(msg)
}

func readBinary(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	msgType, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, msgType)
	return msg
}

func constChunk(cfg config.Audio, v int16) []byte {
	out := make([]byte, cfg.ChunkBytes())
	for i := 0; i+1 < len(out); i += 2 {
		binary.LittleEndian.PutUint16(out[i:], uint16(v))
	}
	return out
}

func decodeSamples(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out
}

func TestControlCommandReplies(t *testing.T) {
	ts, _, _ := newTestServer(t)
	conn := dialAudio(t, ts)

	writeText(t, conn, "CREATE demo")
	assert.Equal(t, service.ReplyCreated, readText(t, conn))

	writeText(t, conn, "CREATE demo")
	assert.Equal(t, service.ReplyExists, readText(t, conn))

	writeText(t, conn, "LIST")
	assert.Equal(t, "demo", readText(t, conn))

	writeText(t, conn, "DELETE demo")
	assert.Equal(t, service.ReplyDeleted, readText(t, conn))

	writeText(t, conn, "DELETE demo")
	assert.Equal(t, service.ReplyNotFound, readText(t, conn))
}

func TestSessionJoinMixAndAbruptDisconnect(t *testing.T) {
	ts, dir, cfg := newTestServer(t)
	require.NoError(t, dir.Create("demo"))
	rm, err := dir.Join("demo")
	require.NoError(t, err)

	a := dialAudio(t, ts)
	b := dialAudio(t, ts)
	writeText(t, a, "demo")
	writeText(t, b, "demo")
	require.Eventually(t, func() bool { return rm.Participants() == 2 }, 2*time.Second, 10*time.Millisecond)

	// A wrong-size chunk must be rejected, not queued: were it mixed in,
	// the payload below would come out the wrong length.
	require.NoError(t, a.WriteMessage(websocket.BinaryMessage, make([]byte, cfg.ChunkBytes()+1)))

	for i := 0; i < cfg.BatchSize; i++ {
		require.NoError(t, a.WriteMessage(websocket.BinaryMessage, constChunk(cfg, 100)))
		require.NoError(t, b.WriteMessage(websocket.BinaryMessage, constChunk(cfg, 200)))
	}

	payload := readBinary(t, a)
	require.Len(t, payload, 2*cfg.BatchBytes())
	for _, v := range decodeSamples(payload[cfg.BatchBytes():]) {
		assert.Equal(t, int16(200), v, "A hears only B")
	}

	// Abrupt disconnect mid-call while payloads may still be in flight:
	// the server must detach A and keep the room going for B.
	require.NoError(t, a.UnderlyingConn().Close())
	assert.Eventually(t, func() bool { return rm.Participants() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestSessionMuteSentinelYieldsPacedSilence(t *testing.T) {
	ts, dir, cfg := newTestServer(t)
	require.NoError(t, dir.Create("demo"))
	rm, err := dir.Join("demo")
	require.NoError(t, err)

	conn := dialAudio(t, ts)
	writeText(t, conn, "demo")
	require.Eventually(t, func() bool { return rm.Participants() == 1 }, 2*time.Second, 10*time.Millisecond)

	writeText(t, conn, "MUTE")

	payload := readBinary(t, conn)
	require.Len(t, payload, 2*cfg.BatchBytes())
	for _, v := range decodeSamples(payload) {
		assert.Equal(t, int16(0), v, "all-muted room broadcasts silence")
	}
}

func TestSessionLeaveKeepsConnectionUsable(t *testing.T) {
	ts, dir, _ := newTestServer(t)
	require.NoError(t, dir.Create("demo"))
	rm, err := dir.Join("demo")
	require.NoError(t, err)

	conn := dialAudio(t, ts)
	writeText(t, conn, "demo")
	require.Eventually(t, func() bool { return rm.Participants() == 1 }, 2*time.Second, 10*time.Millisecond)

	writeText(t, conn, "LEAVE demo")
	assert.Eventually(t, func() bool { return rm.Participants() == 0 }, 2*time.Second, 10*time.Millisecond)

	// Control commands still work after leaving.
	writeText(t, conn, "LIST")
	assert.Equal(t, "demo", readText(t, conn))
}
