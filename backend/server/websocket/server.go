// Package websocket serves the audio/control endpoint: a persistent
// websocket per participant carrying text control messages (room commands,
// the mute sentinel) and binary PCM chunks in, and mixed batch payloads out.
package websocket

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/echoroom/voicerelay/backend/config"
	"github.com/echoroom/voicerelay/backend/model"
	"github.com/echoroom/voicerelay/backend/room"
	"github.com/echoroom/voicerelay/backend/service"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	defaultWebsocketReadBufferSize     = 1 << 14
	defaultWebsocketWriteBufferSize    = 1 << 16
	defaultWebSocketHandshakeTimeout   = 3 * time.Second
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultWebSocketWriteDeadline      = 5 * time.Second

	// defaultPongWait - defaultPingInterval == is how long we give client to respond
	defaultPingInterval = 5 * time.Second
	defaultPongWait     = 7 * time.Second
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type (
	Config struct {
		Logger     *zerolog.Logger
		Service    *service.Service
		Audio      config.Audio
		ListenAddr string
	}

	Server struct {
		svc *service.Service
		cfg config.Audio
		ws  *websocket.Upgrader
		*http.Server

		logger zerolog.Logger
	}
)

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "audio-server").Logger(),
		svc:    cfg.Service,
		cfg:    cfg.Audio,
		ws: &websocket.Upgrader{
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/audio", srv.audio)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return srv
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	errSrv := make(chan error)
	go func() {
		errSrv <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-errSrv:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}

func (srv *Server) audio(w http.ResponseWriter, r *http.Request) {
	conn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	s := &session{
		srv:    srv,
		conn:   conn,
		logger: srv.logger.With().Str("remote", conn.RemoteAddr().String()).Logger(),
	}
	go s.run()
}

// session is one participant connection. The receive loop is the only
// reader; writes come from the receive loop (command replies), the forward
// goroutine (mix payloads) and the ping ticker, serialized by wmu.
type session struct {
	srv    *Server
	conn   *websocket.Conn
	logger zerolog.Logger

	wmu sync.Mutex
	// fwd tracks the forward goroutine so teardown can join it before the
	// close frame is written; the connection allows only one writer at a
	// time.
	fwd sync.WaitGroup

	roomName string
	rm       *room.Room
	handle   *room.Handle
}

func (s *session) run() {
	// Outbound payloads are two batch halves; allow headroom for framing.
	s.conn.SetReadLimit(int64(2*s.srv.cfg.BatchBytes() + 1024))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(defaultPongWait))
	})
	if err := s.conn.SetReadDeadline(time.Now().Add(defaultPongWait)); err != nil {
		s.logger.Error().Err(err).Msg("failed to set websocket read deadline")
		return
	}

	pingCtx, pingCancel := context.WithCancel(context.Background())
	go s.pingLoop(pingCtx)

	s.receiveLoop()

	pingCancel()
	// Detach closes the room's outbound channel, which lets the forward
	// goroutine drain out and exit; only then is the close frame written.
	s.leave()
	s.fwd.Wait()
	s.close()
}

func (s *session) receiveLoop() {
	for {
		msgType, msg, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway) {
				s.logger.Debug().Err(err).Msg("connection closed")
			} else {
				s.logger.Warn().Err(err).Msg("unexpected error during receive")
			}
			return
		}

		switch msgType {
		case websocket.TextMessage:
			s.handleText(string(msg))
		case websocket.BinaryMessage:
			s.handleChunk(msg)
		}
	}
}

func (s *session) handleText(text string) {
	if s.handle != nil && text == model.MuteSentinel {
		_ = s.rm.Mute(s.handle.ID)
		return
	}

	cmd, err := model.ParseCommand(text)
	if err != nil {
		s.logger.Warn().Err(err).Msg("malformed control message")
		return
	}

	switch cmd.Verb {
	case model.VerbList, model.VerbCreate, model.VerbDelete:
		s.writeText(s.srv.svc.Control(cmd))
	case model.VerbLeave:
		if s.handle != nil && cmd.Room == s.roomName {
			if err = s.srv.svc.Leave(s.roomName, s.handle.ID); err != nil {
				s.logger.Error().Err(err).Msg("leave failed")
			}
			s.rm, s.handle, s.roomName = nil, nil, ""
		}
	case model.VerbJoin:
		s.join(cmd.Room)
	}
}

func (s *session) join(roomName string) {
	if s.handle != nil {
		s.logger.Warn().Str("room", roomName).Msg("join ignored, already in a room")
		return
	}
	rm, h, err := s.srv.svc.Join(roomName, "")
	if err != nil {
		s.logger.Warn().Err(err).Str("room", roomName).Msg("join failed")
		return
	}
	s.rm, s.handle, s.roomName = rm, h, roomName
	s.fwd.Add(1)
	go func() {
		defer s.fwd.Done()
		s.forward(h.Out)
	}()
}

func (s *session) handleChunk(chunk []byte) {
	if s.handle == nil {
		s.logger.Warn().Msg("audio chunk before join, dropped")
		return
	}
	if len(chunk) != s.srv.cfg.ChunkBytes() {
		s.logger.Warn().
			Int("size", len(chunk)).
			Int("want", s.srv.cfg.ChunkBytes()).
			Msg("wrong-size audio chunk, dropped")
		return
	}
	if err := s.rm.Push(s.handle.ID, chunk); err != nil {
		s.logger.Warn().Err(err).Msg("push failed")
	}
}

// forward drains mix payloads from the room into the socket. It exits when
// the room closes the channel on detach.
func (s *session) forward(out <-chan []byte) {
	for payload := range out {
		if !s.writeBinary(payload) {
			return
		}
	}
}

func (s *session) pingLoop(ctx context.Context) {
	t := time.NewTicker(defaultPingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.wmu.Lock()
			err := s.conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if err == nil {
				err = s.conn.WriteMessage(websocket.PingMessage, []byte{})
			}
			s.wmu.Unlock()
			if err != nil {
				s.logger.Debug().Err(err).Msg("failed to send ping")
				return
			}
		}
	}
}

func (s *session) writeText(text string) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline)); err != nil {
		s.logger.Error().Err(err).Msg("failed to set websocket write deadline")
		return
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		s.logger.Error().Err(err).Msg("failed to write reply")
	}
}

func (s *session) writeBinary(payload []byte) bool {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline)); err != nil {
		s.logger.Error().Err(err).Msg("failed to set websocket write deadline")
		return false
	}
	if err := s.conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		s.logger.Debug().Err(err).Msg("failed to write payload")
		return false
	}
	return true
}

// leave detaches from the room on disconnect. Other participants get no
// explicit notice; the next mixing cycle simply stops including us.
func (s *session) leave() {
	if s.handle == nil {
		return
	}
	s.rm.Detach(s.handle.ID)
	s.rm, s.handle, s.roomName = nil, nil, ""
}

func (s *session) close() {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	err := s.conn.SetWriteDeadline(time.Now().Add(defaultWebSocketCloseWriteDeadline))
	if err == nil {
		if err = s.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
			s.logger.Debug().Err(err).Msg("failed to write close message")
		}
	}
	if err = s.conn.Close(); err != nil {
		s.logger.Debug().Err(err).Msg("failed to close websocket connection")
	}
}
