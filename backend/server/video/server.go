// Package video serves the video endpoint: the first message is a JSON join
// payload, after which tagged binary frames overwrite the participant's slot
// and the broadcast loop's fan-out is drained back into the socket.
package video

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/echoroom/voicerelay/backend/model"
	"github.com/echoroom/voicerelay/backend/service"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	defaultWebsocketReadBufferSize     = 1 << 16
	defaultWebsocketWriteBufferSize    = 1 << 16
	defaultWebSocketMaxMessageSize     = 1 << 22 // encoded still frames, generous
	defaultWebSocketHandshakeTimeout   = 3 * time.Second
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultWebSocketWriteDeadline      = 5 * time.Second

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
		ListenAddr string
	}

	Server struct {
		svc *service.Service
		ws  *websocket.Upgrader
		*http.Server

		logger zerolog.Logger
	}
)

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "video-server").Logger(),
		svc:    cfg.Service,
		ws: &websocket.Upgrader{
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/video", srv.video)

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

func (srv *Server) video(w http.ResponseWriter, r *http.Request) {
	conn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	go srv.handleConn(conn)
}

func (srv *Server) handleConn(conn *websocket.Conn) {
	logger := srv.logger.With().Str("remote", conn.RemoteAddr().String()).Logger()

	// wmu serializes every write to conn: frames from sendLoop, pings, and
	// the final close frame.
	var wmu sync.Mutex

	conn.SetReadLimit(defaultWebSocketMaxMessageSize)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(defaultPongWait))
	})
	if err := conn.SetReadDeadline(time.Now().Add(defaultPongWait)); err != nil {
		logger.Error().Err(err).Msg("failed to set websocket read deadline")
		closeConn(conn, &wmu, &logger)
		return
	}

	// The first message must be the join payload.
	_, msg, err := conn.ReadMessage()
	if err != nil {
		logger.Warn().Err(err).Msg("connection closed before join")
		closeConn(conn, &wmu, &logger)
		return
	}
	var join model.VideoJoin
	if err = json.Unmarshal(msg, &join); err != nil || join.Room == "" {
		logger.Warn().Err(err).Msg("malformed video join")
		closeConn(conn, &wmu, &logger)
		return
	}

	vr, h, err := srv.svc.JoinVideo(join)
	if err != nil {
		logger.Warn().Err(err).Str("room", join.Room).Msg("video join failed")
		closeConn(conn, &wmu, &logger)
		return
	}
	logger = logger.With().Str("room", join.Room).Uint32("participant", h.ID).Logger()

	pingCtx, pingCancel := context.WithCancel(context.Background())
	go pingLoop(pingCtx, conn, &wmu, &logger)
	var sendWG sync.WaitGroup
	sendWG.Add(1)
	go func() {
		defer sendWG.Done()
		sendLoop(conn, h.Out, &wmu, &logger)
	}()

	for {
		msgType, frame, rErr := conn.ReadMessage()
		if rErr != nil {
			if websocket.IsCloseError(rErr,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway) {
				logger.Debug().Err(rErr).Msg("connection closed")
			} else {
				logger.Warn().Err(rErr).Msg("unexpected error during receive")
			}
			break
		}
		if msgType != websocket.BinaryMessage || len(frame) < 1 {
			continue
		}
		if frame[0] != model.VideoFrameTag {
			logger.Warn().Uint8("tag", frame[0]).Msg("unknown video message tag")
			continue
		}
		if err = vr.SetFrame(h.ID, frame[1:]); err != nil {
			logger.Warn().Err(err).Msg("frame rejected")
			break
		}
	}

	pingCancel()
	// Detach closes the outbound channel; join sendLoop before the close
	// frame is written so the connection never has two writers.
	vr.Detach(h.ID)
	sendWG.Wait()
	closeConn(conn, &wmu, &logger)
}

// sendLoop drains broadcast messages into the socket; the channel closes on
// detach.
func sendLoop(conn *websocket.Conn, out <-chan []byte, wmu *sync.Mutex, logger *zerolog.Logger) {
	for msg := range out {
		wmu.Lock()
		err := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
		if err == nil {
			err = conn.WriteMessage(websocket.BinaryMessage, msg)
		}
		wmu.Unlock()
		if err != nil {
			logger.Debug().Err(err).Msg("failed to write video message")
			return
		}
	}
}

func pingLoop(ctx context.Context, conn *websocket.Conn, wmu *sync.Mutex, logger *zerolog.Logger) {
	t := time.NewTicker(defaultPingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			wmu.Lock()
			err := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if err == nil {
				err = conn.WriteMessage(websocket.PingMessage, []byte{})
			}
			wmu.Unlock()
			if err != nil {
				logger.Debug().Err(err).Msg("failed to send ping")
				return
			}
		}
	}
}

func closeConn(conn *websocket.Conn, wmu *sync.Mutex, logger *zerolog.Logger) {
	wmu.Lock()
	defer wmu.Unlock()
	err := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketCloseWriteDeadline))
	if err == nil {
		if err = conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
			logger.Debug().Err(err).Msg("failed to write close message")
		}
	}
	if err = conn.Close(); err != nil {
		logger.Debug().Err(err).Msg("failed to close websocket connection")
	}
}
