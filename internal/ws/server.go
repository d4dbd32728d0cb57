// Package ws exposes the coordinator over a single websocket endpoint.
// Clients send {"type","seq","data"} envelopes and receive an ack per
// request plus unsolicited server pushes.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/castled-io/castled/internal/coordinator"
	"github.com/castled-io/castled/internal/obslog"
	"github.com/castled-io/castled/pkg/coorddto"
)

// Client request event names.
const (
	evAuthenticate     = "authenticate"
	evCreateRoom       = "create_room"
	evJoinRoom         = "join_room"
	evLeaveRoom        = "leave_room"
	evJoinMatchmaking  = "join_matchmaking"
	evLeaveMatchmaking = "leave_matchmaking"
	evMakeMove         = "make_move"
	evResign           = "resign"
	evDrawOffer        = "draw_offer"
	evChatMessage      = "chat_message"
)

type envelope struct {
	Type string          `json:"type"`
	Seq  int64           `json:"seq,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

type ack struct {
	Type  string     `json:"type"`
	Seq   int64      `json:"seq,omitempty"`
	OK    bool       `json:"ok"`
	Error *wireError `json:"error,omitempty"`
	Data  any        `json:"data,omitempty"`
}

type push struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

type wireError struct {
	Code      string `json:"code"`
	Message   string `json:"message,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

type Server struct {
	coord        *coordinator.Coordinator
	validate     *validator.Validate
	pingInterval time.Duration
}

func NewServer(coord *coordinator.Coordinator) *Server {
	return &Server{
		coord:        coord,
		validate:     validator.New(),
		pingInterval: 30 * time.Second,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sock, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
		OriginPatterns:  []string{"*"},
	})
	if err != nil {
		obslog.L().Warn("ws_accept_error", zap.Error(err))
		return
	}

	id, err := gonanoid.New(12)
	if err != nil {
		_ = sock.Close(websocket.StatusInternalError, "id allocation failed")
		return
	}
	c := newConn(id, sock)
	defer func() {
		c.close()
		s.coord.Disconnect(c.id)
		_ = sock.Close(websocket.StatusNormalClosure, "bye")
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go c.writePump(ctx)
	go c.pingLoop(ctx, s.pingInterval)
	obslog.L().Info("ws_connect", zap.String("conn_id", c.id))

	for {
		var env envelope
		if err := wsjson.Read(ctx, sock, &env); err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && ctx.Err() == nil {
				obslog.L().Debug("ws_read_error", zap.String("conn_id", c.id), zap.Error(err))
			}
			return
		}
		s.dispatch(c, env)
	}
}

// dispatch routes one request envelope to the coordinator and acks it. A
// panicking handler is converted into an INTERNAL_ERROR ack so one bad
// request cannot take the connection down.
func (s *Server) dispatch(c *conn, env envelope) {
	defer func() {
		if r := recover(); r != nil {
			obslog.L().Error("ws_dispatch_panic",
				zap.String("conn_id", c.id),
				zap.String("type", env.Type),
				zap.Any("panic", r))
			c.sendAck(errAck(env.Seq, coorddto.NewError(coorddto.CodeInternalError, "internal error")))
		}
	}()

	var (
		data any
		err  error
	)
	switch env.Type {
	case evAuthenticate:
		var req coorddto.AuthenticateRequest
		if err = s.decode(env.Data, &req); err == nil {
			data, err = s.coord.Authenticate(c, req)
		}
	case evCreateRoom:
		var req coorddto.CreateRoomRequest
		if err = s.decode(env.Data, &req); err == nil {
			data, err = s.coord.CreateRoom(c, req)
		}
	case evJoinRoom:
		var req coorddto.JoinRoomRequest
		if err = s.decode(env.Data, &req); err == nil {
			data, err = s.coord.JoinRoom(c, req)
		}
	case evLeaveRoom:
		data, err = s.coord.LeaveRoom(c)
	case evJoinMatchmaking:
		var req coorddto.JoinMatchmakingRequest
		if err = s.decode(env.Data, &req); err == nil {
			data, err = s.coord.JoinMatchmaking(c, req)
		}
	case evLeaveMatchmaking:
		data, err = s.coord.LeaveMatchmaking(c)
	case evMakeMove:
		var req coorddto.MakeMoveRequest
		if err = s.decode(env.Data, &req); err == nil {
			data, err = s.coord.MakeMove(c, req)
		}
	case evResign:
		var req coorddto.ResignRequest
		if err = s.decode(env.Data, &req); err == nil {
			data, err = s.coord.Resign(c, req)
		}
	case evDrawOffer:
		var req coorddto.DrawOfferRequest
		if err = s.decode(env.Data, &req); err == nil {
			data, err = s.coord.DrawOffer(c, req)
		}
	case evChatMessage:
		var req coorddto.ChatRequest
		if err = s.decode(env.Data, &req); err == nil {
			data, err = s.coord.Chat(c, req)
		}
	default:
		err = coorddto.NewError(coorddto.CodeValidationError, "unknown event type: "+env.Type)
	}

	if err != nil {
		c.sendAck(errAck(env.Seq, err))
		return
	}
	c.sendAck(ack{Type: "ack", Seq: env.Seq, OK: true, Data: data})
}

func (s *Server) decode(raw json.RawMessage, dst any) error {
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, dst); err != nil {
			return coorddto.NewError(coorddto.CodeValidationError, "malformed payload")
		}
	}
	if err := s.validate.Struct(dst); err != nil {
		return coorddto.NewError(coorddto.CodeValidationError, err.Error())
	}
	return nil
}

func errAck(seq int64, err error) ack {
	var de coorddto.DomainError
	if !errors.As(err, &de) {
		de = coorddto.NewError(coorddto.CodeInternalError, "internal error")
	}
	return ack{
		Type: "ack",
		Seq:  seq,
		OK:   false,
		Error: &wireError{
			Code:      de.Code,
			Message:   de.Message,
			Retryable: de.Retryable,
		},
	}
}
