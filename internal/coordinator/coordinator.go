// Package coordinator routes inbound connection events to the registries and
// fans the resulting state changes out to every connection with a stake in
// them. Mutations commit inside the owning registry/session before any
// broadcast happens; fan-out is fire-and-forget.
package coordinator

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/castled-io/castled/internal/config"
	"github.com/castled-io/castled/internal/directory"
	"github.com/castled-io/castled/internal/matchmaking"
	"github.com/castled-io/castled/internal/obslog"
	"github.com/castled-io/castled/internal/rating"
	"github.com/castled-io/castled/internal/room"
	"github.com/castled-io/castled/internal/session"
	"github.com/castled-io/castled/pkg/coorddto"
)

// Conn is the transport-side handle the coordinator pushes events through.
// Send must not block; the websocket layer buffers and drops on overflow.
type Conn interface {
	ID() string
	Send(event string, data any)
}

// Server push event names.
const (
	EvAuthenticated = "authenticated"
	EvRoomUpdated   = "room_updated"
	EvGameStarted   = "game_started"
	EvMoveMade      = "move_made"
	EvDrawOffered   = "draw_offered"
	EvChatMessage   = "chat_message"
	EvGameEnded     = "game_ended"
	EvGamePaused    = "game_paused"
	EvGameResumed   = "game_resumed"
	EvError         = "error"
)

type Coordinator struct {
	cfg      *config.AppConfig
	dir      *directory.Directory
	rooms    *room.Registry
	sessions *session.Registry
	queue    *matchmaking.Queue
	score    rating.ScoreFunc

	mu       sync.Mutex
	conns    map[string]Conn            // conn id → transport
	byStable map[string]string          // stable id → conn id
	grace    map[string]*time.Timer     // stable id → pending removal
	watchers map[string]map[string]bool // session id → stable ids
}

func New(cfg *config.AppConfig, dir *directory.Directory, rooms *room.Registry, sessions *session.Registry, queue *matchmaking.Queue, score rating.ScoreFunc) *Coordinator {
	if score == nil {
		score = rating.Elo
	}
	return &Coordinator{
		cfg:      cfg,
		dir:      dir,
		rooms:    rooms,
		sessions: sessions,
		queue:    queue,
		score:    score,
		conns:    make(map[string]Conn),
		byStable: make(map[string]string),
		grace:    make(map[string]*time.Timer),
		watchers: make(map[string]map[string]bool),
	}
}

// Authenticate binds a connection to a stable identity and, for
// reconnections, re-attaches prior room/session memberships.
func (c *Coordinator) Authenticate(conn Conn, req coorddto.AuthenticateRequest) (coorddto.AuthenticatedEvent, error) {
	ident, recon := c.dir.Register(req.DisplayName, conn.ID(), req.PriorStableID)

	c.mu.Lock()
	c.conns[conn.ID()] = conn
	c.byStable[ident.StableID] = conn.ID()
	c.cancelGraceLocked(ident.StableID)
	c.mu.Unlock()

	if recon {
		c.reattach(conn, ident)
	}
	return coorddto.AuthenticatedEvent{
		StableID:       ident.StableID,
		DisplayName:    ident.DisplayName,
		Rating:         ident.Rating,
		IsReconnection: recon,
	}, nil
}

// reattach restores a reconnecting identity's subscriptions and resumes its
// paused session without creating duplicate slots.
func (c *Coordinator) reattach(conn Conn, ident directory.Identity) {
	if ident.RoomCode != "" {
		if snap := c.rooms.Get(ident.RoomCode); snap != nil {
			c.rooms.SetPlayerConnected(ident.RoomCode, ident.StableID, true)
			conn.Send(EvRoomUpdated, *snap)
			c.broadcastRoom(ident.RoomCode, ident.StableID)
		}
	}
	if ident.SessionID != "" {
		sess, err := c.sessions.Get(ident.SessionID)
		if err != nil {
			return
		}
		c.watch(ident.SessionID, ident.StableID)
		if sess.PlayerColor(ident.StableID) == "" {
			// spectator: current snapshot is enough
			conn.Send(EvGameStarted, coorddto.GameStartedEvent{GameID: sess.ID(), Session: sess.Snapshot()})
			return
		}
		snap, err := sess.SetPlayerConnected(ident.StableID, true)
		if err != nil {
			return
		}
		conn.Send(EvGameStarted, coorddto.GameStartedEvent{GameID: sess.ID(), Session: snap})
		if snap.Status == coorddto.StatusPlaying {
			c.broadcastSession(sess.ID(), EvGameResumed, coorddto.GamePauseEvent{GameID: sess.ID(), Session: snap}, ident.StableID, false)
		}
	}
}

// CreateRoom allocates a lobby with the requester seated as white.
func (c *Coordinator) CreateRoom(conn Conn, req coorddto.CreateRoomRequest) (coorddto.CreateRoomResponse, error) {
	ident, err := c.identity(conn)
	if err != nil {
		return coorddto.CreateRoomResponse{}, err
	}
	settings := coorddto.GameSettings{InitialMs: req.InitialMs, IncrementMs: req.IncrementMs, Rated: req.Rated}
	snap, err := c.rooms.Create(ident.StableID, ident.DisplayName, ident.Rating, settings)
	if err != nil {
		return coorddto.CreateRoomResponse{}, err
	}
	c.dir.SetRoom(ident.StableID, snap.Code)
	return coorddto.CreateRoomResponse{Code: snap.Code, Room: snap}, nil
}

// JoinRoom seats or spectates the requester and auto-starts the game when
// the second seat fills.
func (c *Coordinator) JoinRoom(conn Conn, req coorddto.JoinRoomRequest) (coorddto.JoinRoomResponse, error) {
	ident, err := c.identity(conn)
	if err != nil {
		return coorddto.JoinRoomResponse{}, err
	}
	res, err := c.rooms.Join(req.Code, ident.StableID, ident.DisplayName, ident.Rating, req.AsSpectator)
	if err != nil {
		return coorddto.JoinRoomResponse{}, err
	}
	c.dir.SetRoom(ident.StableID, res.Room.Code)
	c.broadcastRoom(res.Room.Code, ident.StableID)

	if res.Room.SessionID != "" {
		// session already live; subscribe the new spectator or rejoiner
		c.watch(res.Room.SessionID, ident.StableID)
		if sess, serr := c.sessions.Get(res.Room.SessionID); serr == nil {
			conn.Send(EvGameStarted, coorddto.GameStartedEvent{GameID: sess.ID(), Session: sess.Snapshot()})
		}
	} else if res.Room.Status == coorddto.RoomReady {
		// the registry hands the claim to exactly one of any racing joiners
		if snap, claimed := c.rooms.ClaimStart(res.Room.Code); claimed {
			c.startRoomSession(snap)
		}
	}
	return coorddto.JoinRoomResponse{Role: res.Role, Color: res.Color, Room: res.Room}, nil
}

// startRoomSession turns a claimed room into a playing session and pushes the
// initial snapshot to every occupant. Duplicate delivery is safe; clients
// treat game_started idempotently. A failed start releases the claim so the
// room drops back to READY.
func (c *Coordinator) startRoomSession(roomSnap coorddto.RoomSnapshot) {
	if c.sessions.Len() >= c.cfg.MaxConcurrentGames {
		obslog.L().Warn("session_capacity", zap.Int("limit", c.cfg.MaxConcurrentGames))
		c.rooms.ReleaseClaim(roomSnap.Code)
		for _, id := range c.rooms.MembersExcept(roomSnap.Code, "") {
			c.sendTo(id, EvError, coorddto.ErrorEvent{Code: coorddto.CodeServerBusy, Message: "server is at game capacity; the room stays open"})
		}
		return
	}
	sess := session.New(roomSnap.Settings,
		session.WithChatLimits(c.cfg.ChatHistoryCap, c.cfg.ChatHistoryServe),
		session.WithOnEnd(c.onTimerFinish),
	)
	// seat white first so session colors line up with the room's
	var white, black *coorddto.PlayerSnapshot
	for i := range roomSnap.Players {
		p := &roomSnap.Players[i]
		if p.Color == coorddto.White {
			white = p
		} else {
			black = p
		}
	}
	if white == nil || black == nil {
		c.rooms.ReleaseClaim(roomSnap.Code)
		return
	}
	sess.AddPlayer(white.StableID, white.Name, white.Rating)
	sess.AddPlayer(black.StableID, black.Name, black.Rating)
	snap, err := sess.Start()
	if err != nil {
		obslog.L().Error("session_start_error", zap.String("code", roomSnap.Code), zap.Error(err))
		c.rooms.ReleaseClaim(roomSnap.Code)
		return
	}
	c.sessions.Add(sess)
	c.rooms.MarkPlaying(roomSnap.Code, sess.ID())

	for _, id := range append(c.rooms.MembersExcept(roomSnap.Code, ""), white.StableID, black.StableID) {
		c.watch(sess.ID(), id)
	}
	c.dir.SetSession(white.StableID, sess.ID())
	c.dir.SetSession(black.StableID, sess.ID())
	c.broadcastSession(sess.ID(), EvGameStarted, coorddto.GameStartedEvent{GameID: sess.ID(), Session: snap}, "", false)
}

// LeaveRoom removes the requester from its room. Leaving mid-game abandons
// the session.
func (c *Coordinator) LeaveRoom(conn Conn) (coorddto.LeaveRoomResponse, error) {
	ident, err := c.identity(conn)
	if err != nil {
		return coorddto.LeaveRoomResponse{}, err
	}
	res, err := c.rooms.Leave(ident.StableID)
	if err != nil {
		return coorddto.LeaveRoomResponse{}, err
	}
	c.dir.SetRoom(ident.StableID, "")
	if !res.Deleted {
		c.broadcastRoom(res.Code, ident.StableID)
	}
	if res.Abandoned && ident.SessionID != "" {
		if sess, serr := c.sessions.Get(ident.SessionID); serr == nil {
			if snap, changed := sess.Abandon(); changed {
				c.finishSession(snap, ident.StableID)
			}
		}
		c.dir.SetSession(ident.StableID, "")
	}
	return coorddto.LeaveRoomResponse{Code: res.Code}, nil
}

// JoinMatchmaking enqueues the requester and pairs immediately when the
// bucket fills.
func (c *Coordinator) JoinMatchmaking(conn Conn, req coorddto.JoinMatchmakingRequest) (coorddto.MatchmakingResponse, error) {
	ident, err := c.identity(conn)
	if err != nil {
		return coorddto.MatchmakingResponse{}, err
	}
	settings := coorddto.GameSettings{InitialMs: req.InitialMs, IncrementMs: req.IncrementMs, Rated: req.Rated}
	pos := c.queue.Enqueue(ident.StableID, settings.BucketKey())
	c.tryPair(settings)
	return coorddto.MatchmakingResponse{Position: pos}, nil
}

// LeaveMatchmaking cancels a pending queue entry. No-op when the requester
// has already been paired.
func (c *Coordinator) LeaveMatchmaking(conn Conn) (struct{}, error) {
	ident, err := c.identity(conn)
	if err != nil {
		return struct{}{}, err
	}
	c.queue.Cancel(ident.StableID)
	return struct{}{}, nil
}

// tryPair drains one pair from the bucket and spins up their session. The
// first enqueued identity gets white. At capacity nothing is dequeued; the
// waiters stay in the bucket for a later pairing attempt.
func (c *Coordinator) tryPair(settings coorddto.GameSettings) {
	if c.sessions.Len() >= c.cfg.MaxConcurrentGames {
		obslog.L().Warn("session_capacity", zap.Int("limit", c.cfg.MaxConcurrentGames))
		return
	}
	whiteID, blackID, ok := c.queue.DequeuePair(settings.BucketKey())
	if !ok {
		return
	}
	white, wok := c.dir.Get(whiteID)
	black, bok := c.dir.Get(blackID)
	if !wok || !bok {
		// half of the pair vanished; requeue the survivor
		if wok {
			c.queue.Enqueue(whiteID, settings.BucketKey())
		}
		if bok {
			c.queue.Enqueue(blackID, settings.BucketKey())
		}
		return
	}
	sess := session.New(settings,
		session.WithChatLimits(c.cfg.ChatHistoryCap, c.cfg.ChatHistoryServe),
		session.WithOnEnd(c.onTimerFinish),
	)
	sess.AddPlayer(white.StableID, white.DisplayName, white.Rating)
	sess.AddPlayer(black.StableID, black.DisplayName, black.Rating)
	snap, err := sess.Start()
	if err != nil {
		obslog.L().Error("mm_start_error", zap.Error(err))
		return
	}
	c.sessions.Add(sess)
	c.watch(sess.ID(), white.StableID)
	c.watch(sess.ID(), black.StableID)
	c.dir.SetSession(white.StableID, sess.ID())
	c.dir.SetSession(black.StableID, sess.ID())
	c.broadcastSession(sess.ID(), EvGameStarted, coorddto.GameStartedEvent{GameID: sess.ID(), Session: snap}, "", false)
}

// MakeMove applies one move and fans the result out to all participants.
func (c *Coordinator) MakeMove(conn Conn, req coorddto.MakeMoveRequest) (coorddto.MoveResponse, error) {
	ident, err := c.identity(conn)
	if err != nil {
		return coorddto.MoveResponse{}, err
	}
	sess, err := c.sessions.Get(req.GameID)
	if err != nil {
		return coorddto.MoveResponse{}, err
	}
	rec, snap, err := sess.MakeMove(ident.StableID, req.From, req.To, req.Promotion)
	if err != nil {
		if snap.Status == coorddto.StatusFinished && snap.EndReason == coorddto.ReasonTimeout {
			// the move lost the race against the flag
			c.finishSession(snap, "")
		}
		return coorddto.MoveResponse{}, err
	}
	c.dir.Touch(ident.StableID)
	c.broadcastSession(sess.ID(), EvMoveMade, coorddto.MoveResponse{Move: *rec, Session: snap}, ident.StableID, false)
	if snap.Status == coorddto.StatusFinished {
		c.finishSession(snap, "")
	}
	return coorddto.MoveResponse{Move: *rec, Session: snap}, nil
}

// Resign ends the game in the opponent's favor.
func (c *Coordinator) Resign(conn Conn, req coorddto.ResignRequest) (coorddto.GameEndedEvent, error) {
	ident, err := c.identity(conn)
	if err != nil {
		return coorddto.GameEndedEvent{}, err
	}
	sess, err := c.sessions.Get(req.GameID)
	if err != nil {
		return coorddto.GameEndedEvent{}, err
	}
	snap, err := sess.Resign(ident.StableID)
	if err != nil {
		return coorddto.GameEndedEvent{}, err
	}
	ev := coorddto.GameEndedEvent{GameID: sess.ID(), Result: snap.Result, EndReason: snap.EndReason, Session: snap}
	c.finishSession(snap, "")
	return ev, nil
}

// DrawOffer handles offer/accept. Offers go to the opponent only; draw
// agreement ends the game for everyone.
func (c *Coordinator) DrawOffer(conn Conn, req coorddto.DrawOfferRequest) (any, error) {
	ident, err := c.identity(conn)
	if err != nil {
		return nil, err
	}
	sess, err := c.sessions.Get(req.GameID)
	if err != nil {
		return nil, err
	}
	ended, by, snap, err := sess.Draw(ident.StableID, req.Action)
	if err != nil {
		return nil, err
	}
	if ended {
		ev := coorddto.GameEndedEvent{GameID: sess.ID(), Result: snap.Result, EndReason: snap.EndReason, Session: snap}
		c.finishSession(snap, "")
		return ev, nil
	}
	ev := coorddto.DrawOfferedEvent{GameID: sess.ID(), By: ident.StableID, Color: by}
	c.broadcastSession(sess.ID(), EvDrawOffered, ev, ident.StableID, true)
	return ev, nil
}

// Chat appends to the session chat and fans out to players and spectators.
func (c *Coordinator) Chat(conn Conn, req coorddto.ChatRequest) (coorddto.ChatMessage, error) {
	ident, err := c.identity(conn)
	if err != nil {
		return coorddto.ChatMessage{}, err
	}
	sess, err := c.sessions.Get(req.GameID)
	if err != nil {
		return coorddto.ChatMessage{}, err
	}
	msg, err := sess.AddChat(ident.StableID, ident.DisplayName, req.Text, "chat")
	if err != nil {
		return coorddto.ChatMessage{}, err
	}
	c.broadcastSession(sess.ID(), EvChatMessage, msg, ident.StableID, false)
	return msg, nil
}

// Disconnect handles a transport drop: pause the session, flag the room seat,
// cancel matchmaking, and arm the grace timer for final removal.
func (c *Coordinator) Disconnect(connID string) {
	ident, ok := c.dir.MarkDisconnected(connID)

	// the transport handle goes away even when the directory no longer knows
	// the connection (a reconnect already replaced it)
	c.mu.Lock()
	delete(c.conns, connID)
	if ok && c.byStable[ident.StableID] == connID {
		delete(c.byStable, ident.StableID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	c.queue.Cancel(ident.StableID)

	if ident.RoomCode != "" {
		c.rooms.SetPlayerConnected(ident.RoomCode, ident.StableID, false)
		c.broadcastRoom(ident.RoomCode, ident.StableID)
	}
	if ident.SessionID != "" {
		if sess, err := c.sessions.Get(ident.SessionID); err == nil {
			if snap, serr := sess.SetPlayerConnected(ident.StableID, false); serr == nil {
				switch snap.Status {
				case coorddto.StatusPaused:
					c.broadcastSession(sess.ID(), EvGamePaused, coorddto.GamePauseEvent{GameID: sess.ID(), Session: snap}, ident.StableID, false)
				case coorddto.StatusFinished:
					c.finishSession(snap, "")
				}
			}
		}
	}
	c.armGrace(ident.StableID)
	obslog.L().Info("conn_disconnect", zap.String("conn_id", connID), zap.String("stable_id", ident.StableID))
}

// identity resolves the authenticated identity behind a connection.
func (c *Coordinator) identity(conn Conn) (directory.Identity, error) {
	ident, ok := c.dir.ResolveConn(conn.ID())
	if !ok {
		return directory.Identity{}, coorddto.ErrAuthenticationRequired
	}
	return ident, nil
}

// Sweep runs the periodic maintenance pass over all registries.
func (c *Coordinator) Sweep() {
	defer func() {
		if r := recover(); r != nil {
			obslog.L().Error("sweep_panic", zap.Any("panic", r))
		}
	}()
	c.rooms.Sweep()
	removed := c.sessions.Sweep()
	if removed > 0 {
		c.mu.Lock()
		for id := range c.watchers {
			if _, err := c.sessions.Get(id); err != nil {
				delete(c.watchers, id)
			}
		}
		c.mu.Unlock()
	}
	c.dir.Sweep(c.cfg.IdentityIdleTTL)
}
