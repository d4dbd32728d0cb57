package coorddto

import (
	"strconv"
	"time"
)

// Color identifies a chess side.
type Color string

const (
	White Color = "white"
	Black Color = "black"
)

// Opposite returns the other side.
func (c Color) Opposite() Color {
	if c == White {
		return Black
	}
	return White
}

// SessionStatus represents a game lifecycle state.
type SessionStatus string

const (
	StatusWaiting  SessionStatus = "WAITING"
	StatusPlaying  SessionStatus = "PLAYING"
	StatusPaused   SessionStatus = "PAUSED"
	StatusFinished SessionStatus = "FINISHED"
)

// Result is the terminal outcome of a session.
type Result string

const (
	ResultNone      Result = ""
	ResultWhite     Result = "white"
	ResultBlack     Result = "black"
	ResultDraw      Result = "draw"
	ResultAbandoned Result = "abandoned"
)

// EndReason explains how a session reached FINISHED.
type EndReason string

const (
	ReasonNone                 EndReason = ""
	ReasonCheckmate            EndReason = "checkmate"
	ReasonResignation          EndReason = "resignation"
	ReasonDrawAgreement        EndReason = "mutual-agreement"
	ReasonTimeout              EndReason = "timeout"
	ReasonStalemate            EndReason = "stalemate"
	ReasonRepetition           EndReason = "repetition"
	ReasonInsufficientMaterial EndReason = "insufficient-material"
	ReasonFiftyMove            EndReason = "fifty-move"
	ReasonAbandonment          EndReason = "abandonment"
)

// GameSettings are the time-control parameters agreed before a session starts.
type GameSettings struct {
	InitialMs   int64 `json:"initial_ms"`
	IncrementMs int64 `json:"increment_ms"`
	Rated       bool  `json:"rated"`
}

// BucketKey identifies the matchmaking bucket for these settings.
func (s GameSettings) BucketKey() string {
	key := strconv.FormatInt(s.InitialMs, 10) + "/" + strconv.FormatInt(s.IncrementMs, 10)
	if s.Rated {
		return key + "/rated"
	}
	return key
}

// PlayerSnapshot is the public view of a seated player.
type PlayerSnapshot struct {
	StableID  string `json:"stable_id"`
	Name      string `json:"name"`
	Color     Color  `json:"color"`
	Rating    int    `json:"rating"`
	Connected bool   `json:"connected"`
}

// MoveRecord is one entry of the ordered move history.
type MoveRecord struct {
	SAN         string    `json:"san"`
	UCI         string    `json:"uci"`
	Mover       string    `json:"mover"`
	Color       Color     `json:"color"`
	At          time.Time `json:"at"`
	ElapsedMs   int64     `json:"elapsed_ms"`
	RemainingMs int64     `json:"remaining_ms"`
	FEN         string    `json:"fen"`
}

// ChatMessage is one entry of the session chat log.
type ChatMessage struct {
	Sender string    `json:"sender"`
	Name   string    `json:"name"`
	Text   string    `json:"text"`
	Kind   string    `json:"kind,omitempty"`
	At     time.Time `json:"at"`
}

// SessionSnapshot is the canonical session shape. It is produced by the
// session itself and every consumer, including the wire serializer, reads it
// as-is.
type SessionSnapshot struct {
	ID        string           `json:"id"`
	FEN       string           `json:"fen"`
	Turn      Color            `json:"turn"`
	Status    SessionStatus    `json:"status"`
	Result    Result           `json:"result,omitempty"`
	EndReason EndReason        `json:"end_reason,omitempty"`
	Settings  GameSettings     `json:"settings"`
	Players   []PlayerSnapshot `json:"players"`
	WhiteMs   int64            `json:"white_ms"`
	BlackMs   int64            `json:"black_ms"`
	MovesSAN  []string         `json:"moves_san"`
	MovesUCI  []string         `json:"moves_uci"`
	LastMove  *MoveRecord      `json:"last_move,omitempty"`
	Chat      []ChatMessage    `json:"chat,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// RoomStatus represents a lobby lifecycle state.
type RoomStatus string

const (
	RoomWaiting   RoomStatus = "WAITING"
	RoomReady     RoomStatus = "READY"
	RoomPlaying   RoomStatus = "PLAYING"
	RoomAbandoned RoomStatus = "ABANDONED"
)

// RoomSnapshot is the public view of a lobby.
type RoomSnapshot struct {
	Code           string           `json:"code"`
	Status         RoomStatus       `json:"status"`
	Players        []PlayerSnapshot `json:"players"`
	SpectatorCount int              `json:"spectator_count"`
	Settings       GameSettings     `json:"settings"`
	SessionID      string           `json:"session_id,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
}

// Role is what a joiner ends up as inside a room.
type Role string

const (
	RolePlayer    Role = "player"
	RoleSpectator Role = "spectator"
)
