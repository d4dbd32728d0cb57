// Package session owns the live game state machine: board, clocks, move
// history, chat log, and termination. Every mutation of one session is
// serialized through its mutex so a move and a clock expiry racing each other
// resolve deterministically.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/castled-io/castled/internal/clock"
	"github.com/castled-io/castled/internal/obslog"
	"github.com/castled-io/castled/internal/rules"
	"github.com/castled-io/castled/pkg/coorddto"
)

// Player is a seated participant.
type Player struct {
	StableID  string
	Name      string
	Rating    int
	Color     coorddto.Color
	Connected bool
}

// Session is one two-player game.
type Session struct {
	mu sync.Mutex

	id       string
	board    *rules.Board
	white    *clock.Clock
	black    *clock.Clock
	players  []*Player
	history  []coorddto.MoveRecord
	chat     []coorddto.ChatMessage
	settings coorddto.GameSettings

	status    coorddto.SessionStatus
	result    coorddto.Result
	endReason coorddto.EndReason

	// color with an outstanding draw offer, empty when none
	drawOfferBy coorddto.Color
	// color whose clock was running when the session paused
	pausedColor coorddto.Color

	chatCap   int
	chatServe int

	createdAt  time.Time
	updatedAt  time.Time
	finishedAt time.Time

	expiry *time.Timer
	onEnd  func(coorddto.SessionSnapshot)
	now    func() time.Time
}

// Option customizes a new session.
type Option func(*Session)

// WithOnEnd registers a callback fired when the session finishes from inside
// a timer (clock expiry). Finishes caused by caller operations are reported
// through the operation's returned snapshot instead.
func WithOnEnd(fn func(coorddto.SessionSnapshot)) Option {
	return func(s *Session) { s.onEnd = fn }
}

// WithChatLimits overrides the retained/served chat history sizes.
func WithChatLimits(capacity, serve int) Option {
	return func(s *Session) {
		if capacity > 0 {
			s.chatCap = capacity
		}
		if serve > 0 && serve <= s.chatCap {
			s.chatServe = serve
		}
	}
}

// WithNow replaces the time source. Test hook; also propagated to the clocks.
func WithNow(now func() time.Time) Option {
	return func(s *Session) {
		s.now = now
		s.white.SetNow(now)
		s.black.SetNow(now)
	}
}

func New(settings coorddto.GameSettings, opts ...Option) *Session {
	s := &Session{
		id:        fmt.Sprintf("game-%d-%s", time.Now().UnixNano(), randSuffix(3)),
		board:     rules.NewBoard(),
		white:     clock.New(settings.InitialMs, settings.IncrementMs),
		black:     clock.New(settings.InitialMs, settings.IncrementMs),
		settings:  settings,
		status:    coorddto.StatusWaiting,
		chatCap:   50,
		chatServe: 20,
		now:       time.Now,
	}
	s.createdAt = s.now()
	s.updatedAt = s.createdAt
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) Status() coorddto.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// AddPlayer seats a player. The first joiner gets white, the second black.
// Re-adding a seated player is idempotent and returns the existing color.
func (s *Session) AddPlayer(stableID, name string, rating int) (coorddto.Color, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p := s.playerLocked(stableID); p != nil {
		return p.Color, nil
	}
	if len(s.players) >= 2 {
		return "", coorddto.ErrRoomFull
	}
	color := coorddto.White
	if len(s.players) == 1 {
		color = coorddto.Black
	}
	s.players = append(s.players, &Player{
		StableID:  stableID,
		Name:      name,
		Rating:    rating,
		Color:     color,
		Connected: true,
	})
	s.updatedAt = s.now()
	return color, nil
}

// Start flips the session to PLAYING and starts white's clock.
func (s *Session) Start() (coorddto.SessionSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.players) != 2 {
		return s.snapshotLocked(), coorddto.ErrInsufficientPlayers
	}
	if s.status != coorddto.StatusWaiting {
		return s.snapshotLocked(), coorddto.ErrNotPlaying
	}
	s.status = coorddto.StatusPlaying
	s.white.Start()
	s.armExpiryLocked(coorddto.White)
	s.updatedAt = s.now()
	obslog.L().Info("session_start",
		zap.String("game_id", s.id),
		zap.Int64("initial_ms", s.settings.InitialMs),
		zap.Int64("increment_ms", s.settings.IncrementMs),
	)
	return s.snapshotLocked(), nil
}

// MakeMove validates and applies one move for the given player, crediting
// elapsed time and the increment against the mover's clock.
func (s *Session) MakeMove(stableID, from, to, promotion string) (*coorddto.MoveRecord, coorddto.SessionSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != coorddto.StatusPlaying {
		return nil, s.snapshotLocked(), coorddto.ErrNotPlaying
	}
	p := s.playerLocked(stableID)
	if p == nil {
		return nil, s.snapshotLocked(), coorddto.ErrPlayerNotInGame
	}
	if p.Color != s.board.Turn() {
		return nil, s.snapshotLocked(), coorddto.ErrNotYourTurn
	}

	mover := s.clockFor(p.Color)
	if mover.RemainingMs() == 0 {
		// flag already fell; timeout beats the in-flight move
		mover.ApplyElapsed(mover.Stop())
		s.finishLocked(resultFor(p.Color.Opposite()), coorddto.ReasonTimeout)
		return nil, s.snapshotLocked(), coorddto.ErrNotPlaying
	}

	res, err := s.board.ApplyMove(from, to, promotion)
	if err != nil {
		return nil, s.snapshotLocked(), coorddto.ErrIllegalMove
	}

	elapsed := mover.Stop()
	if mover.ApplyElapsed(elapsed) {
		// flag fell while the move was validating; timeout wins and the
		// move is not recorded
		s.finishLocked(resultFor(p.Color.Opposite()), coorddto.ReasonTimeout)
		return nil, s.snapshotLocked(), coorddto.ErrNotPlaying
	}
	mover.ApplyIncrement()

	rec := coorddto.MoveRecord{
		SAN:         res.SAN,
		UCI:         res.UCI,
		Mover:       p.StableID,
		Color:       p.Color,
		At:          s.now(),
		ElapsedMs:   elapsed,
		RemainingMs: mover.RemainingMs(),
		FEN:         res.FEN,
	}
	s.history = append(s.history, rec)
	s.drawOfferBy = ""
	s.updatedAt = rec.At

	if res.Outcome.Terminal {
		s.finishLocked(res.Outcome.Result, res.Outcome.Reason)
	} else {
		opp := s.clockFor(p.Color.Opposite())
		opp.Start()
		s.armExpiryLocked(p.Color.Opposite())
	}

	obslog.L().Info("session_move",
		zap.String("game_id", s.id),
		zap.String("mover", p.StableID),
		zap.String("uci", rec.UCI),
		zap.Int64("elapsed_ms", elapsed),
		zap.String("status", string(s.status)),
	)
	return &rec, s.snapshotLocked(), nil
}

// Resign finishes the game in favor of the opponent regardless of position.
func (s *Session) Resign(stableID string) (coorddto.SessionSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != coorddto.StatusPlaying && s.status != coorddto.StatusPaused {
		return s.snapshotLocked(), coorddto.ErrNotPlaying
	}
	p := s.playerLocked(stableID)
	if p == nil {
		return s.snapshotLocked(), coorddto.ErrPlayerNotInGame
	}
	s.finishLocked(resultFor(p.Color.Opposite()), coorddto.ReasonResignation)
	obslog.L().Info("session_resign",
		zap.String("game_id", s.id),
		zap.String("resigner", stableID),
		zap.String("result", string(s.result)),
	)
	return s.snapshotLocked(), nil
}

// Draw handles offer/accept. Accept requires the opponent to have an
// outstanding offer; offers are voided by the next completed move.
func (s *Session) Draw(stableID, action string) (ended bool, by coorddto.Color, snap coorddto.SessionSnapshot, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != coorddto.StatusPlaying {
		return false, "", s.snapshotLocked(), coorddto.ErrNotPlaying
	}
	p := s.playerLocked(stableID)
	if p == nil {
		return false, "", s.snapshotLocked(), coorddto.ErrPlayerNotInGame
	}
	switch action {
	case "offer":
		s.drawOfferBy = p.Color
		s.updatedAt = s.now()
		obslog.L().Info("session_draw_offer", zap.String("game_id", s.id), zap.String("by", stableID))
		return false, p.Color, s.snapshotLocked(), nil
	case "accept":
		if s.drawOfferBy == "" || s.drawOfferBy == p.Color {
			return false, "", s.snapshotLocked(), coorddto.ErrNoDrawOffer
		}
		s.finishLocked(coorddto.ResultDraw, coorddto.ReasonDrawAgreement)
		obslog.L().Info("session_draw_agreed", zap.String("game_id", s.id), zap.String("by", stableID))
		return true, p.Color, s.snapshotLocked(), nil
	}
	return false, "", s.snapshotLocked(), coorddto.NewError(coorddto.CodeValidationError, "unknown draw action")
}

// AddChat appends to the capped chat ring. Spectators may chat too, so the
// sender is not required to be a seated player.
func (s *Session) AddChat(stableID, name, text, kind string) (coorddto.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := coorddto.ChatMessage{
		Sender: stableID,
		Name:   name,
		Text:   text,
		Kind:   kind,
		At:     s.now(),
	}
	s.chat = append(s.chat, msg)
	if len(s.chat) > s.chatCap {
		s.chat = s.chat[len(s.chat)-s.chatCap:]
	}
	s.updatedAt = msg.At
	return msg, nil
}

// SetPlayerConnected toggles a player's connectivity. Disconnecting during
// PLAYING pauses the session; it resumes only when all players are connected
// again, restarting the clock that was running at pause time.
func (s *Session) SetPlayerConnected(stableID string, connected bool) (coorddto.SessionSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.playerLocked(stableID)
	if p == nil {
		return s.snapshotLocked(), coorddto.ErrPlayerNotInGame
	}
	p.Connected = connected
	s.updatedAt = s.now()

	if !connected && s.status == coorddto.StatusPlaying {
		s.pausedColor = s.runningColorLocked()
		if s.pausedColor != "" {
			c := s.clockFor(s.pausedColor)
			if c.ApplyElapsed(c.Stop()) {
				// disconnect landed exactly on flag fall
				s.finishLocked(resultFor(s.pausedColor.Opposite()), coorddto.ReasonTimeout)
				return s.snapshotLocked(), nil
			}
		}
		s.stopExpiryLocked()
		s.status = coorddto.StatusPaused
		obslog.L().Info("session_pause", zap.String("game_id", s.id), zap.String("disconnected", stableID))
	}

	if connected && s.status == coorddto.StatusPaused && s.allConnectedLocked() {
		s.status = coorddto.StatusPlaying
		if s.pausedColor != "" {
			s.clockFor(s.pausedColor).Start()
			s.armExpiryLocked(s.pausedColor)
		}
		obslog.L().Info("session_resume", zap.String("game_id", s.id), zap.String("reconnected", stableID))
	}
	return s.snapshotLocked(), nil
}

// Abandon finishes an unresolved session with no winner. A session that
// already reached a resolution (resign, timeout, mate) is left untouched;
// the second return value reports whether anything changed.
func (s *Session) Abandon() (coorddto.SessionSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == coorddto.StatusFinished {
		return s.snapshotLocked(), false
	}
	s.finishLocked(coorddto.ResultAbandoned, coorddto.ReasonAbandonment)
	obslog.L().Info("session_abandoned", zap.String("game_id", s.id))
	return s.snapshotLocked(), true
}

// PlayerColor reports the color of a seated player, empty if not seated.
func (s *Session) PlayerColor(stableID string) coorddto.Color {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p := s.playerLocked(stableID); p != nil {
		return p.Color
	}
	return ""
}

// PlayerIDs returns the stable ids of the seated players.
func (s *Session) PlayerIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.players))
	for _, p := range s.players {
		out = append(out, p.StableID)
	}
	return out
}

// Snapshot returns the canonical session shape.
func (s *Session) Snapshot() coorddto.SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// FinishedFor reports how long the session has been finished, zero if live.
func (s *Session) FinishedFor(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != coorddto.StatusFinished {
		return 0
	}
	return now.Sub(s.finishedAt)
}

// IdleFor reports the time since the last mutation.
func (s *Session) IdleFor(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.updatedAt)
}

// onClockExpiry is invoked by the armed timer when a running clock should
// have reached zero. It re-checks the authoritative remaining time; a timer
// that lost the race against a move or a pause is discarded.
func (s *Session) onClockExpiry(color coorddto.Color) {
	s.mu.Lock()
	if s.status != coorddto.StatusPlaying {
		s.mu.Unlock()
		return
	}
	c := s.clockFor(color)
	if !c.Running() {
		s.mu.Unlock()
		return
	}
	if rem := c.RemainingMs(); rem > 0 {
		s.armExpiryLocked(color)
		s.mu.Unlock()
		return
	}
	c.ApplyElapsed(c.Stop())
	s.finishLocked(resultFor(color.Opposite()), coorddto.ReasonTimeout)
	snap := s.snapshotLocked()
	cb := s.onEnd
	s.mu.Unlock()

	obslog.L().Info("session_timeout",
		zap.String("game_id", s.id),
		zap.String("flagged", string(color)),
		zap.String("result", string(snap.Result)),
	)
	if cb != nil {
		cb(snap)
	}
}

// internal

func (s *Session) playerLocked(stableID string) *Player {
	for _, p := range s.players {
		if p.StableID == stableID {
			return p
		}
	}
	return nil
}

func (s *Session) clockFor(c coorddto.Color) *clock.Clock {
	if c == coorddto.White {
		return s.white
	}
	return s.black
}

func (s *Session) runningColorLocked() coorddto.Color {
	if s.white.Running() {
		return coorddto.White
	}
	if s.black.Running() {
		return coorddto.Black
	}
	return ""
}

func (s *Session) allConnectedLocked() bool {
	for _, p := range s.players {
		if !p.Connected {
			return false
		}
	}
	return len(s.players) == 2
}

func (s *Session) finishLocked(result coorddto.Result, reason coorddto.EndReason) {
	if s.status == coorddto.StatusFinished {
		return
	}
	for _, c := range []*clock.Clock{s.white, s.black} {
		if c.Running() {
			c.ApplyElapsed(c.Stop())
		}
	}
	s.stopExpiryLocked()
	s.status = coorddto.StatusFinished
	s.result = result
	s.endReason = reason
	s.drawOfferBy = ""
	s.finishedAt = s.now()
	s.updatedAt = s.finishedAt
}

func (s *Session) armExpiryLocked(color coorddto.Color) {
	s.stopExpiryLocked()
	rem := s.clockFor(color).RemainingMs()
	s.expiry = time.AfterFunc(time.Duration(rem)*time.Millisecond, func() {
		s.onClockExpiry(color)
	})
}

func (s *Session) stopExpiryLocked() {
	if s.expiry != nil {
		s.expiry.Stop()
		s.expiry = nil
	}
}

func (s *Session) snapshotLocked() coorddto.SessionSnapshot {
	snap := coorddto.SessionSnapshot{
		ID:        s.id,
		FEN:       s.board.FEN(),
		Turn:      s.board.Turn(),
		Status:    s.status,
		Result:    s.result,
		EndReason: s.endReason,
		Settings:  s.settings,
		WhiteMs:   s.white.RemainingMs(),
		BlackMs:   s.black.RemainingMs(),
		CreatedAt: s.createdAt,
		UpdatedAt: s.updatedAt,
	}
	for _, p := range s.players {
		snap.Players = append(snap.Players, coorddto.PlayerSnapshot{
			StableID:  p.StableID,
			Name:      p.Name,
			Color:     p.Color,
			Rating:    p.Rating,
			Connected: p.Connected,
		})
	}
	snap.MovesSAN = make([]string, 0, len(s.history))
	snap.MovesUCI = make([]string, 0, len(s.history))
	for _, rec := range s.history {
		snap.MovesSAN = append(snap.MovesSAN, rec.SAN)
		snap.MovesUCI = append(snap.MovesUCI, rec.UCI)
	}
	if n := len(s.history); n > 0 {
		last := s.history[n-1]
		snap.LastMove = &last
	}
	serve := s.chatServe
	if serve > len(s.chat) {
		serve = len(s.chat)
	}
	if serve > 0 {
		snap.Chat = append([]coorddto.ChatMessage(nil), s.chat[len(s.chat)-serve:]...)
	}
	return snap
}

func resultFor(c coorddto.Color) coorddto.Result {
	if c == coorddto.White {
		return coorddto.ResultWhite
	}
	return coorddto.ResultBlack
}

// randSuffix returns a hex string of n bytes; falls back to a timestamp slice
// when crypto/rand fails.
func randSuffix(n int) string {
	if n <= 0 {
		n = 3
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err == nil {
		return hex.EncodeToString(b)
	}
	return fmt.Sprintf("%x", time.Now().UnixNano()%1_000_000)
}
