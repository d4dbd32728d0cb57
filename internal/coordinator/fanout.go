package coordinator

import (
	"time"

	"go.uber.org/zap"

	"github.com/castled-io/castled/internal/obslog"
	"github.com/castled-io/castled/pkg/coorddto"
)

// watch subscribes a stable identity to a session's event stream.
func (c *Coordinator) watch(sessionID, stableID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.watchers[sessionID]
	if !ok {
		set = make(map[string]bool)
		c.watchers[sessionID] = set
	}
	set[stableID] = true
}

// sendTo pushes an event to a stable identity's live connection, if any.
func (c *Coordinator) sendTo(stableID, event string, data any) {
	c.mu.Lock()
	connID, ok := c.byStable[stableID]
	conn := c.conns[connID]
	c.mu.Unlock()
	if !ok || conn == nil {
		return
	}
	conn.Send(event, data)
}

// broadcastRoom pushes the current room snapshot to all occupants except one
// (the requester already has it in the ack).
func (c *Coordinator) broadcastRoom(code, exclude string) {
	snap := c.rooms.Get(code)
	if snap == nil {
		return
	}
	for _, id := range c.rooms.MembersExcept(code, exclude) {
		c.sendTo(id, EvRoomUpdated, *snap)
	}
}

// broadcastSession pushes an event to every watcher of a session.
// playersOnly restricts delivery to seated players (draw offers).
func (c *Coordinator) broadcastSession(sessionID, event string, data any, exclude string, playersOnly bool) {
	c.mu.Lock()
	ids := make([]string, 0, len(c.watchers[sessionID]))
	for id := range c.watchers[sessionID] {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	var isPlayer map[string]bool
	if playersOnly {
		if sess, err := c.sessions.Get(sessionID); err == nil {
			isPlayer = make(map[string]bool)
			for _, id := range sess.PlayerIDs() {
				isPlayer[id] = true
			}
		}
	}
	for _, id := range ids {
		if id == exclude {
			continue
		}
		if playersOnly && !isPlayer[id] {
			continue
		}
		c.sendTo(id, event, data)
	}
}

// finishSession fans out game_ended and applies rating updates for rated
// games. exclude is the requester whose ack already carries the result.
func (c *Coordinator) finishSession(snap coorddto.SessionSnapshot, exclude string) {
	c.broadcastSession(snap.ID, EvGameEnded, coorddto.GameEndedEvent{
		GameID:    snap.ID,
		Result:    snap.Result,
		EndReason: snap.EndReason,
		Session:   snap,
	}, exclude, false)
	for _, p := range snap.Players {
		c.dir.SetSession(p.StableID, "")
	}
	if snap.Settings.Rated {
		c.applyRatings(snap)
	}
	obslog.L().Info("session_end",
		zap.String("game_id", snap.ID),
		zap.String("result", string(snap.Result)),
		zap.String("reason", string(snap.EndReason)),
	)
}

func (c *Coordinator) applyRatings(snap coorddto.SessionSnapshot) {
	var white, black *coorddto.PlayerSnapshot
	for i := range snap.Players {
		if snap.Players[i].Color == coorddto.White {
			white = &snap.Players[i]
		} else {
			black = &snap.Players[i]
		}
	}
	if white == nil || black == nil {
		return
	}
	var whiteScore float64
	switch snap.Result {
	case coorddto.ResultWhite:
		whiteScore = 1
	case coorddto.ResultDraw:
		whiteScore = 0.5
	case coorddto.ResultBlack:
		whiteScore = 0
	default:
		// abandoned games are not rated
		return
	}
	newWhite, newBlack := c.score(white.Rating, black.Rating, whiteScore)
	c.dir.SetRating(white.StableID, newWhite)
	c.dir.SetRating(black.StableID, newBlack)
	obslog.L().Info("rating_update",
		zap.String("game_id", snap.ID),
		zap.Int("white", newWhite),
		zap.Int("black", newBlack),
	)
}

// onTimerFinish is the session callback for timer-driven finishes (clock
// expiry). Panics are contained so a broken callback cannot kill the timer
// goroutine's owner.
func (c *Coordinator) onTimerFinish(snap coorddto.SessionSnapshot) {
	defer func() {
		if r := recover(); r != nil {
			obslog.L().Error("timer_finish_panic", zap.Any("panic", r))
		}
	}()
	c.finishSession(snap, "")
}

// armGrace schedules final removal of a disconnected identity. The timer is
// cancellable so a quick reconnect deterministically aborts the removal.
func (c *Coordinator) armGrace(stableID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelGraceLocked(stableID)
	c.grace[stableID] = time.AfterFunc(c.cfg.GracePeriod, func() {
		c.graceExpired(stableID)
	})
}

func (c *Coordinator) cancelGraceLocked(stableID string) {
	if t, ok := c.grace[stableID]; ok {
		t.Stop()
		delete(c.grace, stableID)
	}
}

// graceExpired treats the identity as truly gone: it leaves its room and an
// unresolved session finishes as abandoned. A reconnection that landed in
// the meantime makes this a no-op.
func (c *Coordinator) graceExpired(stableID string) {
	defer func() {
		if r := recover(); r != nil {
			obslog.L().Error("grace_panic", zap.Any("panic", r))
		}
	}()
	c.mu.Lock()
	delete(c.grace, stableID)
	c.mu.Unlock()

	ident, ok := c.dir.Get(stableID)
	if !ok || ident.Live {
		return
	}
	obslog.L().Info("grace_expired", zap.String("stable_id", stableID))

	if ident.SessionID != "" {
		if sess, err := c.sessions.Get(ident.SessionID); err == nil {
			if snap, changed := sess.Abandon(); changed {
				c.finishSession(snap, "")
			}
		}
		c.dir.SetSession(stableID, "")
	}
	if ident.RoomCode != "" {
		if res, err := c.rooms.Leave(stableID); err == nil && !res.Deleted {
			c.broadcastRoom(res.Code, stableID)
		}
		c.dir.SetRoom(stableID, "")
	}
}
