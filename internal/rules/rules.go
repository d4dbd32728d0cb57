// Package rules is the move-validator boundary. The coordination core treats
// the board as opaque: it hands candidate moves in and reads back legality,
// SAN, FEN, and terminal flags. No other package imports the chess library.
package rules

import (
	"errors"
	"strings"

	nchess "github.com/corentings/chess/v2"

	"github.com/castled-io/castled/pkg/coorddto"
)

var ErrIllegalMove = errors.New("illegal move")

// Outcome reports whether the position after a move is terminal and how.
type Outcome struct {
	Terminal bool
	Result   coorddto.Result
	Reason   coorddto.EndReason
}

// MoveResult is what a successfully applied move produced.
type MoveResult struct {
	SAN     string
	UCI     string
	FEN     string
	Check   bool
	Outcome Outcome
}

// Board wraps one game's position. Not safe for concurrent use; the owning
// session serializes access.
type Board struct {
	game *nchess.Game
}

func NewBoard() *Board {
	return &Board{game: nchess.NewGame()}
}

// Turn returns the side to move.
func (b *Board) Turn() coorddto.Color {
	if b.game.Position().Turn() == nchess.White {
		return coorddto.White
	}
	return coorddto.Black
}

// FEN returns the current position.
func (b *Board) FEN() string {
	return b.game.FEN()
}

// ApplyMove validates and applies a candidate move. from/to/promotion form a
// UCI move; when to is empty, from is tried as SAN so clients may submit
// either notation. Returns ErrIllegalMove on rejection with the position
// untouched.
func (b *Board) ApplyMove(from, to, promotion string) (*MoveResult, error) {
	pos := b.game.Position()

	uci := strings.ToLower(strings.TrimSpace(from) + strings.TrimSpace(to) + strings.TrimSpace(promotion))
	if uci == "" {
		return nil, ErrIllegalMove
	}

	var san, appliedUCI string
	notationUCI := nchess.UCINotation{}
	if mv, derr := notationUCI.Decode(pos, uci); derr == nil {
		if err := b.game.Move(mv, nil); err != nil {
			return nil, ErrIllegalMove
		}
		san = nchess.AlgebraicNotation{}.Encode(pos, mv)
		appliedUCI = uci
	} else if to == "" {
		// SAN fallback, single-token input only
		if err := b.game.PushNotationMove(strings.TrimSpace(from), nchess.AlgebraicNotation{}, nil); err != nil {
			return nil, ErrIllegalMove
		}
		moves := b.game.Moves()
		last := moves[len(moves)-1]
		san = nchess.AlgebraicNotation{}.Encode(pos, last)
		appliedUCI = last.String()
	} else {
		return nil, ErrIllegalMove
	}

	res := &MoveResult{
		SAN:     san,
		UCI:     appliedUCI,
		FEN:     b.game.FEN(),
		Check:   strings.HasSuffix(san, "+"),
		Outcome: b.outcome(),
	}
	return res, nil
}

func (b *Board) outcome() Outcome {
	switch b.game.Outcome() {
	case nchess.WhiteWon:
		return Outcome{Terminal: true, Result: coorddto.ResultWhite, Reason: reasonFrom(b.game.Method())}
	case nchess.BlackWon:
		return Outcome{Terminal: true, Result: coorddto.ResultBlack, Reason: reasonFrom(b.game.Method())}
	case nchess.Draw:
		return Outcome{Terminal: true, Result: coorddto.ResultDraw, Reason: reasonFrom(b.game.Method())}
	}
	return Outcome{}
}

func reasonFrom(m nchess.Method) coorddto.EndReason {
	switch m {
	case nchess.Checkmate:
		return coorddto.ReasonCheckmate
	case nchess.Stalemate:
		return coorddto.ReasonStalemate
	case nchess.ThreefoldRepetition, nchess.FivefoldRepetition:
		return coorddto.ReasonRepetition
	case nchess.FiftyMoveRule, nchess.SeventyFiveMoveRule:
		return coorddto.ReasonFiftyMove
	case nchess.InsufficientMaterial:
		return coorddto.ReasonInsufficientMaterial
	}
	return coorddto.ReasonNone
}
