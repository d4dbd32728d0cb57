package coorddto

// Error codes surfaced in acks. The coordinator recovers every one of these
// locally; none of them terminates the process.
const (
	CodeRoomNotFound            = "ROOM_NOT_FOUND"
	CodeRoomExpired             = "ROOM_EXPIRED"
	CodeRoomFull                = "ROOM_FULL"
	CodeCodeGenerationExhausted = "CODE_GENERATION_EXHAUSTED"
	CodeInsufficientPlayers     = "INSUFFICIENT_PLAYERS"
	CodeNotPlaying              = "NOT_PLAYING"
	CodePlayerNotInGame         = "PLAYER_NOT_IN_GAME"
	CodeNotYourTurn             = "NOT_YOUR_TURN"
	CodeIllegalMove             = "ILLEGAL_MOVE"
	CodeNoDrawOffer             = "NO_DRAW_OFFER"
	CodeSessionNotFound         = "SESSION_NOT_FOUND"
	CodeAuthenticationRequired  = "AUTHENTICATION_REQUIRED"
	CodeValidationError         = "VALIDATION_ERROR"
	CodeServerBusy              = "SERVER_BUSY"
	CodeInternalError           = "INTERNAL_ERROR"
)

type DomainError struct {
	Code      string
	Message   string
	Retryable bool
}

func (e DomainError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Code != "" {
		return e.Code
	}
	return "coordination error"
}

// NewError builds a non-retryable DomainError.
func NewError(code, message string) DomainError {
	return DomainError{Code: code, Message: message}
}

// Sentinel errors shared across the registries and the coordinator. All are
// DomainError values so the wire layer can lift the code into the ack without
// string matching.
var (
	ErrRoomNotFound            = NewError(CodeRoomNotFound, "room not found")
	ErrRoomExpired             = NewError(CodeRoomExpired, "room expired")
	ErrRoomFull                = NewError(CodeRoomFull, "room already has two players")
	ErrCodeGenerationExhausted = NewError(CodeCodeGenerationExhausted, "failed to allocate room code")
	ErrInsufficientPlayers     = NewError(CodeInsufficientPlayers, "two players are required to start")
	ErrNotPlaying              = NewError(CodeNotPlaying, "game is not in progress")
	ErrPlayerNotInGame         = NewError(CodePlayerNotInGame, "player is not part of this game")
	ErrNotYourTurn             = NewError(CodeNotYourTurn, "it is the opponent's turn")
	ErrIllegalMove             = NewError(CodeIllegalMove, "illegal move")
	ErrNoDrawOffer             = NewError(CodeNoDrawOffer, "no outstanding draw offer")
	ErrSessionNotFound         = NewError(CodeSessionNotFound, "session not found")
	ErrAuthenticationRequired  = NewError(CodeAuthenticationRequired, "authenticate first")
)
