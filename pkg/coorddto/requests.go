package coorddto

// Client → server payloads. Validation tags are enforced at the websocket
// boundary before any registry call; failures surface as VALIDATION_ERROR.

type AuthenticateRequest struct {
	DisplayName   string `json:"display_name" validate:"required,min=1,max=32"`
	PriorStableID string `json:"prior_stable_id,omitempty" validate:"omitempty,uuid4"`
}

type CreateRoomRequest struct {
	InitialMs   int64 `json:"initial_ms" validate:"required,min=10000,max=21600000"`
	IncrementMs int64 `json:"increment_ms" validate:"min=0,max=60000"`
	Rated       bool  `json:"rated"`
}

type JoinRoomRequest struct {
	Code        string `json:"code" validate:"required,len=4"`
	AsSpectator bool   `json:"as_spectator"`
}

type JoinMatchmakingRequest struct {
	InitialMs   int64 `json:"initial_ms" validate:"required,min=10000,max=21600000"`
	IncrementMs int64 `json:"increment_ms" validate:"min=0,max=60000"`
	Rated       bool  `json:"rated"`
}

type MakeMoveRequest struct {
	GameID    string `json:"game_id" validate:"required"`
	From      string `json:"from" validate:"required,min=2,max=8"`
	To        string `json:"to" validate:"omitempty,len=2"`
	Promotion string `json:"promotion,omitempty" validate:"omitempty,oneof=q r b n"`
}

type ResignRequest struct {
	GameID string `json:"game_id" validate:"required"`
}

type DrawOfferRequest struct {
	GameID string `json:"game_id" validate:"required"`
	Action string `json:"action" validate:"required,oneof=offer accept"`
}

type ChatRequest struct {
	GameID string `json:"game_id" validate:"required"`
	Text   string `json:"text" validate:"required,min=1,max=500"`
}

// Server → client payloads.

type AuthenticatedEvent struct {
	StableID       string `json:"stable_id"`
	DisplayName    string `json:"display_name"`
	Rating         int    `json:"rating"`
	IsReconnection bool   `json:"is_reconnection"`
}

type CreateRoomResponse struct {
	Code string       `json:"code"`
	Room RoomSnapshot `json:"room"`
}

type JoinRoomResponse struct {
	Role  Role         `json:"role"`
	Color Color        `json:"color,omitempty"`
	Room  RoomSnapshot `json:"room"`
}

type LeaveRoomResponse struct {
	Code string `json:"code,omitempty"`
}

type MatchmakingResponse struct {
	Position int `json:"position"`
}

type MoveResponse struct {
	Move    MoveRecord      `json:"move"`
	Session SessionSnapshot `json:"session"`
}

type GameStartedEvent struct {
	GameID  string          `json:"game_id"`
	Session SessionSnapshot `json:"session"`
}

type GameEndedEvent struct {
	GameID    string          `json:"game_id"`
	Result    Result          `json:"result"`
	EndReason EndReason       `json:"end_reason"`
	Session   SessionSnapshot `json:"session"`
}

type DrawOfferedEvent struct {
	GameID string `json:"game_id"`
	By     string `json:"by"`
	Color  Color  `json:"color"`
}

type GamePauseEvent struct {
	GameID  string          `json:"game_id"`
	Session SessionSnapshot `json:"session"`
}

// ErrorEvent is the unsolicited error push for failures that have no
// originating request to ack, such as a capacity-blocked game start.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
