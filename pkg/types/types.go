package types

import (
	"encoding/json"
	"time"
)

// RoomState is the lifecycle state of a room. States only move forward,
// except for the abort path into RoomClosed.
type RoomState string

const (
	RoomLobby        RoomState = "lobby"
	RoomStarting     RoomState = "starting"
	RoomRoundActive  RoomState = "round_active"
	RoomRoundResults RoomState = "round_results"
	RoomFinished     RoomState = "finished"
	RoomClosed       RoomState = "closed"
)

// ParticipantStatus is the transport-facing status of a participant.
type ParticipantStatus string

const (
	StatusConnected    ParticipantStatus = "connected"
	StatusDisconnected ParticipantStatus = "disconnected" // pending reconnect
	StatusLeft         ParticipantStatus = "left"
)

// Client -> server message kinds.
const (
	MessageTypeJoin         = "join"
	MessageTypeLeave        = "leave"
	MessageTypeStart        = "start"
	MessageTypeSubmitAnswer = "submitAnswer"
	MessageTypeClose        = "close"
	MessageTypePing         = "ping"
)

// Server -> client message kinds.
const (
	MessageTypeRoomState         = "roomState"
	MessageTypeQuestionBroadcast = "questionBroadcast"
	MessageTypeRoundResult       = "roundResult"
	MessageTypeFinalResult       = "finalResult"
	MessageTypePresenceUpdate    = "presenceUpdate"
	MessageTypeErrorEvent        = "errorEvent"
	MessageTypeAnswerAccepted    = "answerAccepted"
	MessageTypeRoomClosed        = "roomClosed"
	MessageTypePong              = "pong"
)

// NoRound is the round number reported before the first round starts.
const NoRound = -1

// RoomConfig is the configuration a room is created with.
type RoomConfig struct {
	QuestionSet     string        `json:"question_set" validate:"required,max=100"`
	TimeLimit       time.Duration `json:"time_limit" validate:"gt=0"`
	MaxParticipants int           `json:"max_participants" validate:"gte=2"`
	MinParticipants int           `json:"min_participants" validate:"gte=1,ltefield=MaxParticipants"`
}

// Question is one pre-validated question record from the question source.
type Question struct {
	ID      string   `json:"id"`
	Prompt  string   `json:"prompt"`
	Options []string `json:"options,omitempty"`
	Answer  string   `json:"answer"`
}

// PublicQuestion is the question as broadcast to participants; it never
// carries the correct answer.
type PublicQuestion struct {
	ID      string   `json:"id"`
	Prompt  string   `json:"prompt"`
	Options []string `json:"options,omitempty"`
}

// Public strips the answer from a question.
func (q Question) Public() PublicQuestion {
	return PublicQuestion{ID: q.ID, Prompt: q.Prompt, Options: q.Options}
}

// QuestionSet is a named, ordered list of questions.
type QuestionSet struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Questions []Question `json:"questions"`
	CreatedAt time.Time  `json:"created_at"`
}

// ParticipantView is one roster entry as seen by clients.
type ParticipantView struct {
	UserID  string            `json:"userId"`
	Handle  string            `json:"handle"`
	Status  ParticipantStatus `json:"status"`
	Score   int               `json:"score"`
	IsOwner bool              `json:"isOwner"`
}

// RoomSnapshot is the read-only room metadata served over HTTP and in
// roomState messages.
type RoomSnapshot struct {
	Code            string            `json:"code"`
	Owner           string            `json:"owner"`
	State           RoomState         `json:"state"`
	RoundNumber     int               `json:"roundNumber"`
	TotalRounds     int               `json:"totalRounds"`
	QuestionSet     string            `json:"questionSet"`
	TimeLimitMs     int64             `json:"timeLimitMs"`
	MaxParticipants int               `json:"maxParticipants"`
	MinParticipants int               `json:"minParticipants"`
	CreatedAt       time.Time         `json:"createdAt"`
	Participants    []ParticipantView `json:"participants"`
}

// RoundPoints is one participant's outcome for one round.
type RoundPoints struct {
	UserID    string `json:"userId"`
	Answered  bool   `json:"answered"`
	Correct   bool   `json:"correct"`
	Points    int    `json:"points"`
	LatencyMs int64  `json:"latencyMs"`
	// Forfeited marks an answer accepted before the participant left and
	// rejoined; it stays on the record but does not count toward the score.
	Forfeited bool `json:"forfeited,omitempty"`
}

// CumulativeScore is a running total after a round.
type CumulativeScore struct {
	UserID string `json:"userId"`
	Score  int    `json:"score"`
}

// RankEntry is one row of the final ranking.
type RankEntry struct {
	Rank           int               `json:"rank"`
	UserID         string            `json:"userId"`
	Handle         string            `json:"handle"`
	Score          int               `json:"score"`
	TotalLatencyMs int64             `json:"totalLatencyMs"`
	Status         ParticipantStatus `json:"status"`
}

// FinalResults is the read-only snapshot handed to durable storage once a
// room finishes.
type FinalResults struct {
	ID          string      `json:"id"`
	RoomCode    string      `json:"roomCode"`
	QuestionSet string      `json:"questionSet"`
	Rounds      int         `json:"rounds"`
	FinishedAt  time.Time   `json:"finishedAt"`
	Ranking     []RankEntry `json:"ranking"`
}

// ClientMessage is the envelope for every client -> server frame.
type ClientMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// JoinPayload is the payload of a join message.
type JoinPayload struct {
	RoomCode string `json:"roomCode"`
}

// SubmitAnswerPayload is the payload of a submitAnswer message. Any
// client-supplied timestamp is accepted on the wire but never used.
type SubmitAnswerPayload struct {
	RoundNumber     int    `json:"roundNumber"`
	Answer          string `json:"answer"`
	ClientTimestamp *int64 `json:"clientTimestamp,omitempty"`
}

// ServerMessage is the envelope for every server -> client frame. Room code
// and round number are always present so clients can discard stale frames.
type ServerMessage struct {
	Type        string      `json:"type"`
	RoomCode    string      `json:"roomCode"`
	RoundNumber int         `json:"roundNumber"`
	Payload     interface{} `json:"payload,omitempty"`
	Timestamp   time.Time   `json:"timestamp"`
}

// RoomStatePayload is sent on every state transition and to (re)joining clients.
type RoomStatePayload struct {
	State        RoomState         `json:"state"`
	RoundNumber  int               `json:"roundNumber"`
	Participants []ParticipantView `json:"participants"`
}

// QuestionBroadcastPayload starts a round on the client.
type QuestionBroadcastPayload struct {
	RoundNumber int            `json:"roundNumber"`
	Question    PublicQuestion `json:"question"`
	Deadline    time.Time      `json:"deadline"`
	TimeLimitMs int64          `json:"timeLimitMs"`
	TotalRounds int            `json:"totalRounds"`
}

// RoundResultPayload is the per-round tally.
type RoundResultPayload struct {
	RoundNumber          int               `json:"roundNumber"`
	CorrectAnswer        string            `json:"correctAnswer"`
	PerParticipantPoints []RoundPoints     `json:"perParticipantPoints"`
	CumulativeScores     []CumulativeScore `json:"cumulativeScores"`
}

// FinalResultPayload carries the final ranking.
type FinalResultPayload struct {
	Ranking []RankEntry `json:"ranking"`
}

// PresenceUpdatePayload carries the current roster.
type PresenceUpdatePayload struct {
	Participants []ParticipantView `json:"participants"`
}

// ErrorEventPayload reports a rejected action.
type ErrorEventPayload struct {
	Reason  Reason `json:"reason"`
	Message string `json:"message"`
}

// AnswerAcceptedPayload acknowledges an accepted submission to its sender.
type AnswerAcceptedPayload struct {
	RoundNumber int `json:"roundNumber"`
	Points      int `json:"points"`
}

// RoomClosedPayload tells clients the room is gone.
type RoomClosedPayload struct {
	Reason string `json:"reason"`
}
