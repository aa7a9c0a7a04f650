package room

import (
	"context"

	"github.com/sirupsen/logrus"

	"arena/pkg/types"
)

// StartGame moves the room from Lobby to Starting on the owner's command
// and schedules round 0.
func (r *Room) StartGame(ctx context.Context, userID string) error {
	var startErr error
	if err := r.do(ctx, func() { startErr = r.startGame(userID) }); err != nil {
		return err
	}
	return startErr
}

func (r *Room) startGame(userID string) error {
	if userID != r.owner {
		return types.ErrNotOwner
	}
	switch r.state {
	case types.RoomLobby:
	case types.RoomFinished:
		return types.ErrGameFinished
	default:
		return types.ErrAlreadyStarted
	}
	if r.connectedCount() < r.cfg.MinParticipants {
		return types.ErrInsufficientParticipants
	}
	if len(r.questions) == 0 {
		return types.ErrQuestionsExhausted
	}

	r.transition(types.RoomStarting)
	r.log.WithFields(logrus.Fields{
		"user_id":      userID,
		"participants": r.connectedCount(),
		"rounds":       len(r.questions),
	}).Info("Game starting")

	if r.settings.StartDelay > 0 {
		r.arm(timerAdvance, r.settings.StartDelay, r.advance)
		return nil
	}
	r.advance()
	return nil
}

// transition moves to a new state and tells everyone. Callers guarantee
// the move is forward.
func (r *Room) transition(to types.RoomState) {
	r.log.WithFields(logrus.Fields{"from": r.state, "to": to}).Debug("State transition")
	r.state = to
	r.broadcast(types.MessageTypeRoomState, r.statePayload())
}

func (r *Room) statePayload() types.RoomStatePayload {
	return types.RoomStatePayload{
		State:        r.state,
		RoundNumber:  r.currentRound(),
		Participants: r.roster(),
	}
}

func (r *Room) questionPayload(rd *round) types.QuestionBroadcastPayload {
	return types.QuestionBroadcastPayload{
		RoundNumber: rd.number,
		Question:    rd.question.Public(),
		Deadline:    rd.deadline,
		TimeLimitMs: r.cfg.TimeLimit.Milliseconds(),
		TotalRounds: len(r.questions),
	}
}

func (r *Room) snapshot() types.RoomSnapshot {
	return types.RoomSnapshot{
		Code:            r.code,
		Owner:           r.owner,
		State:           r.state,
		RoundNumber:     r.currentRound(),
		TotalRounds:     len(r.questions),
		QuestionSet:     r.cfg.QuestionSet,
		TimeLimitMs:     r.cfg.TimeLimit.Milliseconds(),
		MaxParticipants: r.cfg.MaxParticipants,
		MinParticipants: r.cfg.MinParticipants,
		CreatedAt:       r.createdAt,
		Participants:    r.roster(),
	}
}
