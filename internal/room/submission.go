package room

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"arena/pkg/types"
)

type submission struct {
	answer     string
	receivedAt time.Time
	latency    time.Duration
	correct    bool
	points     int
	membership int
}

// SubmitAnswer records a participant's answer for a round and returns the
// points it earned. Latency is measured from the server's receipt time;
// the client never supplies it.
func (r *Room) SubmitAnswer(ctx context.Context, userID string, roundNumber int, answer string) (int, error) {
	received := r.clock.Now()

	var points int
	var submitErr error
	if err := r.do(ctx, func() {
		points, submitErr = r.submit(userID, roundNumber, answer, received)
	}); err != nil {
		return 0, err
	}
	return points, submitErr
}

func (r *Room) submit(userID string, roundNumber int, answer string, received time.Time) (int, error) {
	p, ok := r.participants[userID]
	if !ok || p.status == types.StatusLeft {
		return 0, types.ErrNotParticipant
	}

	rd := r.active
	if rd == nil || rd.number != roundNumber {
		if rd == nil && r.lastRound != types.NoRound && roundNumber == r.lastRound {
			return 0, types.ErrRoundClosed
		}
		return 0, types.ErrRoundMismatch
	}
	if _, dup := rd.submissions[userID]; dup {
		return 0, types.ErrDuplicateSubmission
	}
	if !received.Before(rd.deadline) {
		// The deadline timer has not been processed yet.
		r.finalizeRound("deadline passed")
		return 0, types.ErrRoundClosed
	}
	if !p.eligibleFor(rd.number) {
		return 0, types.ErrNotEligible
	}
	if err := types.ValidateAnswer(rd.question, answer); err != nil {
		return 0, err
	}

	latency := received.Sub(rd.startedAt)
	if latency < 0 {
		latency = 0
	}
	correct := types.IsCorrect(rd.question, answer)
	points := r.strategy.Points(correct, latency, r.cfg.TimeLimit)

	rd.submissions[userID] = &submission{
		answer:     answer,
		receivedAt: received,
		latency:    latency,
		correct:    correct,
		points:     points,
		membership: p.membership,
	}
	r.log.WithFields(logrus.Fields{
		"user_id":    userID,
		"round":      rd.number,
		"latency_ms": latency.Milliseconds(),
		"points":     points,
	}).Debug("Submission accepted")

	r.send(userID, types.MessageTypeAnswerAccepted, types.AnswerAcceptedPayload{
		RoundNumber: rd.number,
		Points:      points,
	})

	if r.allSubmitted(rd) {
		r.finalizeRound("all connected participants answered")
	}
	return points, nil
}
