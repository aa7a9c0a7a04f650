package room

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"arena/internal/scoring"
	"arena/pkg/types"
)

type round struct {
	number      int
	question    types.Question
	startedAt   time.Time
	deadline    time.Time
	submissions map[string]*submission
}

// StartRound begins the next round immediately, skipping any pending
// inter-round pause. It fails with ErrRoundActive while a round is open.
func (r *Room) StartRound(ctx context.Context) (int, error) {
	var number int
	var startErr error
	err := r.do(ctx, func() {
		switch r.state {
		case types.RoomLobby:
			startErr = types.ErrNotStarted
			return
		case types.RoomFinished:
			startErr = types.ErrGameFinished
			return
		}
		if r.active != nil {
			startErr = types.ErrRoundActive
			return
		}
		rd, err := r.startRound()
		if err != nil {
			startErr = err
			return
		}
		number = rd.number
	})
	if err != nil {
		return 0, err
	}
	return number, startErr
}

// advance is the scheduled step out of Starting or RoundResults.
func (r *Room) advance() {
	if r.state != types.RoomStarting && r.state != types.RoomRoundResults {
		return
	}
	if _, err := r.startRound(); err != nil {
		if types.KindOf(err) == types.KindFatal {
			r.abort(err)
			return
		}
		r.log.WithError(err).Warn("Could not advance to the next round")
	}
}

func (r *Room) startRound() (*round, error) {
	if r.active != nil {
		return nil, types.Fatalf("round %d is still active while starting round %d", r.active.number, r.lastRound+1)
	}
	next := r.lastRound + 1
	if next >= len(r.questions) {
		return nil, types.ErrQuestionsExhausted
	}
	r.cancel(timerAdvance)

	now := r.clock.Now()
	rd := &round{
		number:      next,
		question:    r.questions[next],
		startedAt:   now,
		deadline:    now.Add(r.cfg.TimeLimit),
		submissions: make(map[string]*submission),
	}
	r.active = rd
	r.arm(timerDeadline, r.cfg.TimeLimit, func() {
		if r.active == rd {
			r.finalizeRound("deadline passed")
		}
	})

	r.transition(types.RoomRoundActive)
	r.broadcast(types.MessageTypeQuestionBroadcast, r.questionPayload(rd))
	r.log.WithFields(logrus.Fields{"round": rd.number, "deadline": rd.deadline}).Info("Round started")
	return rd, nil
}

// allSubmitted reports whether every connected participant eligible for the
// round has answered. Participants pending reconnect do not hold a round
// open, and a round nobody connected can answer waits for its deadline.
func (r *Room) allSubmitted(rd *round) bool {
	eligible := lo.Filter(lo.Values(r.participants), func(p *participant, _ int) bool {
		return p.status == types.StatusConnected && p.eligibleFor(rd.number)
	})
	if len(eligible) == 0 {
		return false
	}
	return lo.EveryBy(eligible, func(p *participant) bool {
		_, ok := rd.submissions[p.userID]
		return ok
	})
}

// finalizeRound closes the active round, tallies it and moves on to either
// the inter-round pause or the final results.
func (r *Room) finalizeRound(reason string) {
	rd := r.active
	if rd == nil {
		return
	}
	r.cancel(timerDeadline)
	r.active = nil
	r.lastRound = rd.number
	r.archive = append(r.archive, rd)

	tally := r.tally(rd)
	cumulative := lo.Map(r.order, func(id string, _ int) types.CumulativeScore {
		return types.CumulativeScore{UserID: id, Score: r.participants[id].score}
	})

	r.log.WithFields(logrus.Fields{
		"round":       rd.number,
		"reason":      reason,
		"submissions": len(rd.submissions),
	}).Info("Round finalized")

	r.transition(types.RoomRoundResults)
	r.broadcast(types.MessageTypeRoundResult, types.RoundResultPayload{
		RoundNumber:          rd.number,
		CorrectAnswer:        rd.question.Answer,
		PerParticipantPoints: tally,
		CumulativeScores:     cumulative,
	})

	if rd.number+1 >= len(r.questions) {
		r.finish()
		return
	}
	r.arm(timerAdvance, r.settings.InterRoundPause, r.advance)
}

// tally applies a finalized round to participant totals. Eligible
// participants who did not answer are charged the full time limit. Answers
// from before a rejoin are reported as forfeited and not scored.
func (r *Room) tally(rd *round) []types.RoundPoints {
	limit := r.cfg.TimeLimit
	points := make([]types.RoundPoints, 0, len(r.order))

	for _, id := range r.order {
		p := r.participants[id]
		var rp types.RoundPoints
		var latency time.Duration

		if sub, ok := rd.submissions[id]; ok {
			latency = sub.latency
			rp = types.RoundPoints{
				UserID:    id,
				Answered:  true,
				Correct:   sub.correct,
				Points:    sub.points,
				LatencyMs: sub.latency.Milliseconds(),
				Forfeited: sub.membership != p.membership,
			}
			if rp.Forfeited {
				p.history = append(p.history, rp)
				points = append(points, rp)
				continue
			}
		} else if p.eligibleFor(rd.number) {
			latency = limit
			rp = types.RoundPoints{UserID: id, LatencyMs: limit.Milliseconds()}
		} else {
			continue
		}

		p.score += rp.Points
		p.totalLatency += latency
		p.history = append(p.history, rp)
		points = append(points, rp)
	}
	return points
}

func (r *Room) finish() {
	standings := lo.Map(r.order, func(id string, _ int) scoring.Standing {
		p := r.participants[id]
		return scoring.Standing{
			UserID:       p.userID,
			Handle:       p.handle,
			Score:        p.score,
			TotalLatency: p.totalLatency,
			JoinedAt:     p.joinedAt,
			Status:       p.status,
		}
	})

	r.final = &types.FinalResults{
		ID:          uuid.NewString(),
		RoomCode:    r.code,
		QuestionSet: r.cfg.QuestionSet,
		Rounds:      len(r.archive),
		FinishedAt:  r.clock.Now(),
		Ranking:     scoring.Rank(standings),
	}

	r.transition(types.RoomFinished)
	r.broadcast(types.MessageTypeFinalResult, types.FinalResultPayload{Ranking: r.final.Ranking})
	r.log.WithField("rounds", r.final.Rounds).Info("Game finished")

	r.saveResults(r.final)
	r.arm(timerRetention, r.settings.ResultsRetention, func() {
		r.close("results retention expired", nil)
	})
}

// saveResults hands the snapshot to the result store off the room goroutine.
func (r *Room) saveResults(res *types.FinalResults) {
	if r.results == nil {
		return
	}
	store := r.results
	log := r.log
	timeout := r.settings.SaveTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := store.SaveResults(ctx, res); err != nil {
			log.WithError(err).Error("Failed to save final results")
			return
		}
		log.WithField("result_id", res.ID).Debug("Final results saved")
	}()
}
