package room

import (
	"context"
	"time"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"arena/pkg/interfaces"
	"arena/pkg/types"
)

type participant struct {
	userID   string
	handle   string
	status   types.ParticipantStatus
	joinedAt time.Time
	channel  interfaces.Channel

	// membership increases on every rejoin after leaving. Submissions made
	// under an earlier membership are forfeited.
	membership int

	// eligibleFrom is the first round number the participant may answer.
	eligibleFrom int
	score        int
	totalLatency time.Duration
	history      []types.RoundPoints
}

func (p *participant) eligibleFor(roundNumber int) bool {
	return p.status != types.StatusLeft && roundNumber >= p.eligibleFrom
}

// view reports a participant pending reconnect as connected; drops are
// not visible to others until the grace period expires.
func (p *participant) view(owner string) types.ParticipantView {
	status := p.status
	if status == types.StatusDisconnected {
		status = types.StatusConnected
	}
	return types.ParticipantView{
		UserID:  p.userID,
		Handle:  p.handle,
		Status:  status,
		Score:   p.score,
		IsOwner: p.userID == owner,
	}
}

// Join attaches a channel for its user. A user who is already a member
// keeps their participant record and only the channel is replaced.
func (r *Room) Join(ctx context.Context, ch interfaces.Channel) (types.RoomSnapshot, error) {
	var snap types.RoomSnapshot
	var joinErr error
	err := r.do(ctx, func() {
		joinErr = r.join(ch)
		if joinErr == nil {
			snap = r.snapshot()
		}
	})
	if err != nil {
		return types.RoomSnapshot{}, err
	}
	return snap, joinErr
}

func (r *Room) join(ch interfaces.Channel) error {
	userID := ch.GetUserID()
	log := r.log.WithFields(logrus.Fields{"user_id": userID, "action": "join"})
	now := r.clock.Now()

	p, exists := r.participants[userID]
	switch {
	case exists && p.status != types.StatusLeft:
		if p.channel == ch {
			r.sendCatchUp(p)
			return nil
		}
	case exists:
		// Left participants rejoin from scratch.
		if r.state == types.RoomFinished {
			return types.ErrGameFinished
		}
		if r.memberCount() >= r.cfg.MaxParticipants {
			return types.ErrRoomFull
		}
		p.membership++
		p.status = types.StatusConnected
		p.joinedAt = now
		p.score = 0
		p.totalLatency = 0
		p.eligibleFrom = r.nextEligibleRound()
		log.Info("Left participant rejoined with a fresh record")
	default:
		if r.state == types.RoomFinished {
			return types.ErrGameFinished
		}
		if r.memberCount() >= r.cfg.MaxParticipants {
			return types.ErrRoomFull
		}
		p = &participant{
			userID:       userID,
			handle:       ch.GetHandle(),
			status:       types.StatusConnected,
			joinedAt:     now,
			eligibleFrom: r.nextEligibleRound(),
		}
		r.participants[userID] = p
		r.order = append(r.order, userID)
		log.Info("Participant joined")
	}

	r.cancel(graceKey(userID))
	if replaced := r.transport.Attach(r.code, userID, ch); replaced != nil && replaced != ch {
		replaced.SetRoomCode("")
		_ = replaced.Close()
		log.Debug("Replaced previous channel")
	}
	p.channel = ch
	p.status = types.StatusConnected
	ch.SetRoomCode(r.code)
	if h := ch.GetHandle(); h != "" {
		p.handle = h
	}
	r.cancel(timerEmptyRoom)

	r.broadcast(types.MessageTypePresenceUpdate, types.PresenceUpdatePayload{Participants: r.roster()})
	r.sendCatchUp(p)
	return nil
}

// sendCatchUp brings a (re)joining participant up to date: state, the
// question in progress and final results when finished.
func (r *Room) sendCatchUp(p *participant) {
	r.send(p.userID, types.MessageTypeRoomState, r.statePayload())
	if r.active != nil {
		r.send(p.userID, types.MessageTypeQuestionBroadcast, r.questionPayload(r.active))
	}
	if r.final != nil {
		r.send(p.userID, types.MessageTypeFinalResult, types.FinalResultPayload{Ranking: r.final.Ranking})
	}
}

// Leave removes a participant on explicit request. In the lobby the
// participant is forgotten and ownership passes to the earliest remaining
// joiner; once the game has started they stay on the record as left.
func (r *Room) Leave(ctx context.Context, userID string) error {
	var leaveErr error
	if err := r.do(ctx, func() { leaveErr = r.leave(userID) }); err != nil {
		return err
	}
	return leaveErr
}

func (r *Room) leave(userID string) error {
	p, ok := r.participants[userID]
	if !ok || p.status == types.StatusLeft {
		return types.ErrNotParticipant
	}

	r.cancel(graceKey(userID))
	if p.channel != nil {
		r.transport.Detach(r.code, userID, p.channel)
		p.channel.SetRoomCode("")
		p.channel = nil
	}
	r.markLeft(p)
	r.log.WithFields(logrus.Fields{"user_id": userID, "action": "leave"}).Info("Participant left")

	r.broadcast(types.MessageTypePresenceUpdate, types.PresenceUpdatePayload{Participants: r.roster()})
	r.afterConnectivityChange()
	return nil
}

// Disconnect reports a transport drop for the given channel. A stale
// channel (already replaced by a reconnect) is ignored.
func (r *Room) Disconnect(userID string, ch interfaces.Channel) {
	r.post(func() { r.disconnect(userID, ch) })
}

func (r *Room) disconnect(userID string, ch interfaces.Channel) {
	p, ok := r.participants[userID]
	if !ok || p.status != types.StatusConnected || p.channel != ch {
		return
	}
	r.transport.Detach(r.code, userID, ch)
	p.channel = nil
	p.status = types.StatusDisconnected
	r.log.WithFields(logrus.Fields{"user_id": userID, "action": "disconnect"}).Info("Participant disconnected, grace period started")

	r.arm(graceKey(userID), r.settings.ReconnectGrace, func() { r.graceExpired(userID) })
	r.afterConnectivityChange()
}

func (r *Room) graceExpired(userID string) {
	p, ok := r.participants[userID]
	if !ok || p.status != types.StatusDisconnected {
		return
	}
	r.markLeft(p)
	r.log.WithFields(logrus.Fields{"user_id": userID, "action": "grace_expired"}).Info("Reconnect grace expired")

	r.broadcast(types.MessageTypePresenceUpdate, types.PresenceUpdatePayload{Participants: r.roster()})
	r.afterConnectivityChange()
}

func (r *Room) markLeft(p *participant) {
	if r.state == types.RoomLobby {
		delete(r.participants, p.userID)
		r.order = lo.Without(r.order, p.userID)
		if p.userID == r.owner && len(r.order) > 0 {
			r.owner = r.order[0]
			r.log.WithFields(logrus.Fields{"previous_owner": p.userID, "owner": r.owner}).Info("Room ownership transferred")
		}
		return
	}
	p.status = types.StatusLeft
}

// afterConnectivityChange re-evaluates early completion and the empty-room
// timer after someone stopped counting as connected.
func (r *Room) afterConnectivityChange() {
	if r.active != nil && r.allSubmitted(r.active) {
		r.finalizeRound("all connected participants answered")
	}
	if r.state != types.RoomClosed && r.connectedCount() == 0 && !r.armed(timerEmptyRoom) {
		r.arm(timerEmptyRoom, r.settings.EmptyRoomGrace, func() {
			r.close("room was empty for too long", nil)
		})
	}
}

// nextEligibleRound is the first round a participant joining now may answer.
func (r *Room) nextEligibleRound() int {
	if r.active != nil {
		return r.active.number + 1
	}
	return r.lastRound + 1
}

func (r *Room) memberCount() int {
	return lo.CountBy(lo.Values(r.participants), func(p *participant) bool {
		return p.status != types.StatusLeft
	})
}

func (r *Room) connectedCount() int {
	return lo.CountBy(lo.Values(r.participants), func(p *participant) bool {
		return p.status == types.StatusConnected
	})
}

// roster returns participant views in join order.
func (r *Room) roster() []types.ParticipantView {
	return lo.Map(r.order, func(id string, _ int) types.ParticipantView {
		return r.participants[id].view(r.owner)
	})
}
