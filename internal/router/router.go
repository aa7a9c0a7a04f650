package router

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"arena/internal/registry"
	"arena/internal/room"
	"arena/pkg/interfaces"
	"arena/pkg/types"
)

const (
	closedByOwner = "closed by owner"

	roundLookupTimeout = time.Second
)

// Router implements interfaces.MessageRouter. It decodes client frames and
// dispatches them to the room the channel is bound to; rooms own every
// decision about game state.
type Router struct {
	registry    *registry.Registry
	rateLimiter *RateLimiter
	clock       clock.Clock
	log         *logrus.Entry
}

// NewRouter creates a message router.
func NewRouter(reg *registry.Registry, limiter *RateLimiter, clk clock.Clock, logger *logrus.Entry) *Router {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Router{
		registry:    reg,
		rateLimiter: limiter,
		clock:       clk,
		log:         logger.WithField("component", "router"),
	}
}

// RouteMessage handles one inbound frame. A rejected frame is answered with
// an errorEvent to the sender and the error is returned for logging.
func (r *Router) RouteMessage(ctx context.Context, ch interfaces.Channel, data []byte) error {
	err := r.route(ctx, ch, data)
	if err != nil {
		r.sendError(ch, err)
		r.log.WithError(err).WithFields(logrus.Fields{
			"user_id":   ch.GetUserID(),
			"room_code": ch.GetRoomCode(),
			"reason":    types.ReasonOf(err),
		}).Debug("Client action rejected")
	}
	return err
}

func (r *Router) route(ctx context.Context, ch interfaces.Channel, data []byte) error {
	if len(data) > types.MaxClientFrameLen {
		return ErrFrameTooLarge
	}
	var msg types.ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ErrMalformedFrame
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	if r.rateLimiter != nil && !r.rateLimiter.Allow(ch.GetUserID()) {
		return types.ErrRateLimited
	}

	switch msg.Type {
	case types.MessageTypeJoin:
		return r.handleJoin(ctx, ch, &msg)
	case types.MessageTypeLeave:
		return r.handleLeave(ctx, ch)
	case types.MessageTypeStart:
		return r.handleStart(ctx, ch)
	case types.MessageTypeSubmitAnswer:
		return r.handleSubmit(ctx, ch, &msg)
	case types.MessageTypeClose:
		return r.handleClose(ctx, ch)
	case types.MessageTypePing:
		return ch.WriteJSON(r.envelope(ch, types.MessageTypePong, nil))
	default:
		return types.ErrInvalidMessage
	}
}

// handleJoin binds the channel to a room. A channel belongs to at most one
// room, so joining a different room leaves the previous one first.
func (r *Router) handleJoin(ctx context.Context, ch interfaces.Channel, msg *types.ClientMessage) error {
	var payload types.JoinPayload
	if err := msg.DecodePayload(&payload); err != nil {
		return err
	}
	code := types.NormalizeRoomCode(payload.RoomCode)
	if !types.IsValidRoomCode(code) {
		return ErrInvalidRoomCode
	}

	rm, err := r.registry.FindRoom(code)
	if err != nil {
		return err
	}

	if previous := ch.GetRoomCode(); previous != "" && previous != rm.Code() {
		r.leavePrevious(ctx, ch, previous)
	}

	if _, err := rm.Join(ctx, ch); err != nil {
		return err
	}
	return nil
}

func (r *Router) leavePrevious(ctx context.Context, ch interfaces.Channel, code string) {
	prev, err := r.registry.FindRoom(code)
	if err == nil {
		err = prev.Leave(ctx, ch.GetUserID())
	}
	if err != nil && !errors.Is(err, types.ErrRoomNotFound) && !errors.Is(err, types.ErrRoomClosed) && !errors.Is(err, types.ErrNotParticipant) {
		r.log.WithError(err).WithFields(logrus.Fields{
			"user_id":   ch.GetUserID(),
			"room_code": code,
		}).Warn("Failed to leave previous room")
	}
	ch.SetRoomCode("")
}

func (r *Router) handleLeave(ctx context.Context, ch interfaces.Channel) error {
	rm, err := r.boundRoom(ch)
	if err != nil {
		return err
	}
	defer ch.SetRoomCode("")
	return rm.Leave(ctx, ch.GetUserID())
}

func (r *Router) handleStart(ctx context.Context, ch interfaces.Channel) error {
	rm, err := r.boundRoom(ch)
	if err != nil {
		return err
	}
	return rm.StartGame(ctx, ch.GetUserID())
}

func (r *Router) handleSubmit(ctx context.Context, ch interfaces.Channel, msg *types.ClientMessage) error {
	var payload types.SubmitAnswerPayload
	if err := msg.DecodePayload(&payload); err != nil {
		return err
	}
	rm, err := r.boundRoom(ch)
	if err != nil {
		return err
	}
	_, err = rm.SubmitAnswer(ctx, ch.GetUserID(), payload.RoundNumber, payload.Answer)
	return err
}

func (r *Router) handleClose(ctx context.Context, ch interfaces.Channel) error {
	rm, err := r.boundRoom(ch)
	if err != nil {
		return err
	}
	return rm.CloseBy(ctx, ch.GetUserID(), closedByOwner)
}

func (r *Router) boundRoom(ch interfaces.Channel) (*room.Room, error) {
	code := ch.GetRoomCode()
	if code == "" {
		return nil, types.ErrNotInRoom
	}
	rm, err := r.registry.FindRoom(code)
	if err != nil {
		ch.SetRoomCode("")
		return nil, types.ErrRoomClosed
	}
	return rm, nil
}

// Disconnected reports a transport drop to the room the channel was bound
// to; the room starts the reconnect grace period.
func (r *Router) Disconnected(ch interfaces.Channel) {
	code := ch.GetRoomCode()
	if code == "" {
		return
	}
	rm, err := r.registry.FindRoom(code)
	if err != nil {
		return
	}
	rm.Disconnect(ch.GetUserID(), ch)
}

func (r *Router) sendError(ch interfaces.Channel, err error) {
	message := err.Error()
	if types.KindOf(err) == types.KindInternal {
		message = "internal error"
	}
	payload := types.ErrorEventPayload{Reason: types.ReasonOf(err), Message: message}
	if werr := ch.WriteJSON(r.envelope(ch, types.MessageTypeErrorEvent, payload)); werr != nil {
		r.log.WithError(werr).WithField("user_id", ch.GetUserID()).Debug("Failed to deliver error event")
	}
}

// envelope builds a router-originated message stamped with the round of the
// room the channel is bound to. Unbound channels get NoRound.
func (r *Router) envelope(ch interfaces.Channel, msgType string, payload interface{}) types.ServerMessage {
	code := ch.GetRoomCode()
	return types.ServerMessage{
		Type:        msgType,
		RoomCode:    code,
		RoundNumber: r.roundOf(code),
		Payload:     payload,
		Timestamp:   r.clock.Now(),
	}
}

func (r *Router) roundOf(code string) int {
	if code == "" {
		return types.NoRound
	}
	rm, err := r.registry.FindRoom(code)
	if err != nil {
		return types.NoRound
	}
	ctx, cancel := context.WithTimeout(context.Background(), roundLookupTimeout)
	defer cancel()
	number, err := rm.CurrentRound(ctx)
	if err != nil {
		return types.NoRound
	}
	return number
}
