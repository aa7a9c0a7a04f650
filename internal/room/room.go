package room

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"arena/internal/scoring"
	"arena/pkg/interfaces"
	"arena/pkg/types"
)

const mailboxSize = 128

// Transport is the room-scoped half of the participant connection table.
// Rooms attach and detach channels and fan messages out through it; it
// never touches scores or room state.
type Transport interface {
	// Attach binds a channel to (room, user) and returns the channel it
	// replaced, if any.
	Attach(roomCode, userID string, ch interfaces.Channel) interfaces.Channel

	// Detach unbinds the channel only if it is still the one bound to
	// (room, user).
	Detach(roomCode, userID string, ch interfaces.Channel) bool

	Broadcast(roomCode string, msg interface{}) int
	Send(roomCode, userID string, msg interface{}) error

	// DropRoom removes every binding for the room and returns the channels.
	DropRoom(roomCode string) []interfaces.Channel
}

// Settings are the room lifecycle timings.
type Settings struct {
	ReconnectGrace   time.Duration
	EmptyRoomGrace   time.Duration
	InterRoundPause  time.Duration
	ResultsRetention time.Duration
	StartDelay       time.Duration
	SaveTimeout      time.Duration
}

// DefaultSettings returns the production timings.
func DefaultSettings() Settings {
	return Settings{
		ReconnectGrace:   30 * time.Second,
		EmptyRoomGrace:   2 * time.Minute,
		InterRoundPause:  3 * time.Second,
		ResultsRetention: 5 * time.Minute,
		SaveTimeout:      10 * time.Second,
	}
}

// Options configure a new room.
type Options struct {
	Code      string
	Owner     string
	Config    types.RoomConfig
	Questions []types.Question
	Settings  Settings

	Transport Transport
	Results   interfaces.ResultStore
	Clock     clock.Clock
	Strategy  scoring.Strategy
	Logger    *logrus.Entry

	// OnClosed runs on the room goroutine once the room reaches Closed.
	OnClosed func(*Room)
}

// Room is one arena session. All mutable state is owned by a single
// goroutine; public methods submit closures to it and wait.
type Room struct {
	code      string
	owner     string
	cfg       types.RoomConfig
	questions []types.Question
	settings  Settings
	createdAt time.Time

	transport Transport
	results   interfaces.ResultStore
	clock     clock.Clock
	strategy  scoring.Strategy
	log       *logrus.Entry
	onClosed  func(*Room)

	mailbox chan func()
	done    chan struct{}

	// Owned by the room goroutine.
	state        types.RoomState
	participants map[string]*participant
	order        []string
	active       *round
	lastRound    int
	archive      []*round
	final        *types.FinalResults
	closeReason  string
	timers       map[string]scheduledTimer
	timerSeq     uint64
}

// New creates a room in the Lobby state. Call Start to run it.
func New(opts Options) *Room {
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	strategy := opts.Strategy
	if strategy == nil {
		strategy = scoring.LinearDecay{Base: 1000, Floor: 100}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	return &Room{
		code:         opts.Code,
		owner:        opts.Owner,
		cfg:          opts.Config,
		questions:    opts.Questions,
		settings:     opts.Settings,
		createdAt:    clk.Now(),
		transport:    opts.Transport,
		results:      opts.Results,
		clock:        clk,
		strategy:     strategy,
		log:          logger.WithField("room_code", opts.Code),
		onClosed:     opts.OnClosed,
		mailbox:      make(chan func(), mailboxSize),
		done:         make(chan struct{}),
		state:        types.RoomLobby,
		participants: make(map[string]*participant),
		lastRound:    types.NoRound,
		timers:       make(map[string]scheduledTimer),
	}
}

// Start runs the room goroutine. Nobody is connected yet, so the
// empty-room timer starts immediately.
func (r *Room) Start() {
	r.post(func() {
		r.arm(timerEmptyRoom, r.settings.EmptyRoomGrace, func() {
			r.close("room was empty for too long", nil)
		})
	})
	go r.run()
}

func (r *Room) run() {
	defer close(r.done)
	for fn := range r.mailbox {
		r.invoke(fn)
		if r.state == types.RoomClosed {
			return
		}
	}
}

func (r *Room) invoke(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.abort(types.Fatalf("panic in room handler: %v", rec))
		}
	}()
	fn()
}

// post enqueues fn without waiting. It is dropped if the room has closed.
func (r *Room) post(fn func()) {
	select {
	case r.mailbox <- fn:
	case <-r.done:
	}
}

// do runs fn on the room goroutine and waits for it. Results captured by
// fn may only be read when do returns nil.
func (r *Room) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	wrapped := func() {
		defer close(finished)
		fn()
	}

	select {
	case r.mailbox <- wrapped:
	case <-r.done:
		return types.ErrRoomClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-finished:
		return nil
	case <-r.done:
		select {
		case <-finished:
			return nil
		default:
			return types.ErrRoomClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Code returns the room code.
func (r *Room) Code() string { return r.code }

// Config returns the room configuration.
func (r *Room) Config() types.RoomConfig { return r.cfg }

// CreatedAt returns the creation time.
func (r *Room) CreatedAt() time.Time { return r.createdAt }

// Done is closed once the room goroutine has exited.
func (r *Room) Done() <-chan struct{} { return r.done }

// Snapshot returns the current room metadata and roster.
func (r *Room) Snapshot(ctx context.Context) (types.RoomSnapshot, error) {
	var snap types.RoomSnapshot
	if err := r.do(ctx, func() { snap = r.snapshot() }); err != nil {
		return types.RoomSnapshot{}, err
	}
	return snap, nil
}

// CurrentRound returns the active round number, else the last finalized
// one, or types.NoRound before the first round.
func (r *Room) CurrentRound(ctx context.Context) (int, error) {
	var number int
	if err := r.do(ctx, func() { number = r.currentRound() }); err != nil {
		return types.NoRound, err
	}
	return number, nil
}

// Results returns the final results once the room has finished.
func (r *Room) Results(ctx context.Context) (*types.FinalResults, error) {
	var res *types.FinalResults
	if err := r.do(ctx, func() { res = r.final }); err != nil {
		return nil, err
	}
	if res == nil {
		return nil, types.ErrNotFinished
	}
	return res, nil
}

// Close closes the room from any state.
func (r *Room) Close(ctx context.Context, reason string) error {
	return r.do(ctx, func() { r.close(reason, nil) })
}

// CloseBy closes the room on behalf of a user, who must be the owner.
func (r *Room) CloseBy(ctx context.Context, userID, reason string) error {
	var closeErr error
	if err := r.do(ctx, func() {
		if userID != r.owner {
			closeErr = types.ErrNotOwner
			return
		}
		r.close(reason, nil)
	}); err != nil {
		return err
	}
	return closeErr
}

// abort closes the room after an invariant violation.
func (r *Room) abort(err error) {
	r.log.WithError(err).Error("Aborting room")
	r.close("internal error", err)
}

func (r *Room) close(reason string, fatal error) {
	if r.state == types.RoomClosed {
		return
	}
	r.cancelAll()
	r.closeReason = reason

	if fatal != nil {
		r.broadcast(types.MessageTypeErrorEvent, types.ErrorEventPayload{
			Reason:  types.ReasonOf(fatal),
			Message: fatal.Error(),
		})
	}
	r.broadcast(types.MessageTypeRoomClosed, types.RoomClosedPayload{Reason: reason})

	r.state = types.RoomClosed
	r.active = nil
	for _, ch := range r.transport.DropRoom(r.code) {
		ch.SetRoomCode("")
	}
	for _, p := range r.participants {
		p.channel = nil
	}

	r.log.WithField("reason", reason).Info("Room closed")
	if r.onClosed != nil {
		r.onClosed(r)
	}
}

// envelope stamps a server message with the room code and current round.
func (r *Room) envelope(msgType string, payload interface{}) types.ServerMessage {
	return types.ServerMessage{
		Type:        msgType,
		RoomCode:    r.code,
		RoundNumber: r.currentRound(),
		Payload:     payload,
		Timestamp:   r.clock.Now(),
	}
}

func (r *Room) broadcast(msgType string, payload interface{}) {
	r.transport.Broadcast(r.code, r.envelope(msgType, payload))
}

func (r *Room) send(userID, msgType string, payload interface{}) {
	if err := r.transport.Send(r.code, userID, r.envelope(msgType, payload)); err != nil {
		r.log.WithError(err).WithField("user_id", userID).Debug("Send failed")
	}
}

func (r *Room) currentRound() int {
	if r.active != nil {
		return r.active.number
	}
	return r.lastRound
}
