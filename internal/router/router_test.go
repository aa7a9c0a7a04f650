package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"arena/internal/registry"
	"arena/internal/websocket"
	"arena/pkg/interfaces"
	"arena/pkg/types"
)

type fakeChannel struct {
	mu       sync.Mutex
	userID   string
	roomCode string
	msgs     []types.ServerMessage
}

func (f *fakeChannel) WriteJSON(v interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if msg, ok := v.(types.ServerMessage); ok {
		f.msgs = append(f.msgs, msg)
	}
	return nil
}

func (f *fakeChannel) Close() error      { return nil }
func (f *fakeChannel) GetID() string     { return "conn-" + f.userID }
func (f *fakeChannel) GetUserID() string { return f.userID }
func (f *fakeChannel) GetHandle() string { return strings.ToUpper(f.userID) }
func (f *fakeChannel) GetRoomCode() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.roomCode
}
func (f *fakeChannel) SetRoomCode(code string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roomCode = code
}

func (f *fakeChannel) byType(msgType string) []types.ServerMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.ServerMessage
	for _, m := range f.msgs {
		if m.Type == msgType {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeChannel) lastError() types.ErrorEventPayload {
	events := f.byType(types.MessageTypeErrorEvent)
	if len(events) == 0 {
		return types.ErrorEventPayload{}
	}
	return events[len(events)-1].Payload.(types.ErrorEventPayload)
}

type staticSource struct{}

func (staticSource) Questions(ctx context.Context, setRef string) ([]types.Question, error) {
	if setRef != "colors" {
		return nil, types.ErrQuestionSetNotFound
	}
	return []types.Question{
		{ID: "sky", Prompt: "Colour of the sky?", Options: []string{"blue", "green"}, Answer: "blue"},
		{ID: "grass", Prompt: "Colour of grass?", Options: []string{"blue", "green"}, Answer: "green"},
	}, nil
}

type testEnv struct {
	router   *Router
	registry *registry.Registry
	clock    *clock.Mock
}

func newTestEnv(t *testing.T, limit int) *testEnv {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	entry := logrus.NewEntry(logger)

	mock := clock.NewMock()
	reg := registry.New(registry.DefaultConfig(), registry.Deps{
		Questions: staticSource{},
		Transport: websocket.NewTable(entry),
		Clock:     mock,
		Logger:    entry,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = reg.Shutdown(ctx)
	})

	limiter := NewRateLimiter(limit, time.Second, mock)
	return &testEnv{
		router:   NewRouter(reg, limiter, mock, entry),
		registry: reg,
		clock:    mock,
	}
}

func (e *testEnv) createRoom(t *testing.T, owner string) string {
	t.Helper()
	rm, err := e.registry.CreateRoom(context.Background(), owner, types.RoomConfig{QuestionSet: "colors", TimeLimit: 10 * time.Second})
	require.NoError(t, err)
	return rm.Code()
}

func (e *testEnv) send(ch *fakeChannel, frame string) error {
	return e.router.RouteMessage(context.Background(), ch, []byte(frame))
}

func joinFrame(code string) string {
	return fmt.Sprintf(`{"type":"join","payload":{"roomCode":%q}}`, code)
}

func TestRouter_InterfaceCompliance(t *testing.T) {
	var _ interfaces.MessageRouter = &Router{}
}

func TestRouter_RejectsBadFrames(t *testing.T) {
	env := newTestEnv(t, 0)

	tests := []struct {
		name   string
		frame  string
		reason types.Reason
	}{
		{"not json", `{"type":`, types.ReasonInvalidMessage},
		{"unknown type", `{"type":"teleport"}`, types.ReasonInvalidMessage},
		{"join without payload", `{"type":"join"}`, types.ReasonInvalidMessage},
		{"malformed room code", joinFrame("abc"), types.ReasonInvalidMessage},
		{"unknown room", joinFrame("ZZZZZZ"), types.ReasonRoomNotFound},
		{"start outside a room", `{"type":"start"}`, types.ReasonNotInRoom},
		{"leave outside a room", `{"type":"leave"}`, types.ReasonNotInRoom},
		{"submit outside a room", `{"type":"submitAnswer","payload":{"roundNumber":0,"answer":"x"}}`, types.ReasonNotInRoom},
		{"oversized frame", `{"type":"ping","payload":"` + strings.Repeat("x", types.MaxClientFrameLen) + `"}`, types.ReasonInvalidMessage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := &fakeChannel{userID: "alice"}
			err := env.send(ch, tt.frame)
			require.Error(t, err)
			require.Equal(t, tt.reason, types.ReasonOf(err))

			// The sender gets an errorEvent carrying the same reason; the
			// channel is in no room, so there is no round to stamp
			require.Equal(t, tt.reason, ch.lastError().Reason)
			require.Equal(t, types.NoRound, ch.byType(types.MessageTypeErrorEvent)[0].RoundNumber)
		})
	}
}

func TestRouter_Ping(t *testing.T) {
	env := newTestEnv(t, 0)
	ch := &fakeChannel{userID: "alice"}

	require.NoError(t, env.send(ch, `{"type":"ping"}`))
	require.Len(t, ch.byType(types.MessageTypePong), 1)
}

func TestRouter_JoinBindsChannel(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t, 0)
	code := env.createRoom(t, "alice")

	// Given a lower-case code typed by a user
	ch := &fakeChannel{userID: "alice"}
	req.NoError(env.send(ch, joinFrame(strings.ToLower(code))))

	// Then the channel is bound and caught up
	req.Equal(code, ch.GetRoomCode())
	req.Len(ch.byType(types.MessageTypeRoomState), 1)
	presence := ch.byType(types.MessageTypePresenceUpdate)
	req.Len(presence, 1)
	req.Equal("ALICE", presence[0].Payload.(types.PresenceUpdatePayload).Participants[0].Handle)
}

func TestRouter_JoinOtherRoomLeavesPrevious(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t, 0)
	first := env.createRoom(t, "alice")
	second := env.createRoom(t, "alice")

	ch := &fakeChannel{userID: "bob"}
	req.NoError(env.send(ch, joinFrame(first)))
	req.NoError(env.send(ch, joinFrame(second)))
	req.Equal(second, ch.GetRoomCode())

	rm, err := env.registry.FindRoom(first)
	req.NoError(err)
	snap, err := rm.Snapshot(context.Background())
	req.NoError(err)
	req.Empty(snap.Participants)
}

func TestRouter_GameFlow(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t, 0)
	code := env.createRoom(t, "alice")

	alice := &fakeChannel{userID: "alice"}
	bob := &fakeChannel{userID: "bob"}
	req.NoError(env.send(alice, joinFrame(code)))
	req.NoError(env.send(bob, joinFrame(code)))

	// Only the owner may start
	err := env.send(bob, `{"type":"start"}`)
	req.ErrorIs(err, types.ErrNotOwner)
	req.Equal(types.ReasonNotOwner, bob.lastError().Reason)

	req.NoError(env.send(alice, `{"type":"start"}`))
	questions := bob.byType(types.MessageTypeQuestionBroadcast)
	req.Len(questions, 1)
	req.Equal(0, questions[0].RoundNumber)

	// A client timestamp is accepted on the wire and ignored
	env.clock.Add(time.Second)
	req.NoError(env.send(alice, `{"type":"submitAnswer","payload":{"roundNumber":0,"answer":"BLUE","clientTimestamp":1}}`))
	accepted := alice.byType(types.MessageTypeAnswerAccepted)
	req.Len(accepted, 1)
	req.Equal(910, accepted[0].Payload.(types.AnswerAcceptedPayload).Points)

	err = env.send(alice, `{"type":"submitAnswer","payload":{"roundNumber":0,"answer":"blue"}}`)
	req.ErrorIs(err, types.ErrDuplicateSubmission)

	err = env.send(bob, `{"type":"submitAnswer","payload":{"roundNumber":0,"answer":"purple"}}`)
	req.ErrorIs(err, types.ErrInvalidAnswer)

	req.NoError(env.send(bob, `{"type":"submitAnswer","payload":{"roundNumber":0,"answer":"green"}}`))
	results := alice.byType(types.MessageTypeRoundResult)
	req.Len(results, 1)
	req.Equal("blue", results[0].Payload.(types.RoundResultPayload).CorrectAnswer)
}

func TestRouter_RepliesCarryCurrentRound(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t, 0)
	code := env.createRoom(t, "alice")

	alice := &fakeChannel{userID: "alice"}
	bob := &fakeChannel{userID: "bob"}
	req.NoError(env.send(alice, joinFrame(code)))
	req.NoError(env.send(bob, joinFrame(code)))

	// Before the first round replies carry NoRound
	req.NoError(env.send(alice, `{"type":"ping"}`))
	req.Equal(types.NoRound, alice.byType(types.MessageTypePong)[0].RoundNumber)

	// Given round 0 is active and alice has answered
	req.NoError(env.send(alice, `{"type":"start"}`))
	req.NoError(env.send(alice, `{"type":"submitAnswer","payload":{"roundNumber":0,"answer":"blue"}}`))

	// When she answers again, the rejection is stamped with round 0
	err := env.send(alice, `{"type":"submitAnswer","payload":{"roundNumber":0,"answer":"blue"}}`)
	req.ErrorIs(err, types.ErrDuplicateSubmission)
	events := alice.byType(types.MessageTypeErrorEvent)
	req.Len(events, 1)
	req.Equal(code, events[0].RoomCode)
	req.Equal(0, events[0].RoundNumber)

	// And so is a pong
	req.NoError(env.send(alice, `{"type":"ping"}`))
	pongs := alice.byType(types.MessageTypePong)
	req.Equal(0, pongs[len(pongs)-1].RoundNumber)
}

func TestRouter_LeaveUnbinds(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t, 0)
	code := env.createRoom(t, "alice")

	ch := &fakeChannel{userID: "bob"}
	req.NoError(env.send(ch, joinFrame(code)))
	req.NoError(env.send(ch, `{"type":"leave"}`))
	req.Empty(ch.GetRoomCode())

	err := env.send(ch, `{"type":"leave"}`)
	req.ErrorIs(err, types.ErrNotInRoom)
}

func TestRouter_CloseByOwner(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t, 0)
	code := env.createRoom(t, "alice")

	alice := &fakeChannel{userID: "alice"}
	bob := &fakeChannel{userID: "bob"}
	req.NoError(env.send(alice, joinFrame(code)))
	req.NoError(env.send(bob, joinFrame(code)))

	req.ErrorIs(env.send(bob, `{"type":"close"}`), types.ErrNotOwner)
	req.NoError(env.send(alice, `{"type":"close"}`))

	closed := bob.byType(types.MessageTypeRoomClosed)
	req.Len(closed, 1)
	req.Empty(bob.GetRoomCode())

	req.Eventually(func() bool {
		_, err := env.registry.FindRoom(code)
		return errors.Is(err, types.ErrRoomNotFound)
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRouter_StaleBindingReportsRoomClosed(t *testing.T) {
	env := newTestEnv(t, 0)
	ch := &fakeChannel{userID: "alice", roomCode: "ZZZZZZ"}

	err := env.send(ch, `{"type":"start"}`)
	require.ErrorIs(t, err, types.ErrRoomClosed)
	require.Empty(t, ch.GetRoomCode())
}

func TestRouter_RateLimited(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t, 3)
	ch := &fakeChannel{userID: "alice"}

	for i := 0; i < 3; i++ {
		req.NoError(env.send(ch, `{"type":"ping"}`))
	}
	err := env.send(ch, `{"type":"ping"}`)
	req.ErrorIs(err, types.ErrRateLimited)
	req.Equal(types.ReasonRateLimited, ch.lastError().Reason)

	env.clock.Add(time.Second)
	req.NoError(env.send(ch, `{"type":"ping"}`))
}

func TestRouter_DisconnectedStartsGrace(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t, 0)
	code := env.createRoom(t, "alice")

	alice := &fakeChannel{userID: "alice"}
	bob := &fakeChannel{userID: "bob"}
	req.NoError(env.send(alice, joinFrame(code)))
	req.NoError(env.send(bob, joinFrame(code)))

	env.router.Disconnected(bob)
	rm, err := env.registry.FindRoom(code)
	req.NoError(err)
	snap, err := rm.Snapshot(context.Background())
	req.NoError(err)
	req.Len(snap.Participants, 2)

	env.clock.Add(30 * time.Second)
	req.Eventually(func() bool {
		snap, err := rm.Snapshot(context.Background())
		return err == nil && len(snap.Participants) == 1
	}, 2*time.Second, 5*time.Millisecond)

	// Unbound channels are ignored
	env.router.Disconnected(&fakeChannel{userID: "carol"})
}
