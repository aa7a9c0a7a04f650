package registry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"arena/internal/room"
	"arena/internal/scoring"
	"arena/pkg/interfaces"
	"arena/pkg/types"
)

// Config bounds what rooms may be created and how they behave.
type Config struct {
	MaxRooms               int
	CodeAttempts           int
	MaxParticipantsCap     int
	DefaultMinParticipants int
	DefaultTimeLimit       time.Duration
	MinTimeLimit           time.Duration
	MaxTimeLimit           time.Duration
	Settings               room.Settings
}

// DefaultConfig returns the registry defaults.
func DefaultConfig() Config {
	return Config{
		MaxRooms:               1000,
		CodeAttempts:           5,
		MaxParticipantsCap:     50,
		DefaultMinParticipants: 2,
		DefaultTimeLimit:       20 * time.Second,
		MinTimeLimit:           3 * time.Second,
		MaxTimeLimit:           120 * time.Second,
		Settings:               room.DefaultSettings(),
	}
}

// Deps are the collaborators every room created by the registry shares.
type Deps struct {
	Questions interfaces.QuestionSource
	Results   interfaces.ResultStore
	Transport room.Transport
	Strategy  scoring.Strategy
	Clock     clock.Clock
	Logger    *logrus.Entry
}

// Summary is the lobby-page view of a live room.
type Summary struct {
	Code            string          `json:"code"`
	Owner           string          `json:"owner"`
	State           types.RoomState `json:"state"`
	QuestionSet     string          `json:"questionSet"`
	Participants    int             `json:"participants"`
	MaxParticipants int             `json:"maxParticipants"`
	CreatedAt       time.Time       `json:"createdAt"`
}

// Registry is the table of live rooms keyed by room code. It is the only
// authority on whether a code resolves to a room.
type Registry struct {
	config Config
	deps   Deps
	log    *logrus.Entry

	mu    sync.RWMutex
	rooms map[string]*room.Room

	// newCode is swapped in tests to force collisions.
	newCode func() (string, error)
}

// New creates an empty registry.
func New(config Config, deps Deps) *Registry {
	if deps.Logger == nil {
		deps.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	return &Registry{
		config:  config,
		deps:    deps,
		log:     deps.Logger.WithField("component", "registry"),
		rooms:   make(map[string]*room.Room),
		newCode: generateCode,
	}
}

// CreateRoom validates cfg, loads its question set and starts a new room
// owned by owner.
func (r *Registry) CreateRoom(ctx context.Context, owner string, cfg types.RoomConfig) (*room.Room, error) {
	if !types.IsValidUserID(owner) {
		return nil, ErrInvalidOwner
	}
	cfg = r.withDefaults(cfg)
	if err := r.validateConfig(cfg); err != nil {
		return nil, err
	}
	if r.Count() >= r.config.MaxRooms {
		return nil, types.ErrCapacityExceeded
	}

	questions, err := r.deps.Questions.Questions(ctx, cfg.QuestionSet)
	if err != nil {
		return nil, fmt.Errorf("failed to load question set %q: %w", cfg.QuestionSet, err)
	}
	if len(questions) == 0 {
		return nil, ErrEmptyQuestionSet
	}

	r.mu.Lock()
	if len(r.rooms) >= r.config.MaxRooms {
		r.mu.Unlock()
		return nil, types.ErrCapacityExceeded
	}
	code, err := r.allocateCode()
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	rm := room.New(room.Options{
		Code:      code,
		Owner:     owner,
		Config:    cfg,
		Questions: questions,
		Settings:  r.config.Settings,
		Transport: r.deps.Transport,
		Results:   r.deps.Results,
		Clock:     r.deps.Clock,
		Strategy:  r.deps.Strategy,
		Logger:    r.deps.Logger,
		OnClosed:  r.remove,
	})
	r.rooms[code] = rm
	r.mu.Unlock()

	rm.Start()
	r.log.WithFields(logrus.Fields{
		"room_code":    code,
		"owner":        owner,
		"question_set": cfg.QuestionSet,
		"rounds":       len(questions),
	}).Info("Room created")
	return rm, nil
}

func (r *Registry) withDefaults(cfg types.RoomConfig) types.RoomConfig {
	if cfg.TimeLimit == 0 {
		cfg.TimeLimit = r.config.DefaultTimeLimit
	}
	if cfg.MaxParticipants == 0 {
		cfg.MaxParticipants = r.config.MaxParticipantsCap
	}
	if cfg.MinParticipants == 0 {
		cfg.MinParticipants = min(r.config.DefaultMinParticipants, cfg.MaxParticipants)
	}
	return cfg
}

func (r *Registry) validateConfig(cfg types.RoomConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.TimeLimit < r.config.MinTimeLimit || cfg.TimeLimit > r.config.MaxTimeLimit {
		return fmt.Errorf("%w: time limit must be between %s and %s",
			types.ErrInvalidConfig, r.config.MinTimeLimit, r.config.MaxTimeLimit)
	}
	if cfg.MaxParticipants > r.config.MaxParticipantsCap {
		return fmt.Errorf("%w: at most %d participants per room",
			types.ErrInvalidConfig, r.config.MaxParticipantsCap)
	}
	return nil
}

// allocateCode must be called with r.mu held.
func (r *Registry) allocateCode() (string, error) {
	for attempt := 0; attempt < r.config.CodeAttempts; attempt++ {
		code, err := r.newCode()
		if err != nil {
			return "", fmt.Errorf("failed to generate room code: %w", err)
		}
		if _, taken := r.rooms[code]; !taken {
			return code, nil
		}
		r.log.WithField("attempt", attempt+1).Debug("Room code collision")
	}
	return "", ErrCodeSpaceExhausted
}

// remove is the rooms' OnClosed hook. It only deletes the entry if it still
// points at the closed room.
func (r *Registry) remove(rm *room.Room) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.rooms[rm.Code()]; ok && current == rm {
		delete(r.rooms, rm.Code())
	}
}

// FindRoom resolves a room code to a live room.
func (r *Registry) FindRoom(code string) (*room.Room, error) {
	code = types.NormalizeRoomCode(code)
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm, ok := r.rooms[code]
	if !ok {
		return nil, types.ErrRoomNotFound
	}
	return rm, nil
}

// CloseRoom closes a live room. Closing a room that is already closing is
// not an error.
func (r *Registry) CloseRoom(ctx context.Context, code, reason string) error {
	rm, err := r.FindRoom(code)
	if err != nil {
		return err
	}
	if err := rm.Close(ctx, reason); err != nil && !errors.Is(err, types.ErrRoomClosed) {
		return err
	}
	r.remove(rm)
	return nil
}

// List returns summaries of the live rooms, oldest first. Rooms that close
// while being listed are skipped.
func (r *Registry) List(ctx context.Context) []Summary {
	r.mu.RLock()
	rooms := lo.Values(r.rooms)
	r.mu.RUnlock()

	summaries := make([]Summary, 0, len(rooms))
	for _, rm := range rooms {
		snap, err := rm.Snapshot(ctx)
		if err != nil {
			continue
		}
		summaries = append(summaries, Summary{
			Code:            snap.Code,
			Owner:           snap.Owner,
			State:           snap.State,
			QuestionSet:     snap.QuestionSet,
			Participants:    lo.CountBy(snap.Participants, func(p types.ParticipantView) bool { return p.Status != types.StatusLeft }),
			MaxParticipants: snap.MaxParticipants,
			CreatedAt:       snap.CreatedAt,
		})
	}
	sort.Slice(summaries, func(i, j int) bool {
		if !summaries[i].CreatedAt.Equal(summaries[j].CreatedAt) {
			return summaries[i].CreatedAt.Before(summaries[j].CreatedAt)
		}
		return summaries[i].Code < summaries[j].Code
	})
	return summaries
}

// Count returns the number of live rooms.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// Shutdown closes every room and waits for their goroutines to exit.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.RLock()
	rooms := lo.Values(r.rooms)
	r.mu.RUnlock()

	for _, rm := range rooms {
		if err := rm.Close(ctx, "server shutting down"); err != nil && !errors.Is(err, types.ErrRoomClosed) {
			r.log.WithError(err).WithField("room_code", rm.Code()).Warn("Failed to close room during shutdown")
		}
	}
	for _, rm := range rooms {
		select {
		case <-rm.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.log.WithField("rooms", len(rooms)).Info("All rooms closed")
	return nil
}

// GetStats returns registry statistics for monitoring.
func (r *Registry) GetStats() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return map[string]interface{}{
		"active_rooms": len(r.rooms),
		"max_rooms":    r.config.MaxRooms,
	}
}

func generateCode() (string, error) {
	alphabet := big.NewInt(int64(len(types.RoomCodeChars)))
	code := make([]byte, types.RoomCodeLength)
	for i := range code {
		n, err := rand.Int(rand.Reader, alphabet)
		if err != nil {
			return "", err
		}
		code[i] = types.RoomCodeChars[n.Int64()]
	}
	return string(code), nil
}
