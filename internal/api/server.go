package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"arena/internal/auth"
	"arena/internal/database"
	"arena/internal/registry"
	"arena/pkg/interfaces"
	"arena/pkg/types"
)

// ConnectionCounter reports the number of open websocket connections.
type ConnectionCounter interface {
	ActiveConnections() int
}

// ChannelStats reports room-scoped channel bindings.
type ChannelStats interface {
	GetStats() map[string]int
}

// RequestLimiter decides whether a caller may make another request.
type RequestLimiter interface {
	Allow(key string) bool
}

// BuildInfo is reported by the health endpoint.
type BuildInfo struct {
	Project     string
	Version     string
	Environment string
}

// Options are the optional parts of the HTTP surface.
type Options struct {
	Info BuildInfo
	// AllowedOrigins lists the CORS origins; empty allows any origin.
	AllowedOrigins []string
	// RateLimiter limits /arena requests per caller; nil disables it.
	RateLimiter RequestLimiter
	Channels    ChannelStats
}

// Server is the HTTP surface: room management, results, question sets,
// health and the websocket upgrade. It holds no game state.
type Server struct {
	registry      *registry.Registry
	dbManager     interfaces.DatabaseManager
	authenticator *auth.Authenticator
	connections   ConnectionCounter
	channels      ChannelStats
	limiter       RequestLimiter
	origins       []string
	websocket     http.Handler
	info          BuildInfo
	log           *logrus.Entry
	router        *http.ServeMux
	now           func() time.Time
}

// NewServer wires the routes. ws may be nil when the websocket endpoint is
// served elsewhere.
func NewServer(reg *registry.Registry, dbManager interfaces.DatabaseManager, authenticator *auth.Authenticator,
	connections ConnectionCounter, ws http.Handler, opts Options, logger *logrus.Entry) *Server {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Server{
		registry:      reg,
		dbManager:     dbManager,
		authenticator: authenticator,
		connections:   connections,
		channels:      opts.Channels,
		limiter:       opts.RateLimiter,
		origins:       opts.AllowedOrigins,
		websocket:     ws,
		info:          opts.Info,
		log:           logger.WithField("component", "api"),
		router:        http.NewServeMux(),
		now:           time.Now,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := func(h http.HandlerFunc) http.Handler {
		return s.corsMiddleware(s.jsonMiddleware(s.rateLimitMiddleware(s.authMiddleware(h))))
	}

	s.router.Handle("/arena/rooms", api(s.handleRooms))
	s.router.Handle("/arena/rooms/", api(s.handleRoomByCode))
	s.router.Handle("/arena/question-sets", api(s.handleQuestionSets))
	s.router.Handle("/health", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.healthCheck))))
	if s.websocket != nil {
		s.router.Handle("/ws", s.websocket)
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.requestMiddleware(s.router).ServeHTTP(w, r)
}

// handleRooms serves GET and POST /arena/rooms.
func (s *Server) handleRooms(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.createRoom(w, r)
	case http.MethodGet:
		s.listRooms(w, r)
	default:
		s.sendErrorMessage(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleRoomByCode serves /arena/rooms/{code} and /arena/rooms/{code}/results.
func (s *Server) handleRoomByCode(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/arena/rooms/"), "/")
	parts := strings.Split(path, "/")
	code := types.NormalizeRoomCode(parts[0])
	if !types.IsValidRoomCode(code) {
		s.sendErrorMessage(w, "Invalid room code", http.StatusBadRequest)
		return
	}

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		s.getRoom(w, r, code)
	case len(parts) == 1 && r.Method == http.MethodDelete:
		s.closeRoom(w, r, code)
	case len(parts) == 2 && parts[1] == "results" && r.Method == http.MethodGet:
		s.getResults(w, r, code)
	case len(parts) <= 2:
		s.sendErrorMessage(w, "Method not allowed", http.StatusMethodNotAllowed)
	default:
		s.sendErrorMessage(w, "Not found", http.StatusNotFound)
	}
}

// CreateRoomRequest is the body of POST /arena/rooms. The owner is the
// authenticated caller.
type CreateRoomRequest struct {
	QuestionSet      string `json:"question_set"`
	TimeLimitSeconds int    `json:"time_limit_seconds"`
	MaxParticipants  int    `json:"max_participants"`
	MinParticipants  int    `json:"min_participants"`
}

func (req CreateRoomRequest) roomConfig() types.RoomConfig {
	return types.RoomConfig{
		QuestionSet:     strings.TrimSpace(req.QuestionSet),
		TimeLimit:       time.Duration(req.TimeLimitSeconds) * time.Second,
		MaxParticipants: req.MaxParticipants,
		MinParticipants: req.MinParticipants,
	}
}

type RoomResponse struct {
	Room types.RoomSnapshot `json:"room"`
}

type ListRoomsResponse struct {
	Rooms []registry.Summary `json:"rooms"`
}

type ResultsResponse struct {
	Results *types.FinalResults `json:"results"`
}

type ListQuestionSetsResponse struct {
	QuestionSets []*types.QuestionSet `json:"question_sets"`
}

type HealthResponse struct {
	Status      string                 `json:"status"`
	Project     string                 `json:"project"`
	Version     string                 `json:"version"`
	Timestamp   time.Time              `json:"timestamp"`
	Environment string                 `json:"environment"`
	Database    string                 `json:"database"`
	Connections int                    `json:"connections"`
	Channels    map[string]int         `json:"channels,omitempty"`
	Rooms       map[string]interface{} `json:"rooms"`
}

type ErrorResponse struct {
	Error   string       `json:"error"`
	Code    int          `json:"code"`
	Reason  types.Reason `json:"reason,omitempty"`
	Message string       `json:"message"`
}

// createRoom handles POST /arena/rooms.
func (s *Server) createRoom(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFrom(r.Context())

	var req CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendErrorMessage(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	rm, err := s.registry.CreateRoom(r.Context(), id.UserID, req.roomConfig())
	if err != nil {
		s.sendError(w, r, err)
		return
	}

	snap, err := rm.Snapshot(r.Context())
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, RoomResponse{Room: snap})
}

// listRooms handles GET /arena/rooms.
func (s *Server) listRooms(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, ListRoomsResponse{Rooms: s.registry.List(r.Context())})
}

// getRoom handles GET /arena/rooms/{code}.
func (s *Server) getRoom(w http.ResponseWriter, r *http.Request, code string) {
	rm, err := s.registry.FindRoom(code)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	snap, err := rm.Snapshot(r.Context())
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, RoomResponse{Room: snap})
}

// closeRoom handles DELETE /arena/rooms/{code}. Only the owner may close.
func (s *Server) closeRoom(w http.ResponseWriter, r *http.Request, code string) {
	id, _ := auth.IdentityFrom(r.Context())

	rm, err := s.registry.FindRoom(code)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	if err := rm.CloseBy(r.Context(), id.UserID, "closed by owner"); err != nil && !errors.Is(err, types.ErrRoomClosed) {
		s.sendError(w, r, err)
		return
	}

	s.log.WithFields(logrus.Fields{"room_code": code, "user_id": id.UserID}).Info("Room closed via API")
	s.writeJSON(w, http.StatusOK, map[string]string{"message": "Room closed"})
}

// getResults handles GET /arena/rooms/{code}/results. A live room answers
// from memory; a closed one from the result store.
func (s *Server) getResults(w http.ResponseWriter, r *http.Request, code string) {
	if rm, err := s.registry.FindRoom(code); err == nil {
		res, err := rm.Results(r.Context())
		if err == nil {
			s.writeJSON(w, http.StatusOK, ResultsResponse{Results: res})
			return
		}
		if !errors.Is(err, types.ErrRoomClosed) {
			s.sendError(w, r, err)
			return
		}
	}

	res, err := s.dbManager.GetResults(r.Context(), code)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ResultsResponse{Results: res})
}

// handleQuestionSets serves GET and POST /arena/question-sets.
func (s *Server) handleQuestionSets(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		sets, err := s.dbManager.ListQuestionSets(r.Context())
		if err != nil {
			s.sendError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, ListQuestionSetsResponse{QuestionSets: sets})
	case http.MethodPost:
		var set types.QuestionSet
		if err := json.NewDecoder(r.Body).Decode(&set); err != nil {
			s.sendErrorMessage(w, "Invalid JSON", http.StatusBadRequest)
			return
		}
		if err := s.dbManager.SaveQuestionSet(r.Context(), &set); err != nil {
			if errors.Is(err, database.ErrInvalidQuestionSet) {
				err = types.NewError(types.KindValidation, types.ReasonInvalidConfig, "%v", err)
			}
			s.sendError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusCreated, map[string]interface{}{"id": set.ID, "questions": len(set.Questions)})
	default:
		s.sendErrorMessage(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// healthCheck handles GET /health.
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	dbStatus := "healthy"
	if err := s.dbManager.HealthCheck(ctx); err != nil {
		status = "unhealthy"
		dbStatus = "error: " + err.Error()
	}

	connections := 0
	if s.connections != nil {
		connections = s.connections.ActiveConnections()
	}

	response := HealthResponse{
		Status:      status,
		Project:     s.info.Project,
		Version:     s.info.Version,
		Timestamp:   s.now().UTC(),
		Environment: s.info.Environment,
		Database:    dbStatus,
		Connections: connections,
		Rooms:       s.registry.GetStats(),
	}
	if s.channels != nil {
		response.Channels = s.channels.GetStats()
	}

	code := http.StatusOK
	if status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, response)
}

// statusFor maps an error kind to an HTTP status.
func statusFor(err error) int {
	switch types.KindOf(err) {
	case types.KindValidation:
		if errors.Is(err, types.ErrRateLimited) {
			return http.StatusTooManyRequests
		}
		return http.StatusBadRequest
	case types.KindConflict:
		return http.StatusConflict
	case types.KindNotFound:
		return http.StatusNotFound
	case types.KindUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) sendError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	message := err.Error()
	if code == http.StatusInternalServerError {
		s.log.WithError(err).WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"request_id": w.Header().Get(requestIDHeader),
		}).Error("Request failed")
		message = "internal error"
	}
	s.writeJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Reason:  types.ReasonOf(err),
		Message: message,
	})
}

func (s *Server) sendErrorMessage(w http.ResponseWriter, message string, code int) {
	s.writeJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.WithError(err).Debug("Failed to write response")
	}
}
