package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	dbconfig "arena/pkg/database"
	"arena/pkg/interfaces"
	"arena/pkg/types"
)

// Manager implements interfaces.DatabaseManager on SQLite. Reads use the
// connection pool; every write goes through one writer goroutine.
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	log          *logrus.Entry
	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex // protects closed
	retryDelay   time.Duration
}

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// NewManager opens the database, applies migrations and starts the writer.
func NewManager(config *dbconfig.Config, logger *logrus.Entry) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	if dir := filepath.Dir(config.DatabasePath); dir != "." && !strings.HasPrefix(config.DatabasePath, ":memory:") {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := dbconfig.ApplySQLiteOptimizations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite optimizations: %w", err)
	}

	migrations := dbconfig.NewMigrationManager(db)
	if err := migrations.ApplyMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}
	if err := migrations.ValidateSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}
	versions, err := migrations.AppliedVersions()
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to read schema version: %w", err)
	}

	m := &Manager{
		db:           db,
		config:       config,
		log:          logger.WithField("component", "database"),
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
		retryDelay:   5 * time.Second,
	}

	m.wg.Add(1)
	go m.writeLoop()

	m.log.WithFields(logrus.Fields{
		"path":           config.DatabasePath,
		"schema_version": lo.LastOr(versions, "none"),
	}).Info("Database ready")
	return m, nil
}

// writeLoop runs every write. A failed write is retried once after
// retryDelay.
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			err := op.operation(m.db)
			if err != nil && !errors.Is(err, ErrInvalidQuestionSet) {
				m.log.WithError(err).Warn("Database write failed, retrying")
				time.Sleep(m.retryDelay)
				err = op.operation(m.db)
				if err != nil {
					m.log.WithError(err).Error("Database write failed after retry")
				}
			}
			op.result <- err

		case <-m.shutdown:
			m.log.Debug("Database write loop shutting down")
			return
		}
	}
}

// executeWrite queues a write and waits for it.
func (m *Manager) executeWrite(ctx context.Context, operation func(*sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrManagerClosed
	}
	m.mu.RUnlock()

	result := make(chan error, 1)
	timeout := time.NewTimer(m.config.WriteTimeout)
	defer timeout.Stop()

	select {
	case m.writeChannel <- writeOperation{operation: operation, result: result}:
	case <-ctx.Done():
		return ctx.Err()
	case <-timeout.C:
		return ErrWriteTimeout
	case <-m.shutdown:
		return ErrManagerClosed
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-timeout.C:
		return ErrWriteTimeout
	}
}

// Questions returns the ordered questions of a set.
func (m *Manager) Questions(ctx context.Context, setRef string) ([]types.Question, error) {
	var exists int
	if err := m.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM question_sets WHERE id = ?`, setRef).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to look up question set: %w", err)
	}
	if exists == 0 {
		return nil, types.ErrQuestionSetNotFound
	}

	rows, err := m.db.QueryContext(ctx, `
		SELECT id, prompt, options, answer
		FROM questions
		WHERE set_id = ?
		ORDER BY position ASC
	`, setRef)
	if err != nil {
		return nil, fmt.Errorf("failed to query questions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var questions []types.Question
	for rows.Next() {
		var q types.Question
		var optionsJSON string
		if err := rows.Scan(&q.ID, &q.Prompt, &optionsJSON, &q.Answer); err != nil {
			return nil, fmt.Errorf("failed to scan question row: %w", err)
		}
		if err := json.Unmarshal([]byte(optionsJSON), &q.Options); err != nil {
			return nil, fmt.Errorf("failed to unmarshal options of question %s: %w", q.ID, err)
		}
		if len(q.Options) == 0 {
			q.Options = nil
		}
		questions = append(questions, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating question rows: %w", err)
	}
	return questions, nil
}

// SaveQuestionSet inserts or replaces a question set and its questions.
func (m *Manager) SaveQuestionSet(ctx context.Context, set *types.QuestionSet) error {
	if err := validateQuestionSet(set); err != nil {
		return err
	}
	if set.CreatedAt.IsZero() {
		set.CreatedAt = time.Now().UTC()
	}

	return m.executeWrite(ctx, func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		_, err = tx.ExecContext(ctx, `
			INSERT INTO question_sets (id, title, created_at)
			VALUES (?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET title = excluded.title
		`, set.ID, set.Title, set.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to upsert question set: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM questions WHERE set_id = ?`, set.ID); err != nil {
			return fmt.Errorf("failed to clear questions: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO questions (set_id, position, id, prompt, options, answer)
			VALUES (?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare question insert: %w", err)
		}
		defer func() { _ = stmt.Close() }()

		for i, q := range set.Questions {
			options := q.Options
			if options == nil {
				options = []string{}
			}
			optionsJSON, err := json.Marshal(options)
			if err != nil {
				return fmt.Errorf("failed to marshal options: %w", err)
			}
			if _, err := stmt.ExecContext(ctx, set.ID, i, q.ID, q.Prompt, string(optionsJSON), q.Answer); err != nil {
				return fmt.Errorf("failed to insert question %s: %w", q.ID, err)
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit question set: %w", err)
		}
		return nil
	})
}

func validateQuestionSet(set *types.QuestionSet) error {
	if set == nil || strings.TrimSpace(set.ID) == "" || strings.TrimSpace(set.Title) == "" {
		return fmt.Errorf("%w: id and title are required", ErrInvalidQuestionSet)
	}
	if len(set.Questions) == 0 {
		return fmt.Errorf("%w: set %s has no questions", ErrInvalidQuestionSet, set.ID)
	}
	for _, q := range set.Questions {
		if err := q.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidQuestionSet, err)
		}
	}
	ids := lo.Map(set.Questions, func(q types.Question, _ int) string { return q.ID })
	if dups := lo.FindDuplicates(ids); len(dups) > 0 {
		return fmt.Errorf("%w: duplicate question ids %v", ErrInvalidQuestionSet, dups)
	}
	return nil
}

// ListQuestionSets returns set metadata, newest first. Questions are not
// loaded.
func (m *Manager) ListQuestionSets(ctx context.Context) ([]*types.QuestionSet, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, title, created_at
		FROM question_sets
		ORDER BY created_at DESC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query question sets: %w", err)
	}
	defer func() { _ = rows.Close() }()

	sets := []*types.QuestionSet{}
	for rows.Next() {
		var set types.QuestionSet
		if err := rows.Scan(&set.ID, &set.Title, &set.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan question set row: %w", err)
		}
		sets = append(sets, &set)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating question set rows: %w", err)
	}
	return sets, nil
}

// SaveResults stores a finished room's results.
func (m *Manager) SaveResults(ctx context.Context, results *types.FinalResults) error {
	rankingJSON, err := json.Marshal(results.Ranking)
	if err != nil {
		return fmt.Errorf("failed to marshal ranking: %w", err)
	}

	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO room_results (id, room_code, question_set, rounds, finished_at, ranking)
			VALUES (?, ?, ?, ?, ?, ?)
		`,
			results.ID,
			results.RoomCode,
			results.QuestionSet,
			results.Rounds,
			results.FinishedAt.UTC(),
			string(rankingJSON),
		)
		if err != nil {
			return fmt.Errorf("failed to insert room results: %w", err)
		}
		return nil
	})
}

// GetResults returns the most recent results stored for a room code.
// Codes are reused once a room is gone, so older games are shadowed.
func (m *Manager) GetResults(ctx context.Context, roomCode string) (*types.FinalResults, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT id, room_code, question_set, rounds, finished_at, ranking
		FROM room_results
		WHERE room_code = ?
		ORDER BY finished_at DESC
		LIMIT 1
	`, roomCode)

	var res types.FinalResults
	var rankingJSON string
	err := row.Scan(&res.ID, &res.RoomCode, &res.QuestionSet, &res.Rounds, &res.FinishedAt, &rankingJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, interfaces.ErrResultsNotFound
		}
		return nil, fmt.Errorf("failed to query room results: %w", err)
	}
	if err := json.Unmarshal([]byte(rankingJSON), &res.Ranking); err != nil {
		return nil, fmt.Errorf("failed to unmarshal ranking: %w", err)
	}
	return &res, nil
}

// LoadSeedFile saves every question set in a JSON file (an array of sets).
func (m *Manager) LoadSeedFile(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read seed file: %w", err)
	}
	var sets []*types.QuestionSet
	if err := json.Unmarshal(data, &sets); err != nil {
		return 0, fmt.Errorf("failed to parse seed file: %w", err)
	}
	for _, set := range sets {
		if err := m.SaveQuestionSet(ctx, set); err != nil {
			return 0, fmt.Errorf("failed to seed question set: %w", err)
		}
	}
	m.log.WithFields(logrus.Fields{"path": path, "sets": len(sets)}).Info("Question sets seeded")
	return len(sets), nil
}

// HealthCheck validates database connectivity.
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	var n int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM question_sets").Scan(&n); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// Close stops the writer and closes the database. It is safe to call more
// than once.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
