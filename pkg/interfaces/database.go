package interfaces

import (
	"context"

	"arena/pkg/types"
)

// QuestionSource supplies ordered, pre-validated questions. It is read-only
// to rooms.
type QuestionSource interface {
	// Questions returns the questions of a set in play order. Unknown sets
	// fail with types.ErrQuestionSetNotFound.
	Questions(ctx context.Context, setRef string) ([]types.Question, error)
}

// ResultStore receives the final results snapshot of finished rooms.
type ResultStore interface {
	SaveResults(ctx context.Context, results *types.FinalResults) error

	// GetResults returns the most recent results saved for a room code, or
	// ErrResultsNotFound.
	GetResults(ctx context.Context, roomCode string) (*types.FinalResults, error)
}

// DatabaseManager handles all persistence operations.
type DatabaseManager interface {
	QuestionSource
	ResultStore

	// SaveQuestionSet inserts or replaces a question set and its questions.
	SaveQuestionSet(ctx context.Context, set *types.QuestionSet) error

	// ListQuestionSets returns set metadata without questions.
	ListQuestionSets(ctx context.Context) ([]*types.QuestionSet, error)

	// HealthCheck verifies database connectivity and basic operations.
	HealthCheck(ctx context.Context) error

	// Close waits for pending writes and closes the connection.
	Close() error
}
