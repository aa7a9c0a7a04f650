package interfaces

import "arena/pkg/types"

// Common collaborator errors
var (
	ErrResultsNotFound = types.NewError(types.KindNotFound, "RESULTS_NOT_FOUND", "no results recorded for this room")
)
