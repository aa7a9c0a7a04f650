package registry

import "arena/pkg/types"

var (
	ErrCodeSpaceExhausted = types.NewError(types.KindConflict, types.ReasonCapacityExceeded, "could not allocate a unique room code")
	ErrEmptyQuestionSet   = types.NewError(types.KindValidation, types.ReasonInvalidConfig, "question set has no questions")
	ErrInvalidOwner       = types.NewError(types.KindValidation, types.ReasonInvalidUserID, "room owner must be a valid user ID")
)
