package database

import "errors"

var (
	ErrManagerClosed      = errors.New("database manager is closed")
	ErrWriteTimeout       = errors.New("write operation timeout")
	ErrInvalidQuestionSet = errors.New("invalid question set")
)
