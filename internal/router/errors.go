package router

import "arena/pkg/types"

var (
	ErrFrameTooLarge   = types.NewError(types.KindValidation, types.ReasonInvalidMessage, "frame exceeds the maximum size")
	ErrMalformedFrame  = types.NewError(types.KindValidation, types.ReasonInvalidMessage, "frame is not a valid message envelope")
	ErrInvalidRoomCode = types.NewError(types.KindValidation, types.ReasonInvalidMessage, "room code is malformed")
)
