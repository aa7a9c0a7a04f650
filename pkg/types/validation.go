package types

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

const (
	// RoomCodeLength is the length of generated room codes.
	RoomCodeLength = 6

	// RoomCodeChars excludes ambiguous characters (0/O, 1/I/L).
	RoomCodeChars = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

	MaxAnswerLength   = 500
	MaxHandleLength   = 40
	MaxClientFrameLen = 16 * 1024
)

// Regexes compiled once at package initialization.
var (
	userIDRegex   = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	roomCodeRegex = regexp.MustCompile(`^[` + RoomCodeChars + `]+$`)
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks a room configuration against its struct tags.
func (c RoomConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// Validate checks the envelope of a client frame. Payload decoding is left
// to the router since its shape depends on the type.
func (m *ClientMessage) Validate() error {
	if !IsValidClientMessageType(m.Type) {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, m.Type)
	}
	if len(m.Payload) > MaxClientFrameLen {
		return fmt.Errorf("%w: payload exceeds %d bytes", ErrInvalidMessage, MaxClientFrameLen)
	}
	return nil
}

// DecodePayload unmarshals the payload into v, mapping failures to
// ErrInvalidMessage.
func (m *ClientMessage) DecodePayload(v interface{}) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%w: %s requires a payload", ErrInvalidMessage, m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return nil
}

// IsValidUserID checks if a user ID meets format requirements.
func IsValidUserID(userID string) bool {
	if len(userID) < 1 || len(userID) > 50 {
		return false
	}
	return userIDRegex.MatchString(userID)
}

// IsValidHandle checks a display handle.
func IsValidHandle(handle string) bool {
	n := utf8.RuneCountInString(handle)
	return n >= 1 && n <= MaxHandleLength && strings.TrimSpace(handle) != ""
}

// IsValidRoomCode checks the shape of a room code, not its existence.
func IsValidRoomCode(code string) bool {
	return len(code) == RoomCodeLength && roomCodeRegex.MatchString(code)
}

// NormalizeRoomCode upper-cases and trims user-typed codes.
func NormalizeRoomCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// IsValidClientMessageType checks if the type is a known client -> server kind.
func IsValidClientMessageType(msgType string) bool {
	switch msgType {
	case MessageTypeJoin,
		MessageTypeLeave,
		MessageTypeStart,
		MessageTypeSubmitAnswer,
		MessageTypeClose,
		MessageTypePing:
		return true
	default:
		return false
	}
}

// ValidateAnswer checks an answer against the question it targets. Questions
// with options only accept one of them.
func ValidateAnswer(q Question, answer string) error {
	trimmed := strings.TrimSpace(answer)
	if trimmed == "" || utf8.RuneCountInString(trimmed) > MaxAnswerLength {
		return ErrInvalidAnswer
	}
	if len(q.Options) == 0 {
		return nil
	}
	for _, opt := range q.Options {
		if normalizeAnswer(opt) == normalizeAnswer(trimmed) {
			return nil
		}
	}
	return ErrInvalidAnswer
}

// IsCorrect compares answers case-insensitively, ignoring surrounding space.
func IsCorrect(q Question, answer string) bool {
	return normalizeAnswer(q.Answer) == normalizeAnswer(answer)
}

// Validate checks a question record from the source.
func (q Question) Validate() error {
	if q.ID == "" || strings.TrimSpace(q.Prompt) == "" || strings.TrimSpace(q.Answer) == "" {
		return fmt.Errorf("question %q: id, prompt and answer are required", q.ID)
	}
	if len(q.Options) > 0 && ValidateAnswer(q, q.Answer) != nil {
		return fmt.Errorf("question %q: answer is not one of the options", q.ID)
	}
	return nil
}

func normalizeAnswer(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
