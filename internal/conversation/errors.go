package conversation

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrDuplicateConversation matches errors returned when an exclusive
	// conversation is opened on a chat that already has one.
	ErrDuplicateConversation = errors.New("duplicate conversation")
	// ErrConversationTimeout matches errors returned when no matching message
	// arrived in time.
	ErrConversationTimeout = errors.New("conversation timeout")
	// ErrClosed is returned when waiting on a conversation that has been closed.
	ErrClosed = errors.New("conversation closed")
)

// DuplicateError reports an exclusive open on a busy chat.
type DuplicateError struct {
	ChatID int64
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("conversation already started with %d", e.ChatID)
}

// Is makes errors.Is(err, ErrDuplicateConversation) succeed.
func (e *DuplicateError) Is(target error) bool {
	return target == ErrDuplicateConversation
}

// TimeoutError reports that a wait expired.
type TimeoutError struct {
	ChatID int64
	Wait   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("conversation timeout [%s] with chat: %d", e.Wait, e.ChatID)
}

// Is makes errors.Is(err, ErrConversationTimeout) succeed.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrConversationTimeout
}

// Timeout reports true, matching the net.Error convention.
func (e *TimeoutError) Timeout() bool { return true }
