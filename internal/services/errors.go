// Package services defines the business logic for conversations, messages,
// translations, and delivery status. This file centralizes common
// service-level error values so that they can be consistently returned by
// service methods and checked by callers.
//
// These errors are intended for internal use by the service layer; translation
// into user-facing messages or HTTP status codes is performed at the handler
// layer.
package services

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrConversationNotFound indicates that the requested conversation does
	// not exist.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrNotParticipant is returned when a user acts on a conversation they
	// are not an active participant of.
	ErrNotParticipant = errors.New("not a participant of this conversation")

	// ErrEmptyContent is returned when a message body is empty after trimming.
	ErrEmptyContent = errors.New("message content is empty")

	// ErrTooLong is returned when a message exceeds the sender's maximum
	// configured length limit.
	ErrTooLong = errors.New("message too long")

	// ErrTooManyMentions is returned when a message mentions more users than
	// the configured cap allows.
	ErrTooManyMentions = errors.New("too many mentions")

	// ErrMessageNotFound indicates that the requested message does not exist,
	// is deleted, or is not accessible to the current user.
	ErrMessageNotFound = errors.New("message not found")

	// ErrNotSender is returned when a user attempts to edit or delete a
	// message they did not author.
	ErrNotSender = errors.New("only the sender can modify this message")

	// ErrBadReplyTarget is returned when replyTo references a message outside
	// the conversation or one that does not exist.
	ErrBadReplyTarget = errors.New("reply target not found in this conversation")

	// ErrInvalidLanguage is returned when a language preference cannot be
	// reduced to a usable code.
	ErrInvalidLanguage = errors.New("invalid language code")

	// ErrGuestExpired is returned when an anonymous participant's access
	// window has lapsed.
	ErrGuestExpired = errors.New("guest access expired")
)

// RateLimitedError reports a rejected send together with how long the caller
// must wait before the window resets. Check for it with errors.As.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %s", e.RetryAfter)
}
