package amqp

import (
	"errors"
	"fmt"
	"time"

	streadway "github.com/streadway/amqp"
)

// ErrClosed is returned for operations against a closed Channel or ConnectionManager,
// or a physical channel that has shut down.
var ErrClosed = streadway.ErrClosed

// ErrConnectionInvalidated is returned when an operation runs against a channel handle
// whose connection epoch is no longer current. The Channel replaces the handle on the
// next operation.
type ErrConnectionInvalidated struct {
	// Expected is the epoch the handle was opened on.
	Expected uint64
	// Current is the epoch of the live connection.
	Current uint64
}

// Error implements builtins.error.
func (err ErrConnectionInvalidated) Error() string {
	return fmt.Sprintf(
		"connection invalidated: handle epoch %v, current epoch %v",
		err.Expected,
		err.Current,
	)
}

// ErrNoRoute is returned when a mandatory publish was returned by the broker.
type ErrNoRoute struct {
	Exchange   string
	RoutingKey string
	ReplyCode  uint16
}

// Error implements builtins.error.
func (err ErrNoRoute) Error() string {
	return fmt.Sprintf(
		"mandatory message with exchange '%v' and routing key '%v' does not have a"+
			" route (reply code %v)",
		err.Exchange,
		err.RoutingKey,
		err.ReplyCode,
	)
}

// ErrRejected is returned when the broker nacks a publish.
type ErrRejected struct {
	Exchange   string
	RoutingKey string
}

// Error implements builtins.error.
func (err ErrRejected) Error() string {
	return fmt.Sprintf(
		"message with exchange '%v' and routing key '%v' was rejected by the broker",
		err.Exchange,
		err.RoutingKey,
	)
}

// ErrConfirmTimeout is returned when no confirm arrives within the confirm timeout. The
// channel may be stuck.
type ErrConfirmTimeout struct {
	Exchange   string
	RoutingKey string
	Timeout    time.Duration
}

// Error implements builtins.error.
func (err ErrConfirmTimeout) Error() string {
	return fmt.Sprintf(
		"timed out after %v waiting for confirm of message with exchange '%v' and"+
			" routing key '%v'",
		err.Timeout,
		err.Exchange,
		err.RoutingKey,
	)
}

// ErrConfirmCancelled is returned for pending confirms of a physical channel that shut
// down before the broker answered. The message may or may not have been delivered.
type ErrConfirmCancelled struct {
	Exchange   string
	RoutingKey string
}

// Error implements builtins.error.
func (err ErrConfirmCancelled) Error() string {
	return fmt.Sprintf(
		"confirm for message with exchange '%v' and routing key '%v' was cancelled by a"+
			" channel shutdown",
		err.Exchange,
		err.RoutingKey,
	)
}

// IsConnectionInvalidated reports whether err means the operation ran against a dead
// channel or connection and may be retried on a fresh one.
func IsConnectionInvalidated(err error) bool {
	var invalidated ErrConnectionInvalidated
	if errors.As(err, &invalidated) {
		return true
	}
	return errors.Is(err, ErrClosed)
}

// isPermanentDialErr reports whether a dial error can never succeed on retry.
func isPermanentDialErr(err error) bool {
	return errors.Is(err, streadway.ErrCredentials) ||
		errors.Is(err, streadway.ErrVhost) ||
		errors.Is(err, streadway.ErrSASL)
}
