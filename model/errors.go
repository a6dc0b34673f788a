package model

import (
	"errors"
	"fmt"

	"github.com/emersion/go-imapsync/internal/imapwire"
)

var (
	// ErrOffline is returned when the network policy forbids connecting.
	ErrOffline = errors.New("imapsync: offline")
	// ErrConnectionLost is returned when the connection a task relied on
	// went away.
	ErrConnectionLost = errors.New("imapsync: connection lost")
	// ErrAborted wraps the error of a task which caused its dependents to be
	// aborted.
	ErrAborted = errors.New("imapsync: aborted")
	// ErrClosed is returned once the model has been closed.
	ErrClosed = errors.New("imapsync: model closed")
)

// CommandError is returned when the server answers a command with NO or BAD.
type CommandError struct {
	Command string
	Type    imapwire.StatusType
	Code    imapwire.ResponseCodeName
	Text    string
}

func newCommandError(command string, resp *imapwire.StatusResponse) *CommandError {
	err := &CommandError{
		Command: command,
		Type:    resp.Type,
		Text:    resp.Text,
	}
	if resp.Code != nil {
		err.Code = resp.Code.Name
	}
	return err
}

func (err *CommandError) Error() string {
	s := fmt.Sprintf("imapsync: %v failed: %v", err.Command, err.Type)
	if err.Code != "" {
		s += fmt.Sprintf(" [%v]", err.Code)
	}
	if err.Text != "" {
		s += " " + err.Text
	}
	return s
}

// cascade builds the error given to the dependents of a failed task.
func cascade(err error) error {
	if err == nil || errors.Is(err, ErrAborted) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrAborted, err)
}
