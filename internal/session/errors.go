package session

import (
	"errors"
	"fmt"
)

var (
	ErrAppNotConnected   = errors.New("app not connected")
	ErrToolNotFound      = errors.New("tool not found")
	ErrProtocolInit      = errors.New("protocol initialize failed")
	ErrProtocolListTools = errors.New("protocol list tools failed")
	ErrToolExecution     = errors.New("tool execution failed")

	// Recoverable: logged, never returned from a turn.
	ErrParameterExtractionParse = errors.New("could not parse extracted parameters")
	ErrRoutingDecisionParse     = errors.New("could not parse routing decision")

	ErrNoActiveCollection  = errors.New("no active collection")
	ErrCollectionAbandoned = errors.New("collection ended before the message was applied")
	ErrNoContext           = errors.New("no app context")
)

// ConnectError is returned by Connect.
type ConnectError struct {
	AppID     string
	ServerURL string
	Err       error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s (%s): %v", e.AppID, e.ServerURL, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// InvokeError is returned by tool invocation paths.
type InvokeError struct {
	AppID string
	Tool  string
	Err   error
}

func (e *InvokeError) Error() string {
	if e.Tool == "" {
		return fmt.Sprintf("invoke on %s: %v", e.AppID, e.Err)
	}
	return fmt.Sprintf("invoke %s/%s: %v", e.AppID, e.Tool, e.Err)
}

func (e *InvokeError) Unwrap() error {
	return e.Err
}
