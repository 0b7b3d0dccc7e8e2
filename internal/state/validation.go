package state

import (
	"errors"
	"fmt"
	"strings"
)

// UnknownStateError describes a state name outside an entity's vocabulary.
type UnknownStateError struct {
	EntityType EntityType
	Value      string
}

func (e *UnknownStateError) Error() string {
	return fmt.Sprintf("unknown %s state %q", e.EntityType, e.Value)
}

// Is enables errors.Is checks for unknown state failures.
func (e *UnknownStateError) Is(target error) bool {
	_, ok := target.(*UnknownStateError)
	return ok
}

// ParseServerStatus normalizes and validates a dev-server status name.
func ParseServerStatus(value string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return "", errors.New("server status must not be empty")
	}
	switch normalized {
	case ServerStarting, ServerRunning, ServerStopping, ServerStopped, ServerError:
		return normalized, nil
	default:
		return "", &UnknownStateError{EntityType: EntityServer, Value: value}
	}
}

// ParseAgentState normalizes and validates an agent activity state name.
func ParseAgentState(value string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return "", errors.New("agent state must not be empty")
	}
	if !isKnownAgentState(normalized) {
		return "", &UnknownStateError{EntityType: EntityAgent, Value: value}
	}
	return normalized, nil
}

// IsTerminalServerStatus reports whether a server status admits no further
// transitions. Terminal entries are what the stale sweep purges.
func IsTerminalServerStatus(status string) bool {
	switch strings.TrimSpace(status) {
	case ServerStopped, ServerError:
		return true
	default:
		return false
	}
}

// KnownServerStatuses returns the server vocabulary in lifecycle order.
func KnownServerStatuses() []string {
	return []string{ServerStarting, ServerRunning, ServerStopping, ServerStopped, ServerError}
}

// KnownAgentStates returns the agent vocabulary.
func KnownAgentStates() []string {
	return []string{AgentIdle, AgentWorking, AgentNeedsInput, AgentFinished, AgentError}
}

func isKnownAgentState(value string) bool {
	switch value {
	case AgentIdle, AgentWorking, AgentNeedsInput, AgentFinished, AgentError:
		return true
	default:
		return false
	}
}
