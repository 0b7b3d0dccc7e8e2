package state

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/podium-dev/podium/internal/events"
	"github.com/podium-dev/podium/internal/telemetry/invariants"
)

// EntityType identifies which state machine to evaluate.
type EntityType string

const (
	// EntityServer is the dev-server lifecycle state machine.
	EntityServer EntityType = "server"
	// EntityAgent is the agent activity state machine.
	EntityAgent EntityType = "agent"
)

const (
	ServerStarting = "starting"
	ServerRunning  = "running"
	ServerStopping = "stopping"
	ServerStopped  = "stopped"
	ServerError    = "error"
)

const (
	AgentIdle       = "idle"
	AgentWorking    = "working"
	AgentNeedsInput = "needs_input"
	AgentFinished   = "finished"
	AgentError      = "error"
)

// serverTransitions is the strict dev-server table. Agents are validated
// against the known-state set instead: agents move freely between states
// (finished back to working is a new task), so only unknown names and
// same-state re-entry are rejected here.
var serverTransitions = map[string]map[string]struct{}{
	ServerStarting: {
		ServerRunning: {},
		ServerError:   {},
	},
	ServerRunning: {
		ServerStopping: {},
		ServerStopped:  {},
		ServerError:    {},
	},
	ServerStopping: {
		ServerStopped: {},
		ServerError:   {},
	},
}

// Option configures Machine construction.
type Option func(*Machine)

// WithTracer configures the tracer used for state transition spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(machine *Machine) {
		if tracer == nil {
			return
		}
		machine.tracer = tracer
	}
}

// WithClock overrides the timestamp source for transition records.
func WithClock(now func() time.Time) Option {
	return func(machine *Machine) {
		if now == nil {
			return
		}
		machine.now = now
	}
}

// TransitionRecord stores transition metadata for local history.
type TransitionRecord struct {
	EntityType EntityType
	EntityID   string
	FromState  string
	ToState    string
	Reason     string
	Actor      string
	Timestamp  time.Time
}

// IllegalTransitionError is returned for a disallowed transition.
type IllegalTransitionError struct {
	EntityType EntityType
	EntityID   string
	FromState  string
	ToState    string
	Reason     string
}

func (e *IllegalTransitionError) Error() string {
	reason := strings.TrimSpace(e.Reason)
	if reason == "" {
		reason = "illegal transition for entity lifecycle"
	}
	return fmt.Sprintf(
		"cannot transition %s %q from %q to %q: %s",
		e.EntityType,
		e.EntityID,
		e.FromState,
		e.ToState,
		reason,
	)
}

// Is enables errors.Is checks for illegal transition failures.
func (e *IllegalTransitionError) Is(target error) bool {
	_, ok := target.(*IllegalTransitionError)
	return ok
}

// Machine validates lifecycle transitions and publishes them on the bus.
type Machine struct {
	bus    events.Bus
	actor  string
	tracer trace.Tracer
	now    func() time.Time

	mu      sync.Mutex
	history []TransitionRecord
}

// NewMachine builds a deterministic transition validator. A nil bus disables
// event publication; transitions are still validated and recorded.
func NewMachine(bus events.Bus, actor string, options ...Option) *Machine {
	normalizedActor := strings.TrimSpace(actor)
	if normalizedActor == "" {
		normalizedActor = "supervisor"
	}

	machine := &Machine{
		bus:     bus,
		actor:   normalizedActor,
		tracer:  otel.Tracer("podium/state"),
		now:     time.Now,
		history: []TransitionRecord{},
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(machine)
	}

	return machine
}

// Transition validates and records one state transition. Re-entering the
// current state is a no-op for agents and returns nil without recording.
func (m *Machine) Transition(ctx context.Context, entityType EntityType, entityID, fromState, toState, reason string) error {
	if m == nil {
		return errors.New("machine is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	started := time.Now()
	normalizedReason := strings.TrimSpace(reason)

	ctx, span := m.tracer.Start(ctx, "state.transition")
	defer func() {
		span.SetAttributes(attribute.Int64("duration_ms", time.Since(started).Milliseconds()))
		span.End()
	}()

	entityID = strings.TrimSpace(entityID)
	fromState = strings.TrimSpace(fromState)
	toState = strings.TrimSpace(toState)
	span.SetAttributes(
		attribute.String("entity_type", string(entityType)),
		attribute.String("entity_id", entityID),
		attribute.String("from_state", fromState),
		attribute.String("to_state", toState),
		attribute.String("reason", normalizedReason),
	)

	if entityID == "" {
		err := errors.New("entity id must not be empty")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if fromState == "" || toState == "" {
		err := errors.New("from and to states must not be empty")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if entityType == EntityAgent && fromState == toState && isKnownAgentState(fromState) {
		span.SetStatus(codes.Ok, "same-state transition ignored")
		return nil
	}

	if !isAllowed(entityType, fromState, toState) {
		invariants.CheckStateTransitionLegal(
			ctx,
			"state.machine.transition",
			string(entityType),
			fromState,
			toState,
			false,
		)
		err := &IllegalTransitionError{
			EntityType: entityType,
			EntityID:   entityID,
			FromState:  fromState,
			ToState:    toState,
			Reason:     "illegal transition for entity lifecycle",
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	timestamp := m.now().UTC()
	record := TransitionRecord{
		EntityType: entityType,
		EntityID:   entityID,
		FromState:  fromState,
		ToState:    toState,
		Reason:     normalizedReason,
		Actor:      m.actor,
		Timestamp:  timestamp,
	}

	m.mu.Lock()
	m.history = append(m.history, record)
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(events.Event{
			Type:       events.EventTypeStateTransition,
			Timestamp:  timestamp,
			EntityType: string(entityType),
			EntityID:   entityID,
			Payload:    record,
			Severity:   events.SeverityInfo,
		})
	}

	span.SetStatus(codes.Ok, "state transition recorded")

	_ = ctx
	return nil
}

// History returns transition records captured by this machine.
func (m *Machine) History() []TransitionRecord {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TransitionRecord, len(m.history))
	copy(out, m.history)
	return out
}

func isAllowed(entityType EntityType, fromState, toState string) bool {
	switch entityType {
	case EntityServer:
		nextStates, ok := serverTransitions[fromState]
		if !ok {
			return false
		}
		_, ok = nextStates[toState]
		return ok
	case EntityAgent:
		if !isKnownAgentState(fromState) || !isKnownAgentState(toState) {
			return false
		}
		return fromState != toState
	default:
		return false
	}
}
