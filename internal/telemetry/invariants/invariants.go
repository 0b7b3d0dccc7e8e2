package invariants

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	// InvariantPortAssignmentUnique requires each port to be held by at most one session.
	InvariantPortAssignmentUnique = "port_assignment_unique"
	// InvariantRegistryIndexConsistent requires the session index and process map to stay in lock-step.
	InvariantRegistryIndexConsistent = "registry_index_consistent"
	// InvariantStateTransitionLegal requires lifecycle transitions to follow deterministic state machines.
	InvariantStateTransitionLegal = "state_transition_legal"
	// InvariantFinishedNotifiedOnce requires exactly one completion notification per agent finish.
	InvariantFinishedNotifiedOnce = "finished_notified_once"
	// InvariantTerminationVerified requires terminated targets to be verifiably dead.
	InvariantTerminationVerified = "termination_verified"
)

const (
	// SeverityWarn is used for non-fatal invariant violations.
	SeverityWarn = "warn"
	// SeverityError is used for fatal invariant violations.
	SeverityError = "error"
)

var invariantChecksEnabled atomic.Bool

func init() {
	invariantChecksEnabled.Store(true)
}

// ViolationDetails captures invariant violation context for telemetry events.
type ViolationDetails struct {
	WhatInvariant string
	WhereDetected string
	WhyViolated   string
	StackTrace    string
	Additional    map[string]string
}

// SetEnabled globally enables or disables invariant checks.
func SetEnabled(enabled bool) {
	invariantChecksEnabled.Store(enabled)
}

// Enabled reports whether invariant checks are currently enabled.
func Enabled() bool {
	return invariantChecksEnabled.Load()
}

// InvariantViolation emits an invariant.violation telemetry event on the active span.
// If the context has no active span, a short synthetic span is created for observability.
func InvariantViolation(
	ctx context.Context,
	invariantName string,
	severity string,
	details ViolationDetails,
) {
	if !Enabled() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	invariantName = strings.TrimSpace(invariantName)
	if invariantName == "" {
		invariantName = "unknown_invariant"
	}
	severity = normalizeSeverity(severity)

	attrs := []attribute.KeyValue{
		attribute.String("invariant_name", invariantName),
		attribute.String("severity", severity),
		attribute.String("what_invariant", strings.TrimSpace(details.WhatInvariant)),
		attribute.String("where_detected", strings.TrimSpace(details.WhereDetected)),
		attribute.String("why_violated", strings.TrimSpace(details.WhyViolated)),
	}
	if stack := strings.TrimSpace(details.StackTrace); stack != "" {
		attrs = append(attrs, attribute.String("stack_trace", stack))
	}

	if len(details.Additional) > 0 {
		keys := make([]string, 0, len(details.Additional))
		for key := range details.Additional {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			value := strings.TrimSpace(details.Additional[key])
			if value == "" {
				continue
			}
			attrs = append(attrs, attribute.String("context."+key, value))
		}
	}

	span := trace.SpanFromContext(ctx)
	if span != nil && span.SpanContext().IsValid() {
		span.AddEvent("invariant.violation", trace.WithAttributes(attrs...))
		return
	}

	tracedCtx, temporarySpan := otel.Tracer("podium/invariants").Start(ctx, "invariant.violation")
	defer temporarySpan.End()
	temporarySpan.AddEvent("invariant.violation", trace.WithAttributes(attrs...))
	_ = tracedCtx
}

// CheckPortAssignmentUnique validates the port_assignment_unique invariant.
func CheckPortAssignmentUnique(ctx context.Context, whereDetected string, port int, holderSessions []int) bool {
	if len(holderSessions) <= 1 {
		return true
	}
	InvariantViolation(ctx, InvariantPortAssignmentUnique, SeverityError, ViolationDetails{
		WhatInvariant: "at most one session holds a given port",
		WhereDetected: whereDetected,
		WhyViolated:   fmt.Sprintf("port %d held by %d sessions", port, len(holderSessions)),
		Additional: map[string]string{
			"port":     fmt.Sprintf("%d", port),
			"sessions": joinInts(holderSessions),
		},
	})
	return false
}

// CheckRegistryIndexConsistent validates the registry_index_consistent invariant.
func CheckRegistryIndexConsistent(
	ctx context.Context,
	whereDetected string,
	missingFromPrimary []int,
	missingFromIndex []int,
) bool {
	if len(missingFromPrimary) == 0 && len(missingFromIndex) == 0 {
		return true
	}
	InvariantViolation(ctx, InvariantRegistryIndexConsistent, SeverityError, ViolationDetails{
		WhatInvariant: "session index and process map reference the same pids",
		WhereDetected: whereDetected,
		WhyViolated: fmt.Sprintf(
			"%d pids missing from process map, %d pids missing from session index",
			len(missingFromPrimary),
			len(missingFromIndex),
		),
		Additional: map[string]string{
			"missing_from_primary": joinInts(missingFromPrimary),
			"missing_from_index":   joinInts(missingFromIndex),
		},
	})
	return false
}

// CheckStateTransitionLegal validates the state_transition_legal invariant.
func CheckStateTransitionLegal(
	ctx context.Context,
	whereDetected string,
	entityType string,
	fromState string,
	toState string,
	legal bool,
) bool {
	if legal {
		return true
	}
	InvariantViolation(ctx, InvariantStateTransitionLegal, SeverityError, ViolationDetails{
		WhatInvariant: "state machine transition is legal",
		WhereDetected: whereDetected,
		WhyViolated:   fmt.Sprintf("illegal transition for entity=%s from=%s to=%s", entityType, fromState, toState),
		Additional: map[string]string{
			"entity_type": strings.TrimSpace(entityType),
			"from_state":  strings.TrimSpace(fromState),
			"to_state":    strings.TrimSpace(toState),
		},
	})
	return false
}

// CheckFinishedNotifiedOnce validates the finished_notified_once invariant.
func CheckFinishedNotifiedOnce(ctx context.Context, whereDetected string, agentID string, notifyCount int) bool {
	if notifyCount <= 1 {
		return true
	}
	InvariantViolation(ctx, InvariantFinishedNotifiedOnce, SeverityWarn, ViolationDetails{
		WhatInvariant: "agent completion notification fires exactly once per transition",
		WhereDetected: whereDetected,
		WhyViolated:   fmt.Sprintf("agent %s notified %d times", agentID, notifyCount),
		Additional: map[string]string{
			"agent_id":     strings.TrimSpace(agentID),
			"notify_count": fmt.Sprintf("%d", notifyCount),
		},
	})
	return false
}

// CheckTerminationVerified validates the termination_verified invariant.
func CheckTerminationVerified(ctx context.Context, whereDetected string, target string, dead bool) bool {
	if dead {
		return true
	}
	InvariantViolation(ctx, InvariantTerminationVerified, SeverityError, ViolationDetails{
		WhatInvariant: "terminated target is verifiably dead after escalation",
		WhereDetected: whereDetected,
		WhyViolated:   fmt.Sprintf("target %s still alive after termination", strings.TrimSpace(target)),
		Additional: map[string]string{
			"target": strings.TrimSpace(target),
		},
	})
	return false
}

func normalizeSeverity(value string) string {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case SeverityWarn:
		return SeverityWarn
	case SeverityError:
		return SeverityError
	default:
		return SeverityError
	}
}

func joinInts(values []int) string {
	parts := make([]string, 0, len(values))
	for _, value := range values {
		parts = append(parts, fmt.Sprintf("%d", value))
	}
	return strings.Join(parts, ",")
}
