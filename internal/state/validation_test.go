package state

import (
	"errors"
	"testing"
)

func TestParseServerStatusNormalizesKnownValues(t *testing.T) {
	t.Parallel()

	cases := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{input: "starting", want: ServerStarting},
		{input: " Running ", want: ServerRunning},
		{input: "STOPPING", want: ServerStopping},
		{input: "stopped", want: ServerStopped},
		{input: "error", want: ServerError},
		{input: "paused", wantErr: true},
		{input: "", wantErr: true},
		{input: "   ", wantErr: true},
	}

	for _, tc := range cases {
		got, err := ParseServerStatus(tc.input)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("ParseServerStatus(%q) expected error", tc.input)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseServerStatus(%q): %v", tc.input, err)
		}
		if got != tc.want {
			t.Fatalf("ParseServerStatus(%q) = %q, want %q", tc.input, got, tc.want)
		}
	}
}

func TestParseAgentStateNormalizesKnownValues(t *testing.T) {
	t.Parallel()

	cases := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{input: "idle", want: AgentIdle},
		{input: " WORKING ", want: AgentWorking},
		{input: "needs_input", want: AgentNeedsInput},
		{input: "finished", want: AgentFinished},
		{input: "error", want: AgentError},
		{input: "thinking", wantErr: true},
		{input: "", wantErr: true},
	}

	for _, tc := range cases {
		got, err := ParseAgentState(tc.input)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("ParseAgentState(%q) expected error", tc.input)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseAgentState(%q): %v", tc.input, err)
		}
		if got != tc.want {
			t.Fatalf("ParseAgentState(%q) = %q, want %q", tc.input, got, tc.want)
		}
	}
}

func TestUnknownStateErrorSupportsErrorsIs(t *testing.T) {
	t.Parallel()

	_, err := ParseAgentState("daydreaming")
	if err == nil {
		t.Fatal("expected unknown state error")
	}

	var unknownErr *UnknownStateError
	if !errors.As(err, &unknownErr) {
		t.Fatalf("error = %T, want *UnknownStateError", err)
	}
	if !errors.Is(err, &UnknownStateError{}) {
		t.Fatal("errors.Is against UnknownStateError sentinel should match")
	}
	if unknownErr.EntityType != EntityAgent {
		t.Fatalf("entity type = %s, want agent", unknownErr.EntityType)
	}
	if unknownErr.Value != "daydreaming" {
		t.Fatalf("value = %q, want original input", unknownErr.Value)
	}
}

func TestIsTerminalServerStatus(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status string
		want   bool
	}{
		{status: ServerStopped, want: true},
		{status: ServerError, want: true},
		{status: " stopped ", want: true},
		{status: ServerStarting, want: false},
		{status: ServerRunning, want: false},
		{status: ServerStopping, want: false},
		{status: "", want: false},
	}

	for _, tc := range cases {
		if got := IsTerminalServerStatus(tc.status); got != tc.want {
			t.Fatalf("IsTerminalServerStatus(%q) = %v, want %v", tc.status, got, tc.want)
		}
	}
}

func TestKnownVocabulariesAreComplete(t *testing.T) {
	t.Parallel()

	if got := len(KnownServerStatuses()); got != 5 {
		t.Fatalf("server vocabulary size = %d, want 5", got)
	}
	if got := len(KnownAgentStates()); got != 5 {
		t.Fatalf("agent vocabulary size = %d, want 5", got)
	}

	for _, status := range KnownServerStatuses() {
		if _, err := ParseServerStatus(status); err != nil {
			t.Fatalf("vocabulary status %q should parse: %v", status, err)
		}
	}
	for _, agentState := range KnownAgentStates() {
		if _, err := ParseAgentState(agentState); err != nil {
			t.Fatalf("vocabulary state %q should parse: %v", agentState, err)
		}
	}
}
