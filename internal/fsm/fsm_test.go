package fsm_test

import (
	"testing"

	"provline/internal/fsm"
)

func TestBootstrapChain(t *testing.T) {
	next, ok := fsm.Next(fsm.Unstarted)
	if !ok || next != fsm.Starting {
		t.Fatalf("UNSTARTED -> %s, want STARTING", next)
	}
	next, ok = fsm.Next(fsm.Starting)
	if !ok || next != fsm.Started {
		t.Fatalf("STARTING -> %s, want STARTED", next)
	}
	next, ok = fsm.Next(fsm.Started)
	if !ok || next != fsm.StageTenant.Created() {
		t.Fatalf("STARTED -> %s, want TENANT_CREATED", next)
	}
}

func TestStageChainEndsCompleted(t *testing.T) {
	stages := fsm.Stages()
	state := stages[0].Created()
	for i, stage := range stages {
		next, ok := fsm.Next(state)
		if !ok {
			t.Fatalf("no transition from %s", state)
		}
		want := fsm.Completed
		if i < len(stages)-1 {
			want = stages[i+1].Created()
		}
		if next != want {
			t.Fatalf("%s -> %s, want %s", state, next, want)
		}
		// the in-progress state advances to the same place
		fromProgress, ok := fsm.Next(stage.InProgress())
		if !ok || fromProgress != want {
			t.Fatalf("%s -> %s, want %s", stage.InProgress(), fromProgress, want)
		}
		state = next
	}
	if _, ok := fsm.Next(fsm.Completed); ok {
		t.Fatalf("COMPLETED must not advance")
	}
}

func TestFailureAndRestartTargets(t *testing.T) {
	for _, stage := range fsm.Stages() {
		target, ok := fsm.FailureTarget(stage.InProgress())
		if !ok || target != stage.Failed() {
			t.Fatalf("failure of %s = %s, want %s", stage.InProgress(), target, stage.Failed())
		}
		restart, ok := fsm.RestartTarget(stage.Failed())
		if !ok || restart != stage.Created() {
			t.Fatalf("restart of %s = %s, want %s", stage.Failed(), restart, stage.Created())
		}
		// stranded in-progress rows are restartable too
		restart, ok = fsm.RestartTarget(stage.InProgress())
		if !ok || restart != stage.Created() {
			t.Fatalf("restart of %s = %s, want %s", stage.InProgress(), restart, stage.Created())
		}
	}
	target, ok := fsm.FailureTarget(fsm.Starting)
	if !ok || target != fsm.Failed {
		t.Fatalf("bootstrap failure target = %s, want FAILED", target)
	}
	if _, ok := fsm.RestartTarget(fsm.Failed); ok {
		t.Fatalf("global FAILED must not be restartable")
	}
	if _, ok := fsm.RestartTarget(fsm.Completed); ok {
		t.Fatalf("COMPLETED must not be restartable")
	}
}

func TestReadyStates(t *testing.T) {
	want := map[fsm.State]bool{
		fsm.Unstarted: true,
		fsm.Starting:  true,
		fsm.Started:   true,
	}
	for _, stage := range fsm.Stages() {
		want[stage.Created()] = true
	}
	got := fsm.ReadyStates()
	if len(got) != len(want) {
		t.Fatalf("ReadyStates returned %d states, want %d", len(got), len(want))
	}
	for _, s := range got {
		if !want[s] {
			t.Fatalf("unexpected ready state %s", s)
		}
		if !fsm.Ready(s) {
			t.Fatalf("Ready(%s) = false for a ReadyStates member", s)
		}
	}
	for _, stage := range fsm.Stages() {
		if fsm.Ready(stage.InProgress()) {
			t.Fatalf("%s must not be ready", stage.InProgress())
		}
		if fsm.Ready(stage.Failed()) {
			t.Fatalf("%s must not be ready", stage.Failed())
		}
	}
}

func TestTerminal(t *testing.T) {
	for _, s := range []fsm.State{fsm.Completed, fsm.Failed, fsm.StageTenant.Failed()} {
		if !fsm.Terminal(s) {
			t.Fatalf("expected %s terminal", s)
		}
	}
	for _, s := range []fsm.State{fsm.Unstarted, fsm.StageTenant.Created(), fsm.StageTenant.InProgress()} {
		if fsm.Terminal(s) {
			t.Fatalf("expected %s not terminal", s)
		}
	}
}

func TestParse(t *testing.T) {
	if _, err := fsm.Parse("TENANT_IN_PROGRESS"); err != nil {
		t.Fatalf("parse valid state: %v", err)
	}
	if _, err := fsm.Parse("TENANT_EXPLODED"); err == nil {
		t.Fatalf("expected error for unknown state")
	}
	if _, err := fsm.Parse(""); err == nil {
		t.Fatalf("expected error for empty state")
	}
}
