// Package fsm defines the portfolio provisioning state machine: the closed
// set of states, the transition table, and the precomputed set of states
// eligible for another provisioning pass.
package fsm

import "fmt"

// State is a node in the provisioning state machine. Values are stored
// verbatim in the portfolio_state_machines.state column.
type State string

const (
	Unstarted State = "UNSTARTED"
	Starting  State = "STARTING"
	Started   State = "STARTED"
	Completed State = "COMPLETED"
	Failed    State = "FAILED"
)

// Stage is one phase of the provisioning pipeline. Each stage contributes
// three states: <STAGE>_CREATED, <STAGE>_IN_PROGRESS and <STAGE>_FAILED.
type Stage string

const (
	StageTenant                     Stage = "TENANT"
	StageBillingProfileCreation     Stage = "BILLING_PROFILE_CREATION"
	StageBillingProfileVerification Stage = "BILLING_PROFILE_VERIFICATION"
	StageBillingProfileTenantAccess Stage = "BILLING_PROFILE_TENANT_ACCESS"
	StageTaskOrderBillingCreation   Stage = "TASK_ORDER_BILLING_CREATION"
	StageTaskOrderBillingVerif      Stage = "TASK_ORDER_BILLING_VERIFICATION"
	StageBillingInstruction         Stage = "BILLING_INSTRUCTION"
)

// Stages returns the pipeline stages in execution order.
func Stages() []Stage {
	return []Stage{
		StageTenant,
		StageBillingProfileCreation,
		StageBillingProfileVerification,
		StageBillingProfileTenantAccess,
		StageTaskOrderBillingCreation,
		StageTaskOrderBillingVerif,
		StageBillingInstruction,
	}
}

func (s Stage) Created() State    { return State(string(s) + "_CREATED") }
func (s Stage) InProgress() State { return State(string(s) + "_IN_PROGRESS") }
func (s Stage) Failed() State     { return State(string(s) + "_FAILED") }

var (
	// successOf maps a state to where a successful advance lands.
	successOf = map[State]State{}
	// failureOf maps a state to its stage failure state.
	failureOf = map[State]State{}
	// restartOf maps a stage failure state back to its ready state.
	restartOf = map[State]State{}
	// stageOf maps CREATED/IN_PROGRESS states to the stage whose cloud
	// operation an advance must run.
	stageOf = map[State]Stage{}
	// ready holds every state from which the worker may advance with a
	// cloud call pending: the bootstrap states plus all _CREATED states.
	ready = map[State]bool{Unstarted: true, Starting: true, Started: true}

	valid = map[State]bool{
		Unstarted: true, Starting: true, Started: true, Completed: true, Failed: true,
	}
)

func init() {
	successOf[Unstarted] = Starting
	successOf[Starting] = Started

	stages := Stages()
	successOf[Started] = stages[0].Created()
	for i, stage := range stages {
		next := Completed
		if i < len(stages)-1 {
			next = stages[i+1].Created()
		}
		successOf[stage.Created()] = next
		successOf[stage.InProgress()] = next
		failureOf[stage.Created()] = stage.Failed()
		failureOf[stage.InProgress()] = stage.Failed()
		restartOf[stage.Failed()] = stage.Created()
		stageOf[stage.Created()] = stage
		stageOf[stage.InProgress()] = stage
		ready[stage.Created()] = true
		for _, s := range []State{stage.Created(), stage.InProgress(), stage.Failed()} {
			valid[s] = true
		}
	}
}

// Valid reports whether s is a member of the state machine.
func Valid(s State) bool { return valid[s] }

// Next returns the state a successful advance from s lands on.
// ok is false for terminal states and for IN_PROGRESS-only queries on
// unknown states.
func Next(s State) (State, bool) {
	next, ok := successOf[s]
	return next, ok
}

// FailureTarget returns the stage failure state for s. Bootstrap states
// fall back to the global FAILED state.
func FailureTarget(s State) (State, bool) {
	if target, ok := failureOf[s]; ok {
		return target, true
	}
	switch s {
	case Unstarted, Starting, Started:
		return Failed, true
	}
	return "", false
}

// RestartTarget returns the ready state a stage may be manually reset to.
// Failure states restart after remediation; IN_PROGRESS states restart when
// a crashed worker stranded them mid-call.
func RestartTarget(s State) (State, bool) {
	if target, ok := restartOf[s]; ok {
		return target, true
	}
	if stage, ok := stageOf[s]; ok && stage.InProgress() == s {
		return stage.Created(), true
	}
	return "", false
}

// StageOf returns the stage whose cloud operation an advance from s must
// perform. Bootstrap and terminal states have none.
func StageOf(s State) (Stage, bool) {
	stage, ok := stageOf[s]
	return stage, ok
}

// InProgressState reports whether s is a stage IN_PROGRESS state.
func InProgressState(s State) bool {
	stage, ok := stageOf[s]
	return ok && stage.InProgress() == s
}

// Terminal reports whether the machine cannot advance from s without an
// external trigger.
func Terminal(s State) bool {
	if s == Completed || s == Failed {
		return true
	}
	_, restartable := restartOf[s]
	return restartable
}

// ReadyStates returns the explicit set of states eligible for another
// provisioning pass, in a stable order. The eligibility query matches
// against this set rather than pattern-matching on state names.
func ReadyStates() []State {
	states := []State{Unstarted, Starting, Started}
	for _, stage := range Stages() {
		states = append(states, stage.Created())
	}
	return states
}

// Ready reports whether s is in the ReadyStates set.
func Ready(s State) bool { return ready[s] }

// Parse validates a stored state string.
func Parse(raw string) (State, error) {
	s := State(raw)
	if !valid[s] {
		return "", fmt.Errorf("unknown provisioning state %q", raw)
	}
	return s, nil
}
