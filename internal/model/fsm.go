package model

import "github.com/qmuntal/stateless"

// Triggers are destination statuses: firing "READY" on a PENDING machine
// moves it to READY when that edge is permitted.

func workflowMachine(from string) *stateless.StateMachine {
	sm := stateless.NewStateMachine(from)
	sm.Configure(WorkflowPending).
		Permit(WorkflowReady, WorkflowReady).
		Permit(WorkflowFailed, WorkflowFailed)
	sm.Configure(WorkflowReady)
	sm.Configure(WorkflowFailed)
	return sm
}

func runMachine(from string) *stateless.StateMachine {
	sm := stateless.NewStateMachine(from)
	sm.Configure(RunPending).
		Permit(RunRunning, RunRunning).
		Permit(RunFailed, RunFailed)
	sm.Configure(RunRunning).
		Permit(RunSucceeded, RunSucceeded).
		Permit(RunFailed, RunFailed)
	sm.Configure(RunSucceeded)
	sm.Configure(RunFailed)
	return sm
}

// fire reports whether the machine accepts the trigger from its current state.
func fire(sm *stateless.StateMachine, to string) bool {
	return sm.Fire(to) == nil
}
