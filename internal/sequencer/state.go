package sequencer

import (
	"errors"
	"fmt"
	"sync"
)

var ErrInvalidTransition = errors.New("invalid sync state transition")

type Phase string

const (
	PhaseIdle               Phase = "idle"
	PhaseValidating         Phase = "validating"
	PhaseSyncingProject     Phase = "syncing_project"
	PhaseSyncingStage       Phase = "syncing_stage"
	PhaseSyncingAssignments Phase = "syncing_assignments"
	PhaseCommitted          Phase = "committed"
	PhaseFailed             Phase = "failed"
)

// State 是一次保存所处的阶段；Step 仅对 stage/assignment 阶段有意义，
// 表示该阶段内第几个 stage（从 0 开始连续递增）
type State struct {
	Phase Phase
	Step  int
}

var Idle = State{Phase: PhaseIdle}

func Validating() State         { return State{Phase: PhaseValidating} }
func SyncingProject() State     { return State{Phase: PhaseSyncingProject} }
func SyncingStage(i int) State  { return State{Phase: PhaseSyncingStage, Step: i} }
func SyncingAssignments(i int) State {
	return State{Phase: PhaseSyncingAssignments, Step: i}
}
func Committed() State { return State{Phase: PhaseCommitted} }

// Failed 记录失败发生时的步骤序号
func Failed(step int) State { return State{Phase: PhaseFailed, Step: step} }

func (s State) String() string {
	switch s.Phase {
	case PhaseSyncingStage, PhaseSyncingAssignments, PhaseFailed:
		return fmt.Sprintf("%s(%d)", s.Phase, s.Step)
	default:
		return string(s.Phase)
	}
}

func (s State) Terminal() bool {
	return s.Phase == PhaseCommitted || s.Phase == PhaseFailed
}

// Observer 在每次状态转换成功后被调用
type Observer func(from, to State)

// Machine 保存一次保存过程的状态，所有转换都经过校验
type Machine struct {
	mu        sync.Mutex
	state     State
	observers []Observer
}

func NewMachine(observers ...Observer) *Machine {
	return &Machine{state: Idle, observers: observers}
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Transition 校验并执行 from(当前) -> to；非法转换不修改状态
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	from := m.state
	if !isAllowedTransition(from, to) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	m.state = to
	observers := m.observers
	m.mu.Unlock()

	for _, obs := range observers {
		obs(from, to)
	}
	return nil
}

func isAllowedTransition(from, to State) bool {
	if to.Phase == PhaseFailed {
		return !from.Terminal() && from.Phase != PhaseIdle
	}
	switch from.Phase {
	case PhaseIdle:
		return to.Phase == PhaseValidating
	case PhaseValidating:
		return to.Phase == PhaseSyncingProject || to.Phase == PhaseCommitted
	case PhaseSyncingProject:
		switch to.Phase {
		case PhaseSyncingStage, PhaseSyncingAssignments:
			return to.Step == 0
		case PhaseCommitted:
			return true
		}
	case PhaseSyncingStage:
		switch to.Phase {
		case PhaseSyncingStage:
			return to.Step == from.Step+1
		case PhaseSyncingAssignments:
			return to.Step == 0
		case PhaseCommitted:
			return true
		}
	case PhaseSyncingAssignments:
		switch to.Phase {
		case PhaseSyncingAssignments:
			return to.Step == from.Step+1
		case PhaseCommitted:
			return true
		}
	}
	return false
}
