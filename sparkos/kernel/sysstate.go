package kernel

import (
	"fmt"
	"strings"
)

// TaskStatus is one row of SystemState.
type TaskStatus struct {
	Task            *Task
	Name            string
	Number          uint32
	State           TaskState
	CurrentPriority Priority
	BasePriority    Priority
	RunTicks        uint32
	StackDepth      uint32
}

// SystemState is a snapshot of every task the kernel tracks.
type SystemState struct {
	Tasks        []TaskStatus
	TotalRunTime Ticks
}

// SystemState snapshots the task table in creation order.
func (k *Kernel) SystemState() SystemState {
	k.enterCritical()
	defer k.exitCritical()
	st := SystemState{
		Tasks:        make([]TaskStatus, 0, len(k.tasks)),
		TotalRunTime: k.tick,
	}
	for _, t := range k.tasks {
		st.Tasks = append(st.Tasks, TaskStatus{
			Task:            t,
			Name:            t.name,
			Number:          t.number,
			State:           t.state,
			CurrentPriority: t.priority,
			BasePriority:    t.basePriority,
			RunTicks:        t.runTicks,
			StackDepth:      t.stackDepth,
		})
	}
	return st
}

// String renders the snapshot as a table.
func (s SystemState) String() string {
	var b strings.Builder
	b.WriteString("tasks\n")
	fmt.Fprintf(&b, "%-6s | %-16s | %-9s | %-8s | %10s | %10s | %4s\n",
		"ID", "Name", "State", "Priority", "Stack", "CPU", "%")
	for _, t := range s.Tasks {
		pct := uint64(0)
		if s.TotalRunTime > 0 {
			pct = uint64(t.RunTicks) * 100 / uint64(s.TotalRunTime)
		}
		fmt.Fprintf(&b, "%-6d | %-16s | %-9s | %-8d | %10d | %10d | %3d%%\n",
			t.Number, t.Name, t.State, t.CurrentPriority, t.StackDepth, t.RunTicks, pct)
	}
	return b.String()
}
