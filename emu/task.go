package emu

import (
	"github.com/pkg/errors"

	"github.com/userbe/userbe/arch/x86"
)

// Task is one guest thread: a saved register file plus its TLS block.
// Scheduling is cooperative; only one task executes at a time and the
// engine switches between them outside instruction boundaries.
type Task struct {
	ID  int
	ctx interface{}
}

// SpawnTask creates a new guest thread starting at entry with its own
// stack pointer and a fresh TLS block.
func (e *Engine) SpawnTask(entry, sp uint64) (*Task, error) {
	tid := len(e.tasks) + 1
	if _, err := e.tls.InitThread(tid); err != nil {
		return nil, err
	}
	saved, err := e.cpu.ContextSave(nil)
	if err != nil {
		return nil, err
	}
	e.cpu.RegWrite(x86.EIP, entry)
	e.cpu.RegWrite(x86.ESP, sp)
	e.cpu.RegWrite(x86.EAX, 0)
	if base, ok := e.tls.ThreadBase(tid); ok {
		e.cpu.RegWrite(x86.GS_BASE, base)
	}
	ctx, err := e.cpu.ContextSave(nil)
	if err != nil {
		return nil, err
	}
	if err := e.cpu.ContextRestore(saved); err != nil {
		return nil, err
	}
	t := &Task{ID: tid, ctx: ctx}
	e.tasks = append(e.tasks, t)
	return t, nil
}

// Switch parks the running task's registers and resumes t.
func (e *Engine) Switch(t *Task) error {
	cur := e.task(e.curTid)
	if cur == nil {
		return errors.Errorf("no task %d", e.curTid)
	}
	ctx, err := e.cpu.ContextSave(cur.ctx)
	if err != nil {
		return err
	}
	cur.ctx = ctx
	if err := e.cpu.ContextRestore(t.ctx); err != nil {
		return err
	}
	e.curTid = t.ID
	return nil
}

// Yield rotates to the next task round-robin; with a single task it is a
// no-op.
func (e *Engine) Yield() error {
	if len(e.tasks) < 2 {
		return nil
	}
	for i, t := range e.tasks {
		if t.ID == e.curTid {
			return e.Switch(e.tasks[(i+1)%len(e.tasks)])
		}
	}
	return errors.Errorf("current task %d missing", e.curTid)
}

func (e *Engine) task(id int) *Task {
	for _, t := range e.tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

func (e *Engine) Tasks() []*Task { return e.tasks }
