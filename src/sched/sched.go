// Package sched implements the round-robin scheduler with per-CPU
// affinity fallback (spec §4.3).
package sched

import (
	"nucleus/src/defs"
	"nucleus/src/env"
	"nucleus/src/mem"
)

// CPU tracks one simulated processor's dispatch state.
type CPU struct {
	ID      int
	Curenv  *env.Env
	lastIdx int // slot of the last env this CPU dispatched, -1 if never
	Halted  bool
}

// Scheduler owns the shared env table and per-CPU records it schedules
// over.
type Scheduler struct {
	Envs *env.Table
	Pool *mem.Pool
	CPUs []*CPU
}

// New builds a scheduler over ncpu simulated processors.
func New(envs *env.Table, pool *mem.Pool, ncpu int) *Scheduler {
	s := &Scheduler{Envs: envs, Pool: pool}
	for i := 0; i < ncpu; i++ {
		s.CPUs = append(s.CPUs, &CPU{ID: i, lastIdx: -1})
	}
	return s
}

// Dispatch is returned by Yield to tell the caller what to do next:
// resume an env, or halt this CPU.
type Dispatch struct {
	Env  *env.Env // nil if Halt is true
	Halt bool
}

// Yield implements sched_yield's three-phase search (spec §4.3):
//  1. never run anything yet → first RUNNABLE from slot 0.
//  2. otherwise → one revolution starting at lastIdx+1.
//  3. no RUNNABLE anywhere → a RUNNING env affine to this CPU ("whoever
//     started it finishes it").
//  4. otherwise → halt.
func (s *Scheduler) Yield(c *CPU) Dispatch {
	envs := s.Envs.All()
	n := len(envs)

	start := 0
	if c.lastIdx >= 0 {
		start = (c.lastIdx + 1) % n
	}
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		if envs[idx].Status == defs.ENV_RUNNABLE {
			return s.runDispatch(c, &envs[idx])
		}
	}

	for i := range envs {
		if envs[i].Status == defs.ENV_RUNNING && envs[i].Cpu == c.ID {
			return s.runDispatch(c, &envs[i])
		}
	}

	return Dispatch{Halt: true}
}

func (s *Scheduler) runDispatch(c *CPU, target *env.Env) Dispatch {
	c.lastIdx = env.ENVX(target.Id)
	s.EnvRun(c, target)
	return Dispatch{Env: target}
}

// EnvRun performs the dispatch bookkeeping in spec §4.3: demote the
// outgoing RUNNING env to RUNNABLE, promote the target to RUNNING, bump
// its run counter and CPU affinity, and make it this CPU's current env.
// Loading cr3 and executing the iret tail are the caller's (trap
// package's) responsibility, since they require releasing the BKL first.
func (s *Scheduler) EnvRun(c *CPU, target *env.Env) {
	if c.Curenv != nil && c.Curenv != target && c.Curenv.Status == defs.ENV_RUNNING {
		c.Curenv.Status = defs.ENV_RUNNABLE
	}
	target.Status = defs.ENV_RUNNING
	target.Runs++
	target.Cpu = c.ID
	c.Curenv = target
}

// AnyAlive reports whether any descriptor is RUNNABLE, RUNNING, or DYING —
// sched_halt's precondition for dropping into the (out-of-scope) monitor
// instead of actually halting.
func (s *Scheduler) AnyAlive() bool {
	for _, e := range s.Envs.All() {
		switch e.Status {
		case defs.ENV_RUNNABLE, defs.ENV_RUNNING, defs.ENV_DYING:
			return true
		}
	}
	return false
}

// Halt clears curenv, marks the CPU halted, and reports whether the
// caller should drop into the monitor (AnyAlive()==false) instead.
func (s *Scheduler) Halt(c *CPU) (dropToMonitor bool) {
	if !s.AnyAlive() {
		return true
	}
	c.Curenv = nil
	c.Halted = true
	return false
}
