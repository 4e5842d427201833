package ulib

import (
	"nucleus/src/defs"
	"nucleus/src/env"
	"nucleus/src/ipc"
	"nucleus/src/mem"
)

// Send is the user-space ipc_send wrapper (spec §4.6): it retries on
// IPC_NOT_RECV after yielding, and treats any other error as fatal. yield
// is the caller's sys_yield syscall; in the real kernel this is a
// round-trip through trap.Enter's post-dispatch scheduler call, not a
// function this package can invoke directly.
func Send(rv *ipc.Rendezvous, sender *env.Env, dstid int32, value uint32, srcva uint32, perm mem.Pa_t, yield func()) error {
	for {
		err := rv.TrySend(sender, dstid, value, srcva, perm)
		if err == 0 {
			return nil
		}
		if err != defs.IPC_NOT_RECV {
			return err
		}
		yield()
	}
}
