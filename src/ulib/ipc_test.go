package ulib

import (
	"testing"

	"nucleus/src/defs"
	"nucleus/src/env"
	"nucleus/src/ipc"
	"nucleus/src/mem"
)

func newSendFixture(t *testing.T) (*ipc.Rendezvous, *env.Env, *env.Env) {
	t.Helper()
	pool, err := mem.NewPool(32)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	t.Cleanup(func() { pool.Close() })
	master, masterPa, ok := pool.NewPmap()
	if !ok {
		t.Fatal("NewPmap failed")
	}
	pool.Refup(masterPa)
	envs := env.NewTable(pool, master, masterPa)
	rv := &ipc.Rendezvous{Envs: envs, Pool: pool}
	sender, _ := envs.Alloc(0)
	dst, _ := envs.Alloc(0)
	return rv, sender, dst
}

func TestSendSucceedsImmediatelyWhenReceiverWaiting(t *testing.T) {
	rv, sender, dst := newSendFixture(t)
	rv.Recv(dst, defs.UTOP)

	yielded := false
	err := Send(rv, sender, dst.Id, 42, defs.UTOP, 0, func() { yielded = true })
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if yielded {
		t.Error("Send should not yield when the receiver is already waiting")
	}
	if dst.IpcValue != 42 {
		t.Errorf("dst.IpcValue = %d, want 42", dst.IpcValue)
	}
}

func TestSendRetriesUntilReceiverWaits(t *testing.T) {
	rv, sender, dst := newSendFixture(t)

	yields := 0
	err := Send(rv, sender, dst.Id, 7, defs.UTOP, 0, func() {
		yields++
		if yields == 2 {
			rv.Recv(dst, defs.UTOP)
		}
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if yields != 2 {
		t.Errorf("Send yielded %d times, want 2", yields)
	}
	if dst.IpcValue != 7 {
		t.Errorf("dst.IpcValue = %d, want 7", dst.IpcValue)
	}
}

func TestSendPropagatesNonRetryableError(t *testing.T) {
	rv, sender, dst := newSendFixture(t)
	rv.Recv(dst, 0x4000) // recving with a page-transfer destination below UTOP

	err := Send(rv, sender, dst.Id, 1, 0x1, 0, func() {
		t.Fatal("should not yield on a non-IPC_NOT_RECV error")
	})
	if err == nil {
		t.Error("Send should surface a misaligned srcva as a fatal error")
	}
}
