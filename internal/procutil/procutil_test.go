package procutil

import (
	"os"
	"os/exec"
	"testing"
	"time"
)

func TestPIDAliveSelf(t *testing.T) {
	if !PIDAlive(os.Getpid()) {
		t.Fatal("own pid reported dead")
	}
}

func TestPIDAliveInvalid(t *testing.T) {
	if PIDAlive(0) || PIDAlive(-1) {
		t.Fatal("non-positive pid reported alive")
	}
}

func TestPIDAliveExited(t *testing.T) {
	cmd := exec.Command("/bin/true")
	if err := cmd.Run(); err != nil {
		t.Fatalf("run: %v", err)
	}
	// Reaped by Run; the pid is gone (or at worst recycled much later).
	if PIDAlive(cmd.Process.Pid) {
		t.Skip("pid appears reused; cannot assert liveness")
	}
}

func TestPIDZombieDetectsUnreaped(t *testing.T) {
	if !ProcFSAvailable() {
		t.Skip("procfs not available")
	}
	cmd := exec.Command("/bin/true")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	pid := cmd.Process.Pid
	defer cmd.Wait()

	// Without Wait the child stays a zombie once it exits.
	deadline := time.Now().Add(2 * time.Second)
	for !PIDZombie(pid) {
		if time.Now().After(deadline) {
			t.Fatal("child never became a zombie")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if PIDAlive(pid) {
		t.Fatal("zombie reported alive")
	}
}
