//go:build !windows

package process_test

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/shellgate/shellgate/logger"
	"github.com/shellgate/shellgate/process"
)

func TestSupervisorRun(t *testing.T) {
	t.Parallel()

	s := process.NewSupervisor(logger.Discard, 2)
	res, err := s.Run(context.Background(), "job-1", process.Config{
		Path: "echo", Args: []string{"hi"},
	})
	if err != nil {
		t.Fatalf("s.Run() = %v", err)
	}
	if got := string(res.Stdout); got != "hi\n" {
		t.Errorf("Stdout = %q, want %q", got, "hi\n")
	}
	if s.Active() != 0 {
		t.Errorf("Active() = %d after completion, want 0", s.Active())
	}
}

func TestSupervisorFastExit(t *testing.T) {
	t.Parallel()

	// A child that exits almost immediately can finish before Run observes
	// the started signal; that must still surface as a result, never as a
	// spawn error.
	s := process.NewSupervisor(logger.Discard, 4)
	for i := 0; i < 50; i++ {
		res, err := s.Run(context.Background(), "fast-"+strconv.Itoa(i), process.Config{Path: "true"})
		if err != nil {
			t.Fatalf("s.Run(true) = %v on iteration %d", err, i)
		}
		if res.ExitCode != 0 {
			t.Errorf("ExitCode = %d on iteration %d, want 0", res.ExitCode, i)
		}
	}
}

func TestSupervisorCapacityGate(t *testing.T) {
	t.Parallel()

	s := process.NewSupervisor(logger.Discard, 1)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.Run(context.Background(), "long", process.Config{
			Path: "sh", Args: []string{"-c", "sleep 30"}, GracePeriod: time.Second,
		})
	}()

	// Wait for the first child to occupy the only slot.
	for s.Active() == 0 {
		time.Sleep(10 * time.Millisecond)
	}

	_, err := s.Run(context.Background(), "second", process.Config{Path: "true"})
	var capErr *process.CapacityError
	if !errors.As(err, &capErr) {
		t.Fatalf("second Run error = %v, want *CapacityError", err)
	}
	if capErr.Active != 1 || capErr.Max != 1 {
		t.Errorf("CapacityError = %+v, want Active=1 Max=1", capErr)
	}

	if err := s.Kill("long", syscall.SIGKILL); err != nil {
		t.Errorf("Kill(long) = %v", err)
	}
	wg.Wait()
}

func TestSupervisorKillByPid(t *testing.T) {
	t.Parallel()

	s := process.NewSupervisor(logger.Discard, 2)

	done := make(chan *process.Result, 1)
	go func() {
		res, _ := s.Run(context.Background(), "sleeper", process.Config{
			Path: "sleep", Args: []string{"60"}, GracePeriod: time.Second,
		})
		done <- res
	}()

	var pid int
	for pid == 0 {
		time.Sleep(10 * time.Millisecond)
		for _, e := range s.Entries() {
			pid = e.Pid
		}
	}

	if err := s.Kill(strconv.Itoa(pid), syscall.SIGKILL); err != nil {
		t.Fatalf("Kill(%d) = %v", pid, err)
	}

	select {
	case res := <-done:
		if res != nil && !res.Killed {
			t.Errorf("Killed = false, want true")
		}
	case <-time.After(10 * time.Second):
		t.Fatal("killed process did not finish")
	}

	if s.Contains(strconv.Itoa(pid)) {
		t.Error("process table still contains killed pid")
	}
}

func TestSupervisorSpawnErrorClassification(t *testing.T) {
	t.Parallel()

	s := process.NewSupervisor(logger.Discard, 2)
	_, err := s.Run(context.Background(), "", process.Config{Path: "no-such-binary-at-all"})

	var spawnErr *process.SpawnError
	if !errors.As(err, &spawnErr) {
		t.Fatalf("error = %v, want *SpawnError", err)
	}
	if spawnErr.Code != "SPAWN_ENOENT" {
		t.Errorf("Code = %q, want SPAWN_ENOENT", spawnErr.Code)
	}
}

