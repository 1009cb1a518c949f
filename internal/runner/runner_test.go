//go:build unix

package runner

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestRunSuccessCapturesOutput(t *testing.T) {
	r := &ShellRunner{}
	res, err := r.Run(context.Background(), "echo out; echo err 1>&2", 5*time.Second)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.ExitCode != 0 || res.TimedOut {
		t.Fatalf("unexpected result %+v", res)
	}
	if !strings.Contains(res.Output, "out") || !strings.Contains(res.Output, "err") {
		t.Fatalf("output not merged: %q", res.Output)
	}
}

func TestRunNonZeroExit(t *testing.T) {
	r := &ShellRunner{}
	res, err := r.Run(context.Background(), "echo boom; exit 3", 5*time.Second)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.ExitCode != 3 || strings.TrimSpace(res.Output) != "boom" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestRunTimeoutKillsCommand(t *testing.T) {
	r := &ShellRunner{}
	start := time.Now()
	res, err := r.Run(context.Background(), "sleep 5; echo late", 200*time.Millisecond)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.TimedOut || res.ExitCode != NoExitCode {
		t.Fatalf("expected timeout, got %+v", res)
	}
	if strings.Contains(res.Output, "late") {
		t.Fatalf("command kept running: %q", res.Output)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("timeout took %v", elapsed)
	}
}

func TestRunCancelledContext(t *testing.T) {
	r := &ShellRunner{}
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)
	res, err := r.Run(ctx, "sleep 5", time.Minute)
	if err == nil {
		t.Fatal("expected an error for a cancelled run")
	}
	if res.TimedOut || res.ExitCode != NoExitCode {
		t.Fatalf("unexpected result %+v", res)
	}
}
