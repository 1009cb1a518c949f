//go:build !unix

package runner

import "os/exec"

func shellCommand(command string) (string, []string) {
	return "cmd", []string{"/C", command}
}

// killProcessGroup keeps exec's default cancellation, which kills only the
// shell process.
func killProcessGroup(*exec.Cmd) {}
