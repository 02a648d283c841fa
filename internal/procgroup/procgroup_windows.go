//go:build windows

package procgroup

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/windows"
)

func setGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.CreationFlags |= windows.CREATE_NEW_PROCESS_GROUP
}

// Kill terminates pid and its whole process tree. A process that is
// already gone is not an error.
func Kill(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid process group leader %d", pid)
	}
	out, err := exec.Command("taskkill", "/T", "/F", "/PID", strconv.Itoa(pid)).CombinedOutput()
	if err != nil && Alive(pid) {
		return fmt.Errorf("failed to kill process tree %d: %w: %s", pid, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Alive reports whether pid is still running
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	out, err := exec.Command("tasklist", "/FI", "PID eq "+strconv.Itoa(pid), "/NH").Output()
	if err != nil {
		return false
	}
	return strings.Contains(string(out), " "+strconv.Itoa(pid)+" ")
}
