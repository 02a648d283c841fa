// Package activation binds the watch signal listener, preferring a socket
// handed over by systemd over a fresh bind.
package activation

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

// Name is the LISTEN_FDNAMES entry (FileDescriptorName=) picked when several
// sockets are passed
const Name = "sqdeploy-watch"

// systemd passes descriptors starting after stdin, stdout and stderr
const firstFD = 3

// Listener returns the activated socket for this process if there is one,
// otherwise it listens on addr. The bool reports whether the socket came
// from activation.
func Listener(addr string) (net.Listener, bool, error) {
	l, err := activated()
	if err != nil {
		return nil, false, err
	}
	if l != nil {
		return l, true, nil
	}

	l, err = net.Listen("tcp", addr)
	if err != nil {
		return nil, false, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return l, false, nil
}

// activated converts the LISTEN_FDS descriptor named Name, or the first one,
// into a listener. It returns nil when activation is absent or targets
// another process.
func activated() (net.Listener, error) {
	pidStr := os.Getenv("LISTEN_PID")
	if pidStr == "" {
		return nil, nil
	}
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid LISTEN_PID %q: %w", pidStr, err)
	}
	if pid != os.Getpid() {
		return nil, nil
	}

	fdsStr := os.Getenv("LISTEN_FDS")
	if fdsStr == "" {
		return nil, nil
	}
	numFDs, err := strconv.Atoi(fdsStr)
	if err != nil {
		return nil, fmt.Errorf("invalid LISTEN_FDS %q: %w", fdsStr, err)
	}
	if numFDs < 1 {
		return nil, nil
	}

	names := strings.Split(os.Getenv("LISTEN_FDNAMES"), ":")
	index := 0
	for i, n := range names {
		if n == Name && i < numFDs {
			index = i
			break
		}
	}

	fd := firstFD + index
	file := os.NewFile(uintptr(fd), "systemd-socket-"+strconv.Itoa(index))
	if file == nil {
		return nil, fmt.Errorf("failed to create file for fd %d", fd)
	}
	l, err := net.FileListener(file)
	// FileListener dups the descriptor
	_ = file.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to create listener from fd %d: %w", fd, err)
	}

	// Watchers started later must not see the activation variables
	_ = os.Unsetenv("LISTEN_PID")
	_ = os.Unsetenv("LISTEN_FDS")
	_ = os.Unsetenv("LISTEN_FDNAMES")

	return l, nil
}
