// Package termsize queries the controlling terminal's window size, for
// sizing a remote PTY to match the caller's terminal.
package termsize

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Get returns the width and height, in character cells, of fd's terminal.
// fd is typically os.Stdout.Fd().
func Get(fd uintptr) (width, height int, err error) {
	ws, err := unix.IoctlGetWinsize(int(fd), unix.TIOCGWINSZ)
	if err != nil {
		return 0, 0, fmt.Errorf("querying terminal size: %w", err)
	}
	return int(ws.Col), int(ws.Row), nil
}

// GetStdout is a convenience wrapper around Get(os.Stdout.Fd()).
func GetStdout() (width, height int, err error) {
	return Get(os.Stdout.Fd())
}
