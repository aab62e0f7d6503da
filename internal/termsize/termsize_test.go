package termsize

import (
	"os"
	"testing"
)

func TestGet_NotATerminal(t *testing.T) {
	t.Parallel()

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	defer w.Close()

	// A pipe is never a terminal, so the ioctl must fail rather than
	// return a bogus size.
	if _, _, err := Get(r.Fd()); err == nil {
		t.Fatal("expected error querying terminal size on a pipe")
	}
}
