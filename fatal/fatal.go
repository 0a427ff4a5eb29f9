// Package fatal implements the "Internal" error kind: an invariant
// broken deep inside the core is not recoverable, because silent
// continuation risks corrupting replicas, so the node exits rather than
// limping on. Grounded on the occasional
// "BUG: ..." panics in Katzenpost's sphinx codec (kemsphinx.go,
// sphinx.go) at points that "should never happen."
package fatal

import (
	"fmt"
	"os"

	"github.com/charmbracelet/log"
)

// ExitInternalInvariant is the process exit code used when an internal
// invariant is broken.
const ExitInternalInvariant = 4

// Invariant logs msg at error level against l and terminates the process
// with ExitInternalInvariant. Callers use this only for conditions that
// indicate a bug in this process's own bookkeeping (e.g. a chat's
// next_index moving backwards), never for malformed input from a peer.
func Invariant(l *log.Logger, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if l != nil {
		l.Error("internal invariant violated", "detail", msg)
	} else {
		fmt.Fprintln(os.Stderr, "internal invariant violated:", msg)
	}
	os.Exit(ExitInternalInvariant)
}
