package ledisasm

import (
	"io"
	"log"
	"os"

	"github.com/mewkiz/pkg/term"
)

// dbg is the shared diagnostics logger. The loader and the analysis phases
// report warnings and progress through it on standard error.
var dbg = log.New(os.Stderr, term.MagentaBold("le-disasm:")+" ", 0)

// SetDiagnostics redirects diagnostic output; pass io.Discard to mute it.
func SetDiagnostics(w io.Writer) {
	dbg.SetOutput(w)
}
