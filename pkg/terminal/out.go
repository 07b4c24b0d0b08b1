package terminal

import (
	"io"

	"github.com/mattn/go-colorable"
)

// getColorableWriter returns a writer that is capable of interpreting
// ANSI escape codes for terminal colors.
func getColorableWriter() io.Writer {
	return colorable.NewColorableStdout()
}
