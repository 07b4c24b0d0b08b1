package terminal

import (
	"bufio"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/xdb-debugger/xdb/service/api"
)

// disasmPrint prints dv, marking breakpoints and the instruction at the
// program counter. The text of the instruction at the program counter is
// wrapped in pcColor when it is not empty.
func disasmPrint(dv api.AsmInstructions, out io.Writer, pcColor string) {
	bw := bufio.NewWriter(out)
	defer bw.Flush()
	tw := tabwriter.NewWriter(bw, 1, 8, 1, '\t', 0)
	defer tw.Flush()
	for _, inst := range dv {
		atbp := ""
		if inst.Breakpoint {
			atbp = "*"
			if inst.Hardware {
				atbp = "h"
			}
		}
		atpc := ""
		if inst.AtPC {
			atpc = "=>"
		}
		dest := ""
		if inst.DestAddr != 0 {
			dest = fmt.Sprintf("\t; %#x", inst.DestAddr)
		}
		text := inst.Text + dest
		if inst.AtPC && pcColor != "" {
			text = pcColor + text + terminalResetEscapeCode
		}
		fmt.Fprintf(tw, "%s\t%#x%s\t%x\t%s\n", atpc, inst.Addr, atbp, inst.Bytes, text)
	}
}
