package main

import (
	"os"

	"github.com/xdb-debugger/xdb/cmd/xdb/cmds"
	"github.com/xdb-debugger/xdb/pkg/version"
)

// Build is the git sha of this binaries build.
var Build string

func main() {
	if Build != "" {
		version.XdbVersion.Build = Build
	}
	if err := cmds.New().Execute(); err != nil {
		os.Exit(1)
	}
}
