package cmds

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/creack/pty"
	"github.com/spf13/cobra"

	"github.com/xdb-debugger/xdb/cmd/xdb/cmds/helphelpers"
	"github.com/xdb-debugger/xdb/pkg/config"
	"github.com/xdb-debugger/xdb/pkg/logflags"
	"github.com/xdb-debugger/xdb/pkg/terminal"
	"github.com/xdb-debugger/xdb/pkg/version"
	"github.com/xdb-debugger/xdb/service/debugger"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// workingDir is the working directory for running the program.
	workingDir string
	// tty is used to provide an alternate TTY for the program you wish to debug.
	tty string
	// newTTY allocates a pseudo terminal for the program you wish to debug.
	newTTY bool
	// disableASLR is used to disable ASLR
	disableASLR bool
	// redirects specifies redirect rules for stdin, stdout and stderr
	redirects []string

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	conf *config.Config
)

const xdbCommandLongDesc = `xdb is an instruction level debugger for x86-64 Linux programs.

xdb launches a program, or attaches to a running one, and lets you control its
execution one instruction at a time: set software and hardware breakpoints,
inspect and change registers and memory, and scroll through the disassembly
around the program counter.

Pass flags to the program you are debugging using ` + "`--`" + `, for example:

` + "`xdb exec ./server -- --config conf/config.toml`"

// New returns an initialized command tree.
func New() *cobra.Command {
	// Config setup and load.
	conf = config.LoadConfig()

	// Main xdb root command.
	rootCommand = &cobra.Command{
		Use:   "xdb",
		Short: "xdb is an instruction level debugger for x86-64 Linux programs.",
		Long:  xdbCommandLongDesc,
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable debugging logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'xdb help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'xdb help log').")

	rootCommand.PersistentFlags().StringVar(&workingDir, "wd", "", "Working directory for running the program.")
	rootCommand.PersistentFlags().StringVarP(&tty, "tty", "t", "", "TTY to use for the target program")
	rootCommand.PersistentFlags().BoolVar(&newTTY, "new-tty", false, "Run the target program on a newly allocated pseudo terminal.")
	rootCommand.PersistentFlags().BoolVar(&disableASLR, "disable-aslr", conf.DisableASLR, "Disables address space randomization")
	rootCommand.PersistentFlags().StringArrayVarP(&redirects, "redirect", "r", []string{}, "Specifies redirect rules for target process (see 'xdb help redirect')")

	usage := rootCommand.UsageFunc()
	rootCommand.SetUsageFunc(func(cmd *cobra.Command) error {
		helphelpers.Prepare(cmd)
		return usage(cmd)
	})

	// 'attach' subcommand.
	attachCommand := &cobra.Command{
		Use:   "attach pid",
		Short: "Attach to running process and begin debugging.",
		Long: `Attach to an already running process and begin debugging it.

This command will cause xdb to take control of an already running process, and
begin a new debug session.  When exiting the debug session you will have the
option to let the process continue or kill it.
`,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return errors.New("you must provide a PID")
			}
			return nil
		},
		Run: attachCmd,
	}
	rootCommand.AddCommand(attachCommand)

	// 'exec' subcommand.
	execCommand := &cobra.Command{
		Use:   "exec <path/to/binary> [-- args]",
		Short: "Execute a precompiled binary, and begin a debug session.",
		Long: `Execute a precompiled binary and begin a debug session.

This command will cause xdb to exec the binary and immediately attach to it to
begin a new debug session. The program is stopped before its first instruction.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return errors.New("you must provide a path to a binary")
			}
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(execute(0, args, conf))
		},
	}
	rootCommand.AddCommand(execCommand)

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("xdb Debugger\n%s\n", version.XdbVersion)
			if log {
				fmt.Print(version.BuildInfo())
			}
		},
	}
	rootCommand.AddCommand(versionCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:

	debugger	Log debugger commands
	native		Log ptrace requests, launch and attach
	notifier	Log every wait status received from the target
	disasm		Log instruction window refreshes
	terminal	Log commands typed at the prompt

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.
This option will also redirect the "program terminal" message of --new-tty.
`,
	})

	rootCommand.AddCommand(&cobra.Command{
		Use:   "redirect",
		Short: "Help about file redirection.",
		Long: `The standard file descriptors of the target process can be controlled using the '-r' and '--tty' arguments.

The --tty argument allows redirecting all standard descriptors to a terminal, specified as an argument to --tty.

The syntax for '-r' argument is:

		-r [source:]destination

Where source is one of 'stdin', 'stdout' or 'stderr' and destination is the path to a file. If the source is omitted stdin is used implicitly.

File redirects can be specified multiple times, but only once per source.
`,
	})

	return rootCommand
}

func attachCmd(cmd *cobra.Command, args []string) {
	pid, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid pid: %s\n", args[0])
		os.Exit(1)
	}
	os.Exit(execute(pid, nil, conf))
}

// parseRedirects parses the arguments of the -r flag into the paths of
// stdin, stdout and stderr.
func parseRedirects(redirects []string) ([3]string, error) {
	r := [3]string{}
	names := [3]string{"stdin", "stdout", "stderr"}
	for _, redirect := range redirects {
		idx := 0
		for i, name := range names {
			pfx := name + ":"
			if strings.HasPrefix(redirect, pfx) {
				idx = i
				redirect = redirect[len(pfx):]
				break
			}
		}
		if r[idx] != "" {
			return r, fmt.Errorf("redirect error: %s redirected twice", names[idx])
		}
		r[idx] = redirect
	}
	return r, nil
}

// openRedirects opens the files named by paths and stores them in dconf.
// The returned function closes them.
func openRedirects(paths [3]string, dconf *debugger.Config) (func(), error) {
	var files []*os.File
	closeAll := func() {
		for _, f := range files {
			f.Close()
		}
	}
	for i, path := range paths {
		if path == "" {
			continue
		}
		var (
			f   *os.File
			err error
		)
		if i == 0 {
			f, err = os.Open(path)
		} else {
			f, err = os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0666)
		}
		if err != nil {
			closeAll()
			return nil, err
		}
		files = append(files, f)
		switch i {
		case 0:
			dconf.Stdin = f
		case 1:
			dconf.Stdout = f
		case 2:
			dconf.Stderr = f
		}
	}
	return closeAll, nil
}

// allocTTY opens a new pseudo terminal, copies everything the target
// writes to it to out and returns the path of its slave side. The slave
// stays open until close is called, reads of the master fail while no
// process holds it.
func allocTTY(out io.Writer) (func(), string, error) {
	ptmx, pts, err := pty.Open()
	if err != nil {
		return nil, "", err
	}
	go io.Copy(out, ptmx)
	return func() {
		pts.Close()
		ptmx.Close()
	}, pts.Name(), nil
}

func execute(attachPid int, processArgs []string, conf *config.Config) int {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer logflags.Close()

	dconf := &debugger.Config{
		WorkingDir:  workingDir,
		AttachPid:   attachPid,
		DisableASLR: disableASLR,
		TTY:         tty,
		WindowSize:  conf.WindowSize,
	}

	if attachPid == 0 {
		paths, err := parseRedirects(redirects)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		if paths != [3]string{} && (tty != "" || newTTY) {
			fmt.Fprintf(os.Stderr, "Error: --redirect can not be used with --tty or --new-tty\n")
			return 1
		}
		closeRedirects, err := openRedirects(paths, dconf)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		defer closeRedirects()

		if newTTY {
			if tty != "" {
				fmt.Fprintf(os.Stderr, "Error: --new-tty can not be used with --tty\n")
				return 1
			}
			closeTTY, name, err := allocTTY(os.Stdout)
			if err != nil {
				fmt.Fprintf(os.Stderr, "could not allocate a terminal: %v\n", err)
				return 1
			}
			defer closeTTY()
			dconf.TTY = name
			fmt.Fprintf(os.Stderr, "Program terminal: %s\n", name)
		}
	}

	d, err := debugger.New(dconf, processArgs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	term := terminal.New(d, conf)
	status, err := term.Run()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	return status
}
