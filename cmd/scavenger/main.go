package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	_ "time/tzdata"

	"scavenger/internal/app"
	"scavenger/internal/task"
)

type globals struct {
	home     string
	config   string
	logLevel string
}

type command struct {
	name  string
	usage string
	// daemon commands keep console logging on.
	daemon bool
	run    func(ctx context.Context, g globals, args []string) error
}

var commands = []command{
	{name: "add", usage: "add [-p priority] [-d dir] <prompt>", run: cmdAdd},
	{name: "list", usage: "list [-all] [-status s] [-json]", run: cmdList},
	{name: "remove", usage: "remove <id>", run: cmdRemove},
	{name: "run-now", usage: "run-now <id>", run: cmdRunNow},
	{name: "start", usage: "start", daemon: true, run: cmdStart},
	{name: "stop", usage: "stop [-force] [-timeout d]", run: cmdStop},
	{name: "status", usage: "status [-usage] [-json]", run: cmdStatus},
	{name: "history", usage: "history [-days n] [-date YYYY-MM-DD] [-stats] [-log id]", run: cmdHistory},
	{name: "clean", usage: "clean [-keep days]", run: cmdClean},
	{name: "config", usage: "config [show|validate|init]", run: cmdConfig},
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	var g globals
	fs := flag.NewFlagSet("scavenger", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&g.home, "home", "", "base directory (default $SCAVENGER_HOME or ~/.scavenger)")
	fs.StringVar(&g.config, "config", "", "config file (default <home>/config.json)")
	fs.StringVar(&g.logLevel, "log-level", "", "override logging.level")
	fs.Usage = func() { usage(fs) }
	if err := fs.Parse(args); err != nil {
		return task.ExitError
	}
	if fs.NArg() == 0 {
		usage(fs)
		return task.ExitError
	}

	name := fs.Arg(0)
	cmd, ok := lookup(name)
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n", name)
		usage(fs)
		return task.ExitError
	}

	out = stdout
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if cmd.daemon {
		// The daemon installs its own handlers.
		stop()
		ctx = context.Background()
	}

	err := cmd.run(ctx, g, fs.Args()[1:])
	if err != nil && !errors.Is(err, flag.ErrHelp) {
		fmt.Fprintln(stderr, "error:", err)
	}
	if errors.Is(err, flag.ErrHelp) {
		return task.ExitOK
	}
	return task.ExitCode(err)
}

func lookup(name string) (command, bool) {
	for _, c := range commands {
		if c.name == name {
			return c, true
		}
	}
	return command{}, false
}

func usage(fs *flag.FlagSet) {
	w := fs.Output()
	fmt.Fprintln(w, "usage: scavenger [-home dir] [-config file] [-log-level lvl] <command> [args]")
	fmt.Fprintln(w, "\ncommands:")
	names := make([]string, 0, len(commands))
	for _, c := range commands {
		names = append(names, "  "+c.usage)
	}
	sort.Strings(names)
	fmt.Fprintln(w, strings.Join(names, "\n"))
	fmt.Fprintln(w, "\nflags:")
	fs.PrintDefaults()
}

// open builds the App for a CLI command. Console logging stays off unless the
// command runs the daemon.
func open(ctx context.Context, g globals, daemon bool) (*app.App, error) {
	return app.Open(ctx, app.Options{
		Home:       g.home,
		ConfigPath: g.config,
		LogLevel:   g.logLevel,
		Quiet:      !daemon,
	})
}

// withApp opens the App, runs fn and closes it.
func withApp(ctx context.Context, g globals, daemon bool, fn func(*app.App) error) error {
	a, err := open(ctx, g, daemon)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}
