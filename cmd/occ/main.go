package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/tebeka/atexit"
	"golang.org/x/term"
	"nikand.dev/go/cli"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/omegalang/occ/compiler"
)

func main() {
	app := &cli.Command{
		Name:        "occ",
		Description: "occ is the omega code compiler",
		Args:        cli.Args{},
		Action:      compileAct,
		Flags: []*cli.Flag{
			cli.NewFlag("verbose,v", false, "print arguments and output file names"),
			cli.NewFlag("define,D", "", "comma separated NAME[=VALUE] constants"),
			cli.NewFlag("debug,d", false, "write intermediate dump"),
			cli.NewFlag("pexe,p", false, "write pseudo executable"),
			cli.NewFlag("asm,a", false, "write assembly, requires exactly one architecture"),
			cli.NewFlag("x86-long", false, "x86 long mode"),
			cli.NewFlag("x86-protected", false, "x86 protected mode"),
			cli.NewFlag("arm-v7", false, "arm v7 (no generator)"),
			cli.NewFlag("arm-v8", false, "arm v8 (no generator)"),
			cli.NewFlag("log", "", "log verbosity filter"),
			cli.HelpFlag,
		},
	}

	err := cli.Run(app, os.Args, os.Environ())
	if err != nil {
		fmt.Fprintf(os.Stderr, "occ: %v\n", err)
		atexit.Exit(1)
	}

	atexit.Exit(0)
}

func compileAct(c *cli.Command) (err error) {
	ctx := context.Background()

	verbose := c.Bool("verbose")

	if v := c.String("log"); v != "" {
		tlog.SetVerbosity(v)
	}

	if verbose || c.String("log") != "" {
		ctx = tlog.ContextWithSpan(ctx, tlog.Root())
	}

	cfg := compiler.Config{
		Verbose:      verbose,
		Debug:        c.Bool("debug"),
		Pexe:         c.Bool("pexe"),
		Asm:          c.Bool("asm"),
		X86Long:      c.Bool("x86-long"),
		X86Protected: c.Bool("x86-protected"),
		ARMv7:        c.Bool("arm-v7"),
		ARMv8:        c.Bool("arm-v8"),
	}

	if d := c.String("define"); d != "" {
		cfg.Defines = strings.Split(d, ",")
	}

	if len(c.Args) > 1 {
		fmt.Fprintf(os.Stderr, "too many arguments, ignoring %v\n", c.Args[1:])
	}

	var input string
	var text []byte

	if len(c.Args) != 0 && c.Args[0] != "-" {
		input = c.Args[0]

		text, err = os.ReadFile(input)
		if err != nil {
			return errors.Wrap(err, "read source")
		}
	} else {
		if term.IsTerminal(int(os.Stdin.Fd())) {
			fmt.Fprintf(os.Stderr, "reading from stdin, finish with Ctrl-D\n")
		}

		text, err = io.ReadAll(os.Stdin)
		if err != nil {
			return errors.Wrap(err, "read stdin")
		}
	}

	if verbose {
		fmt.Printf("%-14s %q\n%-14s %q\n%-14s %+v\n", "input", input, "defines", cfg.Defines, "config", cfg)
	}

	open := func(name string) (io.WriteCloser, error) {
		f, err := os.Create(name)
		if err != nil {
			return nil, err
		}

		atexit.Register(func() {
			_ = f.Close()
		})

		if verbose {
			fmt.Printf("output file is: %s\n", name)
		}

		return f, nil
	}

	s, err := compiler.Run(ctx, cfg, input, text, open)
	if errors.Is(err, compiler.ErrParse) {
		name := input
		if name == "" {
			name = "stdin"
		}

		for _, e := range s.Errors {
			fmt.Fprintf(os.Stderr, "%s:%v\n", name, e)

			tlog.SpanFromContext(ctx).Printw("syntax error", "line", e.Line, "col", e.Col, "rule", e.PC, "err", e.Err)
		}
	}

	return err
}
