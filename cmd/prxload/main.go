package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/wnxd/microdbg-prx/config"
	"github.com/wnxd/microdbg-prx/elf"
	"github.com/wnxd/microdbg-prx/hle"
	"github.com/wnxd/microdbg-prx/kernel"
	"github.com/wnxd/microdbg-prx/prx"
	"github.com/wnxd/microdbg/filesystem"
	"go.uber.org/zap"
	"golang.org/x/term"
)

// ExitError carries the process exit code for a failed run.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string {
	return e.Message
}

func main() {
	styled := term.IsTerminal(int(os.Stdout.Fd()))
	if err := run(os.Args[1:], os.Stdout, styled); err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			fmt.Fprintln(os.Stderr, exitErr.Message)
			os.Exit(exitErr.Code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer, styled bool) error {
	flagSet := flag.NewFlagSet("prxload", flag.ContinueOnError)
	flagSet.SetOutput(out)
	flagSet.Usage = func() {
		fmt.Fprint(out, `
prxload - load a PSP executable module into an emulated guest address space.

Usage:
  prxload [options] PATH

Arguments:
  PATH
    Module path, relative to -root. EBOOT.PBP containers, ~PSP images and plain ELF files are accepted.

Options:
`)
		flagSet.PrintDefaults()
	}

	configFlag := flagSet.String("config", "", "Path to an HCL configuration file.")
	rootFlag := flagSet.String("root", ".", "Host directory the guest file system is rooted at.")
	bootFlag := flagSet.Bool("boot", false, "Load as the main executable at the default load address.")
	logLevelFlag := flagSet.String("log-level", "warn", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")
	devFlag := flagSet.Bool("dev", false, "Use the human readable development log encoder.")

	if err := flagSet.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return nil
		}
		return &ExitError{Code: 2, Message: err.Error()}
	}
	if flagSet.NArg() != 1 {
		flagSet.Usage()
		return &ExitError{Code: 2, Message: "exactly one module path is required"}
	}
	path := flagSet.Arg(0)

	logger, err := newLogger(*logLevelFlag, *devFlag)
	if err != nil {
		return &ExitError{Code: 2, Message: err.Error()}
	}
	defer logger.Sync()
	elf.SetLogger(logger.Named("elf"))
	hle.SetLogger(logger.Named("hle"))
	prx.SetLogger(logger.Named("prx"))

	cfg := config.Default()
	if *configFlag != "" {
		if cfg, err = config.Load(*configFlag); err != nil {
			return &ExitError{Code: 2, Message: err.Error()}
		}
	}

	mgr := prx.New(cfg, prx.WithFS(filesystem.SysDirFS(*rootFlag)), prx.WithSymbols(prx.NewSymbolMap()))
	var m *prx.Module
	if *bootFlag {
		if err = mgr.LoadAndStart(context.Background(), path, nil); err == nil {
			m = mgr.MainModule()
		}
	} else {
		var uid kernel.UID
		if uid, err = mgr.LoadModuleFile(path); err == nil {
			m, err = mgr.Module(uid)
		}
	}
	if err != nil {
		return &ExitError{Code: exitCode(err), Message: fmt.Sprintf("%s: %v", path, err)}
	}

	return render(out, summarize(mgr, m), styled)
}

func newLogger(level string, dev bool) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	if dev {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = lvl
	return cfg.Build()
}

// exitCode separates rejected modules from broken input.
func exitCode(err error) int {
	switch {
	case errors.Is(err, prx.ErrBlacklisted), errors.Is(err, prx.ErrUnsupportedFormat):
		return 3
	case errors.Is(err, prx.ErrFileNotFound), errors.Is(err, prx.ErrEmptyFile):
		return 4
	}
	return 1
}
