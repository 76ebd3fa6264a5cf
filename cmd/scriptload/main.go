package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	goerrors "github.com/go-errors/errors"
	"github.com/mgomes/scriptload/script"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := runCLI(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

// runCLI executes the command line in args and reports a failure on stderr.
func runCLI(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	opts := &options{}
	root := newRootCmd(opts)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err != nil {
		var traced *goerrors.Error
		if opts.trace && errors.As(err, &traced) {
			fmt.Fprint(stderr, traced.ErrorStack())
		} else {
			fmt.Fprintln(stderr, "Error:", err)
		}
	}
	return err
}

type options struct {
	loadPath   []string
	preload    []string
	configPath string
	verbose    bool
	trace      bool
}

func newRootCmd(opts *options) *cobra.Command {
	root := &cobra.Command{
		Use:           "scriptload",
		Short:         "Run JavaScript libraries with require/load semantics",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringArrayVarP(&opts.loadPath, "load-path", "I", nil, "add a library search directory (repeatable)")
	flags.StringArrayVarP(&opts.preload, "require", "r", nil, "require a library before running (repeatable)")
	flags.StringVar(&opts.configPath, "config", "", "YAML config file (default "+defaultConfigFile+" when present)")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "log loader activity")
	flags.BoolVar(&opts.trace, "trace", false, "print a stack trace for failures")

	root.AddCommand(newRunCmd(opts), newCheckCmd(opts), newREPLCmd(opts), newWatchCmd(opts))
	return root
}

func newRunCmd(opts *options) *cobra.Command {
	var checkOnly, features bool
	cmd := &cobra.Command{
		Use:   "run [flags] <script> [args...]",
		Short: "Run a script in the global scope",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scriptPath, err := filepath.Abs(args[0])
			if err != nil {
				return traced(fmt.Errorf("resolve script path: %w", err))
			}
			engine, logger, err := opts.newEngine(cmd, filepath.Dir(scriptPath))
			if err != nil {
				return traced(err)
			}
			defer logger.Sync() //nolint:errcheck
			defer engine.Close()

			if checkOnly {
				return traced(engine.Check(scriptPath))
			}
			if err := engine.RunFile(cmd.Context(), scriptPath, args[1:]); err != nil {
				return traced(fmt.Errorf("execution failed: %w", err))
			}
			if features {
				for _, feature := range engine.LoadedFeatures() {
					fmt.Fprintln(cmd.OutOrStdout(), feature)
				}
			}
			return nil
		},
	}
	cmd.Flags().SetInterspersed(false)
	cmd.Flags().BoolVar(&checkOnly, "check", false, "only compile the script without executing")
	cmd.Flags().BoolVar(&features, "features", false, "print the loaded features after the run")
	return cmd
}

func newCheckCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "check <script>...",
		Short: "Compile scripts without running them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, logger, err := opts.newEngine(cmd, "")
			if err != nil {
				return traced(err)
			}
			defer logger.Sync() //nolint:errcheck
			defer engine.Close()

			var errs []error
			for _, path := range args {
				abs, err := filepath.Abs(path)
				if err != nil {
					errs = append(errs, fmt.Errorf("resolve script path: %w", err))
					continue
				}
				if err := engine.Check(abs); err != nil {
					errs = append(errs, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "OK: %s\n", path)
			}
			return traced(errors.Join(errs...))
		},
	}
}

func newREPLCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "repl",
		Short: "Start an interactive session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.engineConfig(cmd, "")
			if err != nil {
				return traced(err)
			}
			defer logger.Sync() //nolint:errcheck
			return traced(runREPL(cfg))
		},
	}
}

func newWatchCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <script>",
		Short: "Load a script again every time it changes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scriptPath, err := filepath.Abs(args[0])
			if err != nil {
				return traced(fmt.Errorf("resolve script path: %w", err))
			}
			engine, logger, err := opts.newEngine(cmd, filepath.Dir(scriptPath))
			if err != nil {
				return traced(err)
			}
			defer logger.Sync() //nolint:errcheck
			defer engine.Close()

			w := newWatcher(engine, scriptPath, logger)
			w.onReload = func(err error) {
				if err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "reload failed: %v\n", err)
					return
				}
				fmt.Fprintf(cmd.OutOrStdout(), "loaded %s\n", scriptPath)
			}
			return traced(w.Run(cmd.Context()))
		},
	}
}

// engineConfig merges the config file with the command line. scriptDir, when
// set, is searched before every other load path entry.
func (o *options) engineConfig(cmd *cobra.Command, scriptDir string) (script.Config, *zap.Logger, error) {
	file, err := loadFileConfig(o.configPath)
	if err != nil {
		return script.Config{}, nil, err
	}
	loadPath, err := computeLoadPath(scriptDir, append(file.LoadPath, o.loadPath...))
	if err != nil {
		return script.Config{}, nil, err
	}
	logger := newLogger(cmd.ErrOrStderr(), o.verbose || file.Verbose)
	return script.Config{
		LoadPath:          loadPath,
		Preload:           append(file.Require, o.preload...),
		RecursionLimit:    file.RecursionLimit,
		MaxCachedPrograms: file.MaxCachedPrograms,
		Stdout:            cmd.OutOrStdout(),
		Stderr:            cmd.ErrOrStderr(),
		Logger:            logger,
	}, logger, nil
}

func (o *options) newEngine(cmd *cobra.Command, scriptDir string) (*script.Engine, *zap.Logger, error) {
	cfg, logger, err := o.engineConfig(cmd, scriptDir)
	if err != nil {
		return nil, nil, err
	}
	engine, err := script.NewEngine(cfg)
	if err != nil {
		_ = logger.Sync()
		return nil, nil, err
	}
	return engine, logger, nil
}

func newLogger(w io.Writer, verbose bool) *zap.Logger {
	level := zapcore.WarnLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	encoder := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	return zap.New(zapcore.NewCore(encoder, zapcore.AddSync(w), level))
}

// traced attaches a stack trace to err for --trace.
func traced(err error) error {
	if err == nil {
		return nil
	}
	return goerrors.Wrap(err, 1)
}

func computeLoadPath(scriptDir string, extras []string) ([]string, error) {
	seen := make(map[string]struct{})
	var dirs []string
	addPath := func(label, p string) error {
		abs, err := filepath.Abs(p)
		if err != nil {
			return fmt.Errorf("resolve %s %q: %w", label, p, err)
		}
		info, err := os.Stat(abs)
		if err != nil {
			return fmt.Errorf("access %s %q: %w", label, abs, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("%s %q is not a directory", label, abs)
		}
		if _, ok := seen[abs]; ok {
			return nil
		}
		seen[abs] = struct{}{}
		dirs = append(dirs, abs)
		return nil
	}
	if scriptDir != "" {
		if err := addPath("script directory", scriptDir); err != nil {
			return nil, err
		}
	}
	for _, extra := range extras {
		if err := addPath("load path", extra); err != nil {
			return nil, err
		}
	}
	return dirs, nil
}
