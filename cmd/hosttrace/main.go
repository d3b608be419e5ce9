// The hosttrace command runs Starlark programs against host libraries
// and records the host calls they make.
// With no subcommand, it starts a read-eval-print loop (REPL).
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.starlark.net/starlark"

	"github.com/hosttrace/hosttrace/hostcall"
	"github.com/hosttrace/hosttrace/internal/agent"
	"github.com/hosttrace/hosttrace/internal/archive"
	"github.com/hosttrace/hosttrace/internal/config"
	"github.com/hosttrace/hosttrace/internal/engine"
	"github.com/hosttrace/hosttrace/internal/graph"
	"github.com/hosttrace/hosttrace/internal/logging"
	"github.com/hosttrace/hosttrace/internal/metrics"
	"github.com/hosttrace/hosttrace/internal/probe"
	"github.com/hosttrace/hosttrace/internal/secret"
	"github.com/hosttrace/hosttrace/internal/server"
	"github.com/hosttrace/hosttrace/internal/storage"
	"github.com/hosttrace/hosttrace/internal/trace"
	"github.com/hosttrace/hosttrace/internal/version"
	"github.com/hosttrace/hosttrace/repl"
)

type rootFlags struct {
	ConfigPath string
	LogLevel   string
	LogFormat  string
}

func main() {
	root := &rootFlags{}

	rootCmd := &cobra.Command{
		Use:           "hosttrace",
		Short:         "Run Starlark programs and trace their calls into host libraries",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(root)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
			defer stop()
			return repl.Run(ctx, newEngine(cfg, nil, logger), os.Stdin, os.Stdout, os.Stderr)
		},
	}

	rootCmd.PersistentFlags().StringVar(&root.ConfigPath, "config", "", "Path to config file (yaml/toml/json)")
	rootCmd.PersistentFlags().StringVar(&root.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&root.LogFormat, "log-format", "", "Log format (json, console)")

	rootCmd.AddCommand(newRunCmd(root))
	rootCmd.AddCommand(newProbeCmd(root))
	rootCmd.AddCommand(newReplCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newTraceCmd(root))
	rootCmd.AddCommand(newExportCmd(root))
	rootCmd.AddCommand(newListCmd(root))
	rootCmd.AddCommand(newCatCmd(root))
	rootCmd.AddCommand(newGraphCmd(root))
	rootCmd.AddCommand(newKeyCmd(root))
	rootCmd.AddCommand(newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errReported) {
			fmt.Fprintln(os.Stderr, "hosttrace:", err)
		}
		os.Exit(1)
	}
}

// errReported is returned by commands that have already printed their error.
var errReported = errors.New("error already reported")

func reported(err error) error {
	if err != nil {
		return errReported
	}
	return nil
}

func newRunCmd(root *rootFlags) *cobra.Command {
	var execprog string
	var showCalls bool
	run := &cobra.Command{
		Use:   "run [file]",
		Short: "Execute a Starlark file, or the program given with -c",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (len(args) == 1) == (execprog != "") {
				return fmt.Errorf("want exactly one of a file name or -c")
			}
			cfg, logger, err := setup(root)
			if err != nil {
				return err
			}
			var rec hostcall.Recorder
			if showCalls {
				rec = printRecorder()
			}
			ctx, cancel := evalContext(cfg.Engine.Timeout)
			defer cancel()

			eng := newEngine(cfg, rec, logger)
			if execprog != "" {
				return reported(repl.Exec(ctx, eng, "cmdline", strings.NewReader(execprog), os.Stdout, os.Stderr))
			}
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			return reported(repl.Exec(ctx, eng, args[0], f, os.Stdout, os.Stderr))
		},
	}
	run.Flags().StringVarP(&execprog, "exec", "c", "", "execute program `prog`")
	run.Flags().BoolVar(&showCalls, "calls", false, "print each host call to stderr")
	return run
}

func newProbeCmd(root *rootFlags) *cobra.Command {
	var script bool
	probeCmd := &cobra.Command{
		Use:   "probe",
		Short: "Run the date/time probe and print each step",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(root)
			if err != nil {
				return err
			}
			if !script {
				r, err := probe.Run(time.Now, cfg.Location())
				if err != nil {
					return err
				}
				for _, line := range r.Steps() {
					fmt.Println(line)
				}
				return nil
			}
			ctx, cancel := evalContext(cfg.Engine.Timeout)
			defer cancel()
			eng := newEngine(cfg, printRecorder(), logger)
			return reported(repl.Exec(ctx, eng, probe.Name, strings.NewReader(probe.Script()), os.Stdout, os.Stderr))
		},
	}
	probeCmd.Flags().BoolVar(&script, "script", false, "run the Starlark version and print the host calls")
	return probeCmd
}

func newReplCmd(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "repl",
		Short: "Start an interactive session",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(root)
			if err != nil {
				return err
			}
			return repl.Run(context.Background(), newEngine(cfg, nil, logger), os.Stdin, os.Stdout, os.Stderr)
		},
	}
}

func newServeCmd(root *rootFlags) *cobra.Command {
	var addr string
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Serve the evaluation endpoint over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(root)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			opts := engineOptions(cfg, nil, logger)
			return server.New(cfg.Server, opts, metrics.New(), logger).Run(ctx)
		},
	}
	serve.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server.addr)")
	return serve
}

func newTraceCmd(root *rootFlags) *cobra.Command {
	var name string
	var outDir string
	traceCmd := &cobra.Command{
		Use:   "trace [file|dir]",
		Short: "Run a program, or every program in a directory, recording host calls",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root)
			if err != nil {
				return err
			}
			if outDir != "" {
				cfg.Trace.OutDir = outDir
			}
			if name != "" {
				cfg.Trace.ScriptName = name
			}
			started := time.Now()
			logger, closer, err := logging.ConfigureWithFile(cfg.Global.LogLevel, cfg.Global.LogFormat, cfg.Global.LogDir, trace.Timestamp(started))
			if err != nil {
				return err
			}
			defer closer.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a := &agent.Agent{
				Trace:    cfg.Trace,
				Engine:   cfg.Engine,
				Logger:   logger,
				Location: cfg.Location(),
				Now:      func() time.Time { return started },
			}

			if len(args) == 1 {
				info, err := os.Stat(args[0])
				if err != nil {
					return err
				}
				if info.IsDir() {
					reports, err := a.RunDir(ctx, args[0])
					for _, r := range reports {
						if r != nil {
							fmt.Printf("%s\t%d\t%s\n", r.Script, r.Calls, r.Capture)
						}
					}
					return err
				}
				a.Trace.Script = args[0]
			}
			r, err := a.Run(ctx)
			if r != nil {
				fmt.Printf("%s\t%d\t%s\n", r.Script, r.Calls, r.Capture)
			}
			return err
		},
	}
	traceCmd.Flags().StringVar(&name, "name", "", "Name of the capture file (defaults to the script name)")
	traceCmd.Flags().StringVar(&outDir, "out", "", "Capture directory (overrides trace.out_dir)")
	return traceCmd
}

func newExportCmd(root *rootFlags) *cobra.Command {
	var compression string
	var encrypt, overwrite bool
	export := &cobra.Command{
		Use:   "export [dir]",
		Short: "Upload capture files to the configured storage",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(root)
			if err != nil {
				return err
			}
			if compression != "" {
				cfg.Export.Compression = compression
			}
			if encrypt {
				cfg.Export.Encryption = true
			}
			dir := cfg.Trace.OutDir
			if len(args) == 1 {
				dir = args[0]
			}

			store, err := storage.New(cfg.Storage)
			if err != nil {
				return err
			}
			var key []byte
			if cfg.Export.Encryption {
				if key, err = encryptionKey(cfg); err != nil {
					return err
				}
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			objects, err := archive.Export(ctx, store, dir, archive.Options{
				Compression: cfg.Export.Compression,
				Key:         key,
				Prefix:      cfg.Export.Prefix,
				Overwrite:   cfg.Export.Overwrite || overwrite,
				RemoveAfter: cfg.Export.RemoveAfter,
				Logger:      logger,
			})
			for _, o := range objects {
				status := "exported"
				if o.Skipped {
					status = "skipped"
				}
				fmt.Printf("%s\t%d\t%s\n", o.Key, o.Calls, status)
			}
			return err
		},
	}
	export.Flags().StringVar(&compression, "compression", "", "Compression (none/gzip/zstd)")
	export.Flags().BoolVar(&encrypt, "encrypt", false, "Enable encryption")
	export.Flags().BoolVar(&overwrite, "overwrite", false, "Upload captures that are already in storage again")
	return export
}

func newListCmd(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list [prefix]",
		Short: "List exported captures in the configured storage",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := setup(root)
			if err != nil {
				return err
			}
			prefix := cfg.Export.Prefix
			if len(args) == 1 {
				prefix = args[0]
			}
			store, err := storage.New(cfg.Storage)
			if err != nil {
				return err
			}
			objects, err := store.List(cmd.Context(), prefix)
			if err != nil {
				return err
			}
			for _, o := range objects {
				fmt.Printf("%s\t%d\t%s\n", o.Key, o.Size, o.Modified.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func newCatCmd(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "cat <key>",
		Short: "Print an exported capture, decrypting and decompressing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := setup(root)
			if err != nil {
				return err
			}
			store, err := storage.New(cfg.Storage)
			if err != nil {
				return err
			}
			var key []byte
			if _, encrypted := archive.ParseExtension(args[0]); encrypted {
				if key, err = encryptionKey(cfg); err != nil {
					return err
				}
			}
			rc, err := archive.Open(cmd.Context(), store, args[0], key)
			if err != nil {
				return err
			}
			defer rc.Close()
			_, err = io.Copy(os.Stdout, rc)
			return err
		},
	}
}

func newGraphCmd(root *rootFlags) *cobra.Command {
	var source, out string
	graphCmd := &cobra.Command{
		Use:   "graph <capture|dir>",
		Short: "Write the call graph of traced programs in DOT form",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(root); err != nil {
				return err
			}
			info, err := os.Stat(args[0])
			if err != nil {
				return err
			}
			captures := []string{args[0]}
			if info.IsDir() {
				if source != "" {
					return fmt.Errorf("--source needs a single capture file")
				}
				if captures, err = trace.List(args[0]); err != nil {
					return err
				}
			}

			g := graph.New(strings.TrimSuffix(filepath.Base(args[0]), trace.Suffix))
			for _, c := range captures {
				node, err := g.AddCapture(c)
				if err != nil {
					return err
				}
				if source != "" {
					if err := g.AddSource(node, source, nil); err != nil {
						return err
					}
				}
			}

			w := io.Writer(os.Stdout)
			if out != "" {
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			return g.WriteDOT(w)
		},
	}
	graphCmd.Flags().StringVar(&source, "source", "", "Program source to add static call edges from")
	graphCmd.Flags().StringVarP(&out, "out", "o", "", "Output file (default stdout)")
	return graphCmd
}

func encryptionKey(cfg *config.Config) ([]byte, error) {
	return secret.Lookup(secret.Source{
		Kind:    cfg.Export.KeySource,
		Value:   cfg.Export.EncryptionKey,
		Service: cfg.Export.KeyringService,
		User:    cfg.Export.KeyringUser,
	})
}

func newKeyCmd(root *rootFlags) *cobra.Command {
	var store bool
	keyCmd := &cobra.Command{
		Use:   "key",
		Short: "Manage the capture encryption key",
	}
	generate := &cobra.Command{
		Use:   "generate",
		Short: "Generate a random key, optionally saving it in the OS keyring",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := make([]byte, 32)
			if _, err := rand.Read(raw); err != nil {
				return err
			}
			text := "hex:" + hex.EncodeToString(raw)
			if !store {
				fmt.Println(text)
				return nil
			}
			cfg, err := loadConfig(root)
			if err != nil {
				return err
			}
			if cfg.Export.KeyringUser == "" {
				return fmt.Errorf("export.keyring_user must be set to store a key")
			}
			if err := secret.Store(cfg.Export.KeyringService, cfg.Export.KeyringUser, text); err != nil {
				return err
			}
			fmt.Printf("key stored in keyring %s/%s\n", cfg.Export.KeyringService, cfg.Export.KeyringUser)
			return nil
		},
	}
	generate.Flags().BoolVar(&store, "store", false, "Save the key in the OS keyring instead of printing it")
	keyCmd.AddCommand(generate)
	return keyCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("hosttrace %s (commit %s, built %s)\n", version.Version, version.Commit, version.Date)
		},
	}
}

func loadConfig(root *rootFlags) (*config.Config, error) {
	cfg, err := config.Load(root.ConfigPath)
	if err != nil {
		return nil, err
	}
	if root.LogLevel != "" {
		cfg.Global.LogLevel = root.LogLevel
	}
	if root.LogFormat != "" {
		cfg.Global.LogFormat = root.LogFormat
	}
	return cfg, nil
}

func setup(root *rootFlags) (*config.Config, zerolog.Logger, error) {
	cfg, err := loadConfig(root)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, logging.Configure(cfg.Global.LogLevel, cfg.Global.LogFormat), nil
}

func engineOptions(cfg *config.Config, rec hostcall.Recorder, logger zerolog.Logger) engine.Options {
	return engine.Options{
		Location: cfg.Location(),
		Recorder: rec,
		MaxSteps: cfg.Engine.MaxSteps,
		Root:     cfg.Engine.Root,
		Logger:   logger,
	}
}

func newEngine(cfg *config.Config, rec hostcall.Recorder, logger zerolog.Logger) *engine.Engine {
	return engine.New(engineOptions(cfg, rec, logger))
}

func evalContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	if timeout <= 0 {
		return ctx, stop
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	return ctx, func() { cancel(); stop() }
}

// printRecorder writes each host call to stderr.
func printRecorder() hostcall.Recorder {
	return hostcall.RecorderFunc(func(_ *starlark.Thread, call hostcall.Call) {
		fmt.Fprintln(os.Stderr, call.Signature())
	})
}
