package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"fasttime.dev"
)

const shutdownGrace = 10 * time.Second

var (
	cli        config
	configFile string
	cacheDir   string
)

var rootCmd = &cobra.Command{
	Use:   "fasttime",
	Short: "Run a Compute@Edge wasm program locally",
	Long: `fasttime - serve HTTP with a Compute@Edge wasm program on your machine.

Every request runs in a fresh instance of the program. Backends are mapped by
name to local or remote addresses, and the program can be swapped without a
restart with --watch or --reload-on-sighup.`,
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE:         runServe,
}

func init() {
	fs := rootCmd.Flags()
	fs.StringVarP(&cli.Wasm, "wasm", "w", "bin/main.wasm", "Wasm program to serve")
	fs.IntVarP(&cli.Port, "port", "p", 3000, "Port to listen on")
	fs.StringVar(&cli.Bind, "bind", "localhost", "Address to listen on")
	fs.StringVar(&cli.TLSCert, "tls-cert", "", "TLS certificate file, serves HTTPS together with --tls-key")
	fs.StringVar(&cli.TLSKey, "tls-key", "", "TLS key file")
	fs.BoolVar(&cli.Watch, "watch", false, "Reload the wasm program when it changes on disk")
	fs.BoolVar(&cli.ReloadOnSIGHUP, "reload-on-sighup", false, "Reload the wasm program on SIGHUP")
	fs.DurationVar(&cli.Timeout, "timeout", 0, "Maximum time a single request may run (0 for no limit)")
	fs.IntVar(&cli.MaxInstances, "max-instances", 0, "Maximum number of instances running at once (0 for no limit)")
	fs.StringVar(&cli.Geo, "geo", "", "JSON file mapping addresses or CIDRs to geo data")
	fs.CountVarP(&cli.Verbosity, "verbose", "v", "Verbose logging, repeat for ABI call traces")

	fs.VarP(backendsFlag{&cli.Backends}, "backend", "b", "Backend as name:address (repeatable)")
	fs.VarP(dictionariesFlag{&cli.Dictionaries}, "dictionary", "d", "Dictionary as name:key=value,key=value (repeatable)")
	fs.Var(loggersFlag{&cli.Loggers}, "logger", "Log endpoint as name=file, or name to write to stdout (repeatable)")

	fs.StringVarP(&configFile, "config-file", "c", "", "TOML config file, command line flags take precedence")
	fs.StringVar(&cacheDir, "cache-dir", "", "Directory to cache compiled programs in")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg := cli
	if configFile != "" {
		file, err := loadConfig(configFile)
		if err != nil {
			return err
		}
		cfg = mergeConfig(cmd.Flags(), cli, file)
	}

	log, err := newLogger()
	if err != nil {
		return err
	}
	defer log.Sync()

	opts, closers, err := buildOptions(cfg, log)
	defer func() {
		for _, c := range closers {
			c.Close()
		}
	}()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, dimStyle.Render("Loading module..."))
	start := time.Now()
	f, err := fasttime.New(cfg.Wasm, opts...)
	if err != nil {
		return fmt.Errorf("loading %s: %w", cfg.Wasm, err)
	}
	fmt.Fprintf(out, "Loaded module in %s\n", time.Since(start).Round(time.Millisecond))
	printBanner(out, cfg, f.CurrentModule())

	if cfg.Watch {
		if err := f.Watch(ctx); err != nil {
			return fmt.Errorf("watching %s: %w", cfg.Wasm, err)
		}
		fmt.Fprintf(out, "Watching %s for changes\n", cfg.Wasm)
	}
	if cfg.ReloadOnSIGHUP {
		f.EnableReloadOnSIGHUP(ctx)
		fmt.Fprintln(out, "SIGHUP reload enabled. Send SIGHUP to reload the wasm program.")
	}

	return serve(ctx, cfg, f, out, log)
}

func serve(ctx context.Context, cfg config, f *fasttime.Fasttime, out io.Writer, log *zap.Logger) error {
	addr := net.JoinHostPort(cfg.Bind, strconv.Itoa(cfg.Port))
	tls := cfg.TLSCert != "" && cfg.TLSKey != ""

	srv := &http.Server{
		Addr:              addr,
		Handler:           newAccessLog(f, out, isTerminal(out)),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          zap.NewStdLog(log.Named("http")),
	}

	errc := make(chan error, 1)
	go func() {
		if tls {
			errc <- srv.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey)
			return
		}
		errc <- srv.ListenAndServe()
	}()

	scheme := "http"
	if tls {
		scheme = "https"
	}
	fmt.Fprintf(out, "Listening on %s://%s\n", scheme, addr)

	select {
	case err := <-errc:
		f.Close(context.Background())
		return err
	case <-ctx.Done():
	}

	fmt.Fprintln(out, "Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	err := srv.Shutdown(shutdownCtx)
	if cerr := f.Close(shutdownCtx); err == nil {
		err = cerr
	}
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	return err
}

// buildOptions turns the merged configuration into fasttime options. Files opened for log
// endpoints are returned so they can be closed on exit.
func buildOptions(cfg config, log *zap.Logger) ([]fasttime.Option, []io.Closer, error) {
	opts := []fasttime.Option{
		fasttime.WithSystemLogger(log),
		fasttime.WithVerbosity(cfg.Verbosity),
		fasttime.WithRequestTimeout(cfg.Timeout),
		fasttime.WithMaxInstances(cfg.MaxInstances),
	}
	if cacheDir != "" {
		opts = append(opts, fasttime.WithCompilationCacheDir(cacheDir))
	}

	for _, b := range cfg.Backends {
		opts = append(opts, fasttime.WithBackendConfig(fasttime.Backend{Name: b.Name, Address: b.Address, Timeout: b.Timeout}))
	}

	for _, d := range cfg.Dictionaries {
		entries, err := d.dictionaryEntries()
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, fasttime.WithDictionary(d.Name, entries))
	}

	var closers []io.Closer
	for name, path := range cfg.Loggers {
		if path == "" {
			opts = append(opts, fasttime.WithLogger(name, fasttime.NewPrefixWriter(name, fasttime.LineWriter{Writer: os.Stdout})))
			continue
		}
		file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, closers, fmt.Errorf("opening log file for %s: %w", name, err)
		}
		closers = append(closers, file)
		opts = append(opts, fasttime.WithLogger(name, fasttime.LineWriter{Writer: file}))
	}

	if cfg.Geo != "" {
		lookup, err := loadGeoFile(cfg.Geo)
		if err != nil {
			return nil, closers, err
		}
		opts = append(opts, fasttime.WithGeo(lookup))
	}

	return opts, closers, nil
}

// newLogger builds the process logger. It is left at debug level; fasttime filters by verbosity.
func newLogger() (*zap.Logger, error) {
	zc := zap.NewDevelopmentConfig()
	zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	zc.DisableStacktrace = true
	zc.DisableCaller = true
	zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	if !term.IsTerminal(int(os.Stderr.Fd())) {
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}
	return zc.Build()
}

func printBanner(out io.Writer, cfg config, m *fasttime.Module) {
	if m != nil {
		fmt.Fprintf(out, "Module: %s\n", m)
	}
	if names := cfg.backendNames(); len(names) > 0 {
		fmt.Fprintf(out, "Backends:\n  %s\n", strings.Join(names, "\n  "))
	} else {
		fmt.Fprintln(out, dimStyle.Render("No backends configured"))
	}
	if names := cfg.dictionaryNames(); len(names) > 0 {
		fmt.Fprintf(out, "Dictionaries: %s\n", strings.Join(names, ", "))
	}
}

func isTerminal(w io.Writer) bool {
	file, ok := w.(*os.File)
	return ok && term.IsTerminal(int(file.Fd()))
}
