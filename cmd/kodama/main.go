package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/52poke/kodama/internal/config"
	httpx "github.com/52poke/kodama/internal/http"
	"github.com/52poke/kodama/internal/logging"
)

const shutdownTimeout = 20 * time.Second

var (
	listenAddr string
	storeName  string

	rootCmd = &cobra.Command{
		Use:           "kodama",
		Short:         "Tiered cache for remote audio and its waveforms",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service",
		Args:  cobra.NoArgs,
		RunE:  serve,
	}

	resolveCmd = &cobra.Command{
		Use:   "resolve URL",
		Short: "Resolve one resource through the cache and print a summary",
		Args:  cobra.ExactArgs(1),
		RunE:  resolveOne,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&storeName, "store", "", "store backend: memory, file, s3 or redis (overrides KODAMA_STORE)")
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "listen address (overrides KODAMA_LISTEN_ADDR)")
	rootCmd.AddCommand(serveCmd, resolveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the environment and applies flag overrides.
func loadConfig() (config.Config, *log.Logger, error) {
	cfg, err := config.Parse()
	if err != nil {
		return cfg, nil, err
	}
	if storeName != "" {
		cfg.Store = storeName
	}
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}
	if err := cfg.Validate(); err != nil {
		return cfg, nil, err
	}
	logger, err := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return cfg, nil, err
	}
	return cfg, logger, nil
}

func serve(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.Close()

	handler := httpx.NewHandler(deps.Resolver, logging.Component(logger, "http"), ctx.Done())

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Ready(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/", handler)

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.ListenAddr, "store", cfg.Store, "namespace", cfg.Namespace)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}
	deps.Resolver.Flush()
	return nil
}

func resolveOne(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	deps, err := build(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer deps.Close()

	res, err := deps.Resolver.Resolve(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	deps.Resolver.Flush()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "key:      %s\n", res.Key)
	fmt.Fprintf(out, "size:     %s\n", humanize.Bytes(uint64(len(res.Raw))))
	fmt.Fprintf(out, "samples:  %d\n", len(res.Samples))
	for _, tier := range tiers {
		fmt.Fprintf(out, "%-9s %s\n", tier.String()+":", res.Source(tier))
	}
	md := res.Metadata
	if md.Title != "" {
		fmt.Fprintf(out, "title:    %s\n", md.Title)
	}
	if md.Artist != "" {
		fmt.Fprintf(out, "artist:   %s\n", md.Artist)
	}
	if md.Album != "" {
		fmt.Fprintf(out, "album:    %s\n", md.Album)
	}
	if md.Duration > 0 {
		fmt.Fprintf(out, "duration: %s\n", md.Duration.Round(time.Millisecond))
	}
	return nil
}
