package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/zjrosen/servhost/internal/activation"
	"github.com/zjrosen/servhost/internal/eventloop"
	"github.com/zjrosen/servhost/internal/lifecycle"
	"github.com/zjrosen/servhost/internal/log"
	"github.com/zjrosen/servhost/internal/ui/tracewindow"
	"github.com/zjrosen/servhost/internal/watcher"
)

const shutdownTimeout = 10 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the server",
	Long: `Serve activations for the hosted classes until nothing holds the
process: no remote object is active and the trace window is closed.

The trace window is shown when attached to a terminal, ui.enabled is set
and --embedding is not given. Ctrl+C stops the server at any time.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runServer(cmd, embedding)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().BoolVar(&embedding, "embedding", false, "run without the trace window")
}

func runServer(cmd *cobra.Command, headless bool) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The store is opened only to read logging settings, never across
	// activations.
	s, err := openRuntime()
	if err != nil {
		return err
	}
	defer s.close()

	if err := s.applyLogging(ctx); err != nil {
		log.ErrorErr(log.CatConfig, "stored logging settings ignored", err)
	}

	holds := lifecycle.New()
	defer holds.Close()
	loop := eventloop.New(holds)

	server, err := activation.NewServer(activation.ServerConfig{
		Addr:    cfg.Server.Addr,
		Catalog: s.catalog,
		Holds:   holds,
		Tracer:  s.tracing.Tracer(),
	})
	if err != nil {
		return err
	}

	// The window's hold is taken before the listener accepts anything, so
	// an early activate/release pair cannot stop the loop under it.
	window := showWindow(headless)
	if window {
		loop.AttachSurface()
	}

	serveErr := make(chan error, 1)
	go func() {
		err := server.Start()
		if err != nil {
			loop.RequestStop()
		}
		serveErr <- err
	}()

	if cfg.Watch.Enabled {
		w, err := watcher.New(watcher.Config{StorePath: cfg.Store.Path, Debounce: cfg.Watch.Debounce})
		if err != nil {
			log.ErrorErr(log.CatWatcher, "store watcher unavailable", err)
		} else if changes, err := w.Start(); err != nil {
			log.ErrorErr(log.CatWatcher, "starting store watcher", err)
		} else {
			defer func() { _ = w.Stop() }()
			go reloadOnChange(ctx, loop, s, changes)
		}
	}

	uiCtx, uiCancel := context.WithCancel(ctx)
	defer uiCancel()
	uiDone := make(chan error, 1)
	if window {
		go func() {
			uiDone <- tracewindow.Run(uiCtx, tracewindow.Options{
				Loop:  loop,
				Holds: holds,
				Addr:  server.Addr(),
			}, tea.WithAltScreen())
		}()
	} else {
		uiDone <- nil
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "servhost listening on %s\n", server.Addr())
	}

	runErr := loop.Run(ctx)
	if errors.Is(runErr, context.Canceled) {
		log.Info(log.CatLoop, "stop requested")
		runErr = nil
	}

	// Teardown: close the window, detach from callers, then let the
	// deferred calls flush traces.
	uiCancel()
	uiErr := <-uiDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		log.ErrorErr(log.CatActivation, "stopping activation server", err)
	}
	if err := <-serveErr; err != nil {
		return err
	}
	if uiErr != nil {
		return uiErr
	}
	return runErr
}

// reloadOnChange re-applies stored logging settings after the store file
// changes. The reload runs on the loop goroutine.
func reloadOnChange(ctx context.Context, loop *eventloop.Loop, s *session, changes <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-changes:
			if !ok {
				return
			}
			posted := loop.Do("reload logging", func(ctx context.Context) error {
				return s.applyLogging(ctx)
			})
			if !posted {
				return
			}
		}
	}
}

func showWindow(headless bool) bool {
	if headless || !cfg.UI.Enabled {
		return false
	}
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}
