package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/relaycore/workhost/internal/config"
	"github.com/relaycore/workhost/internal/eventbus"
	"github.com/relaycore/workhost/internal/ipc"
	"github.com/relaycore/workhost/internal/log"
	"github.com/relaycore/workhost/internal/workerhost"
	"github.com/relaycore/workhost/internal/wsserver"
	"github.com/spf13/cobra"
)

// backendCmd is the hidden entry point the supervisor re-invokes the binary
// with: `<exe> backend <operator args...>`. Its stdin/stdout are the
// supervisor's command/event pipe; everything else it owns -- the event
// bus, the worker manager, the websocket listener -- lives for as long as
// this process does.
var backendCmd = &cobra.Command{
	Use:    "backend",
	Hidden: true,
	RunE:   runBackend,
}

func init() {
	rootCmd.AddCommand(backendCmd)
}

func runBackend(cmd *cobra.Command, args []string) error {
	cfg, path, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	cleanup, err := log.Init("")
	if err != nil {
		return fmt.Errorf("initializing logging: %w", err)
	}
	defer cleanup()
	log.Info(log.CatBackend, "backend starting", "config", path)

	selfExe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolving own executable path: %w", err)
	}

	bus := eventbus.NewBus(cfg.EventBus.GlobalChannelCapacity, cfg.EventBus.ConfigChannelCapacity, cfg.EventBus.LogCacheCapacity)
	defer bus.Close()

	manager := workerhost.NewManager(selfExe, bus, cfg.WorkerManager.IOInboxCapacity)
	defer manager.Close()

	httpSrv := &http.Server{
		Addr:    cfg.WebSocket.ListenAddr,
		Handler: wsserver.New(bus),
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info(log.CatBackend, "websocket listener starting", "addr", cfg.WebSocket.ListenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	// The backend only ever reads from this pipe today: CmdRestart (backend
	// asking the supervisor for a restart without being treated as a crash)
	// has no caller yet that decides a restart is warranted, so no writer is
	// constructed here. ipc.NewWriter(os.Stdout) is what a future caller
	// would use; backendProcess.readEvents already handles that side.
	in := ipc.NewReader(os.Stdin)

	for {
		var ev ipc.CommandEvent
		if err := in.Read(&ev); err != nil {
			log.Info(log.CatBackend, "supervisor pipe closed, shutting down")
			return shutdownBackend(httpSrv, serveErr)
		}
		switch ev.Cmd {
		case ipc.CmdStop:
			log.Info(log.CatBackend, "received stop from supervisor")
			return shutdownBackend(httpSrv, serveErr)
		default:
			log.Warn(log.CatBackend, "unknown command from supervisor", "cmd", ev.Cmd)
		}
	}
}

// shutdownBackend tears down the HTTP listener and waits (briefly) for its
// goroutine to report back, mirroring the supervisor's own bounded shutdown
// window one level up the process tree. Worker teardown happens via the
// deferred manager.Close() in runBackend, not here.
func shutdownBackend(srv *http.Server, serveErr <-chan error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn(log.CatBackend, "websocket listener shutdown error", "err", err.Error())
	}
	select {
	case err := <-serveErr:
		if err != nil {
			log.Warn(log.CatBackend, "websocket listener exited with error", "err", err.Error())
		}
	case <-time.After(time.Second):
	}
	return nil
}
