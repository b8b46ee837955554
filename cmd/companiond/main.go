// Command companiond is the headless daemon that watches the coding CLI's
// conversation logs, serves the WebSocket API described in the daemon's
// external interface, and escalates unacknowledged events to push
// notifications.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"companiond/internal/admin"
	"companiond/internal/config"
	"companiond/internal/conversation"
	"companiond/internal/escalation"
	"companiond/internal/filesvc"
	"companiond/internal/notifstore"
	"companiond/internal/push"
	"companiond/internal/sessionlog"
	"companiond/internal/tmuxctl"
	"companiond/internal/watcher"
	"companiond/internal/workerutil"
	"companiond/internal/workgroup"
	"companiond/internal/wsserver"
)

// shutdownGracePeriod bounds how long the daemon waits for in-flight
// shell-outs (tmux/git invocations) to finish once shutdown starts, per the
// graceful shutdown sequence.
const shutdownGracePeriod = 10 * time.Second

func main() {
	cfgPath := config.DefaultPath()
	cfg, err := config.EnsureFile(cfgPath)
	if err != nil {
		slog.Error("[DEBUG-MAIN] failed to load configuration", "error", err)
		os.Exit(1)
	}

	stateDir := filepath.Dir(cfgPath)
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		slog.Error("[DEBUG-MAIN] failed to create state directory", "dir", stateDir, "error", err)
		os.Exit(1)
	}

	store, err := notifstore.Open(stateDir)
	if err != nil {
		slog.Error("[DEBUG-MAIN] failed to open notification store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	// config.yaml's pushDelayMs is authoritative for each daemon start; the
	// escalation config's other fields are runtime-editable via
	// update_escalation_config and persist across restarts on their own.
	if cfg.PushDelayMs > 0 {
		escCfg := store.GetEscalationConfig()
		escCfg.PushDelaySeconds = cfg.PushDelayMs / 1000
		store.UpdateEscalationConfig(escCfg)
	}

	sessionConfigStore, err := tmuxctl.OpenSessionConfigStore(filepath.Join(stateDir, "tmux-sessions.json"))
	if err != nil {
		slog.Error("[DEBUG-MAIN] failed to open tmux session config store", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var wg sync.WaitGroup

	myWatcher := watcher.New(filepath.Join(cfg.CodeHome, "projects"), tmuxctl.ListSessions)
	workerutil.RunWithPanicRecovery(ctx, "watcher", &wg, func(ctx context.Context) {
		if err := myWatcher.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("[DEBUG-MAIN] watcher exited", "error", err)
		}
	}, workerutil.RecoveryOptions{IsShutdown: func() bool { return ctx.Err() != nil }})

	hub := wsserver.NewHub(cfg, cfgPath, myWatcher)

	gateways := map[notifstore.TokenKind]push.Gateway{
		notifstore.TokenKindGatewayA: push.NewHTTPGateway("https://fcm.googleapis.com/fcm/send", ""),
		notifstore.TokenKindGatewayB: push.NewHTTPGateway("https://api.push.apple.com/3/device", ""),
	}
	pushSender := push.NewSender(store, gateways)
	engine := escalation.NewEngine(store, pushSender)
	engine.RegisterHandlers(hub)

	groupManager := workgroup.NewManager(hub, myWatcher)
	groupManager.RegisterHandlers(hub)
	workerutil.RunWithPanicRecovery(ctx, "workgroup-manager", &wg, func(ctx context.Context) {
		groupManager.Run(ctx)
	}, workerutil.RecoveryOptions{IsShutdown: func() bool { return ctx.Err() != nil }})

	tmuxController := tmuxctl.NewController(hub, sessionConfigStore)
	tmuxController.RegisterHandlers(hub)

	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = os.TempDir()
	}
	filesvc.NewService(homeDir).RegisterHandlers(hub)

	adminSvc := admin.NewService(cfg, cfgPath, func() []admin.SnapshotUsage {
		snaps := myWatcher.Snapshots()
		out := make([]admin.SnapshotUsage, len(snaps))
		for i, s := range snaps {
			out[i] = admin.SnapshotUsage{SessionID: s.SessionID, Usage: s.Usage}
		}
		return out
	})
	adminSvc.RegisterHandlers(hub)
	adminSvc.SetBroadcaster(hub)
	installLogTee(adminSvc)

	myWatcher.RegisterHandlers(hub)

	workerutil.RunWithPanicRecovery(ctx, "watcher-event-bridge", &wg, func(ctx context.Context) {
		bridgeWatcherEvents(ctx, myWatcher, hub, engine)
	}, workerutil.RecoveryOptions{IsShutdown: func() bool { return ctx.Err() != nil }})

	if err := hub.Start(ctx); err != nil {
		slog.Error("[DEBUG-MAIN] failed to start listeners", "error", err)
		os.Exit(1)
	}
	slog.Info("[DEBUG-MAIN] companiond started", "codeHome", cfg.CodeHome)

	<-ctx.Done()
	slog.Info("[DEBUG-MAIN] shutdown signal received, draining")

	// Graceful shutdown sequence: stop accepting new connections and close
	// live ones, flush durable state, then give in-flight shell-outs a grace
	// period to finish before the process exits.
	if err := hub.Stop(); err != nil {
		slog.Warn("[WARN-MAIN] hub stop reported an error", "error", err)
	}
	store.Flush()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownGracePeriod):
		slog.Warn("[WARN-MAIN] shutdown grace period elapsed with workers still running")
	}
	slog.Info("[DEBUG-MAIN] companiond stopped")
}

// installLogTee wraps the default slog handler so warning-and-above records
// are captured for the get_tool_config admin verb, while every record still
// reaches stderr exactly as before.
func installLogTee(adminSvc *admin.Service) {
	base := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	tee := sessionlog.NewTeeHandler(base, slog.LevelWarn, adminSvc.OnLogEntry)
	slog.SetDefault(slog.New(tee))
}

// bridgeWatcherEvents feeds every watcher event into the escalation engine
// and broadcasts it to subscribed clients, implementing the daemon's single
// event fan-out point (§9 design note on breaking the watcher/hub cycle).
func bridgeWatcherEvents(ctx context.Context, w *watcher.Watcher, hub *wsserver.Hub, engine *escalation.Engine) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events():
			if !ok {
				return
			}
			broadcastWatcherEvent(ctx, ev, w, hub, engine)
		}
	}
}

func broadcastWatcherEvent(ctx context.Context, ev watcher.Event, w *watcher.Watcher, hub *wsserver.Hub, engine *escalation.Engine) {
	snap, _ := w.Snapshot(ev.SessionID)

	switch ev.Type {
	case watcher.EventStatusChange:
		hub.Broadcast("status_change", ev.SessionID, map[string]any{"sessionId": ev.SessionID, "status": ev.Status})
	case watcher.EventConversationUpdate:
		hub.Broadcast("conversation_update", ev.SessionID, map[string]any{"sessionId": ev.SessionID, "tail": ev.Tail})
	case watcher.EventOtherSessionActivity:
		hub.Broadcast("other_session_activity", ev.SessionID, map[string]any{"sessionId": ev.SessionID})
	case watcher.EventCompaction:
		hub.Broadcast("compaction", ev.SessionID, map[string]any{"sessionId": ev.SessionID})
	case watcher.EventErrorDetected:
		if engine.HandleEvent(ctx, escalation.Event{EventType: "error_detected", SessionID: ev.SessionID, SessionName: snap.WorkingDir, Content: lastTailText(ev.Tail)}) {
			hub.Broadcast("error_detected", ev.SessionID, map[string]any{"sessionId": ev.SessionID})
		}
	case watcher.EventSessionCompleted:
		if engine.HandleEvent(ctx, escalation.Event{EventType: "session_completed", SessionID: ev.SessionID, SessionName: snap.WorkingDir, Content: lastTailText(ev.Tail)}) {
			hub.Broadcast("session_completed", ev.SessionID, map[string]any{"sessionId": ev.SessionID})
		}
	}

	if snap.Status == conversation.StatusWaiting {
		engine.HandleEvent(ctx, escalation.Event{EventType: "waiting_for_input", SessionID: ev.SessionID, SessionName: snap.WorkingDir, Content: lastTailText(ev.Tail)})
	}
}

func lastTailText(tail []conversation.Message) string {
	if len(tail) == 0 {
		return ""
	}
	return tail[len(tail)-1].Text
}
