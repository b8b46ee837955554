// Package watcher discovers and tracks the coding CLI's JSONL conversation
// logs. It recursively watches a project-log root, incrementally re-parses
// appended lines, derives each conversation's status, and emits a stream of
// events for the WebSocket hub to broadcast. The watcher never knows about
// the hub — it only ever writes to its own event channel (§9 design note on
// breaking the watcher/hub cycle).
package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"companiond/internal/conversation"
	"companiond/internal/tmuxctl"
)

const (
	// debounce coalesces a burst of writes to one JSONL file (e.g. a tool
	// call's streamed output) into a single re-parse.
	debounce = 400 * time.Millisecond
	// reconcileInterval is how often the watcher compares tracked
	// conversations against the live tmux session list.
	reconcileInterval = 5 * time.Second
	// eventBacklog bounds the watcher's outbound channel; once a slow
	// consumer (the hub) lets it fill, emit drops the oldest queued event
	// to make room instead of blocking the producer.
	eventBacklog = 256
)

// TmuxLister is the subset of tmuxctl the watcher needs for reconciliation.
// Exposed as a function type so callers can pass tmuxctl.ListSessions
// directly or a stub in tests.
type TmuxLister func(ctx context.Context) ([]tmuxctl.Session, error)

type trackedConversation struct {
	ref       conversationRef
	offset    int64
	index     int
	messages  []conversation.Message
	status    conversation.Status
	updatedAt time.Time
	active    bool
}

// Watcher tracks every conversation log under root and emits Events as they
// change. The conversation map is written under mu by the run loop and its
// debounce timers; Snapshot and Snapshots return defensive copies so other components never observe
// a half-updated conversation.
type Watcher struct {
	root   string
	lister TmuxLister

	events chan Event

	mu            sync.RWMutex
	conversations map[string]*trackedConversation
	activeSession string

	fsWatcher *fsnotify.Watcher

	tmu            sync.Mutex
	timers         map[string]*time.Timer
	watchedProcess map[string]bool // directories already added to fsWatcher
}

// New constructs a Watcher rooted at the given directory (typically
// codeHome/projects). lister may be nil, in which case reconciliation is
// skipped.
func New(root string, lister TmuxLister) *Watcher {
	return &Watcher{
		root:           root,
		lister:         lister,
		events:         make(chan Event, eventBacklog),
		conversations:  make(map[string]*trackedConversation),
		timers:         make(map[string]*time.Timer),
		watchedProcess: make(map[string]bool),
	}
}

// Events returns the channel Events are delivered on. The channel is never
// closed while Run is executing; it closes once Run returns.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Run blocks until ctx is cancelled, watching the filesystem and emitting
// events. It performs an initial scan of every existing *.jsonl file before
// entering the event loop.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.events)

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watcher: create fsnotify watcher: %w", err)
	}
	defer fsWatcher.Close()
	w.fsWatcher = fsWatcher

	if err := os.MkdirAll(w.root, 0o755); err != nil {
		return fmt.Errorf("watcher: ensure root %q: %w", w.root, err)
	}
	if err := w.addDirRecursive(w.root); err != nil {
		return fmt.Errorf("watcher: initial directory scan: %w", err)
	}
	w.initialFileScan()

	reconcile := time.NewTicker(reconcileInterval)
	defer reconcile.Stop()

	for {
		select {
		case <-ctx.Done():
			w.stopTimers()
			return ctx.Err()

		case <-reconcile.C:
			w.reconcile(ctx)

		case ev, ok := <-fsWatcher.Events:
			if !ok {
				return nil
			}
			w.handleFSEvent(ev)

		case err, ok := <-fsWatcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("[WARN-WATCHER] fsnotify error", "error", err)
		}
	}
}

func (w *Watcher) addDirRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			if addErr := w.fsWatcher.Add(path); addErr != nil {
				slog.Warn("[WARN-WATCHER] failed to watch directory", "dir", path, "error", addErr)
			}
		}
		return nil
	})
}

func (w *Watcher) initialFileScan() {
	_ = filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || filepath.Ext(path) != ".jsonl" {
			return nil
		}
		w.processFile(path)
		return nil
	})
}

func (w *Watcher) handleFSEvent(ev fsnotify.Event) {
	info, statErr := os.Stat(ev.Name)
	if ev.Has(fsnotify.Create) && statErr == nil && info.IsDir() {
		if err := w.addDirRecursive(ev.Name); err != nil {
			slog.Warn("[WARN-WATCHER] failed to watch new directory", "dir", ev.Name, "error", err)
		}
		return
	}

	if filepath.Ext(ev.Name) != ".jsonl" {
		return
	}
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
		return
	}
	w.scheduleProcess(ev.Name)
}

// scheduleProcess debounces repeated writes to the same file so a burst of
// appends coalesces into one re-parse, mirroring the CLI-log watcher's
// per-path debounce timers.
func (w *Watcher) scheduleProcess(path string) {
	w.tmu.Lock()
	defer w.tmu.Unlock()
	if t, ok := w.timers[path]; ok {
		t.Stop()
	}
	w.timers[path] = time.AfterFunc(debounce, func() {
		w.processFile(path)
	})
}

func (w *Watcher) stopTimers() {
	w.tmu.Lock()
	defer w.tmu.Unlock()
	for _, t := range w.timers {
		t.Stop()
	}
}

// processFile re-parses the tail of one conversation file and emits the
// events that follow from what changed. Runs on the Run goroutine's call
// stack (directly, or via a debounce timer's own goroutine — processFile
// takes w.mu for every map access, so either caller is safe).
func (w *Watcher) processFile(path string) {
	ref, ok := resolveConversation(w.root, path)
	if !ok {
		return
	}

	w.mu.Lock()
	tc, exists := w.conversations[ref.SessionID]
	if !exists {
		tc = &trackedConversation{ref: ref, status: conversation.StatusIdle}
		w.conversations[ref.SessionID] = tc
	}
	offset, index := tc.offset, tc.index
	w.mu.Unlock()

	tail, newOffset, _, err := conversation.ParseFileTail(path, offset, index)
	if err != nil {
		slog.Warn("[WARN-WATCHER] failed to read conversation tail", "path", path, "error", err)
		return
	}
	if len(tail) == 0 && newOffset == offset {
		return
	}

	w.mu.Lock()
	tc.offset = newOffset
	tc.index += len(tail)
	tc.messages = append(tc.messages, tail...)
	previousStatus := tc.status
	tc.status = conversation.DeriveStatus(tc.messages)
	tc.updatedAt = time.Now()
	newStatus := tc.status
	var lastMessage *conversation.Message
	if highlights := conversation.Highlights(tc.messages); len(highlights) > 0 {
		lastMessage = &highlights[len(highlights)-1]
	}
	activeSession := w.activeSession
	w.mu.Unlock()

	now := time.Now()

	if newStatus != previousStatus {
		w.emit(Event{Type: EventStatusChange, SessionID: ref.SessionID, Status: newStatus, LastMessage: lastMessage, At: now})
	}
	w.emit(Event{Type: EventConversationUpdate, SessionID: ref.SessionID, Tail: tail, At: now})

	errored, completed, compacted := detectConditions(tail)
	if errored {
		w.emit(Event{Type: EventErrorDetected, SessionID: ref.SessionID, Tail: tail, At: now})
	}
	if completed {
		w.emit(Event{Type: EventSessionCompleted, SessionID: ref.SessionID, Tail: tail, At: now})
	}
	if compacted {
		w.emit(Event{Type: EventCompaction, SessionID: ref.SessionID, Tail: tail, At: now})
	}

	if activeSession != "" && activeSession != ref.SessionID {
		w.emit(Event{Type: EventOtherSessionActivity, SessionID: ref.SessionID, At: now})
	}
}

func (w *Watcher) emit(ev Event) {
	select {
	case w.events <- ev:
	default:
		// Backlog full: drop the oldest queued event and retry once so a
		// burst of activity never blocks the filesystem callback goroutine
		// indefinitely. Losing a stale conversation-update is recoverable
		// (subscribers re-request a snapshot); losing every future event
		// because this goroutine deadlocked is not.
		select {
		case <-w.events:
		default:
		}
		select {
		case w.events <- ev:
		default:
		}
	}
}

// reconcile compares tracked conversations against the live tmux session
// list, demoting any whose project directory no longer has a matching
// session.
func (w *Watcher) reconcile(ctx context.Context) {
	if w.lister == nil {
		return
	}
	sessions, err := w.lister(ctx)
	if err != nil {
		slog.Warn("[WARN-WATCHER] reconciliation failed to list tmux sessions", "error", err)
		return
	}
	live := make(map[string]bool, len(sessions))
	for _, s := range sessions {
		live[s.WorkingDir] = true
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, tc := range w.conversations {
		tc.active = live[tc.ref.WorkingDir]
	}
}

// SetActiveSession records the process-wide "active conversation" used by
// legacy callers that omit an explicit sessionId. Deprecated: new verbs
// should carry their own sessionId (§9 design notes).
func (w *Watcher) SetActiveSession(id string) {
	w.mu.Lock()
	w.activeSession = id
	w.mu.Unlock()
}

// ClearActiveSession clears the process-wide active conversation.
func (w *Watcher) ClearActiveSession() {
	w.mu.Lock()
	w.activeSession = ""
	w.mu.Unlock()
}

// ActiveSession returns the process-wide active conversation id, or "" if
// none is set.
func (w *Watcher) ActiveSession() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.activeSession
}

// Snapshot returns a defensive copy of one tracked conversation.
func (w *Watcher) Snapshot(sessionID string) (Snapshot, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	tc, ok := w.conversations[sessionID]
	if !ok {
		return Snapshot{}, false
	}
	return snapshotOf(tc), true
}

// Highlights returns a page of sessionID's highlight messages (newest last),
// skipping offset entries from the end and returning at most limit, plus
// whether older entries remain.
func (w *Watcher) Highlights(sessionID string, limit, offset int) ([]conversation.Message, bool, bool) {
	w.mu.RLock()
	tc, ok := w.conversations[sessionID]
	if !ok {
		w.mu.RUnlock()
		return nil, false, false
	}
	highlights := conversation.Highlights(tc.messages)
	w.mu.RUnlock()

	page, hasMore := conversation.LastN(highlights, limit, offset)
	return page, hasMore, true
}

// Messages returns every decoded message tracked for sessionID.
func (w *Watcher) Messages(sessionID string) ([]conversation.Message, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	tc, ok := w.conversations[sessionID]
	if !ok {
		return nil, false
	}
	out := make([]conversation.Message, len(tc.messages))
	copy(out, tc.messages)
	return out, true
}

// Tasks returns sessionID's derived task list.
func (w *Watcher) Tasks(sessionID string) ([]conversation.Task, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	tc, ok := w.conversations[sessionID]
	if !ok {
		return nil, false
	}
	return conversation.Tasks(tc.messages), true
}

// WorkingDirOf returns the project directory tracked for sessionID.
func (w *Watcher) WorkingDirOf(sessionID string) (string, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	tc, ok := w.conversations[sessionID]
	if !ok {
		return "", false
	}
	return tc.ref.WorkingDir, true
}

// Snapshots returns a defensive copy of every tracked conversation.
func (w *Watcher) Snapshots() []Snapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]Snapshot, 0, len(w.conversations))
	for _, tc := range w.conversations {
		out = append(out, snapshotOf(tc))
	}
	return out
}

func snapshotOf(tc *trackedConversation) Snapshot {
	var lastMessage *conversation.Message
	highlights := conversation.Highlights(tc.messages)
	if len(highlights) > 0 {
		m := highlights[len(highlights)-1]
		lastMessage = &m
	}
	return Snapshot{
		SessionID:   tc.ref.SessionID,
		WorkingDir:  tc.ref.WorkingDir,
		IsSubagent:  tc.ref.IsSubagent,
		Status:      tc.status,
		LastMessage: lastMessage,
		Tasks:       conversation.Tasks(tc.messages),
		Usage:       conversation.Usage(tc.messages),
		UpdatedAt:   tc.updatedAt,
		Active:      tc.active,
	}
}

// ServerSummary returns aggregate counts across every tracked conversation.
// When tmuxSessions is non-nil, the result is filtered to conversations
// whose working directory matches one of the given sessions' working
// directories — this is how the dashboard hides conversations without a
// live pane, independent of the periodic reconciliation pass.
func (w *Watcher) ServerSummary(tmuxSessions []tmuxctl.Session) Summary {
	var filter map[string]bool
	if tmuxSessions != nil {
		filter = make(map[string]bool, len(tmuxSessions))
		for _, s := range tmuxSessions {
			filter[s.WorkingDir] = true
		}
	}

	w.mu.RLock()
	defer w.mu.RUnlock()

	var summary Summary
	for _, tc := range w.conversations {
		if filter != nil && !filter[tc.ref.WorkingDir] {
			continue
		}
		snap := snapshotOf(tc)
		summary.Sessions = append(summary.Sessions, snap)
		summary.TotalSessions++
		switch snap.Status {
		case conversation.StatusWaiting:
			summary.WaitingCount++
		case conversation.StatusWorking:
			summary.WorkingCount++
		}
	}
	return summary
}
