package notifstore

import (
	"database/sql"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"
)

const flushDebounce = 3 * time.Second

// Store is the daemon's single notification-plane persistence point. It
// exclusively owns device/history/config/muted-session state (§3 ownership
// summary); nothing else writes these files or this database directly.
type Store struct {
	mu sync.Mutex

	statePath string
	st        state

	db *sql.DB

	flushTimer *time.Timer
	dirty      bool
}

// Open loads (or initializes) the state file and opens the SQLite database,
// both rooted at dir (a hidden config directory such as ~/.config/companiond).
func Open(dir string) (*Store, error) {
	statePath := filepath.Join(dir, "notifications.json")
	st, migrated, err := loadState(statePath)
	if err != nil {
		return nil, err
	}

	db, err := openDB(filepath.Join(dir, "notifications.db"))
	if err != nil {
		return nil, err
	}

	s := &Store{statePath: statePath, st: st, db: db}
	if migrated {
		slog.Info("[DEBUG-NOTIFSTORE] migrated legacy rules field out of state file", "path", statePath)
		if err := saveState(s.statePath, s.st); err != nil {
			slog.Warn("[WARN-NOTIFSTORE] failed to persist migrated state", "error", err)
		}
	}
	return s, nil
}

// Close releases the underlying database handle. Callers should Flush
// before Close to ensure pending state-file writes land.
func (s *Store) Close() error {
	return s.db.Close()
}

// scheduleFlush arms the debounce timer if one isn't already pending. Must
// be called with s.mu held.
func (s *Store) scheduleFlush() {
	s.dirty = true
	if s.flushTimer != nil {
		return
	}
	s.flushTimer = time.AfterFunc(flushDebounce, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.flushLocked()
	})
}

func (s *Store) flushLocked() {
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
	if !s.dirty {
		return
	}
	if err := saveState(s.statePath, s.st); err != nil {
		slog.Warn("[WARN-NOTIFSTORE] flush failed", "error", err)
		return
	}
	s.dirty = false
}

// Flush drains any pending debounced write synchronously. Called on daemon
// shutdown so no mutation is lost to an un-fired timer.
func (s *Store) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushLocked()
}

// GetEscalationConfig returns the current escalation policy.
func (s *Store) GetEscalationConfig() EscalationConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.Escalation
}

// UpdateEscalationConfig replaces the escalation policy and schedules a
// debounced flush.
func (s *Store) UpdateEscalationConfig(cfg EscalationConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.Escalation = cfg
	s.scheduleFlush()
}

// GetMutedSessions returns a copy of the muted session id set.
func (s *Store) GetMutedSessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.st.MutedSessions))
	copy(out, s.st.MutedSessions)
	return out
}

// IsMuted reports whether sessionID is currently muted.
func (s *Store) IsMuted(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.st.MutedSessions {
		if id == sessionID {
			return true
		}
	}
	return false
}

// SetSessionMuted adds or removes sessionID from the muted set and
// schedules a debounced flush.
func (s *Store) SetSessionMuted(sessionID string, muted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := -1
	for i, id := range s.st.MutedSessions {
		if id == sessionID {
			idx = i
			break
		}
	}
	switch {
	case muted && idx == -1:
		s.st.MutedSessions = append(s.st.MutedSessions, sessionID)
	case !muted && idx != -1:
		s.st.MutedSessions = append(s.st.MutedSessions[:idx], s.st.MutedSessions[idx+1:]...)
	default:
		return
	}
	s.scheduleFlush()
}

// RegisterDevice inserts or replaces a device row.
func (s *Store) RegisterDevice(id, token string, kind TokenKind) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(
		`INSERT INTO devices (id, token, token_kind, registered_at, last_seen) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET token = excluded.token, token_kind = excluded.token_kind, last_seen = excluded.last_seen`,
		id, token, string(kind), now.Format(time.RFC3339), now.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("register device: %w", err)
	}
	return nil
}

// UnregisterDevice removes a device row.
func (s *Store) UnregisterDevice(id string) error {
	if _, err := s.db.Exec(`DELETE FROM devices WHERE id = ?`, id); err != nil {
		return fmt.Errorf("unregister device: %w", err)
	}
	return nil
}

// UpdateDeviceLastSeen bumps a device's last-seen timestamp. Per the
// component design, last-seen updates never schedule a debounced flush —
// this writes directly to SQLite regardless, since that half of the store
// was never debounced to begin with.
func (s *Store) UpdateDeviceLastSeen(id string) error {
	_, err := s.db.Exec(`UPDATE devices SET last_seen = ? WHERE id = ?`, time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("update device last seen: %w", err)
	}
	return nil
}

// ListDevices returns every registered device.
func (s *Store) ListDevices() ([]Device, error) {
	rows, err := s.db.Query(`SELECT id, token, token_kind, registered_at, last_seen FROM devices ORDER BY registered_at`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		var d Device
		var kind, registeredAt, lastSeen string
		if err := rows.Scan(&d.ID, &d.Token, &kind, &registeredAt, &lastSeen); err != nil {
			return nil, fmt.Errorf("list devices: scan: %w", err)
		}
		d.TokenKind = TokenKind(kind)
		d.RegisteredAt, _ = time.Parse(time.RFC3339, registeredAt)
		d.LastSeen, _ = time.Parse(time.RFC3339, lastSeen)
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// AppendHistory inserts a new history entry and trims the table back down to
// maxHistoryEntries, dropping the oldest rows first.
func (s *Store) AppendHistory(entry HistoryEntry) error {
	_, err := s.db.Exec(
		`INSERT INTO history (timestamp, event_type, session_id, session_name, preview, tier, acknowledged)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.Timestamp.UTC().Format(time.RFC3339), entry.EventType, entry.SessionID, entry.SessionName,
		entry.Preview, string(entry.Tier), boolToInt(entry.Acknowledged),
	)
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	_, err = s.db.Exec(
		`DELETE FROM history WHERE id NOT IN (SELECT id FROM history ORDER BY id DESC LIMIT ?)`,
		maxHistoryEntries,
	)
	if err != nil {
		return fmt.Errorf("append history: trim: %w", err)
	}
	return nil
}

// ListHistory returns the most recent limit entries, newest first. limit<=0
// uses maxHistoryEntries.
func (s *Store) ListHistory(limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = maxHistoryEntries
	}
	rows, err := s.db.Query(
		`SELECT id, timestamp, event_type, session_id, session_name, preview, tier, acknowledged
		 FROM history ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var ts, tier string
		var sessionID, sessionName sql.NullString
		var ack int
		if err := rows.Scan(&e.ID, &ts, &e.EventType, &sessionID, &sessionName, &e.Preview, &tier, &ack); err != nil {
			return nil, fmt.Errorf("list history: scan: %w", err)
		}
		e.Timestamp, _ = time.Parse(time.RFC3339, ts)
		e.SessionID = sessionID.String
		e.SessionName = sessionName.String
		e.Tier = Tier(tier)
		e.Acknowledged = ack != 0
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// AcknowledgeHistory marks every history entry for sessionID as
// acknowledged.
func (s *Store) AcknowledgeHistory(sessionID string) error {
	_, err := s.db.Exec(`UPDATE history SET acknowledged = 1 WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("acknowledge history: %w", err)
	}
	return nil
}

// ClearHistory deletes every history entry.
func (s *Store) ClearHistory() error {
	if _, err := s.db.Exec(`DELETE FROM history`); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
