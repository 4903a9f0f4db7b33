package sessions

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	// autoCompactTarget is the post-compaction budget for automatic passes.
	autoCompactTarget = 0.5
	// manualCompactTarget is the tighter budget for manual with-instructions passes.
	manualCompactTarget = 0.33
	// minTailMessages is the minimum number of non-system messages retained.
	minTailMessages = 2

	markerPrefix = "[Context compacted:"
)

// BeforeCompactHook receives a snapshot of the message list about to be
// compacted. It runs asynchronously; failures never block compaction.
type BeforeCompactHook func(sessionID string, snapshot []Message)

// Store handles session lifecycle, compaction, and JSON-file persistence.
// One file per session, filename <sessionId>.json.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	locks    sync.Map // sessionID -> *sync.Mutex

	dir          string
	contextLimit int
	compactAt    float64

	hookMu sync.RWMutex
	hook   BeforeCompactHook

	autoResetHour *int // nil = disabled
	stopReset     chan struct{}
	resetOnce     sync.Once

	corruptDropped int
}

// Options configures a Store.
type Options struct {
	Dir           string
	ContextLimit  int
	CompactAt     float64 // ratio in (0, 1]
	AutoResetHour *int    // 0..23, nil disables the daily reset
}

// NewStore creates a session store and loads any persisted sessions.
// Corrupt session files are skipped with a logged counter.
func NewStore(opts Options) *Store {
	if opts.ContextLimit <= 0 {
		opts.ContextLimit = 100000
	}
	if opts.CompactAt <= 0 || opts.CompactAt > 1 {
		opts.CompactAt = 0.75
	}
	s := &Store{
		sessions:      make(map[string]*Session),
		dir:           opts.Dir,
		contextLimit:  opts.ContextLimit,
		compactAt:     opts.CompactAt,
		autoResetHour: opts.AutoResetHour,
		stopReset:     make(chan struct{}),
	}
	if s.dir != "" {
		if err := os.MkdirAll(s.dir, 0o755); err != nil {
			slog.Warn("sessions: failed to create directory", "dir", s.dir, "error", err)
		}
		s.loadAll()
	}
	if s.autoResetHour != nil {
		go s.autoResetLoop()
	}
	return s
}

// SessionID derives the stable identifier for a conversation.
func SessionID(channel, userID string) string {
	return channel + ":" + userID
}

// splitSessionID recovers (channel, userId) from a session identifier.
func splitSessionID(id string) (string, string) {
	channel, userID, ok := strings.Cut(id, ":")
	if !ok {
		return id, ""
	}
	return channel, userID
}

// SetBeforeCompactHook registers the pre-compaction hook. The hook receives
// a snapshot of the current message list and runs in its own goroutine.
func (s *Store) SetBeforeCompactHook(fn BeforeCompactHook) {
	s.hookMu.Lock()
	s.hook = fn
	s.hookMu.Unlock()
}

// GetOrCreate returns the session for (channel, userId), creating it lazily.
func (s *Store) GetOrCreate(channel, userID string) *Session {
	id := SessionID(channel, userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		return sess
	}
	now := time.Now()
	sess := &Session{
		ID:       id,
		Channel:  channel,
		UserID:   userID,
		Messages: []Message{},
		Created:  now,
		Updated:  now,
		Metadata: map[string]string{},
	}
	s.sessions[id] = sess
	return sess
}

// Get returns the session by id, or (nil, false).
func (s *Store) Get(id string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// sessionLock returns the per-session mutex serializing Append/Compact/
// Reset/Save for one session.
func (s *Store) sessionLock(id string) *sync.Mutex {
	muI, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return muI.(*sync.Mutex)
}

// AppendMessage appends a message, persists the session, and triggers
// auto-compaction when the token estimate crosses contextLimit*compactAt.
// The pre-compaction hook is fired without being awaited.
func (s *Store) AppendMessage(id string, msg Message) error {
	lock := s.sessionLock(id)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		// Sessions are created lazily on first reference.
		channel, userID := splitSessionID(id)
		now := time.Now()
		sess = &Session{
			ID:       id,
			Channel:  channel,
			UserID:   userID,
			Messages: []Message{},
			Created:  now,
			Updated:  now,
			Metadata: map[string]string{},
		}
		s.sessions[id] = sess
	}
	sess.Messages = append(sess.Messages, msg)
	sess.MessageCount++
	sess.Updated = time.Now()
	estimate := EstimateMessages(sess.Messages)
	threshold := int(float64(s.contextLimit) * s.compactAt)
	needsCompact := estimate > threshold
	var snapshot []Message
	if needsCompact {
		snapshot = make([]Message, len(sess.Messages))
		copy(snapshot, sess.Messages)
	}
	s.mu.Unlock()

	if needsCompact {
		s.fireHook(id, snapshot)
		if _, err := s.compactLocked(id, "", autoCompactTarget); err != nil {
			slog.Warn("sessions: auto-compaction failed", "session", id, "error", err)
		}
	}

	return s.save(id)
}

// fireHook runs the registered pre-compaction hook in its own goroutine.
// Hook failures are logged and never observed by the caller.
func (s *Store) fireHook(id string, snapshot []Message) {
	s.hookMu.RLock()
	hook := s.hook
	s.hookMu.RUnlock()
	if hook == nil {
		return
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Warn("sessions: pre-compaction hook panicked", "session", id, "panic", r)
			}
		}()
		hook(id, snapshot)
	}()
}

// GetMessages returns a copy of the session's message list.
func (s *Store) GetMessages(id string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil
	}
	msgs := make([]Message, len(sess.Messages))
	copy(msgs, sess.Messages)
	return msgs
}

// EstimateTokens returns the approximate token count for a session.
func (s *Store) EstimateTokens(id string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return 0
	}
	return EstimateMessages(sess.Messages)
}

// Compact reduces the session under the automatic 50% budget.
func (s *Store) Compact(id string) (CompactionReport, error) {
	lock := s.sessionLock(id)
	lock.Lock()
	defer lock.Unlock()
	report, err := s.compactLocked(id, "", autoCompactTarget)
	if err != nil {
		return report, err
	}
	return report, s.save(id)
}

// CompactWithInstructions reduces the session under the tighter 33% budget
// and echoes the provided instructions into the marker message.
func (s *Store) CompactWithInstructions(id, instructions string) (CompactionReport, error) {
	lock := s.sessionLock(id)
	lock.Lock()
	defer lock.Unlock()
	report, err := s.compactLocked(id, instructions, manualCompactTarget)
	if err != nil {
		return report, err
	}
	return report, s.save(id)
}

// compactLocked performs the compaction pass. Caller holds the session lock.
//
// System-role prefix messages are preserved in order. The oldest non-system
// messages are dropped one at a time until the estimate fits the target
// budget, always retaining at least two non-system tail messages. A single
// synthetic system marker summarizing the removal is kept at the head of the
// non-system section; repeated compactions fold into one marker.
func (s *Store) compactLocked(id, instructions string, target float64) (CompactionReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return CompactionReport{}, fmt.Errorf("sessions: unknown session %q", id)
	}

	report := CompactionReport{SessionID: id, TokensBefore: EstimateMessages(sess.Messages)}

	// Split the contiguous system prefix from the rest.
	prefixEnd := 0
	for prefixEnd < len(sess.Messages) && sess.Messages[prefixEnd].Role == "system" {
		prefixEnd++
	}
	system := sess.Messages[:prefixEnd]
	rest := sess.Messages[prefixEnd:]

	// Fold a previous compaction marker into this pass.
	previouslyRemoved := 0
	if len(system) > 0 && strings.HasPrefix(system[len(system)-1].Content, markerPrefix) {
		var n int
		fmt.Sscanf(system[len(system)-1].Content, markerPrefix+" %d", &n)
		previouslyRemoved = n
		system = system[:len(system)-1]
	}

	budget := int(float64(s.contextLimit) * target)
	removed := 0
	for len(rest) > minTailMessages && EstimateMessages(system)+EstimateMessages(rest) > budget {
		rest = rest[1:]
		removed++
	}

	if removed == 0 && previouslyRemoved == 0 {
		report.Kept = len(sess.Messages)
		report.TokensAfter = report.TokensBefore
		return report, nil
	}

	totalRemoved := previouslyRemoved + removed
	marker := fmt.Sprintf("%s %d earlier messages removed]", markerPrefix, totalRemoved)
	if instructions != "" {
		marker += "\nInstructions: " + instructions
	}

	compacted := make([]Message, 0, len(system)+1+len(rest))
	compacted = append(compacted, system...)
	compacted = append(compacted, Message{Role: "system", Content: marker})
	compacted = append(compacted, rest...)

	if len(sess.Messages) > 0 && len(compacted) == 0 {
		// Invariant: compaction must never empty a non-empty session.
		return report, fmt.Errorf("sessions: compaction produced zero messages for %q", id)
	}

	sess.Messages = compacted
	sess.Updated = time.Now()

	report.Removed = removed
	report.Kept = len(compacted)
	report.TokensAfter = EstimateMessages(compacted)
	report.MarkerContent = marker
	return report, nil
}

// Reset clears a session's messages and counter. Identity and the persisted
// file remain.
func (s *Store) Reset(id string) error {
	lock := s.sessionLock(id)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	sess.Messages = []Message{}
	sess.MessageCount = 0
	sess.Updated = time.Now()
	s.mu.Unlock()

	return s.save(id)
}

// Delete removes a session and its file entirely.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
	s.locks.Delete(id)

	if s.dir == "" {
		return nil
	}
	path := filepath.Join(s.dir, id+".json")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// UpdatedAt returns the session's last-update timestamp.
func (s *Store) UpdatedAt(id string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return time.Time{}, false
	}
	return sess.Updated, true
}

// SetUpdatedAt overrides the last-update timestamp. The heartbeat controller
// uses this to preserve idle-time semantics across its own invocations.
func (s *Store) SetUpdatedAt(id string, t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		sess.Updated = t
	}
}

// List returns summaries for all sessions, most recently updated first.
func (s *Store) List() []Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Summary, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, Summary{
			ID:           sess.ID,
			Channel:      sess.Channel,
			UserID:       sess.UserID,
			MessageCount: sess.MessageCount,
			Created:      sess.Created,
			Updated:      sess.Updated,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Updated.After(out[j].Updated) })
	return out
}

// Save persists one session. The in-memory session stays authoritative on
// disk errors.
func (s *Store) Save(id string) error {
	lock := s.sessionLock(id)
	lock.Lock()
	defer lock.Unlock()
	return s.save(id)
}

// SaveAll persists every session, returning the first error.
func (s *Store) SaveAll() error {
	s.mu.RLock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	var firstErr error
	for _, id := range ids {
		if err := s.Save(id); err != nil {
			slog.Warn("sessions: failed to save session", "session", id, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// save writes the session atomically (temp file, sync, rename).
func (s *Store) save(id string) error {
	if s.dir == "" {
		return nil
	}

	s.mu.RLock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.RUnlock()
		return nil
	}
	snapshot := *sess
	snapshot.Messages = make([]Message, len(sess.Messages))
	copy(snapshot.Messages, sess.Messages)
	s.mu.RUnlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}

	path := filepath.Join(s.dir, id+".json")
	tmp, err := os.CreateTemp(s.dir, "session-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	tmp.Close()

	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	cleanup = false
	return nil
}

// loadAll reads every persisted session. Corrupt files are skipped and
// counted so silent data loss stays observable.
func (s *Store) loadAll() {
	files, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}
	for _, f := range files {
		if f.IsDir() || filepath.Ext(f.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, f.Name()))
		if err != nil {
			continue
		}
		var sess Session
		if err := json.Unmarshal(data, &sess); err != nil || sess.ID == "" {
			s.corruptDropped++
			slog.Warn("sessions: dropped corrupt session file",
				"file", f.Name(), "dropped_total", s.corruptDropped)
			continue
		}
		s.sessions[sess.ID] = &sess
	}
}

// CorruptDropped returns how many unreadable session files were skipped at load.
func (s *Store) CorruptDropped() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.corruptDropped
}

// autoResetLoop resets every session when the wall clock hits the configured
// hour at minute zero. One tick per minute.
func (s *Store) autoResetLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopReset:
			return
		case now := <-ticker.C:
			if s.autoResetHour == nil {
				continue
			}
			if now.Hour() != *s.autoResetHour || now.Minute() != 0 {
				continue
			}
			for _, sum := range s.List() {
				if err := s.Reset(sum.ID); err != nil {
					slog.Warn("sessions: daily reset failed", "session", sum.ID, "error", err)
				}
			}
			slog.Info("sessions: daily auto-reset complete", "hour", *s.autoResetHour)
		}
	}
}

// Close stops background workers and flushes all sessions.
func (s *Store) Close() error {
	s.resetOnce.Do(func() { close(s.stopReset) })
	return s.SaveAll()
}
