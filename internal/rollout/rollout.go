// Package rollout implements the chat rollout store (C3, spec.md §4.1,
// §6): an append-only per-session record on disk, with create/write/list/
// load-by-id/path/latest operations.
//
// Grounded on the teacher's pairing of flat-file logs (agent.EventLogger)
// with a SQLite side-index (session.SQLiteMemoryStore): messages are
// appended as JSON lines to a per-session file, while modernc.org/sqlite
// keeps a small index table so List/LoadLatest don't need a directory walk.
package rollout

import (
	"bufio"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/apexion-ai/apexion-runtime/internal/chatmodel"
	"github.com/apexion-ai/apexion-runtime/internal/model"
)

// Header is the first line of every rollout file.
type Header struct {
	SessionID string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
	Provider  model.Provider `json:"provider"`
}

// Entry is one rollout line after the header: a persisted ChatMessage
// with a timestamp.
type Entry struct {
	At      time.Time           `json:"at"`
	Message chatmodel.ChatMessage `json:"message"`
}

// Record is a fully loaded rollout.
type Record struct {
	Path    string
	Header  Header
	Entries []Entry
}

// Handle is an open rollout file a turn appends to across a turn's
// lifetime (the RolloutHandle of spec.md §3).
type Handle struct {
	path   string
	file   *os.File
	writer *bufio.Writer
	store  *Store
}

func (h *Handle) Path() string { return h.path }

// Write appends one entry as a JSON line and flushes immediately: rollout
// writes are best-effort and must survive the process dying mid-turn.
func (h *Handle) Write(entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode rollout entry: %w", err)
	}
	if _, err := h.writer.Write(data); err != nil {
		return fmt.Errorf("write rollout entry: %w", err)
	}
	if err := h.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("write rollout entry: %w", err)
	}
	if err := h.writer.Flush(); err != nil {
		return fmt.Errorf("flush rollout entry: %w", err)
	}
	if h.store != nil {
		_ = h.store.touchIndex(filepath.Base(h.path))
	}
	return nil
}

// Close flushes and closes the underlying file.
func (h *Handle) Close() error {
	if err := h.writer.Flush(); err != nil {
		h.file.Close()
		return err
	}
	return h.file.Close()
}

// Store manages rollout files under Dir plus a SQLite index for fast
// listing.
type Store struct {
	dir string
	db  *sql.DB
}

const createIndexSQL = `
CREATE TABLE IF NOT EXISTS rollouts (
	session_id  TEXT PRIMARY KEY,
	file_name   TEXT NOT NULL,
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL
);
`

// Open opens (creating if needed) a rollout store backed by a SQLite index
// database at <dir>/index.sqlite, with rollout files alongside it.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create rollout dir: %w", err)
	}
	db, err := sql.Open("sqlite", filepath.Join(dir, "index.sqlite"))
	if err != nil {
		return nil, fmt.Errorf("open rollout index: %w", err)
	}
	if _, err := db.Exec(createIndexSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create rollout index table: %w", err)
	}
	return &Store{dir: dir, db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func fileNameFor(sessionID string) string {
	return sessionID + ".rollout.jsonl"
}

// Create opens a fresh rollout file for a session and records it in the
// index. Returns a Handle the turn engine appends to.
func (s *Store) Create(sessionID string, provider model.Provider) (*Handle, error) {
	fileName := fileNameFor(sessionID)
	path := filepath.Join(s.dir, fileName)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create rollout file: %w", err)
	}
	header := Header{SessionID: sessionID, CreatedAt: time.Now(), Provider: provider}
	data, err := json.Marshal(header)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("encode rollout header: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return nil, fmt.Errorf("write rollout header: %w", err)
	}
	if _, err := f.Write([]byte("\n")); err != nil {
		f.Close()
		return nil, fmt.Errorf("write rollout header: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := s.db.Exec(
		`INSERT INTO rollouts (session_id, file_name, created_at, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET file_name=excluded.file_name, updated_at=excluded.updated_at`,
		sessionID, fileName, now, now,
	); err != nil {
		f.Close()
		return nil, fmt.Errorf("index rollout: %w", err)
	}

	return &Handle{path: path, file: f, writer: bufio.NewWriter(f), store: s}, nil
}

// OpenExisting reopens an existing session's rollout file for appending (used when
// a session resumes an already-created rollout, e.g. after a
// provider-switch reset that preserves conversationProvider bookkeeping
// but not the handle itself).
func (s *Store) OpenExisting(sessionID string) (*Handle, error) {
	path := filepath.Join(s.dir, fileNameFor(sessionID))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open rollout file: %w", err)
	}
	return &Handle{path: path, file: f, writer: bufio.NewWriter(f), store: s}, nil
}

func (s *Store) touchIndex(fileName string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.Exec(`UPDATE rollouts SET updated_at=? WHERE file_name=?`, now, fileName)
	return err
}

// List enumerates all known rollouts, most recently updated first.
func (s *Store) List() ([]string, error) {
	rows, err := s.db.Query(`SELECT session_id FROM rollouts ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list rollouts: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// LoadLatest returns the most recently updated rollout, or ok=false if the
// store is empty.
func (s *Store) LoadLatest() (*Record, bool, error) {
	ids, err := s.List()
	if err != nil || len(ids) == 0 {
		return nil, false, err
	}
	rec, err := s.LoadBySessionID(ids[0])
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

// LoadBySessionID loads a rollout by its session id.
func (s *Store) LoadBySessionID(sessionID string) (*Record, error) {
	return LoadPath(filepath.Join(s.dir, fileNameFor(sessionID)))
}

// LoadPath loads a rollout directly from a file path, for callers that
// already have one. List returns session ids, not paths; LoadBySessionID
// maps an id to its file inside the store's directory.
func LoadPath(path string) (*Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open rollout %q: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	rec := &Record{Path: path}
	first := true
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if first {
			first = false
			if err := json.Unmarshal(line, &rec.Header); err != nil {
				return nil, fmt.Errorf("parse rollout header: %w", err)
			}
			continue
		}
		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			return nil, fmt.Errorf("parse rollout entry: %w", err)
		}
		rec.Entries = append(rec.Entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan rollout %q: %w", path, err)
	}
	return rec, nil
}
