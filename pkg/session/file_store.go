package session

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harun/ctxlab/internal/observability"
	"github.com/harun/ctxlab/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const maxLineSize = 16 * 1024 * 1024

// fileEntry is one JSONL line. The first line of a file is a header with
// CreatedAt set; every other line carries a Turn.
type fileEntry struct {
	SessionID string     `json:"session_id"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
	Turn      *Turn      `json:"turn,omitempty"`
}

// FileStore persists each session as an append-only JSONL file.
type FileStore struct {
	dir        string
	writeLocks map[string]*sync.Mutex
	lastStamp  map[string]time.Time
	locksMu    sync.Mutex
}

// NewFileStore creates the directory if needed and returns a store rooted there.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("sessions directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, &StorageError{Op: "init", Err: err}
	}

	fsStore := &FileStore{
		dir:        dir,
		writeLocks: make(map[string]*sync.Mutex),
		lastStamp:  make(map[string]time.Time),
	}

	log.Info().Str("dir", dir).Msg("Session file store initialized")
	fsStore.updateActiveSessionsMetric()

	return fsStore, nil
}

func (f *FileStore) path(id string) string {
	return filepath.Join(f.dir, id+".jsonl")
}

func (f *FileStore) lock(id string) *sync.Mutex {
	f.locksMu.Lock()
	defer f.locksMu.Unlock()

	if l, ok := f.writeLocks[id]; ok {
		return l
	}
	l := &sync.Mutex{}
	f.writeLocks[id] = l
	return l
}

func (f *FileStore) updateActiveSessionsMetric() {
	ids, err := f.List(context.Background())
	if err != nil {
		return
	}
	observability.SetActiveSessions(len(ids))
}

func startSpan(ctx context.Context, name, id string) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.WithSessionID(ctx, id)
	return tracing.StartSpan(ctx, name, attribute.String("session_id", id))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func (f *FileStore) Ensure(ctx context.Context, id string) (*Session, error) {
	ctx, span := startSpan(ctx, "session.ensure", id)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	if err := ValidateID(id); err != nil {
		return nil, fail(span, err)
	}

	l := f.lock(id)
	l.Lock()
	defer l.Unlock()

	file, err := os.OpenFile(f.path(id), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	switch {
	case err == nil:
		now := time.Now()
		writeErr := writeEntry(file, fileEntry{SessionID: id, CreatedAt: &now})
		closeErr := file.Close()
		if writeErr == nil {
			writeErr = closeErr
		}
		if writeErr != nil {
			return nil, fail(span, &StorageError{Op: "create", ID: id, Err: writeErr})
		}
		f.updateActiveSessionsMetric()
		logger.Info().Msg("Session created")
		return &Session{ID: id, CreatedAt: now}, nil
	case errors.Is(err, fs.ErrExist):
		sess, err := f.load(id)
		if err != nil {
			return nil, fail(span, err)
		}
		return sess, nil
	default:
		return nil, fail(span, &StorageError{Op: "create", ID: id, Err: err})
	}
}

func (f *FileStore) AppendTurn(ctx context.Context, id string, turn Turn) error {
	ctx, span := startSpan(ctx, "session.append_turn", id)
	defer span.End()
	span.SetAttributes(attribute.String("role", string(turn.Role)))
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	start := time.Now()
	defer func() {
		observability.RecordSessionSave(time.Since(start))
	}()

	if err := ValidateID(id); err != nil {
		return fail(span, err)
	}
	if err := validateTurn(turn); err != nil {
		return fail(span, err)
	}

	l := f.lock(id)
	l.Lock()
	defer l.Unlock()

	file, err := os.OpenFile(f.path(id), os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fail(span, &NotFoundError{ID: id})
		}
		return fail(span, &StorageError{Op: "append", ID: id, Err: err})
	}
	defer file.Close()

	last, err := f.lastTimestamp(id)
	if err != nil {
		return fail(span, err)
	}
	turn = stamp(turn, last)

	if err := writeEntry(file, fileEntry{SessionID: id, Turn: &turn}); err != nil {
		return fail(span, &StorageError{Op: "append", ID: id, Err: err})
	}
	if err := file.Sync(); err != nil {
		return fail(span, &StorageError{Op: "sync", ID: id, Err: err})
	}

	f.locksMu.Lock()
	f.lastStamp[id] = turn.Timestamp
	f.locksMu.Unlock()

	logger.Debug().Str("role", string(turn.Role)).Msg("Turn appended")
	return nil
}

// lastTimestamp must be called with the session's write lock held.
func (f *FileStore) lastTimestamp(id string) (time.Time, error) {
	f.locksMu.Lock()
	ts, ok := f.lastStamp[id]
	f.locksMu.Unlock()
	if ok {
		return ts, nil
	}

	sess, err := f.load(id)
	if err != nil {
		return time.Time{}, err
	}
	if n := len(sess.Turns); n > 0 {
		ts = sess.Turns[n-1].Timestamp
	}
	return ts, nil
}

func (f *FileStore) Get(ctx context.Context, id string) (*Session, error) {
	_, span := startSpan(ctx, "session.get", id)
	defer span.End()

	if err := ValidateID(id); err != nil {
		return nil, fail(span, err)
	}

	sess, err := f.load(id)
	if err != nil {
		return nil, fail(span, err)
	}
	return sess, nil
}

func (f *FileStore) load(id string) (*Session, error) {
	file, err := os.Open(f.path(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &NotFoundError{ID: id}
		}
		return nil, &StorageError{Op: "load", ID: id, Err: err}
	}
	defer file.Close()

	sess := &Session{ID: id}
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var entry fileEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			log.Warn().Str("session_id", id).Int("line", lineNum).Err(err).Msg("Failed to parse line, skipping")
			continue
		}

		switch {
		case entry.CreatedAt != nil:
			sess.CreatedAt = *entry.CreatedAt
		case entry.Turn != nil && validateTurn(*entry.Turn) == nil:
			sess.Turns = append(sess.Turns, *entry.Turn)
		default:
			log.Warn().Str("session_id", id).Int("line", lineNum).Msg("Invalid entry, skipping")
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, &StorageError{Op: "load", ID: id, Err: err}
	}

	return sess, nil
}

// Clear rewrites the file with only its header.
func (f *FileStore) Clear(ctx context.Context, id string) error {
	ctx, span := startSpan(ctx, "session.clear", id)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	if err := ValidateID(id); err != nil {
		return fail(span, err)
	}

	l := f.lock(id)
	l.Lock()
	defer l.Unlock()

	sess, err := f.load(id)
	if err != nil {
		return fail(span, err)
	}

	path := f.path(id)
	tmp := path + ".tmp"
	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fail(span, &StorageError{Op: "clear", ID: id, Err: err})
	}
	created := sess.CreatedAt
	if err := writeEntry(file, fileEntry{SessionID: id, CreatedAt: &created}); err != nil {
		file.Close()
		os.Remove(tmp)
		return fail(span, &StorageError{Op: "clear", ID: id, Err: err})
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return fail(span, &StorageError{Op: "clear", ID: id, Err: err})
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fail(span, &StorageError{Op: "clear", ID: id, Err: err})
	}

	f.locksMu.Lock()
	delete(f.lastStamp, id)
	f.locksMu.Unlock()

	logger.Info().Int("turns", len(sess.Turns)).Msg("Session cleared")
	return nil
}

func (f *FileStore) Delete(ctx context.Context, id string) error {
	ctx, span := startSpan(ctx, "session.delete", id)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	if err := ValidateID(id); err != nil {
		return fail(span, err)
	}

	l := f.lock(id)
	l.Lock()
	defer l.Unlock()

	if err := os.Remove(f.path(id)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fail(span, &NotFoundError{ID: id})
		}
		return fail(span, &StorageError{Op: "delete", ID: id, Err: err})
	}

	f.locksMu.Lock()
	delete(f.lastStamp, id)
	f.locksMu.Unlock()

	f.updateActiveSessionsMetric()
	logger.Info().Msg("Session deleted")
	return nil
}

func (f *FileStore) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []string{}, nil
		}
		return nil, &StorageError{Op: "list", Err: err}
	}

	ids := []string{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".jsonl"))
	}
	sort.Strings(ids)
	return ids, nil
}

func writeEntry(file *os.File, entry fileEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}
	_, err = file.Write(append(data, '\n'))
	return err
}
