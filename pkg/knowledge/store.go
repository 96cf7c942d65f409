package knowledge

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	"github.com/harun/ctxlab/internal/observability"
	"github.com/harun/ctxlab/internal/tracing"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

func init() {
	// Auto-register sqlite-vec extension
	sqlite_vec.Auto()
}

// ErrSyncInProgress is returned by Sync while another sync is running.
var ErrSyncInProgress = errors.New("knowledge sync already in progress")

var indexedExtensions = map[string]bool{
	".md":       true,
	".markdown": true,
	".txt":      true,
}

// IsIndexable reports whether a file name has an indexed extension.
func IsIndexable(name string) bool {
	return indexedExtensions[strings.ToLower(filepath.Ext(name))]
}

// Config holds knowledge store configuration
type Config struct {
	// Sources are files or directories to index.
	Sources []string
	DBPath  string
	// Embedder enables vector search. Nil means keyword search only.
	Embedder Embedder
	// Watch reindexes sources on file changes.
	Watch bool
	// OnChange is called after a watched change marked the index dirty.
	OnChange func()
	Logger   zerolog.Logger
}

// Status represents the current state of the knowledge store
type Status struct {
	TotalFiles            int        `json:"total_files"`
	TotalChunks           int        `json:"total_chunks"`
	IsDirty               bool       `json:"is_dirty"`
	IsSyncing             bool       `json:"is_syncing"`
	VectorSearch          bool       `json:"vector_search"`
	FullTextVersion       int        `json:"full_text_version"`
	EmbeddingCacheHitRate *float64   `json:"embedding_cache_hit_rate,omitempty"`
	LastSyncTime          *time.Time `json:"last_sync_time,omitempty"`
}

// SyncReport summarizes one sync.
type SyncReport struct {
	FilesIndexed  int           `json:"files_indexed"`
	FilesSkipped  int           `json:"files_skipped"`
	FilesPruned   int           `json:"files_pruned"`
	ChunksCreated int           `json:"chunks_created"`
	Duration      time.Duration `json:"duration"`
}

// Store indexes local documents into SQLite and searches them by keyword
// (full-text) and, when an embedder is configured, by vector similarity.
type Store struct {
	db       *sql.DB
	sources  []string
	logger   zerolog.Logger
	embedder Embedder
	watcher  *Watcher

	// ftsVersion is 5 when the driver was built with FTS5, 4 otherwise.
	ftsVersion int
	vector     bool

	mu           sync.RWMutex
	isDirty      bool
	isSyncing    bool
	lastSyncTime *time.Time
	stats        struct {
		cacheHits   int
		cacheMisses int
	}
}

// NewStore opens (or creates) the knowledge database.
func NewStore(cfg Config) (*Store, error) {
	observability.EnsureRegistered()

	if cfg.DBPath == "" {
		return nil, errors.New("database path is required")
	}
	if dir := filepath.Dir(cfg.DBPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", cfg.DBPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	sources := make([]string, 0, len(cfg.Sources))
	for _, src := range cfg.Sources {
		abs, err := filepath.Abs(src)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("invalid source %q: %w", src, err)
		}
		sources = append(sources, abs)
	}

	s := &Store{
		db:       db,
		sources:  sources,
		logger:   cfg.Logger.With().Str("component", "knowledge").Logger(),
		embedder: cfg.Embedder,
		isDirty:  true,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if cfg.Watch && len(sources) > 0 {
		watcher, err := NewWatcher(s.logger, func() {
			s.MarkDirty()
			if cfg.OnChange != nil {
				cfg.OnChange()
			}
		})
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create file watcher: %w", err)
		}
		for _, src := range sources {
			if err := watcher.WatchTree(src); err != nil {
				s.logger.Warn().Err(err).Str("source", src).Msg("Cannot watch knowledge source")
			}
		}
		s.watcher = watcher
	}

	s.logger.Info().
		Int("sources", len(sources)).
		Int("fts", s.ftsVersion).
		Bool("vector", s.vector).
		Msg("Knowledge store initialized")
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS files (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			path TEXT NOT NULL UNIQUE,
			content_hash TEXT NOT NULL,
			indexed_at INTEGER NOT NULL,
			size_bytes INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_files_hash ON files(content_hash);

		CREATE TABLE IF NOT EXISTS chunks (
			id TEXT PRIMARY KEY,
			file_id INTEGER NOT NULL,
			content TEXT NOT NULL,
			heading TEXT,
			start_offset INTEGER NOT NULL,
			end_offset INTEGER NOT NULL,
			start_line INTEGER,
			end_line INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_chunks_file ON chunks(file_id);

		CREATE TABLE IF NOT EXISTS embedding_cache (
			content_hash TEXT NOT NULL,
			model_dimension INTEGER NOT NULL,
			embedding BLOB NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (content_hash, model_dimension)
		);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	_, err := s.db.Exec(`CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
		chunk_id UNINDEXED,
		content,
		tokenize='porter unicode61'
	)`)
	switch {
	case err == nil:
		s.ftsVersion = 5
	case strings.Contains(err.Error(), "no such module"):
		// Drivers built without the sqlite_fts5 tag still ship FTS4.
		if _, err := s.db.Exec(`CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts4(
			chunk_id, content, notindexed=chunk_id, tokenize=porter
		)`); err != nil {
			return fmt.Errorf("failed to create full-text table: %w", err)
		}
		s.ftsVersion = 4
	default:
		return fmt.Errorf("failed to create full-text table: %w", err)
	}

	if s.embedder != nil {
		_, err := s.db.Exec(fmt.Sprintf(`
			CREATE VIRTUAL TABLE IF NOT EXISTS embeddings USING vec0(
				chunk_id TEXT PRIMARY KEY,
				embedding float[%d] distance_metric=cosine
			)`, s.embedder.Dimension()))
		if err != nil {
			s.logger.Warn().Err(err).Msg("Vector table unavailable, using keyword search only")
		} else {
			s.vector = true
		}
	}

	return nil
}

// Sources returns the absolute source paths.
func (s *Store) Sources() []string {
	return append([]string(nil), s.sources...)
}

// Sync indexes every source, skipping files whose content hash did not
// change, and prunes files that disappeared.
func (s *Store) Sync(ctx context.Context) (SyncReport, error) {
	ctx, span := tracing.StartSpan(ctx, "knowledge.sync")
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, s.logger)

	s.mu.Lock()
	if s.isSyncing {
		s.mu.Unlock()
		span.SetStatus(codes.Error, ErrSyncInProgress.Error())
		return SyncReport{}, ErrSyncInProgress
	}
	s.isSyncing = true
	s.isDirty = false
	s.mu.Unlock()

	start := time.Now()
	report := SyncReport{}

	defer func() {
		s.mu.Lock()
		s.isSyncing = false
		now := time.Now()
		s.lastSyncTime = &now
		s.mu.Unlock()
		observability.RecordKnowledgeSync(time.Since(start))
	}()

	files, err := s.collectFiles()
	if err != nil {
		s.MarkDirty()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return report, err
	}

	for _, path := range files {
		if err := ctx.Err(); err != nil {
			s.MarkDirty()
			return report, err
		}
		indexed, chunks, err := s.indexFile(ctx, path)
		if err != nil {
			logger.Warn().Err(err).Str("file", path).Msg("Failed to index file")
			span.RecordError(err)
			continue
		}
		if indexed {
			report.FilesIndexed++
			report.ChunksCreated += chunks
		} else {
			report.FilesSkipped++
		}
	}

	pruned, err := s.pruneDeletedFiles(ctx, files)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to prune deleted files")
		span.RecordError(err)
	}
	report.FilesPruned = pruned
	report.Duration = time.Since(start)

	span.SetAttributes(
		attribute.Int("files_indexed", report.FilesIndexed),
		attribute.Int("files_pruned", report.FilesPruned),
	)
	logger.Info().
		Int("files_indexed", report.FilesIndexed).
		Int("files_skipped", report.FilesSkipped).
		Int("chunks_created", report.ChunksCreated).
		Int("files_pruned", report.FilesPruned).
		Dur("duration", report.Duration).
		Msg("Sync completed")

	observability.SetKnowledgeChunks(s.Status().TotalChunks)
	return report, nil
}

func (s *Store) collectFiles() ([]string, error) {
	seen := map[string]bool{}
	var files []string

	for _, src := range s.sources {
		info, err := os.Stat(src)
		if err != nil {
			if os.IsNotExist(err) {
				s.logger.Warn().Str("source", src).Msg("Knowledge source does not exist")
				continue
			}
			return nil, err
		}

		if !info.IsDir() {
			if IsIndexable(src) && !seen[src] {
				seen[src] = true
				files = append(files, src)
			}
			continue
		}

		err = filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if path != src && strings.HasPrefix(d.Name(), ".") {
					return filepath.SkipDir
				}
				return nil
			}
			if IsIndexable(d.Name()) && !seen[path] {
				seen[path] = true
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk %s: %w", src, err)
		}
	}
	return files, nil
}

func (s *Store) indexFile(ctx context.Context, path string) (bool, int, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return false, 0, err
	}

	hash := sha256.Sum256(content)
	contentHash := hex.EncodeToString(hash[:])

	var existingHash string
	err = s.db.QueryRowContext(ctx, "SELECT content_hash FROM files WHERE path = ?", path).Scan(&existingHash)
	if err == nil && existingHash == contentHash {
		return false, 0, nil
	}

	chunks := ChunkText(string(content))

	var vectors [][]float32
	if s.vector {
		texts := make([]string, len(chunks))
		for i, c := range chunks {
			texts[i] = c.Content
		}
		vectors, err = s.embedAll(ctx, texts)
		if err != nil {
			// Keyword search still works for this file.
			s.logger.Warn().Err(err).Str("file", path).Msg("Failed to embed chunks")
			vectors = nil
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, 0, err
	}
	defer tx.Rollback()

	if err := s.deleteFile(ctx, tx, path); err != nil {
		return false, 0, err
	}

	result, err := tx.ExecContext(ctx,
		"INSERT INTO files (path, content_hash, indexed_at, size_bytes) VALUES (?, ?, ?, ?)",
		path, contentHash, time.Now().Unix(), len(content),
	)
	if err != nil {
		return false, 0, err
	}
	fileID, err := result.LastInsertId()
	if err != nil {
		return false, 0, err
	}

	for i, chunk := range chunks {
		chunkID := fmt.Sprintf("%s#%d", path, i)

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chunks (id, file_id, content, heading, start_offset, end_offset, start_line, end_line)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			chunkID, fileID, chunk.Content, chunk.Heading, chunk.StartOffset, chunk.EndOffset, chunk.StartLine, chunk.EndLine,
		); err != nil {
			return false, 0, err
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO chunks_fts (chunk_id, content) VALUES (?, ?)",
			chunkID, chunk.Content,
		); err != nil {
			return false, 0, err
		}

		if vectors != nil {
			blob, err := sqlite_vec.SerializeFloat32(vectors[i])
			if err != nil {
				return false, 0, fmt.Errorf("failed to serialize embedding: %w", err)
			}
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO embeddings (chunk_id, embedding) VALUES (?, ?)",
				chunkID, blob,
			); err != nil {
				return false, 0, fmt.Errorf("failed to store embedding: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return false, 0, err
	}
	return true, len(chunks), nil
}

// embedAll returns vectors for texts, reusing cached embeddings by content
// hash and embedding the misses in one batch.
func (s *Store) embedAll(ctx context.Context, texts []string) ([][]float32, error) {
	dim := s.embedder.Dimension()
	vectors := make([][]float32, len(texts))
	hashes := make([]string, len(texts))
	var missing []int

	for i, text := range texts {
		sum := sha256.Sum256([]byte(text))
		hashes[i] = hex.EncodeToString(sum[:])

		var cached []byte
		err := s.db.QueryRowContext(ctx,
			"SELECT embedding FROM embedding_cache WHERE content_hash = ? AND model_dimension = ?",
			hashes[i], dim,
		).Scan(&cached)
		if err == nil && json.Unmarshal(cached, &vectors[i]) == nil {
			s.countCache(true)
			continue
		}
		s.countCache(false)
		missing = append(missing, i)
	}

	if len(missing) == 0 {
		return vectors, nil
	}

	batch := make([]string, len(missing))
	for j, i := range missing {
		batch[j] = texts[i]
	}
	embedded, err := s.embedder.Embed(ctx, batch)
	if err != nil {
		return nil, err
	}
	if len(embedded) != len(batch) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(embedded), len(batch))
	}

	for j, i := range missing {
		vectors[i] = embedded[j]
		data, err := json.Marshal(embedded[j])
		if err != nil {
			return nil, fmt.Errorf("failed to marshal embedding: %w", err)
		}
		if _, err := s.db.ExecContext(ctx,
			"INSERT OR REPLACE INTO embedding_cache (content_hash, model_dimension, embedding, created_at) VALUES (?, ?, ?, ?)",
			hashes[i], dim, data, time.Now().Unix(),
		); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to cache embedding")
		}
	}
	return vectors, nil
}

func (s *Store) countCache(hit bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if hit {
		s.stats.cacheHits++
	} else {
		s.stats.cacheMisses++
	}
}

// deleteFile removes a file and every row derived from it.
func (s *Store) deleteFile(ctx context.Context, tx *sql.Tx, path string) error {
	var fileID int64
	err := tx.QueryRowContext(ctx, "SELECT id FROM files WHERE path = ?", path).Scan(&fileID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}

	rows, err := tx.QueryContext(ctx, "SELECT id FROM chunks WHERE file_id = ?", fileID)
	if err != nil {
		return err
	}
	var chunkIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		chunkIDs = append(chunkIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, id := range chunkIDs {
		if _, err := tx.ExecContext(ctx, "DELETE FROM chunks_fts WHERE chunk_id = ?", id); err != nil {
			return err
		}
		if s.vector {
			if _, err := tx.ExecContext(ctx, "DELETE FROM embeddings WHERE chunk_id = ?", id); err != nil {
				return err
			}
		}
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM chunks WHERE file_id = ?", fileID); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, "DELETE FROM files WHERE id = ?", fileID)
	return err
}

func (s *Store) pruneDeletedFiles(ctx context.Context, existing []string) (int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT path FROM files")
	if err != nil {
		return 0, err
	}

	keep := make(map[string]bool, len(existing))
	for _, f := range existing {
		keep[f] = true
	}

	var stale []string
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			rows.Close()
			return 0, err
		}
		if !keep[path] {
			stale = append(stale, path)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, path := range stale {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return 0, err
		}
		if err := s.deleteFile(ctx, tx, path); err != nil {
			tx.Rollback()
			return 0, err
		}
		if err := tx.Commit(); err != nil {
			return 0, err
		}
	}
	return len(stale), nil
}

// Status returns current knowledge store status
func (s *Store) Status() Status {
	s.mu.RLock()
	status := Status{
		IsDirty:         s.isDirty,
		IsSyncing:       s.isSyncing,
		LastSyncTime:    s.lastSyncTime,
		VectorSearch:    s.vector,
		FullTextVersion: s.ftsVersion,
	}
	total := s.stats.cacheHits + s.stats.cacheMisses
	if total > 0 {
		rate := float64(s.stats.cacheHits) / float64(total)
		status.EmbeddingCacheHitRate = &rate
	}
	s.mu.RUnlock()

	s.db.QueryRow("SELECT COUNT(*) FROM files").Scan(&status.TotalFiles)
	s.db.QueryRow("SELECT COUNT(*) FROM chunks").Scan(&status.TotalChunks)
	return status
}

// MarkDirty marks the index as needing sync
func (s *Store) MarkDirty() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isDirty = true
}

// Close closes the knowledge store
func (s *Store) Close() error {
	if s.watcher != nil {
		s.watcher.Stop()
	}
	return s.db.Close()
}
