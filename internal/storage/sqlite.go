package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lensisku/lexiassist/internal/embedding"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps the lexicon database: languages, definitions and their embeddings.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "lexiassist.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the handle for the similarity searcher, which reads the same tables.
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		// Check if already applied.
		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Languages ---

// UpsertLanguage inserts a language or updates its tag and name.
func (s *Store) UpsertLanguage(ctx context.Context, l Language) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO languages (id, tag, real_name) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET tag = excluded.tag, real_name = excluded.real_name`,
		l.ID, l.Tag, l.RealName,
	)
	return err
}

func (s *Store) ListLanguages(ctx context.Context) ([]Language, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, tag, real_name FROM languages ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var langs []Language
	for rows.Next() {
		var l Language
		if err := rows.Scan(&l.ID, &l.Tag, &l.RealName); err != nil {
			return nil, err
		}
		langs = append(langs, l)
	}
	return langs, rows.Err()
}

// --- Definitions ---

// SaveDefinitions inserts or updates definitions in one transaction. A zero ID
// allocates a new row. When the word or text of an existing row changes its
// embedding is cleared so the backfill worker recomputes it.
func (s *Store) SaveDefinitions(ctx context.Context, defs []Definition) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning save transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO definitions (id, word, source_langid, langid, definition, notes, selmaho, jargon, score, created_at)
		VALUES (NULLIF(?, 0), ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			embedding = CASE WHEN definitions.word = excluded.word AND definitions.definition = excluded.definition
				THEN definitions.embedding ELSE NULL END,
			embedded_at = CASE WHEN definitions.word = excluded.word AND definitions.definition = excluded.definition
				THEN definitions.embedded_at ELSE NULL END,
			embed_failures = CASE WHEN definitions.word = excluded.word AND definitions.definition = excluded.definition
				THEN definitions.embed_failures ELSE 0 END,
			embed_error = CASE WHEN definitions.word = excluded.word AND definitions.definition = excluded.definition
				THEN definitions.embed_error ELSE '' END,
			word = excluded.word,
			source_langid = excluded.source_langid,
			langid = excluded.langid,
			definition = excluded.definition,
			notes = excluded.notes,
			selmaho = excluded.selmaho,
			jargon = excluded.jargon,
			score = excluded.score`)
	if err != nil {
		return 0, fmt.Errorf("preparing upsert statement: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339)
	for _, d := range defs {
		if strings.TrimSpace(d.Word) == "" {
			return 0, fmt.Errorf("definition %d has no word", d.ID)
		}
		src := d.SourceLangID
		if src == 0 {
			src = LojbanLangID
		}
		if _, err := stmt.ExecContext(ctx, d.ID, d.Word, src, d.LangID, d.Text, d.Notes, d.Selmaho, d.Jargon, d.Score, now); err != nil {
			return 0, fmt.Errorf("saving definition %q: %w", d.Word, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing definitions: %w", err)
	}
	return len(defs), nil
}

func (s *Store) GetDefinition(ctx context.Context, id int64) (Definition, error) {
	var d Definition
	var blob []byte
	var embeddedAt sql.NullString
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, word, source_langid, langid, definition, notes, selmaho, jargon, score, embedding, embedded_at, created_at
		FROM definitions WHERE id = ?`, id,
	).Scan(&d.ID, &d.Word, &d.SourceLangID, &d.LangID, &d.Text, &d.Notes, &d.Selmaho, &d.Jargon, &d.Score, &blob, &embeddedAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Definition{}, ErrNotFound
	}
	if err != nil {
		return Definition{}, err
	}
	if blob != nil {
		if d.Embedding, err = embedding.DecodeVector(blob); err != nil {
			return Definition{}, fmt.Errorf("decoding embedding for %d: %w", id, err)
		}
	}
	if embeddedAt.Valid {
		if d.EmbeddedAt, err = time.Parse(time.RFC3339, embeddedAt.String); err != nil {
			return Definition{}, fmt.Errorf("parsing embedded_at: %w", err)
		}
	}
	if d.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Definition{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return d, nil
}

// MaxEmbedFailures is how many failed attempts a definition gets before
// ListUnembedded stops returning it. Editing its word or text resets the count.
const MaxEmbedFailures = 3

// ListUnembedded returns up to limit definitions without an embedding. Rows
// that never failed come first, oldest first, so one bad row cannot hold back
// the rest. Only the fields needed to build the embedding text are filled.
func (s *Store) ListUnembedded(ctx context.Context, limit int) ([]Definition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, word, definition FROM definitions
		WHERE embedding IS NULL AND embed_failures < ?
		ORDER BY embed_failures ASC, id ASC LIMIT ?`, MaxEmbedFailures, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []Definition
	for rows.Next() {
		var d Definition
		if err := rows.Scan(&d.ID, &d.Word, &d.Text); err != nil {
			return nil, err
		}
		defs = append(defs, d)
	}
	return defs, rows.Err()
}

// SetEmbedding stores the vector for definition id.
func (s *Store) SetEmbedding(ctx context.Context, id int64, vec []float32) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE definitions SET embedding = ?, embedded_at = ?, embed_failures = 0, embed_error = ''
		WHERE id = ?`,
		embedding.EncodeVector(vec), time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// MarkEmbedFailed records a failed embedding attempt for definition id.
func (s *Store) MarkEmbedFailed(ctx context.Context, id int64, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE definitions SET embed_failures = embed_failures + 1, embed_error = ?
		WHERE id = ?`, reason, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Stats counts definitions and how many of them have embeddings.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(embedding),
			COALESCE(SUM(CASE WHEN embedding IS NULL AND embed_failures >= ? THEN 1 ELSE 0 END), 0)
		FROM definitions`, MaxEmbedFailures,
	).Scan(&st.Definitions, &st.Embedded, &st.Failed)
	return st, err
}
