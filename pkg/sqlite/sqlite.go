// Package sqlite implements storage.Engine on SQLite, storing upload content
// as fixed-size chunk rows.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"resumable/pkg/storage"
	"resumable/pkg/upload"

	_ "github.com/tursodatabase/libsql-client-go/libsql"
	_ "modernc.org/sqlite"
)

const (
	// DefaultChunkSize is the size of every chunk row but the last.
	DefaultChunkSize = 256 * 1024
	// batchSize bounds how much content one insert transaction carries.
	batchSize = 5 * 1024 * 1024
)

// Config defines how the SQLite storage should be initialized.
type Config struct {
	// Source is the DSN/connection string, e.g. file:uploads.db?cache=shared.
	Source string
	// Driver name registered with database/sql: "sqlite" (default) or "libsql".
	Driver string
	// Prefix of the files and chunks tables. Defaults to "uploads".
	Prefix string
	// ChunkSize of new uploads. Defaults to DefaultChunkSize.
	ChunkSize int64
	// DB lets callers supply an existing *sql.DB connection.
	DB *sql.DB
}

// Storage satisfies storage.Engine using a files table and a chunks table.
type Storage struct {
	db        *sql.DB
	files     string
	chunks    string
	chunkSize int64
	ownsDB    bool
	now       func() time.Time
}

// Init configures the storage and ensures the backing tables exist.
func (s *Storage) Init(ctx context.Context, param any) error {
	cfg, ok := param.(Config)
	if !ok {
		if p, ok := param.(*Config); ok && p != nil {
			cfg = *p
		} else {
			return fmt.Errorf("sqlite: unexpected config type %T", param)
		}
	}

	if cfg.Driver == "" {
		cfg.Driver = "sqlite"
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "uploads"
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.Source == "" && cfg.DB == nil {
		return errors.New("sqlite: Source is required")
	}

	prefix, err := sanitizeName(cfg.Prefix)
	if err != nil {
		return err
	}
	s.files = prefix + "_files"
	s.chunks = prefix + "_chunks"
	s.chunkSize = cfg.ChunkSize
	s.now = time.Now

	if cfg.DB != nil {
		s.db = cfg.DB
	} else {
		db, err := sql.Open(cfg.Driver, cfg.Source)
		if err != nil {
			return fmt.Errorf("sqlite: open database: %w", err)
		}
		s.db = db
		s.ownsDB = true
	}

	for _, stmt := range []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			uid TEXT PRIMARY KEY,
			length INTEGER NOT NULL DEFAULT 0,
			chunk_size INTEGER NOT NULL,
			upload_date INTEGER NOT NULL,
			info TEXT NOT NULL
		)`, s.files),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_upload_date ON %s (upload_date)`, s.files, s.files),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			uid TEXT NOT NULL,
			n INTEGER NOT NULL,
			data BLOB NOT NULL,
			PRIMARY KEY (uid, n)
		)`, s.chunks),
	} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite: create tables: %w", err)
		}
	}

	return nil
}

// Close releases the DB connection when owned by the storage.
func (s *Storage) Close(_ context.Context) error {
	if s.db != nil && s.ownsDB {
		return s.db.Close()
	}
	return nil
}

func (s *Storage) Create(ctx context.Context, uid string, info *upload.Info) error {
	if err := s.ensureDB(); err != nil {
		return err
	}

	infoJSON, err := encodeInfo(info)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`INSERT INTO %s (uid, length, chunk_size, upload_date, info) VALUES (?, 0, ?, ?, ?)
		ON CONFLICT(uid) DO UPDATE SET info=excluded.info, upload_date=excluded.upload_date`, s.files)
	if _, err := s.db.ExecContext(ctx, query, uid, s.chunkSize, s.now().UnixNano(), infoJSON); err != nil {
		return fmt.Errorf("sqlite: create upload: %w", err)
	}
	return nil
}

type fileRow struct {
	uid       string
	length    int64
	chunkSize int64
}

func (f fileRow) chunkCount() int64 {
	return (f.length + f.chunkSize - 1) / f.chunkSize
}

func (s *Storage) file(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}, uid string) (fileRow, error) {
	row := fileRow{uid: uid}
	query := fmt.Sprintf(`SELECT length, chunk_size FROM %s WHERE uid = ?`, s.files)
	err := q.QueryRowContext(ctx, query, uid).Scan(&row.length, &row.chunkSize)
	if errors.Is(err, sql.ErrNoRows) {
		return row, storage.ErrNotFound
	}
	if err != nil {
		return row, fmt.Errorf("sqlite: read upload: %w", err)
	}
	return row, nil
}

// Concatenate moves the chunks of every part under uid inside one transaction.
// Parts whose content fills their chunks exactly are re-pointed, otherwise
// the content is re-chunked.
func (s *Storage) Concatenate(ctx context.Context, uid string, partUIDs []string, info *upload.Info) (int64, error) {
	if err := s.ensureDB(); err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite: begin: %w", err)
	}
	defer tx.Rollback()

	parts := make([]fileRow, 0, len(partUIDs))
	var total int64
	for _, part := range partUIDs {
		row, err := s.file(ctx, tx, part)
		if errors.Is(err, storage.ErrNotFound) {
			return 0, storage.ErrMissingParts
		}
		if err != nil {
			return 0, err
		}
		parts = append(parts, row)
		total += row.length
	}

	infoJSON, err := encodeInfo(info)
	if err != nil {
		return 0, err
	}
	insert := fmt.Sprintf(`INSERT OR REPLACE INTO %s (uid, length, chunk_size, upload_date, info) VALUES (?, ?, ?, ?, ?)`, s.files)
	if _, err := tx.ExecContext(ctx, insert, uid, total, s.chunkSize, s.now().UnixNano(), infoJSON); err != nil {
		return 0, fmt.Errorf("sqlite: create upload: %w", err)
	}

	if s.alignedParts(parts) {
		err = s.repointChunks(ctx, tx, uid, parts)
	} else {
		err = s.rechunk(ctx, tx, uid, parts)
	}
	if err != nil {
		return 0, err
	}

	for _, part := range parts {
		if err := s.deleteTx(ctx, tx, part.uid); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlite: commit: %w", err)
	}
	return total, nil
}

// alignedParts reports whether the chunk rows of parts can be moved as they
// are. A part listed twice has to be copied.
func (s *Storage) alignedParts(parts []fileRow) bool {
	seen := make(map[string]bool, len(parts))
	for i, part := range parts {
		if part.chunkSize != s.chunkSize || seen[part.uid] {
			return false
		}
		seen[part.uid] = true
		if i < len(parts)-1 && part.length%part.chunkSize != 0 {
			return false
		}
	}
	return true
}

func (s *Storage) repointChunks(ctx context.Context, tx *sql.Tx, uid string, parts []fileRow) error {
	query := fmt.Sprintf(`UPDATE %s SET uid = ?, n = n + ? WHERE uid = ?`, s.chunks)
	var offset int64
	for _, part := range parts {
		if _, err := tx.ExecContext(ctx, query, uid, offset, part.uid); err != nil {
			return fmt.Errorf("sqlite: move chunks: %w", err)
		}
		offset += part.chunkCount()
	}
	return nil
}

func (s *Storage) rechunk(ctx context.Context, tx *sql.Tx, uid string, parts []fileRow) error {
	selectChunk := fmt.Sprintf(`SELECT data FROM %s WHERE uid = ? AND n = ?`, s.chunks)
	insert := fmt.Sprintf(`INSERT INTO %s (uid, n, data) VALUES (?, ?, ?)`, s.chunks)

	var (
		buf []byte
		n   int64
	)
	flush := func(full bool) error {
		for int64(len(buf)) >= s.chunkSize || (!full && len(buf) > 0) {
			size := min(int64(len(buf)), s.chunkSize)
			if _, err := tx.ExecContext(ctx, insert, uid, n, buf[:size]); err != nil {
				return fmt.Errorf("sqlite: write chunk: %w", err)
			}
			buf = buf[size:]
			n++
		}
		return nil
	}

	for _, part := range parts {
		for i := int64(0); i < part.chunkCount(); i++ {
			var data []byte
			if err := tx.QueryRowContext(ctx, selectChunk, part.uid, i).Scan(&data); err != nil {
				return fmt.Errorf("sqlite: read chunk %d of %s: %w", i, part.uid, err)
			}
			buf = append(buf, data...)
			if err := flush(true); err != nil {
				return err
			}
		}
	}
	return flush(false)
}

// Patch tops up the last partial chunk, then appends full chunks in batches.
// Each batch is committed on its own so a dropped connection keeps what
// already arrived.
func (s *Storage) Patch(ctx context.Context, uid string, r io.Reader, _ *upload.Info) (int64, error) {
	if err := s.ensureDB(); err != nil {
		return 0, err
	}

	row, err := s.file(ctx, s.db, uid)
	if err != nil {
		return 0, err
	}

	var saved int64
	if rem := row.length % row.chunkSize; rem != 0 {
		n, eof, err := s.patchLastChunk(ctx, row, r, row.chunkSize-rem)
		saved += n
		if err != nil || eof {
			return saved, err
		}
	}

	next := (row.length + saved) / row.chunkSize
	perBatch := int((batchSize + row.chunkSize - 1) / row.chunkSize)
	for {
		chunks, eof, readErr := readChunks(r, row.chunkSize, perBatch)
		if len(chunks) > 0 {
			n, err := s.insertChunks(ctx, uid, next, chunks)
			if err != nil {
				return saved, err
			}
			saved += n
			next += int64(len(chunks))
		}
		if readErr != nil {
			return saved, readErr
		}
		if eof {
			return saved, nil
		}
	}
}

func (s *Storage) patchLastChunk(ctx context.Context, row fileRow, r io.Reader, need int64) (int64, bool, error) {
	patch := make([]byte, need)
	n, eof, err := readFull(r, patch)
	if n == 0 {
		return 0, eof, err
	}

	tx, txErr := s.db.BeginTx(ctx, nil)
	if txErr != nil {
		return 0, false, fmt.Errorf("sqlite: begin: %w", txErr)
	}
	defer tx.Rollback()

	last := row.length / row.chunkSize
	var data []byte
	selectChunk := fmt.Sprintf(`SELECT data FROM %s WHERE uid = ? AND n = ?`, s.chunks)
	if err := tx.QueryRowContext(ctx, selectChunk, row.uid, last).Scan(&data); err != nil {
		return 0, false, fmt.Errorf("sqlite: read last chunk: %w", err)
	}
	data = append(data, patch[:n]...)

	update := fmt.Sprintf(`UPDATE %s SET data = ? WHERE uid = ? AND n = ?`, s.chunks)
	if _, err := tx.ExecContext(ctx, update, data, row.uid, last); err != nil {
		return 0, false, fmt.Errorf("sqlite: update last chunk: %w", err)
	}
	if err := s.growTx(ctx, tx, row.uid, int64(n)); err != nil {
		return 0, false, err
	}
	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("sqlite: commit: %w", err)
	}
	return int64(n), eof || int64(n) < need, err
}

func (s *Storage) insertChunks(ctx context.Context, uid string, first int64, chunks [][]byte) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite: begin: %w", err)
	}
	defer tx.Rollback()

	insert := fmt.Sprintf(`INSERT INTO %s (uid, n, data) VALUES (?, ?, ?)`, s.chunks)
	var size int64
	for i, data := range chunks {
		if _, err := tx.ExecContext(ctx, insert, uid, first+int64(i), data); err != nil {
			return 0, fmt.Errorf("sqlite: insert chunk: %w", err)
		}
		size += int64(len(data))
	}
	if err := s.growTx(ctx, tx, uid, size); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlite: commit: %w", err)
	}
	return size, nil
}

func (s *Storage) growTx(ctx context.Context, tx *sql.Tx, uid string, n int64) error {
	query := fmt.Sprintf(`UPDATE %s SET length = length + ?, upload_date = ? WHERE uid = ?`, s.files)
	res, err := tx.ExecContext(ctx, query, n, s.now().UnixNano(), uid)
	if err != nil {
		return fmt.Errorf("sqlite: update length: %w", err)
	}
	if rows, err := res.RowsAffected(); err == nil && rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Storage) ReadInfo(ctx context.Context, uid string) (*upload.Info, error) {
	if err := s.ensureDB(); err != nil {
		return nil, err
	}

	var raw string
	query := fmt.Sprintf(`SELECT info FROM %s WHERE uid = ?`, s.files)
	err := s.db.QueryRowContext(ctx, query, uid).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: read info: %w", err)
	}

	var info upload.Info
	if err := json.Unmarshal([]byte(raw), &info); err != nil {
		return nil, fmt.Errorf("sqlite: decode info: %w", err)
	}
	return &info, nil
}

func (s *Storage) UpdateInfo(ctx context.Context, uid string, info *upload.Info) error {
	if err := s.ensureDB(); err != nil {
		return err
	}

	infoJSON, err := encodeInfo(info)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`UPDATE %s SET info = ?, upload_date = ? WHERE uid = ?`, s.files)
	res, err := s.db.ExecContext(ctx, query, infoJSON, s.now().UnixNano(), uid)
	if err != nil {
		return fmt.Errorf("sqlite: update info: %w", err)
	}
	if rows, err := res.RowsAffected(); err == nil && rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// Get streams the chunks covering rng, trimming the first and last one to the
// requested bytes.
func (s *Storage) Get(ctx context.Context, uid string, _ *upload.Info, rng *storage.Range) (*storage.Response, error) {
	if err := s.ensureDB(); err != nil {
		return nil, err
	}

	row, err := s.file(ctx, s.db, uid)
	if err != nil {
		return nil, err
	}
	if rng == nil {
		if row.length == 0 {
			return &storage.Response{ReadCloser: io.NopCloser(strings.NewReader(""))}, nil
		}
		rng = &storage.Range{Start: 0, End: row.length - 1}
	}

	first, last := rng.Start/row.chunkSize, rng.End/row.chunkSize
	query := fmt.Sprintf(`SELECT n, data FROM %s WHERE uid = ? AND n BETWEEN ? AND ? ORDER BY n`, s.chunks)
	rows, err := s.db.QueryContext(ctx, query, uid, first, last)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query chunks: %w", err)
	}

	return &storage.Response{
		Length: rng.Len(),
		ReadCloser: &chunkReader{
			rows:      rows,
			rng:       *rng,
			chunkSize: row.chunkSize,
			first:     first,
			last:      last,
		},
	}, nil
}

type chunkReader struct {
	rows        *sql.Rows
	rng         storage.Range
	chunkSize   int64
	first, last int64
	buf         []byte
}

func (c *chunkReader) Read(p []byte) (int, error) {
	for len(c.buf) == 0 {
		if !c.rows.Next() {
			if err := c.rows.Err(); err != nil {
				return 0, fmt.Errorf("sqlite: read chunks: %w", err)
			}
			return 0, io.EOF
		}

		var (
			n    int64
			data []byte
		)
		if err := c.rows.Scan(&n, &data); err != nil {
			return 0, fmt.Errorf("sqlite: scan chunk: %w", err)
		}

		start, stop := int64(0), int64(len(data))
		if n == c.first {
			start = c.rng.Start % c.chunkSize
		}
		if n == c.last {
			stop = min(stop, c.rng.End%c.chunkSize+1)
		}
		if start < stop {
			c.buf = data[start:stop]
		}
	}

	n := copy(p, c.buf)
	c.buf = c.buf[n:]
	return n, nil
}

func (c *chunkReader) Close() error {
	return c.rows.Close()
}

func (s *Storage) Delete(ctx context.Context, uid string, _ *upload.Info) error {
	if err := s.ensureDB(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer tx.Rollback()

	if err := s.deleteTx(ctx, tx, uid); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}

func (s *Storage) deleteTx(ctx context.Context, tx *sql.Tx, uid string) error {
	for _, table := range []string{s.chunks, s.files} {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE uid = ?`, table), uid); err != nil {
			return fmt.Errorf("sqlite: delete upload: %w", err)
		}
	}
	return nil
}

// Expire removes uploads whose upload_date is at or before cutoff.
func (s *Storage) Expire(ctx context.Context, cutoff time.Time) error {
	if err := s.ensureDB(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer tx.Rollback()

	ts := cutoff.UnixNano()
	deleteChunks := fmt.Sprintf(`DELETE FROM %s WHERE uid IN (SELECT uid FROM %s WHERE upload_date <= ?)`, s.chunks, s.files)
	if _, err := tx.ExecContext(ctx, deleteChunks, ts); err != nil {
		return fmt.Errorf("sqlite: expire chunks: %w", err)
	}
	deleteFiles := fmt.Sprintf(`DELETE FROM %s WHERE upload_date <= ?`, s.files)
	if _, err := tx.ExecContext(ctx, deleteFiles, ts); err != nil {
		return fmt.Errorf("sqlite: expire uploads: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}

func (s *Storage) ensureDB() error {
	if s.db == nil {
		return errors.New("sqlite: storage not initialized")
	}
	return nil
}

// readChunks reads up to count chunks of size bytes. eof is set once r is
// exhausted.
func readChunks(r io.Reader, size int64, count int) ([][]byte, bool, error) {
	var chunks [][]byte
	for len(chunks) < count {
		buf := make([]byte, size)
		n, eof, err := readFull(r, buf)
		if n > 0 {
			chunks = append(chunks, buf[:n])
		}
		if err != nil || eof || int64(n) < size {
			return chunks, true, err
		}
	}
	return chunks, false, nil
}

func readFull(r io.Reader, buf []byte) (int, bool, error) {
	n, err := io.ReadFull(r, buf)
	switch {
	case err == nil:
		return n, false, nil
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return n, true, nil
	}
	return n, true, err
}

func encodeInfo(info *upload.Info) (string, error) {
	if info == nil {
		info = &upload.Info{}
	}
	b, err := json.Marshal(info)
	if err != nil {
		return "", fmt.Errorf("sqlite: encode info: %w", err)
	}
	return string(b), nil
}

var namePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func sanitizeName(name string) (string, error) {
	if !namePattern.MatchString(name) {
		return "", fmt.Errorf("sqlite: invalid table prefix %q", name)
	}
	return name, nil
}

// Ensure Storage implements the Engine interface.
var _ storage.Engine = (*Storage)(nil)
