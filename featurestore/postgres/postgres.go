// Package postgres provides a PostgreSQL implementation of featurestore.Store.
// It uses pgx/v5 for connection pooling and stores every numeric field as a
// bytea blob in the shared featurestore encoding.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hupe1980/vistore/featurestore"
	"github.com/hupe1980/vistore/model"
)

// Store is a PostgreSQL-backed feature store.
type Store struct {
	featurestore.Writes

	pool   *pgxpool.Pool
	opts   featurestore.Options
	mu     sync.Mutex // serialises writers
	closed atomic.Bool
}

// Ensure Store implements featurestore.Store at compile time.
var _ featurestore.Store = (*Store)(nil)

// New connects to PostgreSQL. If MigrateOnStart is true, schema migrations
// are applied automatically. Only the compression, logger and metrics
// options apply to this backend.
func New(ctx context.Context, cfg Config, optFns ...featurestore.Option) (*Store, error) {
	cfg.defaults()

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing DSN: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	s := &Store{pool: pool, opts: featurestore.ApplyOptions(optFns...)}
	s.Writes = featurestore.Writes{Updater: s}

	if cfg.MigrateOnStart {
		if err := s.migrate(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("running migrations: %w", err)
		}
	}
	if err := s.checkCompression(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) checkCompression(ctx context.Context) error {
	want := s.opts.Compression.String()
	if _, err := s.pool.Exec(ctx,
		"INSERT INTO store_settings (key, value) VALUES ('compression', $1) ON CONFLICT (key) DO NOTHING",
		want,
	); err != nil {
		return &featurestore.StoreIOError{Op: "open", Err: err}
	}
	var got string
	if err := s.pool.QueryRow(ctx, "SELECT value FROM store_settings WHERE key = 'compression'").Scan(&got); err != nil {
		return &featurestore.StoreIOError{Op: "open", Err: err}
	}
	if got != want {
		return fmt.Errorf("%w: store uses %s, opened with %s", featurestore.ErrCompressionMismatch, got, want)
	}
	return nil
}

// Update runs fn in one PostgreSQL transaction.
func (s *Store) Update(ctx context.Context, fn func(featurestore.Tx) error) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return featurestore.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	start := time.Now()
	ptx := &pgTx{ctx: ctx, c: s.opts.Compression}
	defer func() {
		s.opts.Metrics.OnCommit("postgres", ptx.rows, time.Since(start), err)
	}()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return wrap("begin", err)
	}
	// Rollback after Commit is a no-op.
	defer tx.Rollback(context.Background())
	ptx.tx = tx

	if err := fn(ptx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return wrap("update", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrap("commit", err)
	}
	return nil
}

func wrap(op string, err error) error {
	var sio *featurestore.StoreIOError
	if errors.As(err, &sio) {
		return err
	}
	return &featurestore.StoreIOError{Op: op, Err: err}
}

func (s *Store) readErr(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return featurestore.ErrNotFound
	}
	if errors.Is(err, featurestore.ErrCorrupt) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return wrap(op, err)
}

func (s *Store) blob(v []byte) (model.Matrix, error) {
	raw, err := s.opts.Compression.Decompress(v)
	if err != nil {
		return model.Matrix{}, err
	}
	return featurestore.DecodeMatrix(raw)
}

func (s *Store) checkOpen(ctx context.Context) error {
	if s.closed.Load() {
		return featurestore.ErrClosed
	}
	return ctx.Err()
}

// GetMeta implements featurestore.Reader.
func (s *Store) GetMeta(ctx context.Context, id int64) (model.Meta, error) {
	if err := s.checkOpen(ctx); err != nil {
		return model.Meta{}, err
	}
	var (
		path             string
		intrinsics, pose []byte
	)
	err := s.pool.QueryRow(ctx, "SELECT path, intrinsics, pose FROM images WHERE id = $1", id).
		Scan(&path, &intrinsics, &pose)
	if err != nil {
		return model.Meta{}, s.readErr("get meta", err)
	}

	meta := model.Meta{ID: id, Path: path}
	im, err := s.blob(intrinsics)
	if err == nil {
		meta.Intrinsics, err = featurestore.IntrinsicsFromMatrix(im)
	}
	if err != nil {
		return model.Meta{}, err
	}
	pm, err := s.blob(pose)
	if err == nil {
		meta.Pose, err = featurestore.PoseFromMatrix(pm)
	}
	if err != nil {
		return model.Meta{}, err
	}
	return meta, nil
}

// GetDescriptors implements featurestore.Reader.
func (s *Store) GetDescriptors(ctx context.Context, id int64) (model.Features, error) {
	if err := s.checkOpen(ctx); err != nil {
		return model.Features{}, err
	}
	var kpBlob, descBlob []byte
	err := s.pool.QueryRow(ctx, "SELECT keypoints, descriptors FROM descriptors WHERE id = $1", id).
		Scan(&kpBlob, &descBlob)
	if err != nil {
		return model.Features{}, s.readErr("get descriptors", err)
	}

	km, err := s.blob(kpBlob)
	if err != nil {
		return model.Features{}, err
	}
	kps, err := featurestore.KeypointsFromMatrix(km)
	if err != nil {
		return model.Features{}, err
	}
	desc, err := s.blob(descBlob)
	if err != nil {
		return model.Features{}, err
	}
	return model.Features{Keypoints: kps, Descriptors: desc}, nil
}

// GetSignature implements featurestore.Reader.
func (s *Store) GetSignature(ctx context.Context, id int64) (model.Signature, error) {
	if err := s.checkOpen(ctx); err != nil {
		return nil, err
	}
	var v []byte
	if err := s.pool.QueryRow(ctx, "SELECT signature FROM signatures WHERE id = $1", id).Scan(&v); err != nil {
		return nil, s.readErr("get signature", err)
	}
	m, err := s.blob(v)
	if err != nil {
		return nil, err
	}
	return featurestore.SignatureFromMatrix(m)
}

// GetEmbedding implements featurestore.Reader.
func (s *Store) GetEmbedding(ctx context.Context, id int64) ([]float32, error) {
	if err := s.checkOpen(ctx); err != nil {
		return nil, err
	}
	var v []byte
	if err := s.pool.QueryRow(ctx, "SELECT embedding FROM embeddings WHERE id = $1", id).Scan(&v); err != nil {
		return nil, s.readErr("get embedding", err)
	}
	m, err := s.blob(v)
	if err != nil {
		return nil, err
	}
	return featurestore.EmbeddingFromMatrix(m)
}

// FindIDByPath implements featurestore.Reader.
func (s *Store) FindIDByPath(ctx context.Context, path string) (int64, bool, error) {
	if err := s.checkOpen(ctx); err != nil {
		return 0, false, err
	}
	var id int64
	err := s.pool.QueryRow(ctx, "SELECT id FROM images WHERE path = $1", path).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, s.readErr("find", err)
	}
	return id, true, nil
}

// ListIDs implements featurestore.Reader.
func (s *Store) ListIDs(ctx context.Context) (*roaring64.Bitmap, error) {
	return s.listIDs(ctx, "SELECT id FROM images")
}

// ListSignatureIDs implements featurestore.Reader.
func (s *Store) ListSignatureIDs(ctx context.Context) (*roaring64.Bitmap, error) {
	return s.listIDs(ctx, "SELECT id FROM signatures")
}

func (s *Store) listIDs(ctx context.Context, query string) (*roaring64.Bitmap, error) {
	if err := s.checkOpen(ctx); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, s.readErr("list", err)
	}
	defer rows.Close()

	ids := roaring64.New()
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, s.readErr("list", err)
		}
		ids.Add(uint64(id))
	}
	if err := rows.Err(); err != nil {
		return nil, s.readErr("list", err)
	}
	return ids, nil
}

// NextID implements featurestore.Reader.
func (s *Store) NextID(ctx context.Context) (int64, error) {
	if err := s.checkOpen(ctx); err != nil {
		return 0, err
	}
	var next int64
	if err := s.pool.QueryRow(ctx, "SELECT COALESCE(MAX(id) + 1, 0) FROM images").Scan(&next); err != nil {
		return 0, s.readErr("next id", err)
	}
	return next, nil
}

// StreamSignatures implements featurestore.Reader. Rows are fetched from
// the server as the cursor advances.
func (s *Store) StreamSignatures(ctx context.Context, visit func(id int64, sig model.Signature) bool) error {
	return s.stream(ctx, "SELECT id, signature FROM signatures ORDER BY id", func(id int64, m model.Matrix) (bool, error) {
		sig, err := featurestore.SignatureFromMatrix(m)
		if err != nil {
			return false, err
		}
		return visit(id, sig), nil
	})
}

// StreamEmbeddings implements featurestore.Reader.
func (s *Store) StreamEmbeddings(ctx context.Context, visit func(id int64, vec []float32) bool) error {
	return s.stream(ctx, "SELECT id, embedding FROM embeddings ORDER BY id", func(id int64, m model.Matrix) (bool, error) {
		vec, err := featurestore.EmbeddingFromMatrix(m)
		if err != nil {
			return false, err
		}
		return visit(id, vec), nil
	})
}

func (s *Store) stream(ctx context.Context, query string, fn func(id int64, m model.Matrix) (bool, error)) error {
	if err := s.checkOpen(ctx); err != nil {
		return err
	}
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return s.readErr("scan", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id int64
			v  []byte
		)
		if err := rows.Scan(&id, &v); err != nil {
			return s.readErr("scan", err)
		}
		m, err := s.blob(v)
		if err != nil {
			return err
		}
		cont, err := fn(id, m)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return s.readErr("scan", err)
	}
	return nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pool.Close()
	return nil
}

type pgTx struct {
	ctx  context.Context
	tx   pgx.Tx
	c    featurestore.Compression
	rows int
}

func (t *pgTx) blob(m model.Matrix) ([]byte, error) {
	v, err := featurestore.EncodeMatrix(m)
	if err != nil {
		return nil, err
	}
	return t.c.Compress(v)
}

func (t *pgTx) exec(sql string, args ...any) error {
	_, err := t.tx.Exec(t.ctx, sql, args...)
	return err
}

func (t *pgTx) PutMeta(meta model.Meta) error {
	if err := featurestore.ValidateMeta(meta); err != nil {
		return err
	}

	var owner int64
	err := t.tx.QueryRow(t.ctx, "SELECT id FROM images WHERE path = $1", meta.Path).Scan(&owner)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return err
	case owner != meta.ID:
		for _, table := range []string{"images", "descriptors", "signatures", "embeddings"} {
			if err := t.exec("DELETE FROM "+table+" WHERE id = $1", owner); err != nil {
				return err
			}
		}
	}

	intrinsics, err := t.blob(featurestore.IntrinsicsMatrix(meta.Intrinsics))
	if err != nil {
		return err
	}
	pose, err := t.blob(featurestore.PoseMatrix(meta.Pose))
	if err != nil {
		return err
	}
	t.rows++
	return t.exec(`
		INSERT INTO images (id, path, intrinsics, pose) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET path = EXCLUDED.path, intrinsics = EXCLUDED.intrinsics, pose = EXCLUDED.pose
	`, meta.ID, meta.Path, intrinsics, pose)
}

func (t *pgTx) PutDescriptors(id int64, f model.Features) error {
	if err := featurestore.ValidateFeatures(id, f); err != nil {
		return err
	}
	kps, err := t.blob(featurestore.KeypointsMatrix(f.Keypoints))
	if err != nil {
		return err
	}
	desc, err := t.blob(f.Descriptors)
	if err != nil {
		return err
	}
	for _, table := range []string{"signatures", "embeddings"} {
		if err := t.exec("DELETE FROM "+table+" WHERE id = $1", id); err != nil {
			return err
		}
	}
	t.rows++
	return t.exec(`
		INSERT INTO descriptors (id, keypoints, descriptors) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET keypoints = EXCLUDED.keypoints, descriptors = EXCLUDED.descriptors
	`, id, kps, desc)
}

func (t *pgTx) PutSignature(id int64, sig model.Signature) error {
	if id < 0 {
		return fmt.Errorf("%w: negative id", featurestore.ErrInvalidArgument)
	}
	v, err := t.blob(featurestore.SignatureMatrix(sig))
	if err != nil {
		return err
	}
	t.rows++
	return t.exec(`
		INSERT INTO signatures (id, signature) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET signature = EXCLUDED.signature
	`, id, v)
}

func (t *pgTx) PutEmbedding(id int64, vec []float32) error {
	if id < 0 {
		return fmt.Errorf("%w: negative id", featurestore.ErrInvalidArgument)
	}
	v, err := t.blob(featurestore.EmbeddingMatrix(vec))
	if err != nil {
		return err
	}
	t.rows++
	return t.exec(`
		INSERT INTO embeddings (id, embedding) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET embedding = EXCLUDED.embedding
	`, id, v)
}
