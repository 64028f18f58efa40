package featurestore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	badger "github.com/dgraph-io/badger/v4"

	"github.com/hupe1980/vistore/model"
)

// Key layout. Ids are big-endian so prefix iteration yields ascending ids.
var (
	metaPrefix      = []byte("m/")
	pathPrefix      = []byte("p/")
	featuresPrefix  = []byte("d/")
	signaturePrefix = []byte("s/")
	embeddingPrefix = []byte("e/")
	compressionKey  = []byte("sys/compression")
)

func idKey(prefix []byte, id int64) []byte {
	k := make([]byte, len(prefix)+8)
	copy(k, prefix)
	binary.BigEndian.PutUint64(k[len(prefix):], uint64(id))
	return k
}

func keyID(prefix, key []byte) (int64, error) {
	if len(key) != len(prefix)+8 {
		return 0, fmt.Errorf("%w: malformed key %q", ErrCorrupt, key)
	}
	return int64(binary.BigEndian.Uint64(key[len(prefix):])), nil
}

func pathKey(path string) []byte {
	return append(append(make([]byte, 0, len(pathPrefix)+len(path)), pathPrefix...), path...)
}

// Badger is a Store backed by BadgerDB v4. Readers use snapshot
// transactions and never block the writer.
type Badger struct {
	Writes

	db     *badger.DB
	opts   Options
	mu     sync.Mutex // serialises writers
	closed atomic.Bool
}

var _ Store = (*Badger)(nil)

// OpenBadger opens or creates a store in dir. dir is ignored with
// WithInMemory.
func OpenBadger(dir string, optFns ...Option) (*Badger, error) {
	opts := ApplyOptions(optFns...)
	if !opts.InMemory && dir == "" {
		return nil, fmt.Errorf("%w: directory is required for on-disk mode", ErrInvalidArgument)
	}

	if opts.InMemory {
		dir = ""
	}
	dbOpts := badger.DefaultOptions(dir).
		WithLogger(badgerLogger{l: opts.Logger}).
		WithSyncWrites(opts.SyncWrites)
	if opts.InMemory {
		dbOpts = dbOpts.WithInMemory(true)
	} else if opts.ValueThreshold > 0 {
		dbOpts = dbOpts.WithValueThreshold(opts.ValueThreshold)
	}

	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, ioError("open", err)
	}

	b := &Badger{db: db, opts: opts}
	b.Writes = Writes{Updater: b}

	if err := b.checkCompression(); err != nil {
		db.Close()
		return nil, err
	}

	opts.Logger.Debug("feature store opened",
		"backend", "badger",
		"dir", dir,
		"in_memory", opts.InMemory,
		"compression", opts.Compression.String(),
	)
	return b, nil
}

// checkCompression records the compression of a new store or verifies it
// against the recorded value.
func (b *Badger) checkCompression() error {
	return b.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(compressionKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return txn.Set(compressionKey, []byte{byte(b.opts.Compression)})
		}
		if err != nil {
			return ioError("open", err)
		}
		return item.Value(func(v []byte) error {
			if len(v) != 1 {
				return fmt.Errorf("%w: compression setting has %d bytes", ErrCorrupt, len(v))
			}
			if Compression(v[0]) != b.opts.Compression {
				return fmt.Errorf("%w: store uses %v, opened with %v", ErrCompressionMismatch, Compression(v[0]), b.opts.Compression)
			}
			return nil
		})
	})
}

// Update runs fn in a single badger read-write transaction.
func (b *Badger) Update(ctx context.Context, fn func(Tx) error) (err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	start := time.Now()
	tx := &badgerTx{txn: b.db.NewTransaction(true), c: b.opts.Compression}
	defer tx.txn.Discard()
	defer func() {
		b.opts.Metrics.OnCommit("badger", tx.rows, time.Since(start), err)
	}()

	if err := fn(tx); err != nil {
		return ioError("update", err)
	}
	// Cancellation before the commit rolls the whole transaction back.
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := tx.txn.Commit(); err != nil {
		return ioError("commit", err)
	}
	return nil
}

func (b *Badger) get(ctx context.Context, key []byte, decode func([]byte) error) error {
	if b.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			raw, err := b.opts.Compression.Decompress(v)
			if err != nil {
				return err
			}
			return decode(raw)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if errors.Is(err, ErrCorrupt) {
		return err
	}
	return ioError("get", err)
}

// GetMeta implements Reader.
func (b *Badger) GetMeta(ctx context.Context, id int64) (model.Meta, error) {
	var meta model.Meta
	err := b.get(ctx, idKey(metaPrefix, id), func(v []byte) (err error) {
		meta, err = DecodeMetaValue(id, v)
		return err
	})
	return meta, err
}

// GetDescriptors implements Reader.
func (b *Badger) GetDescriptors(ctx context.Context, id int64) (model.Features, error) {
	var f model.Features
	err := b.get(ctx, idKey(featuresPrefix, id), func(v []byte) (err error) {
		f, err = DecodeFeaturesValue(v)
		return err
	})
	return f, err
}

// GetSignature implements Reader.
func (b *Badger) GetSignature(ctx context.Context, id int64) (model.Signature, error) {
	var sig model.Signature
	err := b.get(ctx, idKey(signaturePrefix, id), func(v []byte) (err error) {
		sig, err = DecodeSignatureValue(v)
		return err
	})
	return sig, err
}

// GetEmbedding implements Reader.
func (b *Badger) GetEmbedding(ctx context.Context, id int64) ([]float32, error) {
	var vec []float32
	err := b.get(ctx, idKey(embeddingPrefix, id), func(v []byte) (err error) {
		vec, err = DecodeEmbeddingValue(v)
		return err
	})
	return vec, err
}

// FindIDByPath implements Reader.
func (b *Badger) FindIDByPath(ctx context.Context, path string) (int64, bool, error) {
	if b.closed.Load() {
		return 0, false, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	var id int64
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(pathKey(path))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			if len(v) != 8 {
				return fmt.Errorf("%w: malformed path index entry", ErrCorrupt)
			}
			id = int64(binary.BigEndian.Uint64(v))
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, ioError("find", err)
	}
	return id, true, nil
}

// ListIDs implements Reader.
func (b *Badger) ListIDs(ctx context.Context) (*roaring64.Bitmap, error) {
	return b.listIDs(ctx, metaPrefix)
}

// ListSignatureIDs implements Reader.
func (b *Badger) ListSignatureIDs(ctx context.Context) (*roaring64.Bitmap, error) {
	return b.listIDs(ctx, signaturePrefix)
}

func (b *Badger) listIDs(ctx context.Context, prefix []byte) (*roaring64.Bitmap, error) {
	ids := roaring64.New()
	err := b.scan(ctx, prefix, true, func(id int64, _ []byte) (bool, error) {
		ids.Add(uint64(id))
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// NextID implements Reader.
func (b *Badger) NextID(ctx context.Context) (int64, error) {
	ids, err := b.ListIDs(ctx)
	if err != nil {
		return 0, err
	}
	if ids.IsEmpty() {
		return 0, nil
	}
	return int64(ids.Maximum()) + 1, nil
}

// StreamSignatures implements Reader.
func (b *Badger) StreamSignatures(ctx context.Context, visit func(id int64, sig model.Signature) bool) error {
	return b.scan(ctx, signaturePrefix, false, func(id int64, v []byte) (bool, error) {
		sig, err := DecodeSignatureValue(v)
		if err != nil {
			return false, err
		}
		return visit(id, sig), nil
	})
}

// StreamEmbeddings implements Reader.
func (b *Badger) StreamEmbeddings(ctx context.Context, visit func(id int64, vec []float32) bool) error {
	return b.scan(ctx, embeddingPrefix, false, func(id int64, v []byte) (bool, error) {
		vec, err := DecodeEmbeddingValue(v)
		if err != nil {
			return false, err
		}
		return visit(id, vec), nil
	})
}

// scan iterates one relation in id order inside a read snapshot. With
// keysOnly the value passed to fn is nil.
func (b *Badger) scan(ctx context.Context, prefix []byte, keysOnly bool, fn func(id int64, value []byte) (bool, error)) error {
	if b.closed.Load() {
		return ErrClosed
	}
	err := b.db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.Prefix = prefix
		iterOpts.PrefetchValues = !keysOnly
		it := txn.NewIterator(iterOpts)
		defer it.Close()

		n := 0
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if n++; n%256 == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}
			item := it.Item()
			id, err := keyID(prefix, item.Key())
			if err != nil {
				return err
			}

			cont := true
			if keysOnly {
				cont, err = fn(id, nil)
			} else {
				err = item.Value(func(v []byte) error {
					raw, err := b.opts.Compression.Decompress(v)
					if err != nil {
						return err
					}
					cont, err = fn(id, raw)
					return err
				})
			}
			if err != nil {
				return err
			}
			if !cont {
				return nil
			}
		}
		return ctx.Err()
	})
	if err == nil || errors.Is(err, ErrCorrupt) {
		return err
	}
	return ioError("scan", err)
}

// Close releases the database. Further calls return ErrClosed.
func (b *Badger) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.db.Close()
}

type badgerTx struct {
	txn  *badger.Txn
	c    Compression
	rows int
}

func (t *badgerTx) set(key, value []byte) error {
	v, err := t.c.Compress(value)
	if err != nil {
		return err
	}
	t.rows++
	return t.txn.Set(key, v)
}

func (t *badgerTx) existingPath(id int64) (string, bool, error) {
	item, err := t.txn.Get(idKey(metaPrefix, id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	var path string
	err = item.Value(func(v []byte) error {
		raw, err := t.c.Decompress(v)
		if err != nil {
			return err
		}
		meta, err := DecodeMetaValue(id, raw)
		path = meta.Path
		return err
	})
	return path, err == nil, err
}

func (t *badgerTx) ownerOf(path string) (int64, bool, error) {
	item, err := t.txn.Get(pathKey(path))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	var id int64
	err = item.Value(func(v []byte) error {
		if len(v) != 8 {
			return fmt.Errorf("%w: malformed path index entry", ErrCorrupt)
		}
		id = int64(binary.BigEndian.Uint64(v))
		return nil
	})
	return id, err == nil, err
}

func (t *badgerTx) deleteRows(id int64) error {
	for _, prefix := range [][]byte{metaPrefix, featuresPrefix, signaturePrefix, embeddingPrefix} {
		if err := t.txn.Delete(idKey(prefix, id)); err != nil {
			return err
		}
	}
	return nil
}

func (t *badgerTx) PutMeta(meta model.Meta) error {
	if err := ValidateMeta(meta); err != nil {
		return err
	}

	owner, owned, err := t.ownerOf(meta.Path)
	if err != nil {
		return err
	}
	if owned && owner != meta.ID {
		if err := t.deleteRows(owner); err != nil {
			return err
		}
	}

	oldPath, exists, err := t.existingPath(meta.ID)
	if err != nil {
		return err
	}
	if exists && oldPath != meta.Path {
		if err := t.txn.Delete(pathKey(oldPath)); err != nil {
			return err
		}
	}

	value, err := EncodeMetaValue(meta)
	if err != nil {
		return err
	}
	if err := t.set(idKey(metaPrefix, meta.ID), value); err != nil {
		return err
	}
	var idBuf [8]byte
	binary.BigEndian.PutUint64(idBuf[:], uint64(meta.ID))
	return t.txn.Set(pathKey(meta.Path), idBuf[:])
}

func (t *badgerTx) PutDescriptors(id int64, f model.Features) error {
	if err := ValidateFeatures(id, f); err != nil {
		return err
	}
	value, err := EncodeFeaturesValue(f)
	if err != nil {
		return err
	}
	// Signature and embedding are derived from the descriptors.
	for _, prefix := range [][]byte{signaturePrefix, embeddingPrefix} {
		if err := t.txn.Delete(idKey(prefix, id)); err != nil {
			return err
		}
	}
	return t.set(idKey(featuresPrefix, id), value)
}

func (t *badgerTx) PutSignature(id int64, sig model.Signature) error {
	if id < 0 {
		return fmt.Errorf("%w: negative id", ErrInvalidArgument)
	}
	value, err := EncodeSignatureValue(sig)
	if err != nil {
		return err
	}
	return t.set(idKey(signaturePrefix, id), value)
}

func (t *badgerTx) PutEmbedding(id int64, vec []float32) error {
	if id < 0 {
		return fmt.Errorf("%w: negative id", ErrInvalidArgument)
	}
	value, err := EncodeEmbeddingValue(vec)
	if err != nil {
		return err
	}
	return t.set(idKey(embeddingPrefix, id), value)
}
