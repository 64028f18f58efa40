package featurestore

import (
	"context"
	"errors"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/hupe1980/vistore/model"
)

// Reader is the read side of a feature store. Implementations are safe for
// concurrent use, including while a write transaction is open.
type Reader interface {
	// GetMeta returns the metadata row of id or ErrNotFound.
	GetMeta(ctx context.Context, id int64) (model.Meta, error)
	// GetDescriptors returns the keypoints and descriptors of id or ErrNotFound.
	GetDescriptors(ctx context.Context, id int64) (model.Features, error)
	// GetSignature returns the bag-of-words signature of id or ErrNotFound.
	GetSignature(ctx context.Context, id int64) (model.Signature, error)
	// GetEmbedding returns the dense embedding of id or ErrNotFound.
	GetEmbedding(ctx context.Context, id int64) ([]float32, error)

	// ListIDs returns the ids of all metadata rows.
	ListIDs(ctx context.Context) (*roaring64.Bitmap, error)
	// ListSignatureIDs returns the ids that have a signature.
	ListSignatureIDs(ctx context.Context) (*roaring64.Bitmap, error)
	// FindIDByPath looks up the id owning path.
	FindIDByPath(ctx context.Context, path string) (id int64, found bool, err error)
	// NextID returns one past the largest id in use, or 0 for an empty store.
	NextID(ctx context.Context) (int64, error)

	// StreamSignatures visits every signature in ascending id order without
	// materialising the relation. Iteration stops when visit returns false.
	StreamSignatures(ctx context.Context, visit func(id int64, sig model.Signature) bool) error
	// StreamEmbeddings is StreamSignatures for the embedding relation.
	StreamEmbeddings(ctx context.Context, visit func(id int64, vec []float32) bool) error
}

// Tx stages writes inside one atomic transaction. Every Put is an upsert
// keyed by id.
type Tx interface {
	// PutMeta upserts a metadata row. If the path belongs to another id,
	// that row is replaced: its rows in all four relations are removed.
	PutMeta(meta model.Meta) error
	PutDescriptors(id int64, features model.Features) error
	PutSignature(id int64, sig model.Signature) error
	PutEmbedding(id int64, vec []float32) error
}

// Updater runs fn inside a write transaction. If fn returns an error, the
// commit fails, or ctx is cancelled before the commit, nothing is applied.
type Updater interface {
	Update(ctx context.Context, fn func(Tx) error) error
}

// Store is a durable feature store: four relations (metadata, descriptors,
// signatures, embeddings) co-indexed by image id, with a unique path on the
// metadata relation. Writes are serialised: at most one write transaction
// is open at a time.
type Store interface {
	Reader
	Updater

	PutMeta(ctx context.Context, meta model.Meta) error
	PutDescriptors(ctx context.Context, id int64, features model.Features) error
	PutSignature(ctx context.Context, id int64, sig model.Signature) error
	PutEmbedding(ctx context.Context, id int64, vec []float32) error

	PutMetaBatch(ctx context.Context, rows []model.Meta) error
	PutSignatureBatch(ctx context.Context, rows []SignatureRow) error
	PutEmbeddingBatch(ctx context.Context, rows []EmbeddingRow) error

	Close() error
}

// SignatureRow is one row of a signature batch.
type SignatureRow struct {
	ID        int64
	Signature model.Signature
}

// EmbeddingRow is one row of an embedding batch.
type EmbeddingRow struct {
	ID        int64
	Embedding []float32
}

// Writes implements the single-row and batch helpers of Store on top of an
// Updater. Backends embed it.
type Writes struct {
	Updater Updater
}

func (w Writes) PutMeta(ctx context.Context, meta model.Meta) error {
	return w.Updater.Update(ctx, func(tx Tx) error { return tx.PutMeta(meta) })
}

func (w Writes) PutDescriptors(ctx context.Context, id int64, features model.Features) error {
	return w.Updater.Update(ctx, func(tx Tx) error { return tx.PutDescriptors(id, features) })
}

func (w Writes) PutSignature(ctx context.Context, id int64, sig model.Signature) error {
	return w.Updater.Update(ctx, func(tx Tx) error { return tx.PutSignature(id, sig) })
}

func (w Writes) PutEmbedding(ctx context.Context, id int64, vec []float32) error {
	return w.Updater.Update(ctx, func(tx Tx) error { return tx.PutEmbedding(id, vec) })
}

// PutMetaBatch upserts all rows in one transaction.
func (w Writes) PutMetaBatch(ctx context.Context, rows []model.Meta) error {
	return w.Updater.Update(ctx, func(tx Tx) error {
		for _, r := range rows {
			if err := tx.PutMeta(r); err != nil {
				return err
			}
		}
		return nil
	})
}

// PutSignatureBatch upserts all rows in one transaction.
func (w Writes) PutSignatureBatch(ctx context.Context, rows []SignatureRow) error {
	return w.Updater.Update(ctx, func(tx Tx) error {
		for _, r := range rows {
			if err := tx.PutSignature(r.ID, r.Signature); err != nil {
				return err
			}
		}
		return nil
	})
}

// PutEmbeddingBatch upserts all rows in one transaction.
func (w Writes) PutEmbeddingBatch(ctx context.Context, rows []EmbeddingRow) error {
	return w.Updater.Update(ctx, func(tx Tx) error {
		for _, r := range rows {
			if err := tx.PutEmbedding(r.ID, r.Embedding); err != nil {
				return err
			}
		}
		return nil
	})
}

// ValidateMeta checks a metadata row before it is staged.
func ValidateMeta(meta model.Meta) error {
	if meta.ID < 0 {
		return errors.Join(ErrInvalidArgument, errors.New("negative id"))
	}
	if meta.Path == "" {
		return errors.Join(ErrInvalidArgument, errors.New("empty path"))
	}
	return nil
}

// ValidateFeatures checks a descriptor row before it is staged.
func ValidateFeatures(id int64, f model.Features) error {
	if id < 0 {
		return errors.Join(ErrInvalidArgument, errors.New("negative id"))
	}
	if err := f.Descriptors.Validate(); err != nil {
		return errors.Join(ErrInvalidArgument, err)
	}
	if len(f.Keypoints) != f.Descriptors.Rows {
		return errors.Join(ErrInvalidArgument, errors.New("keypoint and descriptor counts differ"))
	}
	return nil
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
