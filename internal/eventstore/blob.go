package eventstore

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// maybeBlobify moves payload into content-addressed blob storage when it
// exceeds truncationThreshold. It returns the blob id (empty if payload was
// kept inline) and the bytes that should actually be written to the event's
// payload column.
func (s *Store) maybeBlobify(ctx context.Context, tx *sql.Tx, payload []byte) (blobID string, inline []byte, err error) {
	if len(payload) <= truncationThreshold {
		return "", payload, nil
	}

	sum := sha256.Sum256(payload)
	digest := hex.EncodeToString(sum[:])

	var existing string
	err = tx.QueryRowContext(ctx, `SELECT id FROM blobs WHERE sha256 = ?`, digest).Scan(&existing)
	switch {
	case err == nil:
		if _, err := tx.ExecContext(ctx, `UPDATE blobs SET ref_count = ref_count + 1 WHERE id = ?`, existing); err != nil {
			return "", nil, fmt.Errorf("%w: bump blob ref: %v", ErrWriteFailed, err)
		}
		return existing, nil, nil
	case err == sql.ErrNoRows:
		id := uuid.NewString()
		_, err := tx.ExecContext(ctx, `
			INSERT INTO blobs (id, sha256, bytes, mime_type, original_size, compressed_size, ref_count)
			VALUES (?, ?, ?, 'application/json', ?, ?, 1)`,
			id, digest, payload, len(payload), len(payload),
		)
		if err != nil {
			return "", nil, fmt.Errorf("%w: insert blob: %v", ErrWriteFailed, err)
		}
		return id, nil, nil
	default:
		return "", nil, fmt.Errorf("%w: lookup blob: %v", ErrWriteFailed, err)
	}
}

// GetBlob fetches a blob's bytes by id, for callers resolving a
// TruncatedPayload marker back to its original content.
func (s *Store) GetBlob(ctx context.Context, id string) ([]byte, error) {
	if s.closed {
		return nil, ErrStoreUnavailable
	}
	var b []byte
	err := s.db.QueryRowContext(ctx, `SELECT bytes FROM blobs WHERE id = ?`, id).Scan(&b)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return b, err
}

// DeleteUnreferencedBlobs removes every blob row whose ref_count has
// reached zero and returns the number removed. Append and Delete keep
// ref_count exact as they run, so under normal operation this sweep finds
// nothing; it exists as a backstop against ref_count drift (e.g. a crash
// between decrementing and deleting, per §3.3's "offline sweep").
func (s *Store) DeleteUnreferencedBlobs(ctx context.Context) (int64, error) {
	if s.closed {
		return 0, ErrStoreUnavailable
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM blobs WHERE ref_count <= 0`)
	if err != nil {
		return 0, fmt.Errorf("%w: sweep blobs: %v", ErrWriteFailed, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}
