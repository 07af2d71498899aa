package meta

import (
	"context"
	"errors"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// MigrateToBolt copies records from src into a Bolt-backed store and rebuilds
// the reference counts from the columns named by attrs. Pending removals are
// carried over. The caller is responsible for closing the returned store.
func MigrateToBolt(ctx context.Context, src Store, cfg BoltConfig, attrs []string) (*BoltStore, error) {
	dst, err := NewBoltStore(cfg)
	if err != nil {
		return nil, err
	}
	refs := make(map[string]int)
	err = src.ForEach(ctx, func(rec Record) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := dst.Put(ctx, rec); err != nil {
			return fmt.Errorf("migrate: write %s: %w", rec.ID, err)
		}
		for _, attr := range attrs {
			if ref := rec.Column(attr); ref != "" {
				refs[ref]++
			}
		}
		return nil
	})
	if err != nil {
		dst.Close()
		return nil, err
	}
	pending, err := src.ListZeroRef(ctx, 0)
	if err != nil {
		dst.Close()
		return nil, fmt.Errorf("migrate: list pending: %w", err)
	}
	if err := dst.resetRefs(refs, pending); err != nil {
		dst.Close()
		return nil, err
	}
	return dst, nil
}

func (b *BoltStore) resetRefs(refs map[string]int, pending []string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketRefs, bucketGCQueue} {
			if err := tx.DeleteBucket(name); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
				return err
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}
		refsBucket := tx.Bucket(bucketRefs)
		for ref, n := range refs {
			if err := refsBucket.Put([]byte(ref), encodeInt(n)); err != nil {
				return err
			}
		}
		queue := tx.Bucket(bucketGCQueue)
		for _, ref := range pending {
			if refs[ref] > 0 {
				continue
			}
			if err := queue.Put([]byte(ref), []byte{}); err != nil {
				return err
			}
		}
		return nil
	})
}
