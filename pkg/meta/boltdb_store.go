package meta

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketRecords = []byte("records")
	bucketRefs    = []byte("refs")
	bucketGCQueue = []byte("gc_queue")
)

// BoltConfig configures the BoltDB-backed store.
type BoltConfig struct {
	Path    string
	NoSync  bool
	Timeout time.Duration
}

// BoltStore persists records in BoltDB.
type BoltStore struct {
	cfg BoltConfig
	db  *bolt.DB
}

// NewBoltStore initialises a Bolt-backed metadata store.
func NewBoltStore(cfg BoltConfig) (*BoltStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("boltdb: path is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 1 * time.Second
	}
	opts := bolt.Options{
		Timeout: cfg.Timeout,
		NoSync:  cfg.NoSync,
	}
	db, err := bolt.Open(cfg.Path, 0o600, &opts)
	if err != nil {
		return nil, fmt.Errorf("boltdb: open: %w", err)
	}
	store := &BoltStore{cfg: cfg, db: db}
	if err := store.init(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (b *BoltStore) init() error {
	return b.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketRecords, bucketRefs, bucketGCQueue} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("boltdb: create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
}

func (b *BoltStore) Get(ctx context.Context, id string) (Record, error) {
	var rec Record
	err := b.db.View(func(tx *bolt.Tx) error {
		var err error
		rec, err = getRecord(tx, id)
		return err
	})
	return rec, err
}

func (b *BoltStore) Put(ctx context.Context, rec Record) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return putRecord(tx, rec)
	})
}

func (b *BoltStore) Delete(ctx context.Context, id string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRecords).Delete([]byte(id))
	})
}

// ForEach loads every record before calling fn, so fn may write to the store.
func (b *BoltStore) ForEach(ctx context.Context, fn func(Record) error) error {
	var out []Record
	err := b.db.View(func(tx *bolt.Tx) error {
		var err error
		out, err = allRecords(tx)
		return err
	})
	if err != nil {
		return err
	}
	for _, rec := range out {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

func (b *BoltStore) IncRef(ctx context.Context, ref string, delta int) (int, error) {
	var refs int
	err := b.db.Update(func(tx *bolt.Tx) error {
		var err error
		refs, err = incRef(tx, ref, delta)
		return err
	})
	return refs, err
}

func (b *BoltStore) DecideGC(ctx context.Context, ref string, refs int) error {
	if refs > 0 {
		return nil
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketGCQueue).Put([]byte(ref), []byte{})
	})
}

func (b *BoltStore) ListZeroRef(ctx context.Context, limit int) ([]string, error) {
	var out []string
	err := b.db.View(func(tx *bolt.Tx) error {
		out = listZeroRef(tx, limit)
		return nil
	})
	return out, err
}

func (b *BoltStore) MarkGCComplete(ctx context.Context, ref string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketGCQueue).Delete([]byte(ref))
	})
}

func (b *BoltStore) Begin(ctx context.Context) (Txn, error) {
	tx, err := b.db.Begin(true)
	if err != nil {
		return nil, err
	}
	return &boltTxn{tx: tx}, nil
}

// Close releases the underlying BoltDB.
func (b *BoltStore) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

func getRecord(tx *bolt.Tx, id string) (Record, error) {
	data := tx.Bucket(bucketRecords).Get([]byte(id))
	if data == nil {
		return Record{}, ErrNotFound
	}
	return decodeRecord(data)
}

func putRecord(tx *bolt.Tx, rec Record) error {
	if rec.ID == "" {
		return fmt.Errorf("boltdb: record id is required")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketRecords).Put([]byte(rec.ID), data)
}

func allRecords(tx *bolt.Tx) ([]Record, error) {
	var out []Record
	err := tx.Bucket(bucketRecords).ForEach(func(k, v []byte) error {
		rec, err := decodeRecord(v)
		if err != nil {
			return fmt.Errorf("boltdb: decode %s: %w", k, err)
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

func incRef(tx *bolt.Tx, ref string, delta int) (int, error) {
	refsBucket := tx.Bucket(bucketRefs)
	key := []byte(ref)
	cur := decodeInt(refsBucket.Get(key))
	cur += delta
	if cur <= 0 {
		if err := refsBucket.Delete(key); err != nil {
			return 0, err
		}
		return 0, nil
	}
	if err := refsBucket.Put(key, encodeInt(cur)); err != nil {
		return 0, err
	}
	if err := tx.Bucket(bucketGCQueue).Delete(key); err != nil {
		return 0, err
	}
	return cur, nil
}

func listZeroRef(tx *bolt.Tx, limit int) []string {
	var out []string
	c := tx.Bucket(bucketGCQueue).Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		out = append(out, string(k))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func decodeRecord(data []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func encodeInt(v int) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(int64(v)))
	return buf
}

func decodeInt(b []byte) int {
	if len(b) == 0 {
		return 0
	}
	return int(int64(binary.BigEndian.Uint64(b)))
}

type boltTxn struct {
	tx     *bolt.Tx
	closed bool
}

func (t *boltTxn) Get(ctx context.Context, id string) (Record, error) {
	return getRecord(t.tx, id)
}

func (t *boltTxn) Put(ctx context.Context, rec Record) error {
	return putRecord(t.tx, rec)
}

func (t *boltTxn) Delete(ctx context.Context, id string) error {
	return t.tx.Bucket(bucketRecords).Delete([]byte(id))
}

func (t *boltTxn) ForEach(ctx context.Context, fn func(Record) error) error {
	out, err := allRecords(t.tx)
	if err != nil {
		return err
	}
	for _, rec := range out {
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

func (t *boltTxn) IncRef(ctx context.Context, ref string, delta int) (int, error) {
	return incRef(t.tx, ref, delta)
}

func (t *boltTxn) DecideGC(ctx context.Context, ref string, refs int) error {
	if refs > 0 {
		return nil
	}
	return t.tx.Bucket(bucketGCQueue).Put([]byte(ref), []byte{})
}

func (t *boltTxn) ListZeroRef(ctx context.Context, limit int) ([]string, error) {
	return listZeroRef(t.tx, limit), nil
}

func (t *boltTxn) MarkGCComplete(ctx context.Context, ref string) error {
	return t.tx.Bucket(bucketGCQueue).Delete([]byte(ref))
}

func (t *boltTxn) Begin(ctx context.Context) (Txn, error) {
	return nil, errors.New("boltdb: nested transactions not supported")
}

func (t *boltTxn) Commit(ctx context.Context) error {
	if t.closed {
		return errors.New("boltdb: transaction already closed")
	}
	t.closed = true
	return t.tx.Commit()
}

func (t *boltTxn) Rollback(ctx context.Context) error {
	if t.closed {
		return nil
	}
	t.closed = true
	return t.tx.Rollback()
}
