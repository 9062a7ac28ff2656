package job

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var (
	bucketJobs = []byte("jobs")
	// bucketActive indexes the ids of pending and running jobs.
	bucketActive = []byte("active")
)

// BoltStore keeps jobs in a bbolt database, one JSON record per job keyed by
// its big-endian id so cursor order is creation order. A second bucket holds
// the ids of unfinished jobs so polling never decodes finished ones.
type BoltStore struct {
	db  *bbolt.DB
	cfg storeConfig
}

// OpenBoltStore opens or creates the database at path.
func OpenBoltStore(path string, opts ...StoreOption) (*BoltStore, error) {
	cfg := newStoreConfig(opts)

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening job database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		jobs, err := tx.CreateBucketIfNotExists(bucketJobs)
		if err != nil {
			return fmt.Errorf("creating bucket %s: %w", bucketJobs, err)
		}
		if tx.Bucket(bucketActive) != nil {
			return nil
		}
		active, err := tx.CreateBucket(bucketActive)
		if err != nil {
			return fmt.Errorf("creating bucket %s: %w", bucketActive, err)
		}
		return jobs.ForEach(func(k, v []byte) error {
			j, err := decodeJob(v)
			if err != nil {
				return err
			}
			if j.Status.Terminal() {
				return nil
			}
			return active.Put(k, []byte{})
		})
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing job database: %w", err)
	}

	cfg.logger.Debug("opened job store", "path", path)
	return &BoltStore{db: db, cfg: cfg}, nil
}

func idKey(id uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, id)
	return k
}

func decodeJob(v []byte) (*Job, error) {
	var j Job
	if err := json.Unmarshal(v, &j); err != nil {
		return nil, fmt.Errorf("decoding job: %w", err)
	}
	return &j, nil
}

// putJob writes j and keeps the active index in step with its status.
func putJob(tx *bbolt.Tx, j *Job) error {
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("encoding job: %w", err)
	}
	k := idKey(j.ID)
	if err := tx.Bucket(bucketJobs).Put(k, data); err != nil {
		return err
	}
	active := tx.Bucket(bucketActive)
	if j.Status.Terminal() {
		return active.Delete(k)
	}
	return active.Put(k, []byte{})
}

func getJob(b *bbolt.Bucket, id uint64) (*Job, error) {
	v := b.Get(idKey(id))
	if v == nil {
		return nil, ErrNotFound
	}
	return decodeJob(v)
}

// Create implements Store.
func (s *BoltStore) Create(_ context.Context, j *Job) (uint64, error) {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		id, err := b.NextSequence()
		if err != nil {
			return err
		}
		j.ID = id
		return putJob(tx, j)
	})
	if err != nil {
		return 0, fmt.Errorf("creating job: %w", err)
	}
	return j.ID, nil
}

// Get implements Store.
func (s *BoltStore) Get(_ context.Context, id uint64) (*Job, error) {
	var j *Job
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		j, err = getJob(tx.Bucket(bucketJobs), id)
		return err
	})
	return j, err
}

// List implements Store.
func (s *BoltStore) List(ctx context.Context, f Filter) ([]*Job, error) {
	var jobs []*Job
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketJobs).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if err := ctx.Err(); err != nil {
				return err
			}
			j, err := decodeJob(v)
			if err != nil {
				return err
			}
			if !f.match(j) {
				continue
			}
			jobs = append(jobs, j)
			if f.Limit > 0 && len(jobs) >= f.Limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	return jobs, nil
}

// Claim implements Store. bbolt serializes writers, so the check and the
// transition happen in one transaction.
func (s *BoltStore) Claim(ctx context.Context, id uint64, owner string, lease time.Duration) (*Job, error) {
	return s.update(ctx, id, func(j *Job) error {
		return j.Claim(owner, lease, s.cfg.now())
	})
}

// Update implements Store.
func (s *BoltStore) Update(ctx context.Context, id uint64, fn func(*Job) error) (*Job, error) {
	return s.update(ctx, id, func(j *Job) error {
		if j.Status.Terminal() {
			return ErrTerminal
		}
		return fn(j)
	})
}

func (s *BoltStore) update(_ context.Context, id uint64, fn func(*Job) error) (*Job, error) {
	var out *Job
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		j, err := getJob(b, id)
		if err != nil {
			return err
		}
		if err := fn(j); err != nil {
			return err
		}
		out = j
		return putJob(tx, j)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FindActive implements Store.
func (s *BoltStore) FindActive(ctx context.Context, mirrorType string) (*Job, error) {
	var found *Job
	err := s.db.View(func(tx *bbolt.Tx) error {
		jobs := tx.Bucket(bucketJobs)
		c := tx.Bucket(bucketActive).Cursor()
		for k, _ := c.Last(); k != nil; k, _ = c.Prev() {
			if err := ctx.Err(); err != nil {
				return err
			}
			j, err := getJob(jobs, binary.BigEndian.Uint64(k))
			if err != nil {
				return err
			}
			if j.MirrorType == mirrorType {
				found = j
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("finding active job: %w", err)
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

// Runnable implements Store. Only jobs in the active index are decoded.
func (s *BoltStore) Runnable(ctx context.Context, limit int) ([]uint64, error) {
	now := s.cfg.now()
	var ids []uint64
	err := s.db.View(func(tx *bbolt.Tx) error {
		jobs := tx.Bucket(bucketJobs)
		c := tx.Bucket(bucketActive).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			j, err := getJob(jobs, binary.BigEndian.Uint64(k))
			if err != nil {
				return err
			}
			if j.Claimable(now) {
				ids = append(ids, j.ID)
				if limit > 0 && len(ids) >= limit {
					break
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning runnable jobs: %w", err)
	}
	return ids, nil
}

// Close implements Store.
func (s *BoltStore) Close() error {
	if s.db == nil {
		return nil
	}
	s.cfg.logger.Debug("closing job store")
	err := s.db.Close()
	if errors.Is(err, bbolt.ErrDatabaseNotOpen) {
		return nil
	}
	return err
}

var _ Store = (*BoltStore)(nil)
