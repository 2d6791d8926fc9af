// Package boltdb implements the Storage interface on top of bbolt. It
// exists as the comparison backend: everything above the storage layer
// treats it and the bitcask engine interchangeably.
package boltdb

import (
	"path/filepath"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/oldmanfleming/smoldb/storage"
)

var bucketName = []byte("smoldb")

type Store struct {
	logger log.Logger
	db     *bolt.DB
}

var _ storage.Storage = (*Store)(nil)

// Open opens the bolt database file under dir, creating it if needed.
func Open(logger log.Logger, dir string) (*Store, error) {
	db, err := bolt.Open(filepath.Join(dir, "smoldb.db"), 0o666, nil)
	if err != nil {
		return nil, errors.Wrap(err, "open bolt db")
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create bucket")
	}

	logger = log.With(logger, "component", "boltdb")
	level.Info(logger).Log("msg", "store opened", "path", db.Path())

	return &Store{logger: logger, db: db}, nil
}

func (s *Store) Set(key string, value []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(key), value)
	})
	return errors.Wrap(err, "bolt set")
}

func (s *Store) Get(key string) ([]byte, bool, error) {
	var value []byte
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketName).Get([]byte(key)); v != nil {
			value = append([]byte(nil), v...)
			found = true
		}
		return nil
	})
	if err != nil {
		return nil, false, errors.Wrap(err, "bolt get")
	}
	return value, found, nil
}

func (s *Store) Remove(key string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketName)
		if bucket.Get([]byte(key)) == nil {
			return storage.ErrKeyNotFound
		}
		return bucket.Delete([]byte(key))
	})
	if errors.Is(err, storage.ErrKeyNotFound) {
		return storage.ErrKeyNotFound
	}
	return errors.Wrap(err, "bolt remove")
}

func (s *Store) ListKeys() []string {
	var keys []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	if err != nil {
		level.Error(s.logger).Log("msg", "list keys", "err", err)
	}
	return keys
}

func (s *Store) Sync() error {
	return errors.Wrap(s.db.Sync(), "bolt sync")
}

func (s *Store) Close() error {
	return errors.Wrap(s.db.Close(), "close bolt db")
}
