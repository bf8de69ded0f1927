// Package blobs stores attachment payloads in a bbolt file, addressed by
// their content digest. Metadata stays on the document; only the bytes
// live here, so re-archiving a message never duplicates storage.
package blobs

import (
	"errors"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// ErrNotFound means no blob exists under the given digest.
var ErrNotFound = errors.New("blobs: not found")

var bucketName = []byte("attachments")

type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the blob store at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open blob store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init blob bucket: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Put stores content under its digest. Writing the same digest twice is a
// no-op, which keeps message replays idempotent.
func (s *Store) Put(digest string, content []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		if b.Get([]byte(digest)) != nil {
			return nil
		}
		return b.Put([]byte(digest), content)
	})
	if err != nil {
		return fmt.Errorf("put blob %s: %w", digest, err)
	}
	return nil
}

// Get returns the content stored under digest.
func (s *Store) Get(digest string) ([]byte, error) {
	var content []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketName).Get([]byte(digest))
		if v == nil {
			return ErrNotFound
		}
		content = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get blob %s: %w", digest, err)
	}
	return content, nil
}

// Delete removes a blob. Missing digests are not an error.
func (s *Store) Delete(digest string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Delete([]byte(digest))
	})
	if err != nil {
		return fmt.Errorf("delete blob %s: %w", digest, err)
	}
	return nil
}
