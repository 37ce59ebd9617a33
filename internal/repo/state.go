package repo

import (
	"encoding/json"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

// bucketArchives holds one JSON-encoded archiveRecord per scanned .deb path,
// replacing the teacher's build-record bucket (builddb.BucketBuilds) with a
// per-archive incremental-scan record (spec §4.6: "A state file under
// `state` records per-archive (path, mtime, size, sha256)").
const bucketArchives = "archives"

// archiveRecord is the cached parse result keyed by archive path. Keeping
// the full parsed metadata, not just the change-detection triple, lets an
// unchanged archive skip re-parsing entirely while still contributing to
// the regenerated index.
type archiveRecord struct {
	ModTime int64    `json:"mtime"`
	Size    int64    `json:"size"`
	SHA256  string   `json:"sha256"`
	Parsed  *ParsedArchive `json:"parsed"`
}

// Store wraps a bbolt database for C6's incremental refresh state, modeled
// on builddb.DB's open/bucket-init pattern.
type Store struct {
	db *bolt.DB
}

// OpenStore opens or creates the bbolt database at path, creating the
// archives bucket if absent.
func OpenStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketArchives))
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// get returns the cached record for path, and whether one was found.
func (s *Store) get(path string) (archiveRecord, bool, error) {
	var rec archiveRecord
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(bucketArchives)).Get([]byte(path))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &rec)
	})
	return rec, found, err
}

func (s *Store) put(path string, rec archiveRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		raw, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return tx.Bucket([]byte(bucketArchives)).Put([]byte(path), raw)
	})
}

func (s *Store) delete(path string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketArchives)).Delete([]byte(path))
	})
}

// paths returns every archive path currently tracked, used to find stale
// entries whose file has since been removed from the output tree.
func (s *Store) paths() ([]string, error) {
	var out []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketArchives)).ForEach(func(k, _ []byte) error {
			out = append(out, string(k))
			return nil
		})
	})
	return out, err
}
