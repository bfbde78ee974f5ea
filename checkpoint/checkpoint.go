// Package checkpoint stores finished fits in a bolt database, so that
// a rerun on the same data skips the fits that are already done.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/op/go-logging"

	bolt "go.etcd.io/bbolt"

	"github.com/Emberwhirl/mixedmodels-misc/trialfit"
)

// log is the global logging variable.
var log = logging.MustGetLogger("checkpoint")

// Results is the bucket holding fit results.
var Results = []byte("results")

// Store is a checkpoint database.  A nil *Store is valid and stores
// nothing.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if needed) the checkpoint database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}

// Save stores a fit result under key.
func (s *Store) Save(key string, res *trialfit.Result) error {
	if s == nil {
		return nil
	}
	b, err := json.Marshal(res)
	if err != nil {
		log.Error("Error serializing checkpoint", err)
		return err
	}
	if err := SaveData(s.db, []byte(key), b); err != nil {
		log.Error("Error saving checkpoint", err)
		return err
	}
	return nil
}

// Load returns the result stored under key, or nil when there is none.
func (s *Store) Load(key string) (*trialfit.Result, error) {
	if s == nil {
		return nil, nil
	}

	b, err := LoadData(s.db, []byte(key))
	if err != nil || b == nil {
		return nil, err
	}

	var res *trialfit.Result
	if err := json.Unmarshal(b, &res); err != nil {
		return nil, fmt.Errorf("checkpoint: %s: %w", key, err)
	}

	log.Noticef("Found finished fit %s (lnL=%v)", res.Name, res.LogLike)
	return res, nil
}

// Keys returns the stored keys in byte order.
func (s *Store) Keys() ([]string, error) {
	if s == nil {
		return nil, nil
	}
	var keys []string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(Results)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}

// SaveData saves values in bolt database.
func SaveData(db *bolt.DB, key []byte, data []byte) error {
	if db == nil {
		return nil
	}
	err := db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(Results)
		if err != nil {
			return err
		}

		err = b.Put(key, data)
		return err
	})
	return err
}

// LoadData loads data from bolt database.  The returned slice is a
// copy that stays valid after the transaction.
func LoadData(db *bolt.DB, key []byte) ([]byte, error) {
	var data []byte
	if db == nil {
		return nil, nil
	}
	err := db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(Results)
		if b == nil {
			return nil
		}

		v := b.Get(key)
		if v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}
