package store

import (
	"encoding/json"
	"fmt"
	"maps"
	"reflect"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

// BoltStore maps every collection path to a bucket holding JSON documents.
type BoltStore struct {
	db *bolt.DB
}

func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bolt db: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Get(collection, id string) (Doc, error) {
	var d Doc
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(collection))
		if b == nil {
			return ErrNotFound
		}
		v := b.Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &d)
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (s *BoltStore) Set(collection, id string, fields Doc, merge bool) error {
	if id == "" {
		return fmt.Errorf("store: set %s: empty id", collection)
	}
	return s.Update(collection, id, func(cur Doc) (Doc, error) {
		if !merge || cur == nil {
			return fields, nil
		}
		maps.Copy(cur, fields)
		return cur, nil
	})
}

func (s *BoltStore) Add(collection, parentID, sub string, fields Doc) (string, error) {
	p, err := path(collection, parentID, sub)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	if err := s.Set(p, id, fields, false); err != nil {
		return "", err
	}
	return id, nil
}

func (s *BoltStore) Update(collection, id string, fn func(Doc) (Doc, error)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(collection))
		if err != nil {
			return fmt.Errorf("creating bucket %s: %w", collection, err)
		}
		var cur Doc
		if v := b.Get([]byte(id)); v != nil {
			if err := json.Unmarshal(v, &cur); err != nil {
				return fmt.Errorf("decoding %s/%s: %w", collection, id, err)
			}
		}
		next, err := fn(cur)
		if err != nil || next == nil {
			return err
		}
		data, err := json.Marshal(next)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), data)
	})
}

// Find returns the first document whose field equals value. Values are
// compared after a JSON round trip, so numbers match regardless of Go type.
func (s *BoltStore) Find(collection, field string, value any) (string, Doc, error) {
	want, err := normalize(value)
	if err != nil {
		return "", nil, err
	}
	var (
		foundID  string
		foundDoc Doc
	)
	err = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(collection))
		if b == nil {
			return ErrNotFound
		}
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var d Doc
			if err := json.Unmarshal(v, &d); err != nil {
				return fmt.Errorf("decoding %s/%s: %w", collection, k, err)
			}
			if reflect.DeepEqual(d[field], want) {
				foundID, foundDoc = string(k), d
				return nil
			}
		}
		return ErrNotFound
	})
	if err != nil {
		return "", nil, err
	}
	return foundID, foundDoc, nil
}

func (s *BoltStore) List(collection string) (map[string]Doc, error) {
	out := make(map[string]Doc)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(collection))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var d Doc
			if err := json.Unmarshal(v, &d); err != nil {
				return fmt.Errorf("decoding %s/%s: %w", collection, k, err)
			}
			out[string(k)] = d
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) Delete(collection, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(collection))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(id))
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func normalize(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	return out, json.Unmarshal(data, &out)
}
