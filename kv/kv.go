// Package kv is the key value storage the local store persists to. Providers register themselves by
// name with the registry package.
package kv

// DB is a transactional key value database
type DB interface {
	// Tx runs fn in a transaction. The transaction commits if fn returns nil and isUpdate is set.
	Tx(isUpdate bool, fn func(Tx) error) error
	Close() error
}

// IterOpts configure an Iterator
type IterOpts struct {
	Prefix  []byte `json:"prefix"`
	Seek    []byte `json:"seek"`
	Reverse bool   `json:"reverse"`
}

// Tx reads and writes keys. Reads observe the transaction's own writes.
type Tx interface {
	// Get returns the value at key or nil if there is none
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
	Delete(key []byte) error
	NewIterator(opts IterOpts) Iterator
}

// Iterator walks keys in byte order
type Iterator interface {
	Seek(key []byte)
	Close()
	Valid() bool
	Item() Item
	Next()
}

type Item interface {
	Key() []byte
	Value() ([]byte, error)
}

// Scan calls fn with every key and value under prefix, in order, until fn returns false
func Scan(tx Tx, prefix []byte, fn func(key, value []byte) (bool, error)) error {
	iter := tx.NewIterator(IterOpts{Prefix: prefix})
	defer iter.Close()
	for ; iter.Valid(); iter.Next() {
		item := iter.Item()
		value, err := item.Value()
		if err != nil {
			return err
		}
		next, err := fn(item.Key(), value)
		if err != nil {
			return err
		}
		if !next {
			return nil
		}
	}
	return nil
}
