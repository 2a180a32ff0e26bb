package model

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/samber/lo"

	"github.com/autom8ter/docsync/errors"
)

// DocumentKey is the slash separated path of a document, ie "rooms/eros/messages/1"
type DocumentKey string

// NewDocumentKey validates the path and returns it as a DocumentKey
func NewDocumentKey(path string) (DocumentKey, error) {
	k := DocumentKey(strings.Trim(path, "/"))
	if err := k.Validate(); err != nil {
		return "", err
	}
	return k, nil
}

// MustDocumentKey is NewDocumentKey but panics on an invalid path
func MustDocumentKey(path string) DocumentKey {
	k, err := NewDocumentKey(path)
	if err != nil {
		panic(err)
	}
	return k
}

// IsDocumentPath reports whether the path has an even, non-zero number of non-empty segments
func IsDocumentPath(path string) bool {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments)%2 != 0 || lo.Contains(segments, "") {
		return false
	}
	return true
}

// Validate checks the structure of the key
func (k DocumentKey) Validate() error {
	if k == "" {
		return errors.New(errors.InvalidArgument, "empty document path")
	}
	if !IsDocumentPath(string(k)) {
		return errors.New(errors.InvalidArgument, "invalid document path: %q must have an even number of segments", string(k))
	}
	return nil
}

// Segments returns the path segments of the key
func (k DocumentKey) Segments() []string {
	return strings.Split(string(k), "/")
}

// ID returns the last segment of the key
func (k DocumentKey) ID() string {
	s := k.Segments()
	return s[len(s)-1]
}

// CollectionPath returns the path of the collection containing the document
func (k DocumentKey) CollectionPath() string {
	s := k.Segments()
	return strings.Join(s[:len(s)-1], "/")
}

func (k DocumentKey) String() string {
	return string(k)
}

// Less orders keys segment by segment
func (k DocumentKey) Less(other DocumentKey) bool {
	return k.Compare(other) < 0
}

// Compare returns -1, 0 or 1
func (k DocumentKey) Compare(other DocumentKey) int {
	a, b := k.Segments(), other.Segments()
	for i := 0; i < len(a) && i < len(b); i++ {
		if c := strings.Compare(a[i], b[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return 0
}

// DocumentKeySet is a set of document keys
type DocumentKeySet map[DocumentKey]struct{}

// NewDocumentKeySet returns a set holding the given keys
func NewDocumentKeySet(keys ...DocumentKey) DocumentKeySet {
	s := make(DocumentKeySet, len(keys))
	for _, k := range keys {
		s[k] = struct{}{}
	}
	return s
}

func (s DocumentKeySet) Add(k DocumentKey) {
	s[k] = struct{}{}
}

func (s DocumentKeySet) Remove(k DocumentKey) {
	delete(s, k)
}

func (s DocumentKeySet) Contains(k DocumentKey) bool {
	_, ok := s[k]
	return ok
}

func (s DocumentKeySet) Len() int {
	return len(s)
}

// Keys returns the keys in order
func (s DocumentKeySet) Keys() []DocumentKey {
	keys := lo.Keys(s)
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].Less(keys[j])
	})
	return keys
}

// Clone returns a copy of the set
func (s DocumentKeySet) Clone() DocumentKeySet {
	return NewDocumentKeySet(lo.Keys(s)...)
}

// MarshalJSON encodes the set as an ordered array
func (s DocumentKeySet) MarshalJSON() ([]byte, error) {
	keys := s.Keys()
	if keys == nil {
		keys = []DocumentKey{}
	}
	return json.Marshal(keys)
}

// UnmarshalJSON decodes an array of keys
func (s *DocumentKeySet) UnmarshalJSON(bytes []byte) error {
	var keys []DocumentKey
	if err := json.Unmarshal(bytes, &keys); err != nil {
		return err
	}
	*s = NewDocumentKeySet(keys...)
	return nil
}
