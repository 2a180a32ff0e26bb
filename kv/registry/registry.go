package registry

import (
	"sort"
	"sync"

	"github.com/samber/lo"

	"github.com/autom8ter/docsync/errors"
	"github.com/autom8ter/docsync/kv"
)

// KVDBOpener opens a key value database
type KVDBOpener func(params map[string]any) (kv.DB, error)

var (
	mu                sync.RWMutex
	registeredOpeners = map[string]KVDBOpener{}
)

// Register registers a KVDBOpener opener by name
func Register(name string, opener KVDBOpener) {
	mu.Lock()
	defer mu.Unlock()
	registeredOpeners[name] = opener
}

// Open opens a registered key value database
func Open(name string, params map[string]any) (kv.DB, error) {
	mu.RLock()
	opener, ok := registeredOpeners[name]
	mu.RUnlock()
	if !ok {
		return nil, errors.New(errors.NotFound, "%s is not registered", name)
	}
	db, err := opener(params)
	if err != nil {
		return nil, errors.Wrap(err, errors.Unavailable, "failed to open %s", name)
	}
	return db, nil
}

// Registered returns the names of the registered providers
func Registered() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := lo.Keys(registeredOpeners)
	sort.Strings(names)
	return names
}
