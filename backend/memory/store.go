// Package memory is an in-process document backend with optimistic concurrency and watch feeds.
// It backs tests and the serve command.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/expr-lang/expr/vm"
	"github.com/samber/lo"

	"github.com/autom8ter/docsync/errors"
	"github.com/autom8ter/docsync/logging"
	"github.com/autom8ter/docsync/model"
	"github.com/autom8ter/docsync/pipeline"
	"github.com/autom8ter/docsync/util"
)

// CommitHook is called after every successful commit with the resulting documents. Deleted
// documents are passed as tombstones at the commit version.
type CommitHook func(ctx context.Context, version model.SnapshotVersion, docs []*model.Document)

// Option configures a Store
type Option func(s *Store)

// WithLogger sets the store's logger
func WithLogger(logger logging.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithCommitHook adds a hook called after every commit
func WithCommitHook(hook CommitHook) Option {
	return func(s *Store) {
		s.OnCommit(hook)
	}
}

type hookEntry struct {
	hook CommitHook
}

// Store holds documents in memory. Every commit advances the store version by one.
type Store struct {
	mu      sync.RWMutex
	docs    map[model.DocumentKey]*model.Document
	version model.SnapshotVersion
	hookMu  sync.RWMutex
	hooks   []*hookEntry
	logger  logging.Logger
}

// New returns an empty store
func New(opts ...Option) *Store {
	s := &Store{
		docs:   map[model.DocumentKey]*model.Document{},
		logger: logging.Nop(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// OnCommit adds a commit hook and returns a function removing it
func (s *Store) OnCommit(hook CommitHook) (remove func()) {
	entry := &hookEntry{hook: hook}
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.hooks = append(s.hooks, entry)
	return func() {
		s.hookMu.Lock()
		defer s.hookMu.Unlock()
		s.hooks = lo.Without(s.hooks, entry)
	}
}

// Version returns the version of the last commit
func (s *Store) Version() model.SnapshotVersion {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Lookup returns the documents at keys. Missing documents are tombstones at model.NoVersion.
func (s *Store) Lookup(ctx context.Context, keys []model.DocumentKey) ([]*model.Document, error) {
	for _, key := range keys {
		if err := validateKey(key); err != nil {
			return nil, err
		}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	docs := make([]*model.Document, 0, len(keys))
	for _, key := range keys {
		if doc, ok := s.docs[key]; ok {
			docs = append(docs, doc)
			continue
		}
		docs = append(docs, model.NewNoDocument(key, model.NoVersion))
	}
	return docs, nil
}

// Commit applies the writes atomically if every read key is still at its read version
func (s *Store) Commit(ctx context.Context, reads map[model.DocumentKey]model.SnapshotVersion, writes []model.Mutation) error {
	for key := range reads {
		if err := validateKey(key); err != nil {
			return err
		}
	}
	for _, m := range writes {
		if err := util.ValidateStruct(m); err != nil {
			return err
		}
		if err := validateKey(m.Key); err != nil {
			return err
		}
	}
	s.mu.Lock()
	for key, version := range reads {
		if current := s.currentVersion(key); current != version {
			s.mu.Unlock()
			return errors.New(errors.FailedPrecondition, "document %s is at version %d, read at %d", key, current, version)
		}
	}
	version, docs, err := s.applyLocked(writes)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.logger.Debug(ctx, "committed writes", map[string]any{
		"version": version,
		"writes":  len(writes),
		"reads":   len(reads),
	})
	s.notify(ctx, version, docs)
	return nil
}

// Write applies the writes without preconditions and returns the commit version
func (s *Store) Write(ctx context.Context, writes ...model.Mutation) (model.SnapshotVersion, error) {
	if err := s.Commit(ctx, nil, writes); err != nil {
		return model.NoVersion, err
	}
	return s.Version(), nil
}

// Query returns the documents matching the target, ordered by key, and the version they were read at
func (s *Store) Query(target model.Target) ([]*model.Document, model.SnapshotVersion, error) {
	programs, err := compileFilters(target)
	if err != nil {
		return nil, model.NoVersion, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var docs []*model.Document
	for _, doc := range s.docs {
		if matches(target, programs, doc) {
			docs = append(docs, doc)
		}
	}
	sort.Slice(docs, func(i, j int) bool {
		return docs[i].Key().Less(docs[j].Key())
	})
	if target.Limit > 0 && len(docs) > target.Limit {
		docs = docs[:target.Limit]
	}
	return docs, s.version, nil
}

func (s *Store) currentVersion(key model.DocumentKey) model.SnapshotVersion {
	if doc, ok := s.docs[key]; ok {
		return doc.Version()
	}
	return model.NoVersion
}

func (s *Store) applyLocked(writes []model.Mutation) (model.SnapshotVersion, []*model.Document, error) {
	version := s.version + 1
	staged := map[model.DocumentKey]*model.Document{}
	var order []model.DocumentKey
	for _, m := range writes {
		current, ok := staged[m.Key]
		if !ok {
			if current, ok = s.docs[m.Key]; !ok {
				current = model.NewNoDocument(m.Key, model.NoVersion)
			}
			order = append(order, m.Key)
		}
		next, err := current.Apply(m, version)
		if err != nil {
			return model.NoVersion, nil, err
		}
		staged[m.Key] = next
	}
	if len(staged) == 0 {
		return s.version, nil, nil
	}
	s.version = version
	docs := make([]*model.Document, 0, len(order))
	for _, key := range order {
		doc := staged[key]
		if doc.Exists() {
			s.docs[key] = doc
		} else {
			delete(s.docs, key)
		}
		docs = append(docs, doc)
	}
	return version, docs, nil
}

func (s *Store) notify(ctx context.Context, version model.SnapshotVersion, docs []*model.Document) {
	if len(docs) == 0 {
		return
	}
	s.hookMu.RLock()
	hooks := append([]*hookEntry{}, s.hooks...)
	s.hookMu.RUnlock()
	for _, entry := range hooks {
		entry.hook(ctx, version, docs)
	}
}

func compileFilters(target model.Target) ([]*vm.Program, error) {
	var programs []*vm.Program
	for _, f := range target.Filters {
		program, err := pipeline.Compile(f)
		if err != nil {
			return nil, err
		}
		programs = append(programs, program)
	}
	return programs, nil
}

// validateKey rejects malformed paths and reserved __name__ segments
func validateKey(key model.DocumentKey) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if lo.ContainsBy(key.Segments(), func(segment string) bool {
		return len(segment) > 4 && strings.HasPrefix(segment, "__") && strings.HasSuffix(segment, "__")
	}) {
		return errors.New(errors.InvalidArgument, "document path %s contains a reserved segment", key)
	}
	return nil
}

// matches reports whether the document belongs to the target
func matches(target model.Target, programs []*vm.Program, doc *model.Document) bool {
	if !doc.Exists() {
		return false
	}
	key := doc.Key()
	switch {
	case target.IsDocumentQuery():
		return string(key) == strings.Trim(target.Path, "/")
	case target.CollectionGroup != "":
		segments := key.Segments()
		if segments[len(segments)-2] != target.CollectionGroup {
			return false
		}
		parent := strings.Trim(target.Path, "/")
		if parent != "" && !strings.HasPrefix(string(key), parent+"/") {
			return false
		}
	default:
		if key.CollectionPath() != strings.Trim(target.Path, "/") {
			return false
		}
	}
	for _, p := range programs {
		if !pipeline.Match(p, doc.Fields()) {
			return false
		}
	}
	return true
}
