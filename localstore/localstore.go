// Package localstore persists target metadata, the document keys each target matched as of the last
// snapshot, and the remote documents themselves on a kv.DB.
package localstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/autom8ter/machine/v4"
	"github.com/samber/lo"

	"github.com/autom8ter/docsync/errors"
	"github.com/autom8ter/docsync/internal/safe"
	"github.com/autom8ter/docsync/kv"
	"github.com/autom8ter/docsync/logging"
	"github.com/autom8ter/docsync/model"
	"github.com/autom8ter/docsync/watch"
)

const (
	targetPrefix    = "target/"
	syncedPrefix    = "synced/"
	documentPrefix  = "doc/"
	versionKey      = "meta/last_remote_snapshot_version"
	changeChannel   = "documents"
	lastTargetIDKey = "meta/last_target_id/"
)

// Change is published for every document a remote event changed in the store
type Change struct {
	Key     model.DocumentKey     `json:"key"`
	Version model.SnapshotVersion `json:"version"`
	Before  *model.Document       `json:"before,omitempty"`
	After   *model.Document       `json:"after"`
	Diff    []model.FieldChange   `json:"diff,omitempty"`
}

// Store is the local cache of remote state
type Store struct {
	db      kv.DB
	machine machine.Machine
	logger  logging.Logger
	synced  *safe.Map[model.TargetID, model.DocumentKeySet]

	mu                sync.Mutex
	lastListenID      model.TargetID
	lastLimboID       model.TargetID
	lastRemoteVersion model.SnapshotVersion
}

// New loads the store's metadata from db
func New(db kv.DB, logger logging.Logger) (*Store, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	s := &Store{
		db:      db,
		machine: machine.New(),
		logger:  logger,
		synced:  safe.NewMap[model.TargetID, model.DocumentKeySet](nil),
	}
	if err := db.Tx(false, func(tx kv.Tx) error {
		raw, err := tx.Get([]byte(versionKey))
		if err != nil {
			return err
		}
		if raw != nil {
			v, err := strconv.ParseInt(string(raw), 10, 64)
			if err != nil {
				return err
			}
			s.lastRemoteVersion = model.SnapshotVersion(v)
		}
		if s.lastListenID, err = readID(tx, model.PurposeListen); err != nil {
			return err
		}
		if s.lastLimboID, err = readID(tx, model.PurposeLimboResolution); err != nil {
			return err
		}
		return kv.Scan(tx, []byte(syncedPrefix), func(key, _ []byte) (bool, error) {
			id, docKey, err := parseSyncedKey(key)
			if err != nil {
				return false, err
			}
			s.synced.SetFunc(id, func(keys model.DocumentKeySet) model.DocumentKeySet {
				if keys == nil {
					keys = model.NewDocumentKeySet()
				}
				keys.Add(docKey)
				return keys
			})
			return true, nil
		})
	}); err != nil {
		return nil, errors.Wrap(err, errors.Internal, "failed to load local store")
	}
	return s, nil
}

func readID(tx kv.Tx, purpose model.QueryPurpose) (model.TargetID, error) {
	raw, err := tx.Get([]byte(lastTargetIDKey + idFamily(purpose)))
	if err != nil || raw == nil {
		return 0, err
	}
	id, err := strconv.ParseInt(string(raw), 10, 32)
	return model.TargetID(id), err
}

// idFamily splits target ids in two: even ids for listens and odd ids for limbo resolution
func idFamily(purpose model.QueryPurpose) string {
	if purpose == model.PurposeLimboResolution {
		return "limbo"
	}
	return "listen"
}

func targetKey(id model.TargetID) []byte {
	return []byte(fmt.Sprintf("%s%010d", targetPrefix, id))
}

func syncedTargetPrefix(id model.TargetID) string {
	return fmt.Sprintf("%s%010d/", syncedPrefix, id)
}

func syncedKey(id model.TargetID, key model.DocumentKey) []byte {
	return []byte(syncedTargetPrefix(id) + string(key))
}

func parseSyncedKey(raw []byte) (model.TargetID, model.DocumentKey, error) {
	rest := strings.TrimPrefix(string(raw), syncedPrefix)
	idPart, keyPart, ok := strings.Cut(rest, "/")
	if !ok {
		return 0, "", errors.New(errors.Internal, "malformed synced key %q", string(raw))
	}
	id, err := strconv.ParseInt(idPart, 10, 32)
	if err != nil {
		return 0, "", err
	}
	return model.TargetID(id), model.DocumentKey(keyPart), nil
}

func documentKey(key model.DocumentKey) []byte {
	return []byte(documentPrefix + string(key))
}

// AllocateTarget returns the target data of an existing target with the same canonical id and
// purpose, or persists a new one under a fresh id
func (s *Store) AllocateTarget(target model.Target, purpose model.QueryPurpose) (model.TargetData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	targets, err := s.Targets()
	if err != nil {
		return model.TargetData{}, err
	}
	for _, td := range targets {
		if td.Target.CanonicalID() == target.CanonicalID() && td.Purpose == purpose {
			return td, nil
		}
	}
	var id model.TargetID
	if purpose == model.PurposeLimboResolution {
		s.lastLimboID = nextID(s.lastLimboID, 1)
		id = s.lastLimboID
	} else {
		s.lastListenID = nextID(s.lastListenID, 2)
		id = s.lastListenID
	}
	td := model.NewTargetData(target, id, purpose).WithSequenceNumber(int64(id))
	if err := s.db.Tx(true, func(tx kv.Tx) error {
		if err := tx.Set([]byte(lastTargetIDKey+idFamily(purpose)), []byte(strconv.FormatInt(int64(id), 10))); err != nil {
			return err
		}
		return putTarget(tx, td)
	}); err != nil {
		return model.TargetData{}, errors.Wrap(err, errors.Internal, "failed to allocate target")
	}
	s.synced.Set(id, model.NewDocumentKeySet())
	return td, nil
}

func nextID(last, first model.TargetID) model.TargetID {
	if last < first {
		return first
	}
	return last + 2
}

func putTarget(tx kv.Tx, td model.TargetData) error {
	bits, err := json.Marshal(td)
	if err != nil {
		return err
	}
	return tx.Set(targetKey(td.TargetID), bits)
}

// SaveTarget persists target data
func (s *Store) SaveTarget(td model.TargetData) error {
	return s.db.Tx(true, func(tx kv.Tx) error {
		return putTarget(tx, td)
	})
}

// TargetData returns the persisted data of the target
func (s *Store) TargetData(id model.TargetID) (model.TargetData, bool, error) {
	var (
		td    model.TargetData
		found bool
	)
	err := s.db.Tx(false, func(tx kv.Tx) error {
		raw, err := tx.Get(targetKey(id))
		if err != nil || raw == nil {
			return err
		}
		found = true
		return json.Unmarshal(raw, &td)
	})
	return td, found, err
}

// Targets returns every persisted target in id order
func (s *Store) Targets() ([]model.TargetData, error) {
	var targets []model.TargetData
	err := s.db.Tx(false, func(tx kv.Tx) error {
		return kv.Scan(tx, []byte(targetPrefix), func(_, value []byte) (bool, error) {
			var td model.TargetData
			if err := json.Unmarshal(value, &td); err != nil {
				return false, err
			}
			targets = append(targets, td)
			return true, nil
		})
	})
	return targets, err
}

// RemoveTarget deletes the target and the keys it matched
func (s *Store) RemoveTarget(id model.TargetID) error {
	keys := s.RemoteKeysForTarget(id)
	if err := s.db.Tx(true, func(tx kv.Tx) error {
		if err := tx.Delete(targetKey(id)); err != nil {
			return err
		}
		for _, key := range keys.Keys() {
			if err := tx.Delete(syncedKey(id, key)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return errors.Wrap(err, errors.Internal, "failed to remove target %d", id)
	}
	s.synced.Del(id)
	return nil
}

// RemoteKeysForTarget returns the keys the target matched as of the last applied remote event
func (s *Store) RemoteKeysForTarget(id model.TargetID) model.DocumentKeySet {
	keys, ok := s.synced.Get(id)
	if !ok {
		return model.NewDocumentKeySet()
	}
	return keys.Clone()
}

// LastRemoteSnapshotVersion returns the version of the last applied remote event
func (s *Store) LastRemoteSnapshotVersion() model.SnapshotVersion {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRemoteVersion
}

// ReadDocument returns the cached document at key, or a tombstone at model.NoVersion
func (s *Store) ReadDocument(key model.DocumentKey) (*model.Document, error) {
	var doc *model.Document
	err := s.db.Tx(false, func(tx kv.Tx) error {
		var err error
		doc, err = getDocument(tx, key)
		return err
	})
	return doc, err
}

func getDocument(tx kv.Tx, key model.DocumentKey) (*model.Document, error) {
	raw, err := tx.Get(documentKey(key))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return model.NewNoDocument(key, model.NoVersion), nil
	}
	doc := &model.Document{}
	if err := json.Unmarshal(raw, doc); err != nil {
		return nil, errors.Wrap(err, errors.Internal, "corrupt document %s", key)
	}
	return doc, nil
}

// ApplyRemoteEvent persists the event. Documents replace cached ones only when newer. Tombstones
// synthesized without a version are stamped with the event's version.
func (s *Store) ApplyRemoteEvent(ctx context.Context, event *watch.RemoteEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	synced := map[model.TargetID]model.DocumentKeySet{}
	var changes []Change
	err := s.db.Tx(true, func(tx kv.Tx) error {
		for _, id := range model.NewTargetIDSet(lo.Keys(event.TargetChanges)...).IDs() {
			change := event.TargetChanges[id]
			raw, err := tx.Get(targetKey(id))
			if err != nil {
				return err
			}
			if raw == nil {
				continue
			}
			var td model.TargetData
			if err := json.Unmarshal(raw, &td); err != nil {
				return err
			}
			keys := s.RemoteKeysForTarget(id).Clone()
			for _, key := range change.AddedDocuments.Keys() {
				keys.Add(key)
				if err := tx.Set(syncedKey(id, key), []byte{}); err != nil {
					return err
				}
			}
			for _, key := range change.RemovedDocuments.Keys() {
				keys.Remove(key)
				if err := tx.Delete(syncedKey(id, key)); err != nil {
					return err
				}
			}
			synced[id] = keys
			switch {
			case event.TargetMismatches.Contains(id):
				// a mismatched target must be listened to again from scratch
				td = td.WithResumeToken(nil, model.NoVersion).WithLastLimboFreeSnapshotVersion(model.NoVersion)
				if err := putTarget(tx, td); err != nil {
					return err
				}
			case len(change.ResumeToken) > 0:
				if err := putTarget(tx, td.WithResumeToken(change.ResumeToken, event.SnapshotVersion)); err != nil {
					return err
				}
			}
		}
		for _, key := range sortedKeys(event.DocumentUpdates) {
			doc := event.DocumentUpdates[key]
			if !doc.Exists() && doc.Version() == model.NoVersion {
				doc = model.NewNoDocument(key, event.SnapshotVersion)
			}
			existing, err := getDocument(tx, key)
			if err != nil {
				return err
			}
			if existing.Version() != model.NoVersion && doc.Version() <= existing.Version() {
				s.logger.Debug(ctx, "ignoring stale remote document", map[string]any{
					"key":      string(key),
					"version":  int64(doc.Version()),
					"existing": int64(existing.Version()),
				})
				continue
			}
			bits, err := json.Marshal(doc)
			if err != nil {
				return err
			}
			if err := tx.Set(documentKey(key), bits); err != nil {
				return err
			}
			diff, err := model.Diff(existing, doc)
			if err != nil {
				return err
			}
			change := Change{Key: key, Version: doc.Version(), After: doc, Diff: diff}
			if existing.Exists() {
				change.Before = existing
			}
			changes = append(changes, change)
		}
		if event.SnapshotVersion > s.lastRemoteVersion {
			if err := tx.Set([]byte(versionKey), []byte(strconv.FormatInt(int64(event.SnapshotVersion), 10))); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, errors.Internal, "failed to apply remote event at version %d", event.SnapshotVersion)
	}
	for id, keys := range synced {
		s.synced.Set(id, keys)
	}
	if event.SnapshotVersion > s.lastRemoteVersion {
		s.lastRemoteVersion = event.SnapshotVersion
	}
	for _, change := range changes {
		s.machine.Publish(ctx, machine.Message{
			Channel: changeChannel,
			Body:    change,
		})
	}
	return nil
}

// ChangeStream calls fn with every document change until ctx is done or fn returns an error
func (s *Store) ChangeStream(ctx context.Context, fn func(ctx context.Context, change Change) error) error {
	return s.machine.Subscribe(ctx, changeChannel, func(ctx context.Context, msg machine.Message) (bool, error) {
		change, ok := msg.Body.(Change)
		if !ok {
			return true, nil
		}
		if err := fn(ctx, change); err != nil {
			return false, err
		}
		return true, nil
	})
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

func sortedKeys(docs map[model.DocumentKey]*model.Document) []model.DocumentKey {
	return model.NewDocumentKeySet(lo.Keys(docs)...).Keys()
}
