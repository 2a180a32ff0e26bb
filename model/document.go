package model

import (
	"encoding/json"
	"reflect"
	"sort"

	"github.com/nqd/flat"
	"github.com/samber/lo"
	"github.com/spf13/cast"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/autom8ter/docsync/errors"
)

// Document is an immutable snapshot of a document at a version. A document that does not exist
// (a tombstone) has a key and a version but no fields.
type Document struct {
	key     DocumentKey
	version SnapshotVersion
	exists  bool
	result  gjson.Result
}

// NewDocument returns a found document holding the given fields
func NewDocument(key DocumentKey, version SnapshotVersion, fields map[string]any) (*Document, error) {
	if fields == nil {
		fields = map[string]any{}
	}
	bits, err := json.Marshal(fields)
	if err != nil {
		return nil, errors.Wrap(err, errors.InvalidArgument, "failed to json encode fields of %s", key)
	}
	return NewDocumentFromBytes(key, version, bits)
}

// NewDocumentFromBytes returns a found document holding the given json object
func NewDocumentFromBytes(key DocumentKey, version SnapshotVersion, raw []byte) (*Document, error) {
	if !gjson.ValidBytes(raw) {
		return nil, errors.New(errors.InvalidArgument, "invalid json: %s", string(raw))
	}
	result := gjson.ParseBytes(raw)
	if !result.IsObject() {
		return nil, errors.New(errors.InvalidArgument, "document fields must be a json object")
	}
	return &Document{
		key:     key,
		version: version,
		exists:  true,
		result:  result,
	}, nil
}

// MustDocument is NewDocument but panics on error
func MustDocument(key DocumentKey, version SnapshotVersion, fields map[string]any) *Document {
	d, err := NewDocument(key, version, fields)
	if err != nil {
		panic(err)
	}
	return d
}

// NewNoDocument returns a tombstone proving the key did not exist at version
func NewNoDocument(key DocumentKey, version SnapshotVersion) *Document {
	return &Document{
		key:     key,
		version: version,
	}
}

func (d *Document) Key() DocumentKey {
	return d.key
}

func (d *Document) Version() SnapshotVersion {
	return d.version
}

// Exists is false for tombstones
func (d *Document) Exists() bool {
	return d.exists
}

// Get gets a field on the document. Get has GJSON syntax support and supports dot notation
func (d *Document) Get(field string) any {
	return d.result.Get(field).Value()
}

// GetString gets a string field value on the document
func (d *Document) GetString(field string) string {
	return d.result.Get(field).String()
}

// GetFloat gets a numeric field value on the document
func (d *Document) GetFloat(field string) float64 {
	return cast.ToFloat64(d.Get(field))
}

// GetInt gets a numeric field value on the document
func (d *Document) GetInt(field string) int {
	return cast.ToInt(d.Get(field))
}

// Has reports whether the field is present
func (d *Document) Has(field string) bool {
	return d.result.Get(field).Exists()
}

// Fields returns the document's fields as a map. Tombstones return nil.
func (d *Document) Fields() map[string]any {
	if !d.exists {
		return nil
	}
	return cast.ToStringMap(d.result.Value())
}

// Bytes returns the fields as json bytes
func (d *Document) Bytes() []byte {
	if !d.exists {
		return nil
	}
	return []byte(d.result.Raw)
}

// String returns the fields as a json string
func (d *Document) String() string {
	if !d.exists {
		return "<missing " + string(d.key) + ">"
	}
	return d.result.Raw
}

// Equal reports whether both documents have the same key, version, existence and fields
func (d *Document) Equal(other *Document) bool {
	if d == nil || other == nil {
		return d == other
	}
	if d.key != other.key || d.version != other.version || d.exists != other.exists {
		return false
	}
	return reflect.DeepEqual(d.Fields(), other.Fields())
}

// Apply returns the document that results from applying the mutation at the given version
func (d *Document) Apply(m Mutation, version SnapshotVersion) (*Document, error) {
	switch m.Kind {
	case MutationSet:
		return NewDocument(d.key, version, m.Data)
	case MutationDelete:
		return NewNoDocument(d.key, version), nil
	case MutationUpdate:
		if !d.exists {
			return nil, errors.New(errors.NotFound, "no document to update: %s", d.key)
		}
		raw := d.result.Raw
		paths := lo.Keys(m.Data)
		sort.Strings(paths)
		for _, path := range paths {
			var err error
			raw, err = sjson.Set(raw, path, m.Data[path])
			if err != nil {
				return nil, errors.Wrap(err, errors.InvalidArgument, "failed to set %s", path)
			}
		}
		return NewDocumentFromBytes(d.key, version, []byte(raw))
	default:
		return nil, errors.New(errors.InvalidArgument, "unknown mutation kind: %q", m.Kind)
	}
}

type documentJSON struct {
	Key     DocumentKey     `json:"key"`
	Version SnapshotVersion `json:"version"`
	Exists  bool            `json:"exists"`
	Fields  json.RawMessage `json:"fields,omitempty"`
}

// MarshalJSON satisfies the json Marshaler interface
func (d *Document) MarshalJSON() ([]byte, error) {
	return json.Marshal(documentJSON{
		Key:     d.key,
		Version: d.version,
		Exists:  d.exists,
		Fields:  d.Bytes(),
	})
}

// UnmarshalJSON satisfies the json Unmarshaler interface
func (d *Document) UnmarshalJSON(bytes []byte) error {
	var dj documentJSON
	if err := json.Unmarshal(bytes, &dj); err != nil {
		return errors.Wrap(err, errors.InvalidArgument, "failed to decode document")
	}
	if !dj.Exists {
		*d = *NewNoDocument(dj.Key, dj.Version)
		return nil
	}
	fields := []byte(dj.Fields)
	if len(fields) == 0 {
		fields = []byte("{}")
	}
	doc, err := NewDocumentFromBytes(dj.Key, dj.Version, fields)
	if err != nil {
		return err
	}
	*d = *doc
	return nil
}

// FieldOp is the kind of a FieldChange
type FieldOp string

const (
	FieldAdd     FieldOp = "add"
	FieldReplace FieldOp = "replace"
	FieldRemove  FieldOp = "remove"
)

// FieldChange is a change to one leaf field between two versions of a document
type FieldChange struct {
	Op          FieldOp `json:"op"`
	Path        string  `json:"path"`
	Value       any     `json:"value,omitempty"`
	ValueBefore any     `json:"valueBefore,omitempty"`
}

// Diff returns the leaf field changes from before to after, ordered by path. Either side may be nil or a tombstone.
func Diff(before, after *Document) ([]FieldChange, error) {
	flatten := func(d *Document) (map[string]any, error) {
		if d == nil || !d.exists {
			return map[string]any{}, nil
		}
		return flat.Flatten(d.Fields(), nil)
	}
	b, err := flatten(before)
	if err != nil {
		return nil, err
	}
	a, err := flatten(after)
	if err != nil {
		return nil, err
	}
	var changes []FieldChange
	for path, bv := range b {
		av, ok := a[path]
		switch {
		case !ok:
			changes = append(changes, FieldChange{Op: FieldRemove, Path: path, ValueBefore: bv})
		case !reflect.DeepEqual(av, bv):
			changes = append(changes, FieldChange{Op: FieldReplace, Path: path, Value: av, ValueBefore: bv})
		}
	}
	for path, av := range a {
		if _, ok := b[path]; !ok {
			changes = append(changes, FieldChange{Op: FieldAdd, Path: path, Value: av})
		}
	}
	sort.Slice(changes, func(i, j int) bool {
		return changes[i].Path < changes[j].Path
	})
	return changes, nil
}
