package model

// MutationKind is the kind of a Mutation
type MutationKind string

const (
	// MutationSet replaces the document, creating it if needed
	MutationSet MutationKind = "set"
	// MutationUpdate sets the given field paths on a document that must exist
	MutationUpdate MutationKind = "update"
	// MutationDelete deletes the document if it exists
	MutationDelete MutationKind = "delete"
)

// Mutation is a single write. Update data keys are dot separated field paths.
type Mutation struct {
	Kind MutationKind   `json:"kind" validate:"required,oneof=set update delete"`
	Key  DocumentKey    `json:"key" validate:"required"`
	Data map[string]any `json:"data,omitempty"`
}

func SetMutation(key DocumentKey, data map[string]any) Mutation {
	return Mutation{Kind: MutationSet, Key: key, Data: data}
}

func UpdateMutation(key DocumentKey, data map[string]any) Mutation {
	return Mutation{Kind: MutationUpdate, Key: key, Data: data}
}

func DeleteMutation(key DocumentKey) Mutation {
	return Mutation{Kind: MutationDelete, Key: key}
}
