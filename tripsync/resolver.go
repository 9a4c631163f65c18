package tripsync

import (
	"fmt"
)

// merge policy for mutations that raced at the client level.
//
// a mutation is concurrent with a prior commit when its observed version
// predates the version that committed the prior write. the store serializes
// all mutations per (trip, collection), so the resolver only ever sees one
// mutation at a time and decides against the committed state:
// - append-entry never conflicts. both entries are kept in store arrival order
// - remove-entry is idempotent
// - update-entry-fields merges at field granularity. disjoint fields both
//   apply. same-field writes resolve last-writer-wins by commit order, and
//   the overwritten path is reported in the merge outcome
// - replace-collection is last-writer-wins at collection granularity

type ConflictResolver struct {
}

func NewConflictResolver() *ConflictResolver {
	return &ConflictResolver{}
}

// the resolution of one mutation against the committed collection state.
// `MergedFields` lists the field paths where a concurrent write was
// overwritten or dropped. these are informational, never errors.
type MergeOutcome struct {
	Changed      bool
	MergedFields []string
}

// applies `mutation` to `collection` in place.
// `nextVersion` is the version the commit will be assigned if accepted.
func (self *ConflictResolver) Resolve(collection *Collection, mutation *Mutation, nextVersion Version) (*MergeOutcome, error) {
	if err := mutation.Validate(); err != nil {
		return nil, err
	}

	outcome := &MergeOutcome{}
	switch mutation.Op {
	case MutationAppendEntry:
		self.resolveAppend(collection, mutation, nextVersion, outcome)
	case MutationRemoveEntry:
		self.resolveRemove(collection, mutation, outcome)
	case MutationUpdateEntryFields:
		self.resolveUpdate(collection, mutation, nextVersion, outcome)
	case MutationReplaceCollection:
		self.resolveReplace(collection, mutation, nextVersion, outcome)
	default:
		return nil, fmt.Errorf("%w: unknown op %s", ErrInvalidMutation, mutation.Op)
	}
	return outcome, nil
}

func (self *ConflictResolver) resolveAppend(collection *Collection, mutation *Mutation, nextVersion Version, outcome *MergeOutcome) {
	if collection.Entry(mutation.Entry.EntryId) != nil {
		// duplicate append, e.g. an offline replay of an already acked
		// mutation. entry ids are unique for the life of the document
		outcome.MergedFields = append(outcome.MergedFields, mutation.Entry.EntryId)
		return
	}
	entry := mutation.Entry.Clone()
	entry.FieldVersions = map[string]Version{}
	for fieldName := range entry.Fields {
		entry.FieldVersions[fieldName] = nextVersion
	}
	collection.Entries = append(collection.Entries, entry)
	outcome.Changed = true
}

func (self *ConflictResolver) resolveRemove(collection *Collection, mutation *Mutation, outcome *MergeOutcome) {
	for i, entry := range collection.Entries {
		if entry.EntryId == mutation.EntryId {
			collection.Entries = append(collection.Entries[:i], collection.Entries[i+1:]...)
			outcome.Changed = true
			return
		}
	}
	// removing an already removed id is a no-op
}

func (self *ConflictResolver) resolveUpdate(collection *Collection, mutation *Mutation, nextVersion Version, outcome *MergeOutcome) {
	entry := collection.Entry(mutation.EntryId)
	if entry == nil {
		// the entry was removed or replaced away by a concurrent commit.
		// the later remove/replace wins at entry granularity
		for fieldName := range mutation.Fields {
			outcome.MergedFields = append(outcome.MergedFields, fieldPath(mutation.EntryId, fieldName))
		}
		return
	}
	if entry.Fields == nil {
		entry.Fields = Fields{}
	}
	if entry.FieldVersions == nil {
		entry.FieldVersions = map[string]Version{}
	}
	for fieldName, value := range mutation.Fields {
		if fieldVersion, ok := entry.FieldVersions[fieldName]; ok && mutation.ObservedVersion < fieldVersion {
			// concurrent write to the same field.
			// this mutation commits later, so it wins
			outcome.MergedFields = append(outcome.MergedFields, fieldPath(mutation.EntryId, fieldName))
		}
		entry.Fields[fieldName] = value
		entry.FieldVersions[fieldName] = nextVersion
	}
	outcome.Changed = true
}

func (self *ConflictResolver) resolveReplace(collection *Collection, mutation *Mutation, nextVersion Version, outcome *MergeOutcome) {
	if mutation.Entries != nil || mutation.Value == nil {
		collection.Entries = make([]*Entry, len(mutation.Entries))
		for i, entry := range mutation.Entries {
			next := entry.Clone()
			next.FieldVersions = map[string]Version{}
			for fieldName := range next.Fields {
				next.FieldVersions[fieldName] = nextVersion
			}
			collection.Entries[i] = next
		}
	}
	if mutation.Value != nil {
		collection.Value = cloneFields(mutation.Value)
		collection.ValueVersions = map[string]Version{}
		for fieldName := range mutation.Value {
			collection.ValueVersions[fieldName] = nextVersion
		}
	}
	outcome.Changed = true
}

func fieldPath(entryId string, fieldName string) string {
	return fmt.Sprintf("%s.%s", entryId, fieldName)
}
