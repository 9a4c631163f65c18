package tripsync

import (
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestResolveAppend(t *testing.T) {
	resolver := NewConflictResolver()
	collection := &Collection{}

	entry := NewEntry(Fields{"title": "Louvre", "cost": 17})
	outcome, err := resolver.Resolve(collection, AppendEntry(entry), 2)
	assert.Equal(t, nil, err)
	assert.Equal(t, true, outcome.Changed)
	assert.Equal(t, 0, len(outcome.MergedFields))
	assert.Equal(t, 1, len(collection.Entries))
	assert.Equal(t, Version(2), collection.Entries[0].FieldVersions["title"])

	// a replayed append of the same entry is idempotent
	outcome, err = resolver.Resolve(collection, AppendEntry(entry), 3)
	assert.Equal(t, nil, err)
	assert.Equal(t, false, outcome.Changed)
	assert.Equal(t, []string{entry.EntryId}, outcome.MergedFields)
	assert.Equal(t, 1, len(collection.Entries))
}

func TestResolveConcurrentAppends(t *testing.T) {
	// two clients append different entries while both observed v1.
	// both entries survive, ordered by commit order
	resolver := NewConflictResolver()
	collection := &Collection{}

	a := NewEntry(Fields{"title": "museum"})
	b := NewEntry(Fields{"title": "dinner"})

	mutationA := AppendEntry(a)
	mutationA.ObservedVersion = 1
	mutationB := AppendEntry(b)
	mutationB.ObservedVersion = 1

	_, err := resolver.Resolve(collection, mutationA, 2)
	assert.Equal(t, nil, err)
	_, err = resolver.Resolve(collection, mutationB, 3)
	assert.Equal(t, nil, err)

	assert.Equal(t, []string{a.EntryId, b.EntryId}, collection.EntryIds())
}

func TestResolveDisjointFieldUpdates(t *testing.T) {
	// concurrent updates to different fields of one entry both apply
	resolver := NewConflictResolver()
	collection := &Collection{}

	entry := NewEntry(Fields{"title": "hotel", "cost": 100, "notes": ""})
	_, err := resolver.Resolve(collection, AppendEntry(entry), 2)
	assert.Equal(t, nil, err)

	mutationA := UpdateEntryFields(entry.EntryId, Fields{"cost": 120})
	mutationA.ObservedVersion = 2
	mutationB := UpdateEntryFields(entry.EntryId, Fields{"notes": "late checkout"})
	mutationB.ObservedVersion = 2

	outcome, err := resolver.Resolve(collection, mutationA, 3)
	assert.Equal(t, nil, err)
	assert.Equal(t, 0, len(outcome.MergedFields))

	outcome, err = resolver.Resolve(collection, mutationB, 4)
	assert.Equal(t, nil, err)
	assert.Equal(t, 0, len(outcome.MergedFields))

	merged := collection.Entry(entry.EntryId)
	assert.Equal(t, 120, merged.Fields["cost"])
	assert.Equal(t, "late checkout", merged.Fields["notes"])
	assert.Equal(t, Version(3), merged.FieldVersions["cost"])
	assert.Equal(t, Version(4), merged.FieldVersions["notes"])
}

func TestResolveSameFieldLastWriterWins(t *testing.T) {
	resolver := NewConflictResolver()
	collection := &Collection{}

	entry := NewEntry(Fields{"cost": 100})
	_, err := resolver.Resolve(collection, AppendEntry(entry), 2)
	assert.Equal(t, nil, err)

	mutationA := UpdateEntryFields(entry.EntryId, Fields{"cost": 110})
	mutationA.ObservedVersion = 2
	mutationB := UpdateEntryFields(entry.EntryId, Fields{"cost": 130})
	mutationB.ObservedVersion = 2

	outcome, err := resolver.Resolve(collection, mutationA, 3)
	assert.Equal(t, nil, err)
	assert.Equal(t, 0, len(outcome.MergedFields))

	// b raced a on the same field and commits later, so b wins
	// and the overwrite is reported
	outcome, err = resolver.Resolve(collection, mutationB, 4)
	assert.Equal(t, nil, err)
	assert.Equal(t, []string{fieldPath(entry.EntryId, "cost")}, outcome.MergedFields)

	assert.Equal(t, 130, collection.Entry(entry.EntryId).Fields["cost"])
}

func TestResolveRemoveIdempotent(t *testing.T) {
	resolver := NewConflictResolver()
	collection := &Collection{}

	entry := NewEntry(Fields{"title": "picnic"})
	_, err := resolver.Resolve(collection, AppendEntry(entry), 2)
	assert.Equal(t, nil, err)

	outcome, err := resolver.Resolve(collection, RemoveEntry(entry.EntryId), 3)
	assert.Equal(t, nil, err)
	assert.Equal(t, true, outcome.Changed)
	assert.Equal(t, 0, len(collection.Entries))

	outcome, err = resolver.Resolve(collection, RemoveEntry(entry.EntryId), 4)
	assert.Equal(t, nil, err)
	assert.Equal(t, false, outcome.Changed)
	assert.Equal(t, 0, len(outcome.MergedFields))
}

func TestResolveUpdateAfterRemove(t *testing.T) {
	// an update that raced a remove of its entry is dropped.
	// the remove wins at entry granularity
	resolver := NewConflictResolver()
	collection := &Collection{}

	entry := NewEntry(Fields{"title": "ferry"})
	_, err := resolver.Resolve(collection, AppendEntry(entry), 2)
	assert.Equal(t, nil, err)
	_, err = resolver.Resolve(collection, RemoveEntry(entry.EntryId), 3)
	assert.Equal(t, nil, err)

	mutation := UpdateEntryFields(entry.EntryId, Fields{"title": "late ferry"})
	mutation.ObservedVersion = 2
	outcome, err := resolver.Resolve(collection, mutation, 4)
	assert.Equal(t, nil, err)
	assert.Equal(t, false, outcome.Changed)
	assert.Equal(t, []string{fieldPath(entry.EntryId, "title")}, outcome.MergedFields)
	assert.Equal(t, 0, len(collection.Entries))
}

func TestResolveReplaceCollection(t *testing.T) {
	resolver := NewConflictResolver()
	collection := &Collection{}

	_, err := resolver.Resolve(collection, AppendEntry(NewEntry(Fields{"title": "old"})), 2)
	assert.Equal(t, nil, err)

	next := NewEntry(Fields{"title": "new"})
	outcome, err := resolver.Resolve(collection, ReplaceCollection([]*Entry{next}), 3)
	assert.Equal(t, nil, err)
	assert.Equal(t, true, outcome.Changed)
	assert.Equal(t, []string{next.EntryId}, collection.EntryIds())
	assert.Equal(t, Version(3), collection.Entries[0].FieldVersions["title"])
}

func TestResolveReplaceValue(t *testing.T) {
	resolver := NewConflictResolver()
	collection := &Collection{}

	outcome, err := resolver.Resolve(collection, ReplaceValue(Fields{"currency": "EUR", "rate": 1.08}), 2)
	assert.Equal(t, nil, err)
	assert.Equal(t, true, outcome.Changed)
	assert.Equal(t, "EUR", collection.Value["currency"])
	assert.Equal(t, Version(2), collection.ValueVersions["rate"])
}

func TestResolveInvalidMutation(t *testing.T) {
	resolver := NewConflictResolver()
	collection := &Collection{}

	_, err := resolver.Resolve(collection, &Mutation{Op: MutationUpdateEntryFields}, 2)
	assert.Equal(t, true, errors.Is(err, ErrInvalidMutation))

	_, err = resolver.Resolve(collection, &Mutation{Op: MutationOp("rename")}, 2)
	assert.Equal(t, true, errors.Is(err, ErrInvalidMutation))
}
