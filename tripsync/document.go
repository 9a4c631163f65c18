package tripsync

import (
	"fmt"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// the standard collections seeded into every new trip document.
// clients may add more named collections at any time.
var DefaultCollectionNames = []string{
	"days",
	"schedule",
	"bookings",
	"expenses",
	"journal",
	"lists",
	"members",
	"rates",
}

type Fields = map[string]any

// one addressable item in a sequence collection.
// the entry id is assigned by the creating client and is unique
// within the collection for the life of the document.
type Entry struct {
	EntryId string `json:"entry_id"`
	Fields  Fields `json:"fields,omitempty"`

	// store-assigned commit version of the last write per field.
	// used to detect concurrent same-field writes at merge time.
	FieldVersions map[string]Version `json:"field_versions,omitempty"`
}

func NewEntry(fields Fields) *Entry {
	return &Entry{
		EntryId: NewId().String(),
		Fields:  fields,
	}
}

func (self *Entry) Clone() *Entry {
	clone := &Entry{
		EntryId: self.EntryId,
		Fields:  cloneFields(self.Fields),
	}
	if self.FieldVersions != nil {
		clone.FieldVersions = map[string]Version{}
		maps.Copy(clone.FieldVersions, self.FieldVersions)
	}
	return clone
}

// a named, independently serialized section of a trip document.
// either an ordered sequence of entries or a singleton structured value.
type Collection struct {
	Entries []*Entry `json:"entries,omitempty"`
	Value   Fields   `json:"value,omitempty"`

	ValueVersions map[string]Version `json:"value_versions,omitempty"`
}

func (self *Collection) Clone() *Collection {
	clone := &Collection{}
	if self.Entries != nil {
		clone.Entries = make([]*Entry, len(self.Entries))
		for i, entry := range self.Entries {
			clone.Entries[i] = entry.Clone()
		}
	}
	clone.Value = cloneFields(self.Value)
	if self.ValueVersions != nil {
		clone.ValueVersions = map[string]Version{}
		maps.Copy(clone.ValueVersions, self.ValueVersions)
	}
	return clone
}

func (self *Collection) Entry(entryId string) *Entry {
	for _, entry := range self.Entries {
		if entry.EntryId == entryId {
			return entry
		}
	}
	return nil
}

func (self *Collection) EntryIds() []string {
	entryIds := make([]string, len(self.Entries))
	for i, entry := range self.Entries {
		entryIds[i] = entry.EntryId
	}
	return entryIds
}

// the unit of sharing. owned collectively by everyone holding the code.
type Document struct {
	Code        TripCode               `json:"code"`
	Name        string                 `json:"name"`
	Version     Version                `json:"version"`
	Collections map[string]*Collection `json:"collections"`
}

func NewDocument(code TripCode, name string) *Document {
	collections := map[string]*Collection{}
	for _, collectionName := range DefaultCollectionNames {
		collections[collectionName] = &Collection{}
	}
	return &Document{
		Code:        code,
		Name:        name,
		Version:     1,
		Collections: collections,
	}
}

func (self *Document) Clone() *Document {
	clone := &Document{
		Code:        self.Code,
		Name:        self.Name,
		Version:     self.Version,
		Collections: map[string]*Collection{},
	}
	for collectionName, collection := range self.Collections {
		clone.Collections[collectionName] = collection.Clone()
	}
	return clone
}

func (self *Document) Collection(collectionName string) *Collection {
	return self.Collections[collectionName]
}

func (self *Document) CollectionNames() []string {
	collectionNames := maps.Keys(self.Collections)
	slices.Sort(collectionNames)
	return collectionNames
}

type MutationOp string

const (
	MutationAppendEntry       MutationOp = "append_entry"
	MutationRemoveEntry       MutationOp = "remove_entry"
	MutationUpdateEntryFields MutationOp = "update_entry_fields"
	MutationReplaceCollection MutationOp = "replace_collection"
)

// one field-level write against a named collection.
// `ObservedVersion` is the latest document version the issuing client
// had seen when it generated the mutation. The resolver uses it to
// decide whether the mutation raced another commit.
type Mutation struct {
	Op      MutationOp `json:"op"`
	Entry   *Entry     `json:"entry,omitempty"`
	EntryId string     `json:"entry_id,omitempty"`
	Fields  Fields     `json:"fields,omitempty"`
	Entries []*Entry   `json:"entries,omitempty"`
	Value   Fields     `json:"value,omitempty"`

	ObservedVersion Version   `json:"observed_version,omitempty"`
	ClientTime      time.Time `json:"client_time,omitempty"`
}

func AppendEntry(entry *Entry) *Mutation {
	return &Mutation{
		Op:         MutationAppendEntry,
		Entry:      entry,
		ClientTime: time.Now(),
	}
}

func RemoveEntry(entryId string) *Mutation {
	return &Mutation{
		Op:         MutationRemoveEntry,
		EntryId:    entryId,
		ClientTime: time.Now(),
	}
}

func UpdateEntryFields(entryId string, fields Fields) *Mutation {
	return &Mutation{
		Op:         MutationUpdateEntryFields,
		EntryId:    entryId,
		Fields:     fields,
		ClientTime: time.Now(),
	}
}

func ReplaceCollection(entries []*Entry) *Mutation {
	return &Mutation{
		Op:         MutationReplaceCollection,
		Entries:    entries,
		ClientTime: time.Now(),
	}
}

func ReplaceValue(value Fields) *Mutation {
	return &Mutation{
		Op:         MutationReplaceCollection,
		Value:      value,
		ClientTime: time.Now(),
	}
}

func (self *Mutation) Validate() error {
	switch self.Op {
	case MutationAppendEntry:
		if self.Entry == nil || self.Entry.EntryId == "" {
			return fmt.Errorf("%w: append requires an entry with an id", ErrInvalidMutation)
		}
	case MutationRemoveEntry:
		if self.EntryId == "" {
			return fmt.Errorf("%w: remove requires an entry id", ErrInvalidMutation)
		}
	case MutationUpdateEntryFields:
		if self.EntryId == "" || len(self.Fields) == 0 {
			return fmt.Errorf("%w: update requires an entry id and fields", ErrInvalidMutation)
		}
	case MutationReplaceCollection:
	default:
		return fmt.Errorf("%w: unknown op %s", ErrInvalidMutation, self.Op)
	}
	return nil
}

func (self *Mutation) Clone() *Mutation {
	clone := &Mutation{
		Op:              self.Op,
		EntryId:         self.EntryId,
		Fields:          cloneFields(self.Fields),
		Value:           cloneFields(self.Value),
		ObservedVersion: self.ObservedVersion,
		ClientTime:      self.ClientTime,
	}
	if self.Entry != nil {
		clone.Entry = self.Entry.Clone()
	}
	if self.Entries != nil {
		clone.Entries = make([]*Entry, len(self.Entries))
		for i, entry := range self.Entries {
			clone.Entries[i] = entry.Clone()
		}
	}
	return clone
}

func cloneFields(fields Fields) Fields {
	if fields == nil {
		return nil
	}
	clone := Fields{}
	for name, value := range fields {
		switch v := value.(type) {
		case Fields:
			clone[name] = cloneFields(v)
		case []any:
			clone[name] = slices.Clone(v)
		default:
			clone[name] = value
		}
	}
	return clone
}
