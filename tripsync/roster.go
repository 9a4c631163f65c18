package tripsync

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"gopkg.in/yaml.v3"
)

// a trip code this device has previously joined. purely advisory for the
// UI layer; has no bearing on the sync protocol and is not authoritative
type RosterEntry struct {
	Code        TripCode  `yaml:"code"`
	Name        string    `yaml:"name"`
	LastVersion Version   `yaml:"last_version,omitempty"`
	JoinTime    time.Time `yaml:"join_time"`
}

// device-local list of joined trips, persisted as yaml.
// "forgetting" a code here is the only form of trip deletion a client has
type Roster struct {
	path string

	mutex   sync.Mutex
	entries []*RosterEntry
}

func LoadRoster(path string) (*Roster, error) {
	roster := &Roster{
		path: path,
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return roster, nil
	}
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, &roster.entries); err != nil {
		return nil, err
	}
	return roster, nil
}

func (self *Roster) Entries() []*RosterEntry {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return slices.Clone(self.entries)
}

func (self *Roster) Add(code TripCode, name string) error {
	self.mutex.Lock()
	for _, entry := range self.entries {
		if entry.Code == code {
			entry.Name = name
			self.mutex.Unlock()
			return self.Save()
		}
	}
	self.entries = append(self.entries, &RosterEntry{
		Code:     code,
		Name:     name,
		JoinTime: time.Now().UTC(),
	})
	self.mutex.Unlock()
	return self.Save()
}

func (self *Roster) Touch(code TripCode, version Version) error {
	self.mutex.Lock()
	for _, entry := range self.entries {
		if entry.Code == code && entry.LastVersion < version {
			entry.LastVersion = version
		}
	}
	self.mutex.Unlock()
	return self.Save()
}

// client-local forget. never deletes anything server-side
func (self *Roster) Forget(code TripCode) error {
	self.mutex.Lock()
	self.entries = slices.DeleteFunc(slices.Clone(self.entries), func(entry *RosterEntry) bool {
		return entry.Code == code
	})
	self.mutex.Unlock()
	return self.Save()
}

func (self *Roster) Save() error {
	self.mutex.Lock()
	data, err := yaml.Marshal(self.entries)
	self.mutex.Unlock()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(self.path), 0755); err != nil {
		return err
	}
	return os.WriteFile(self.path, data, 0644)
}
