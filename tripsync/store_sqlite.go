package tripsync

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - initial schema
const currentSchemaVersion = 1

// durable `DocumentStore` on SQLite.
// WAL mode with a single writer connection. serialization per
// (trip, collection) is enforced in process, so one `SqliteStore`
// must own the database file exclusively.
type SqliteStore struct {
	ctx context.Context
	db  *sql.DB

	resolver *ConflictResolver

	commitCallbacks *CallbackList[CommitFunction]

	mutex           sync.Mutex
	tripLocks       map[TripCode]*sync.Mutex
	collectionLocks map[collectionKey]*sync.Mutex
}

type collectionKey struct {
	code           TripCode
	collectionName string
}

func OpenSqliteStore(ctx context.Context, path string) (*SqliteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// sqlite supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SqliteStore{
		ctx:             ctx,
		db:              db,
		resolver:        NewConflictResolver(),
		commitCallbacks: NewCallbackList[CommitFunction](),
		tripLocks:       map[TripCode]*sync.Mutex{},
		collectionLocks: map[collectionKey]*sync.Mutex{},
	}, nil
}

func (self *SqliteStore) Get(ctx context.Context, code TripCode) (*Document, error) {
	return self.readDocument(ctx, code)
}

func (self *SqliteStore) Create(ctx context.Context, document *Document) (*Document, error) {
	collectionsJson, err := json.Marshal(document.Collections)
	if err != nil {
		return nil, err
	}
	_, err = self.db.ExecContext(
		ctx,
		`INSERT INTO trips (code, name, version, collections, updated_at) VALUES (?, ?, ?, ?, ?)`,
		document.Code.String(),
		document.Name,
		document.Version,
		string(collectionsJson),
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		if sqliteErr, ok := err.(sqlite3.Error); ok && sqliteErr.Code == sqlite3.ErrConstraint {
			return nil, ErrTripExists
		}
		return nil, err
	}
	glog.V(1).Infof("[st]create %s v%d\n", document.Code, document.Version)
	return document.Clone(), nil
}

func (self *SqliteStore) ApplyMutation(ctx context.Context, code TripCode, collectionName string, mutation *Mutation) (*Commit, error) {
	collectionLock := self.collectionLock(code, collectionName)
	collectionLock.Lock()
	defer collectionLock.Unlock()

	tripLock := self.tripLock(code)
	tripLock.Lock()
	defer tripLock.Unlock()

	document, err := self.readDocument(ctx, code)
	if err != nil {
		return nil, err
	}

	collection, ok := document.Collections[collectionName]
	if !ok {
		if mutation.Op != MutationReplaceCollection {
			return nil, ErrCollectionNotFound
		}
		collection = &Collection{}
		document.Collections[collectionName] = collection
	}

	nextVersion := document.Version + 1
	outcome, err := self.resolver.Resolve(collection, mutation, nextVersion)
	if err != nil {
		return nil, err
	}
	document.Version = nextVersion

	collectionsJson, err := json.Marshal(document.Collections)
	if err != nil {
		return nil, err
	}
	_, err = self.db.ExecContext(
		ctx,
		`UPDATE trips SET version = ?, collections = ?, updated_at = ? WHERE code = ?`,
		document.Version,
		string(collectionsJson),
		time.Now().UTC().Format(time.RFC3339),
		code.String(),
	)
	if err != nil {
		return nil, err
	}

	commit := &Commit{
		Code:           code,
		Version:        nextVersion,
		CollectionName: collectionName,
		Document:       document,
		MergedFields:   outcome.MergedFields,
	}
	glog.V(2).Infof("[st]commit %s/%s v%d merged=%d\n", code, collectionName, nextVersion, len(commit.MergedFields))

	// fired under the trip lock so that subscribers observe commits for a
	// trip in version order. callbacks only enqueue
	for _, commitCallback := range self.commitCallbacks.Get() {
		func() {
			defer recover()
			commitCallback(commit)
		}()
	}

	return commit, nil
}

func (self *SqliteStore) AddCommitCallback(callback CommitFunction) func() {
	callbackId := self.commitCallbacks.Add(callback)
	return func() {
		self.commitCallbacks.Remove(callbackId)
	}
}

func (self *SqliteStore) Codes(ctx context.Context) ([]TripCode, error) {
	rows, err := self.db.QueryContext(ctx, `SELECT code FROM trips ORDER BY code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	codes := []TripCode{}
	for rows.Next() {
		var codeStr string
		if err := rows.Scan(&codeStr); err != nil {
			return nil, err
		}
		codes = append(codes, TripCode(codeStr))
	}
	return codes, rows.Err()
}

func (self *SqliteStore) Close() {
	self.db.Close()
}

func (self *SqliteStore) readDocument(ctx context.Context, code TripCode) (*Document, error) {
	var name string
	var version Version
	var collectionsJson string
	err := self.db.QueryRowContext(
		ctx,
		`SELECT name, version, collections FROM trips WHERE code = ?`,
		code.String(),
	).Scan(&name, &version, &collectionsJson)
	if err == sql.ErrNoRows {
		return nil, ErrTripNotFound
	}
	if err != nil {
		return nil, err
	}

	collections := map[string]*Collection{}
	if err := json.Unmarshal([]byte(collectionsJson), &collections); err != nil {
		return nil, fmt.Errorf("corrupt trip document %s: %w", code, err)
	}
	return &Document{
		Code:        code,
		Name:        name,
		Version:     version,
		Collections: collections,
	}, nil
}

func (self *SqliteStore) tripLock(code TripCode) *sync.Mutex {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	tripLock, ok := self.tripLocks[code]
	if !ok {
		tripLock = &sync.Mutex{}
		self.tripLocks[code] = tripLock
	}
	return tripLock
}

func (self *SqliteStore) collectionLock(code TripCode, collectionName string) *sync.Mutex {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	key := collectionKey{
		code:           code,
		collectionName: collectionName,
	}
	collectionLock, ok := self.collectionLocks[key]
	if !ok {
		collectionLock = &sync.Mutex{}
		self.collectionLocks[key] = collectionLock
	}
	return collectionLock
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version < currentSchemaVersion {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
			return fmt.Errorf("set user_version: %w", err)
		}
	}
	return nil
}
