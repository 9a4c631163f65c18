package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/tripmesh/tripsync/tripsync"
)

const TripCtlVersion = "0.1.0"

const DefaultSyncUrl = "ws://127.0.0.1:8090"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Trip sync control.

The default url is ws://127.0.0.1:8090

Usage:
    tripctl create [--url=<url>] --name=<name>
    tripctl join [--url=<url>] <code>
    tripctl watch [--url=<url>] <code>
    tripctl append [--url=<url>] <code> <collection> <fields_json>
    tripctl set [--url=<url>] <code> <collection> <entry_id> <fields_json>
    tripctl remove [--url=<url>] <code> <collection> <entry_id>
    tripctl trips
    tripctl forget <code>

Options:
    -h --help      Show this screen.
    --version      Show version.
    --url=<url>    Sync server url.
    --name=<name>  Trip name.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], TripCtlVersion)
	if err != nil {
		panic(err)
	}

	if create_, _ := opts.Bool("create"); create_ {
		create(opts)
	} else if join_, _ := opts.Bool("join"); join_ {
		join(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if append_, _ := opts.Bool("append"); append_ {
		appendEntry(opts)
	} else if set_, _ := opts.Bool("set"); set_ {
		setFields(opts)
	} else if remove_, _ := opts.Bool("remove"); remove_ {
		removeEntry(opts)
	} else if trips_, _ := opts.Bool("trips"); trips_ {
		trips(opts)
	} else if forget_, _ := opts.Bool("forget"); forget_ {
		forget(opts)
	}
}

func url(opts docopt.Opts) string {
	if urlAny := opts["--url"]; urlAny != nil {
		return urlAny.(string)
	}
	return DefaultSyncUrl
}

func code(opts docopt.Opts) tripsync.TripCode {
	code, err := tripsync.ParseTripCode(opts["<code>"].(string))
	if err != nil {
		Err.Fatalf("%s", err)
	}
	return code
}

func create(opts docopt.Opts) {
	name := opts["--name"].(string)

	document, err := tripsync.RemoteCreateTrip(
		context.Background(),
		url(opts),
		name,
		tripsync.DefaultRemoteSessionSettings(),
	)
	if err != nil {
		Err.Fatalf("create error: %s", err)
	}

	if roster, err := openRoster(); err == nil {
		roster.Add(document.Code, document.Name)
	}

	Out.Printf("%s", document.Code)
}

func join(opts docopt.Opts) {
	document, err := tripsync.RemoteJoinTrip(
		context.Background(),
		url(opts),
		code(opts),
		tripsync.DefaultRemoteSessionSettings(),
	)
	if err != nil {
		Err.Fatalf("join error: %s", err)
	}

	if roster, err := openRoster(); err == nil {
		roster.Add(document.Code, document.Name)
	}

	documentJson, err := json.MarshalIndent(document, "", "  ")
	if err != nil {
		Err.Fatalf("%s", err)
	}
	Out.Printf("%s", documentJson)
}

func watch(opts docopt.Opts) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-c
		cancel()
	}()

	callbacks := &tripsync.SessionCallbacks{
		Update: func(document *tripsync.Document, version tripsync.Version) {
			documentJson, err := json.Marshal(document)
			if err != nil {
				return
			}
			Out.Printf("v%d %s", version, documentJson)
		},
		Event: func(event tripsync.SessionEvent) {
			Out.Printf("event %s %s", event.Type, event.Detail)
		},
	}

	session, err := tripsync.DialSession(
		cancelCtx,
		url(opts),
		code(opts),
		callbacks,
		tripsync.DefaultRemoteSessionSettings(),
	)
	if err != nil {
		Err.Fatalf("open error: %s", err)
	}
	defer session.Close()

	<-cancelCtx.Done()
}

func mutate(opts docopt.Opts, collectionName string, mutation *tripsync.Mutation) {
	session, err := tripsync.DialSession(
		context.Background(),
		url(opts),
		code(opts),
		nil,
		tripsync.DefaultRemoteSessionSettings(),
	)
	if err != nil {
		Err.Fatalf("open error: %s", err)
	}
	defer session.Close()

	if err := session.Mutate(collectionName, mutation); err != nil {
		Err.Fatalf("mutate error: %s", err)
	}

	// wait for the queue to drain so the mutation is durably committed
	for 0 < session.QueueSize() {
		time.Sleep(50 * time.Millisecond)
	}
}

func appendEntry(opts docopt.Opts) {
	collectionName := opts["<collection>"].(string)

	fields := tripsync.Fields{}
	if err := json.Unmarshal([]byte(opts["<fields_json>"].(string)), &fields); err != nil {
		Err.Fatalf("bad fields json: %s", err)
	}

	entry := tripsync.NewEntry(fields)
	mutate(opts, collectionName, tripsync.AppendEntry(entry))
	Out.Printf("%s", entry.EntryId)
}

func setFields(opts docopt.Opts) {
	collectionName := opts["<collection>"].(string)
	entryId := opts["<entry_id>"].(string)

	fields := tripsync.Fields{}
	if err := json.Unmarshal([]byte(opts["<fields_json>"].(string)), &fields); err != nil {
		Err.Fatalf("bad fields json: %s", err)
	}

	mutate(opts, collectionName, tripsync.UpdateEntryFields(entryId, fields))
}

func removeEntry(opts docopt.Opts) {
	collectionName := opts["<collection>"].(string)
	entryId := opts["<entry_id>"].(string)

	mutate(opts, collectionName, tripsync.RemoveEntry(entryId))
}

func trips(opts docopt.Opts) {
	roster, err := openRoster()
	if err != nil {
		Err.Fatalf("%s", err)
	}
	for _, entry := range roster.Entries() {
		Out.Printf("%s  %s (v%d)", entry.Code, entry.Name, entry.LastVersion)
	}
}

func forget(opts docopt.Opts) {
	roster, err := openRoster()
	if err != nil {
		Err.Fatalf("%s", err)
	}
	if err := roster.Forget(code(opts)); err != nil {
		Err.Fatalf("%s", err)
	}
}

func openRoster() (*tripsync.Roster, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	return tripsync.LoadRoster(filepath.Join(home, ".config", "tripctl", "trips.yaml"))
}
