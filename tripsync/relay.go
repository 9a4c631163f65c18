package tripsync

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/golang/glog"
	"github.com/nats-io/nats.go"
)

const relaySubjectPrefix = "tripsync.trip."

// bridges committed mutations between sync nodes over NATS.
// each node publishes its local commits to `tripsync.trip.<code>` and
// forwards commits from peer nodes into its local broadcaster, so
// sessions connected to different nodes observe the same stream.
// relayed notifications are read-only fan-out; the publishing node's
// store stays the authority for its trips
type Relay struct {
	ctx         context.Context
	nc          *nats.Conn
	store       DocumentStore
	broadcaster *Broadcaster

	nodeId Id

	storeUnsub func()
	sub        *nats.Subscription
}

type relayMessage struct {
	NodeId             Id        `json:"node_id"`
	Code               TripCode  `json:"code"`
	Version            Version   `json:"version"`
	Document           *Document `json:"document"`
	ChangedCollections []string  `json:"changed_collections,omitempty"`
	MergedFields       []string  `json:"merged_fields,omitempty"`
}

func NewRelay(ctx context.Context, natsUrl string, store DocumentStore, broadcaster *Broadcaster) (*Relay, error) {
	nc, err := nats.Connect(
		natsUrl,
		nats.Name("tripsync-relay"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("relay connect: %w", err)
	}

	relay := &Relay{
		ctx:         ctx,
		nc:          nc,
		store:       store,
		broadcaster: broadcaster,
		nodeId:      NewId(),
	}

	sub, err := nc.Subscribe(relaySubjectPrefix+">", relay.receive)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("relay subscribe: %w", err)
	}
	relay.sub = sub
	relay.storeUnsub = store.AddCommitCallback(relay.publish)

	glog.V(1).Infof("[rl]node %s relaying via %s\n", relay.nodeId, natsUrl)
	return relay, nil
}

func (self *Relay) NodeId() Id {
	return self.nodeId
}

// CommitFunction. nats publishes are buffered, never blocking the commit
func (self *Relay) publish(commit *Commit) {
	message := &relayMessage{
		NodeId:             self.nodeId,
		Code:               commit.Code,
		Version:            commit.Version,
		Document:           commit.Document,
		ChangedCollections: []string{commit.CollectionName},
		MergedFields:       commit.MergedFields,
	}
	messageJson, err := json.Marshal(message)
	if err != nil {
		glog.Infof("[rl]marshal error = %s\n", err)
		return
	}
	if err := self.nc.Publish(relaySubjectPrefix+commit.Code.String(), messageJson); err != nil {
		glog.Infof("[rl]publish error = %s\n", err)
	}
}

// nats.MsgHandler
func (self *Relay) receive(msg *nats.Msg) {
	message := &relayMessage{}
	if err := json.Unmarshal(msg.Data, message); err != nil {
		glog.Infof("[rl]unmarshal error = %s\n", err)
		return
	}
	if message.NodeId == self.nodeId {
		// own echo
		return
	}
	glog.V(2).Infof("[rl]<- %s v%d from %s\n", message.Code, message.Version, message.NodeId)
	self.broadcaster.Forward(&Notification{
		Code:               message.Code,
		Version:            message.Version,
		Document:           message.Document,
		ChangedCollections: message.ChangedCollections,
		MergedFields:       message.MergedFields,
	})
}

func (self *Relay) Close() {
	self.storeUnsub()
	self.sub.Unsubscribe()
	self.nc.Drain()
}
