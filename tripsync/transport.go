package tripsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

type RemoteSessionSettings struct {
	WsHandshakeTimeout time.Duration
	ConnectTimeout     time.Duration
	MutateTimeout      time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	PingTimeout        time.Duration

	ReconnectMinTimeout time.Duration
	ReconnectMaxTimeout time.Duration

	QueueSettings *OfflineQueueSettings
}

func DefaultRemoteSessionSettings() *RemoteSessionSettings {
	return &RemoteSessionSettings{
		WsHandshakeTimeout:  2 * time.Second,
		ConnectTimeout:      10 * time.Second,
		MutateTimeout:       5 * time.Second,
		WriteTimeout:        5 * time.Second,
		ReadTimeout:         30 * time.Second,
		PingTimeout:         10 * time.Second,
		ReconnectMinTimeout: 1 * time.Second,
		ReconnectMaxTimeout: 30 * time.Second,
		QueueSettings:       DefaultOfflineQueueSettings(),
	}
}

// a sync session over a websocket connection to a remote `SyncServer`.
//
// every mutation is queued locally and removed only after the server
// acknowledges it, so connected and offline operation share one path:
// the connection loop drains the queue whenever a connection is up and
// the queue simply grows while it is not. the local view is updated
// speculatively on mutate and reconciled against server notifications
// in version order.
type RemoteSession struct {
	ctx    context.Context
	cancel context.CancelFunc

	url       string
	code      TripCode
	callbacks *SessionCallbacks

	settings *RemoteSessionSettings

	resolver *ConflictResolver
	queue    *OfflineQueue

	queueMonitor *Monitor

	mutex         sync.Mutex
	state         SessionState
	lastVersion   Version
	localDocument *Document
	nextFrameId   int64
	acks          map[int64]chan *Frame
}

// dials the server, opens a session on the trip and starts the
// connection loop. fails with `ErrTripNotFound` if the trip does not
// exist and `ErrConnectTimeout` if the server does not answer in time
func DialSession(ctx context.Context, url string, code TripCode, callbacks *SessionCallbacks, settings *RemoteSessionSettings) (*RemoteSession, error) {
	cancelCtx, cancel := context.WithCancel(ctx)
	session := &RemoteSession{
		ctx:          cancelCtx,
		cancel:       cancel,
		url:          url,
		code:         code,
		callbacks:    callbacks,
		settings:     settings,
		resolver:     NewConflictResolver(),
		queue:        NewOfflineQueue(settings.QueueSettings),
		queueMonitor: NewMonitor(),
		state:        SessionStateConnecting,
		acks:         map[int64]chan *Frame{},
	}

	ws, err := session.connect()
	if err != nil {
		cancel()
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrConnectTimeout
		}
		return nil, err
	}

	session.setState(SessionStateConnected)
	go session.run(ws)

	return session, nil
}

func (self *RemoteSession) Code() TripCode {
	return self.code
}

func (self *RemoteSession) State() SessionState {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.state
}

func (self *RemoteSession) QueueSize() int {
	return self.queue.Size()
}

func (self *RemoteSession) Mutate(collectionName string, mutation *Mutation) error {
	if err := mutation.Validate(); err != nil {
		return err
	}

	self.mutex.Lock()
	if self.state == SessionStateClosed {
		self.mutex.Unlock()
		return ErrSessionClosed
	}
	mutation.ObservedVersion = self.lastVersion
	self.applyOptimisticLocked(collectionName, mutation)
	optimistic := self.localDocument
	version := self.lastVersion
	self.mutex.Unlock()

	self.update(optimistic, version)

	if err := self.queue.Enqueue(collectionName, mutation); err != nil {
		return err
	}
	self.queueMonitor.NotifyAll()
	return nil
}

func (self *RemoteSession) Close() {
	self.mutex.Lock()
	if self.state == SessionStateClosed {
		self.mutex.Unlock()
		return
	}
	self.state = SessionStateClosed
	self.mutex.Unlock()
	self.cancel()
}

// dial and open. used for the initial connect and every reconnect
func (self *RemoteSession) connect() (*websocket.Conn, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	dialCtx, dialCancel := context.WithTimeout(self.ctx, self.settings.ConnectTimeout)
	defer dialCancel()

	ws, _, err := dialer.DialContext(dialCtx, self.url, nil)
	if err != nil {
		return nil, err
	}

	success := false
	defer func() {
		if !success {
			ws.Close()
		}
	}()

	openFrame := &Frame{
		Type: FrameTypeOpen,
		Code: self.code,
	}
	ws.SetWriteDeadline(time.Now().Add(self.settings.ConnectTimeout))
	if err := ws.WriteJSON(openFrame); err != nil {
		return nil, err
	}
	// the first snapshot notification may arrive ahead of the open ack
	for {
		ws.SetReadDeadline(time.Now().Add(self.settings.ConnectTimeout))
		reply := &Frame{}
		if err := ws.ReadJSON(reply); err != nil {
			return nil, err
		}
		switch reply.Type {
		case FrameTypeNotify:
			self.receive(reply)
		case FrameTypeError:
			return nil, reply.Err()
		default:
			success = true
			return ws, nil
		}
	}
}

func (self *RemoteSession) run(ws *websocket.Conn) {
	defer self.Close()

	first := true
	for {
		if !first {
			reconnect := NewReconnect(self.settings.ReconnectMinTimeout, self.settings.ReconnectMaxTimeout)
			for {
				select {
				case <-self.ctx.Done():
					return
				case <-reconnect.After():
				}
				var err error
				ws, err = self.connect()
				if err == nil {
					break
				}
				if errors.Is(err, ErrTripNotFound) {
					// deleted server-side during the offline period.
					// terminal for this session
					self.queue.clear()
					self.event(SessionEvent{
						Type: SessionEventTripGone,
					})
					return
				}
				glog.V(1).Infof("[rs]%s reconnect error = %s\n", self.code, err)
			}
			self.setState(SessionStateConnected)
			self.event(SessionEvent{
				Type: SessionEventReconnected,
			})
		}
		first = false

		err := self.handle(ws)
		select {
		case <-self.ctx.Done():
			return
		default:
		}
		self.setState(SessionStateDisconnected)
		self.event(SessionEvent{
			Type:   SessionEventDisconnected,
			Detail: fmt.Sprintf("%s", err),
		})
	}
}

// pumps one connection until it fails: reads notifications and acks,
// drains the offline queue in order, pings on idle
func (self *RemoteSession) handle(ws *websocket.Conn) error {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	readErrors := make(chan error, 1)

	// read pump
	go func() {
		for {
			ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
			frame := &Frame{}
			if err := ws.ReadJSON(frame); err != nil {
				readErrors <- err
				handleCancel()
				return
			}

			switch frame.Type {
			case FrameTypeNotify:
				self.receive(frame)
			case FrameTypeAck, FrameTypeError:
				self.mutex.Lock()
				ackChannel, ok := self.acks[frame.FrameId]
				if ok {
					delete(self.acks, frame.FrameId)
				}
				self.mutex.Unlock()
				if ok {
					ackChannel <- frame
				}
			case FrameTypeEvent:
				if frame.Event != nil {
					self.event(*frame.Event)
				}
			}
		}
	}()

	// replay pump. removes each queued mutation only after the server ack
	for {
		item := self.queue.PeekFirst()
		if item == nil {
			notify := self.queueMonitor.NotifyChannel()
			if item = self.queue.PeekFirst(); item == nil {
				select {
				case <-handleCtx.Done():
					select {
					case err := <-readErrors:
						return err
					default:
						return handleCtx.Err()
					}
				case <-notify:
					continue
				case <-time.After(self.settings.PingTimeout):
					ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
					if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
						return err
					}
					continue
				}
			}
		}

		ack, err := self.send(handleCtx, ws, item)
		if err != nil {
			return err
		}
		if ackErr := ack.Err(); ackErr != nil {
			if errors.Is(ackErr, ErrTripNotFound) {
				self.queue.clear()
				self.event(SessionEvent{
					Type: SessionEventTripGone,
				})
				self.Close()
				return ackErr
			}
			// structural error for this one mutation. drop it and move on
			self.event(SessionEvent{
				Type:   SessionEventError,
				Detail: ackErr.Error(),
			})
		} else if 0 < len(ack.MergedFields) {
			self.event(SessionEvent{
				Type:   SessionEventMerged,
				Detail: fmt.Sprintf("merged fields: %v", ack.MergedFields),
			})
		}
		self.queue.removeFirst()
	}
}

func (self *RemoteSession) send(ctx context.Context, ws *websocket.Conn, item *PendingMutation) (*Frame, error) {
	self.mutex.Lock()
	self.nextFrameId += 1
	frameId := self.nextFrameId
	ackChannel := make(chan *Frame, 1)
	self.acks[frameId] = ackChannel
	self.mutex.Unlock()

	defer func() {
		self.mutex.Lock()
		delete(self.acks, frameId)
		self.mutex.Unlock()
	}()

	frame := &Frame{
		Type:           FrameTypeMutate,
		FrameId:        frameId,
		Code:           self.code,
		CollectionName: item.CollectionName,
		Mutation:       item.Mutation,
	}
	ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	if err := ws.WriteJSON(frame); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case ack := <-ackChannel:
		return ack, nil
	case <-time.After(self.settings.MutateTimeout):
		// no ack in time. tear the connection down and replay on reconnect
		return nil, ErrMutateTimeout
	}
}

func (self *RemoteSession) receive(frame *Frame) {
	if frame.Document == nil {
		return
	}

	self.mutex.Lock()
	if self.state == SessionStateClosed {
		self.mutex.Unlock()
		return
	}
	if frame.Version <= self.lastVersion {
		self.mutex.Unlock()
		return
	}
	self.lastVersion = frame.Version

	localDocument := frame.Document.Clone()
	for _, item := range self.queue.snapshot() {
		if collection, ok := localDocument.Collections[item.CollectionName]; ok {
			self.resolver.Resolve(collection, item.Mutation, localDocument.Version)
		}
	}
	self.localDocument = localDocument
	self.mutex.Unlock()

	self.update(localDocument, frame.Version)
}

func (self *RemoteSession) applyOptimisticLocked(collectionName string, mutation *Mutation) {
	if self.localDocument == nil {
		return
	}
	localDocument := self.localDocument.Clone()
	collection, ok := localDocument.Collections[collectionName]
	if !ok {
		if mutation.Op != MutationReplaceCollection {
			return
		}
		collection = &Collection{}
		localDocument.Collections[collectionName] = collection
	}
	self.resolver.Resolve(collection, mutation.Clone(), localDocument.Version)
	self.localDocument = localDocument
}

func (self *RemoteSession) setState(state SessionState) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.state != SessionStateClosed {
		self.state = state
	}
}

func (self *RemoteSession) update(document *Document, version Version) {
	if self.callbacks == nil || self.callbacks.Update == nil {
		return
	}
	func() {
		defer recover()
		self.callbacks.Update(document, version)
	}()
}

func (self *RemoteSession) event(event SessionEvent) {
	if self.callbacks == nil || self.callbacks.Event == nil {
		return
	}
	func() {
		defer recover()
		self.callbacks.Event(event)
	}()
}

// one-shot create against a remote server
func RemoteCreateTrip(ctx context.Context, url string, name string, settings *RemoteSessionSettings) (*Document, error) {
	reply, err := roundTrip(ctx, url, &Frame{
		Type:    FrameTypeCreate,
		FrameId: 1,
		Name:    name,
	}, settings)
	if err != nil {
		return nil, err
	}
	return reply.Document, nil
}

// one-shot join against a remote server
func RemoteJoinTrip(ctx context.Context, url string, code TripCode, settings *RemoteSessionSettings) (*Document, error) {
	reply, err := roundTrip(ctx, url, &Frame{
		Type:    FrameTypeJoin,
		FrameId: 1,
		Code:    code,
	}, settings)
	if err != nil {
		return nil, err
	}
	return reply.Document, nil
}

func roundTrip(ctx context.Context, url string, frame *Frame, settings *RemoteSessionSettings) (*Frame, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: settings.WsHandshakeTimeout,
	}
	dialCtx, dialCancel := context.WithTimeout(ctx, settings.ConnectTimeout)
	defer dialCancel()

	ws, _, err := dialer.DialContext(dialCtx, url, nil)
	if err != nil {
		return nil, err
	}
	defer ws.Close()

	ws.SetWriteDeadline(time.Now().Add(settings.WriteTimeout))
	if err := ws.WriteJSON(frame); err != nil {
		return nil, err
	}
	ws.SetReadDeadline(time.Now().Add(settings.ReadTimeout))
	reply := &Frame{}
	if err := ws.ReadJSON(reply); err != nil {
		return nil, err
	}
	if err := reply.Err(); err != nil {
		return nil, err
	}
	return reply, nil
}
