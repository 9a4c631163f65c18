package tripsync

import (
	"context"
	"net/http"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

const serverSendBufferSize = 32

type SyncServerSettings struct {
	WsHandshakeTimeout time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	PingTimeout        time.Duration
}

func DefaultSyncServerSettings() *SyncServerSettings {
	return &SyncServerSettings{
		WsHandshakeTimeout: 2 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        30 * time.Second,
		PingTimeout:        10 * time.Second,
	}
}

// accepts websocket connections and bridges each one onto the engine.
// one sync session per connection, opened by the first `open` frame.
// create/join frames may be sent without opening a session
type SyncServer struct {
	ctx    context.Context
	engine *Engine

	// optional
	metrics *Metrics

	settings *SyncServerSettings

	upgrader *websocket.Upgrader
}

func NewSyncServerWithDefaults(ctx context.Context, engine *Engine) *SyncServer {
	return NewSyncServer(ctx, engine, nil, DefaultSyncServerSettings())
}

func NewSyncServer(ctx context.Context, engine *Engine, metrics *Metrics, settings *SyncServerSettings) *SyncServer {
	return &SyncServer{
		ctx:      ctx,
		engine:   engine,
		metrics:  metrics,
		settings: settings,
		upgrader: &websocket.Upgrader{
			HandshakeTimeout: settings.WsHandshakeTimeout,
			// the sync protocol has its own session handshake
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

func (self *SyncServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[sv]upgrade error = %s\n", err)
		return
	}
	go self.handle(ws)
}

func (self *SyncServer) handle(ws *websocket.Conn) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	send := make(chan *Frame, serverSendBufferSize)

	var session *SyncSession
	defer func() {
		if session != nil {
			session.Close()
			if self.metrics != nil {
				self.metrics.ActiveSessions.Dec()
			}
		}
	}()

	// write pump
	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case frame, ok := <-send:
				if !ok {
					return
				}
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteJSON(frame); err != nil {
					glog.Infof("[sv]-> error = %s\n", err)
					return
				}
				glog.V(2).Infof("[sv]-> %s\n", frame.Type)
			case <-time.After(self.settings.PingTimeout):
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	enqueue := func(frame *Frame) {
		select {
		case <-handleCtx.Done():
		case send <- frame:
		}
	}

	// read pump
	for {
		select {
		case <-handleCtx.Done():
			return
		default:
		}

		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		frame := &Frame{}
		if err := ws.ReadJSON(frame); err != nil {
			glog.V(1).Infof("[sv]<- error = %s\n", err)
			return
		}

		switch frame.Type {
		case FrameTypeCreate:
			document, err := self.engine.CreateTrip(handleCtx, frame.Name)
			if err != nil {
				enqueue(errorFrame(frame.FrameId, err))
				continue
			}
			if self.metrics != nil {
				self.metrics.TripCount.Inc()
			}
			enqueue(&Frame{
				Type:     FrameTypeDocument,
				FrameId:  frame.FrameId,
				Code:     document.Code,
				Document: document,
				Version:  document.Version,
			})
		case FrameTypeJoin:
			document, err := self.engine.JoinTrip(handleCtx, frame.Code)
			if err != nil {
				enqueue(errorFrame(frame.FrameId, err))
				continue
			}
			enqueue(&Frame{
				Type:     FrameTypeDocument,
				FrameId:  frame.FrameId,
				Code:     document.Code,
				Document: document,
				Version:  document.Version,
			})
		case FrameTypeOpen:
			if session != nil {
				enqueue(errorFrame(frame.FrameId, ErrSessionClosed))
				continue
			}
			callbacks := &SessionCallbacks{
				Update: func(document *Document, version Version) {
					if self.metrics != nil {
						self.metrics.NotificationCount.Inc()
					}
					enqueue(&Frame{
						Type:     FrameTypeNotify,
						Code:     document.Code,
						Document: document,
						Version:  version,
					})
				},
				Event: func(event SessionEvent) {
					e := event
					enqueue(&Frame{
						Type:  FrameTypeEvent,
						Event: &e,
					})
				},
			}
			opened, err := self.engine.OpenSession(handleCtx, frame.Code, callbacks)
			if err != nil {
				enqueue(errorFrame(frame.FrameId, err))
				continue
			}
			session = opened
			if self.metrics != nil {
				self.metrics.ActiveSessions.Inc()
			}
			enqueue(&Frame{
				Type:    FrameTypeAck,
				FrameId: frame.FrameId,
				Code:    frame.Code,
				Version: session.LastVersion(),
			})
		case FrameTypeMutate:
			if session == nil || frame.Mutation == nil {
				enqueue(errorFrame(frame.FrameId, ErrInvalidMutation))
				continue
			}
			commit, err := self.engine.Store().ApplyMutation(handleCtx, session.Code(), frame.CollectionName, frame.Mutation)
			if err != nil {
				enqueue(errorFrame(frame.FrameId, err))
				continue
			}
			enqueue(&Frame{
				Type:         FrameTypeAck,
				FrameId:      frame.FrameId,
				Code:         commit.Code,
				Version:      commit.Version,
				MergedFields: commit.MergedFields,
			})
		default:
			glog.V(1).Infof("[sv]<- unknown frame %s\n", frame.Type)
		}
	}
}
