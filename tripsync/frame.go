package tripsync

import (
	"errors"
	"fmt"
)

// wire frames exchanged between a remote session and the sync server.
// json over a single websocket connection. the core is protocol-agnostic;
// this layer is one adapter over the in-process engine surface

type FrameType string

const (
	// client -> server
	FrameTypeCreate FrameType = "create"
	FrameTypeJoin   FrameType = "join"
	FrameTypeOpen   FrameType = "open"
	FrameTypeMutate FrameType = "mutate"

	// server -> client
	FrameTypeDocument FrameType = "document"
	FrameTypeAck      FrameType = "ack"
	FrameTypeNotify   FrameType = "notify"
	FrameTypeEvent    FrameType = "event"
	FrameTypeError    FrameType = "error"
)

type Frame struct {
	Type FrameType `json:"type"`
	// client-assigned request id, echoed in the matching ack/error
	FrameId int64 `json:"frame_id,omitempty"`

	Name           string    `json:"name,omitempty"`
	Code           TripCode  `json:"code,omitempty"`
	CollectionName string    `json:"collection_name,omitempty"`
	Mutation       *Mutation `json:"mutation,omitempty"`

	Document           *Document     `json:"document,omitempty"`
	Version            Version       `json:"version,omitempty"`
	ChangedCollections []string      `json:"changed_collections,omitempty"`
	MergedFields       []string      `json:"merged_fields,omitempty"`
	Event              *SessionEvent `json:"event,omitempty"`

	ErrorCode string `json:"error_code,omitempty"`
	ErrorText string `json:"error_text,omitempty"`
}

var wireErrors = map[string]error{
	"trip_not_found":       ErrTripNotFound,
	"trip_exists":          ErrTripExists,
	"collection_not_found": ErrCollectionNotFound,
	"id_space_exhausted":   ErrIdSpaceExhausted,
	"queue_full":           ErrQueueFull,
	"invalid_mutation":     ErrInvalidMutation,
	"session_closed":       ErrSessionClosed,
}

func errorFrame(frameId int64, err error) *Frame {
	frame := &Frame{
		Type:      FrameTypeError,
		FrameId:   frameId,
		ErrorText: err.Error(),
	}
	for code, sentinel := range wireErrors {
		if errors.Is(err, sentinel) {
			frame.ErrorCode = code
			break
		}
	}
	return frame
}

func (self *Frame) Err() error {
	if self.Type != FrameTypeError {
		return nil
	}
	if sentinel, ok := wireErrors[self.ErrorCode]; ok {
		return sentinel
	}
	return fmt.Errorf("remote error: %s", self.ErrorText)
}
