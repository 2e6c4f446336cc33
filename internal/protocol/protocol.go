// Package protocol defines the websocket wire format: a JSON envelope
// carrying one of a closed set of client messages or server events.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/thilankadw/Collaborative-Code-Editor-Platform/internal/presence"
	"github.com/thilankadw/Collaborative-Code-Editor-Platform/internal/store"
)

// Represents the type of a message on the wire
type MessageType string

const (
	// Client to server
	TypeJoin       MessageType = "join"
	TypeCodeChange MessageType = "code_change"
	TypeCreateFile MessageType = "create_file"

	// Server to client
	TypeJoined        MessageType = "joined"
	TypeProjectData   MessageType = "project_data"
	TypeCodeUpdate    MessageType = "code_update"
	TypeNewFile       MessageType = "new_file"
	TypeFileCreated   MessageType = "file_created"
	TypeUserLeft      MessageType = "user_left"
	TypeProjectClosed MessageType = "project_closed"
	TypeError         MessageType = "error"
)

var (
	ErrMalformed   = errors.New("malformed message")
	ErrUnknownType = errors.New("unknown message type")
)

// Envelope is the frame every message travels in. ID is an optional
// client-chosen request id echoed on direct replies.
type Envelope struct {
	Type MessageType     `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ClientMessage is implemented only by the types in this package.
type ClientMessage interface {
	clientMessage()
}

// Field names match case-insensitively, so older clients sending
// "projectid" or "filename" decode into the same fields.
type Join struct {
	ProjectID  string `json:"projectId"`
	Username   string `json:"username"`
	SecretCode string `json:"secretCode,omitempty"`
}

type CodeChange struct {
	ProjectID string `json:"projectId,omitempty"`
	FileID    string `json:"fileId"`
	Content   string `json:"content"`
}

type CreateFile struct {
	ProjectID string `json:"projectId,omitempty"`
	FileName  string `json:"fileName"`
}

func (Join) clientMessage()       {}
func (CodeChange) clientMessage() {}
func (CreateFile) clientMessage() {}

// Request is a decoded client frame.
type Request struct {
	ID      string
	Message ClientMessage
}

// Decode parses one client frame. The request id is returned even when
// the payload is rejected so the error reply can carry it.
func Decode(raw []byte) (Request, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	req := Request{ID: env.ID}

	var msg ClientMessage
	switch env.Type {
	case TypeJoin:
		msg = &Join{}
	case TypeCodeChange:
		msg = &CodeChange{}
	case TypeCreateFile:
		msg = &CreateFile{}
	case "":
		return req, fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return req, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, msg); err != nil {
			return req, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Type, err)
		}
	}

	switch m := msg.(type) {
	case *Join:
		req.Message = *m
	case *CodeChange:
		req.Message = *m
	case *CreateFile:
		req.Message = *m
	}
	return req, nil
}

// Event is implemented only by the server event types in this package.
type Event interface {
	Type() MessageType
	event()
}

type Joined struct {
	Clients  []presence.Member `json:"clients"`
	Username string            `json:"username"`
}

type ProjectData struct {
	ProjectID string       `json:"projectId"`
	Files     []store.File `json:"files"`
}

type CodeUpdate struct {
	FileID  string `json:"fileId"`
	Content string `json:"content"`
}

type NewFile struct {
	File store.File `json:"file"`
}

type FileCreated struct {
	File store.File `json:"file"`
}

type UserLeft struct {
	Username string            `json:"username"`
	Clients  []presence.Member `json:"clients"`
}

type ProjectClosed struct {
	ProjectID string `json:"projectId"`
	Reason    string `json:"reason"`
}

type Error struct {
	Message string `json:"message"`
}

func (Joined) Type() MessageType        { return TypeJoined }
func (ProjectData) Type() MessageType   { return TypeProjectData }
func (CodeUpdate) Type() MessageType    { return TypeCodeUpdate }
func (NewFile) Type() MessageType       { return TypeNewFile }
func (FileCreated) Type() MessageType   { return TypeFileCreated }
func (UserLeft) Type() MessageType      { return TypeUserLeft }
func (ProjectClosed) Type() MessageType { return TypeProjectClosed }
func (Error) Type() MessageType         { return TypeError }

func (Joined) event()        {}
func (ProjectData) event()   {}
func (CodeUpdate) event()    {}
func (NewFile) event()       {}
func (FileCreated) event()   {}
func (UserLeft) event()      {}
func (ProjectClosed) event() {}
func (Error) event()         {}

// Encode frames ev for the wire. id is set only on direct replies.
func Encode(id string, ev Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: ev.Type(), ID: id, Data: data})
}
