// Package session runs the attach, edit, create-file and detach flows of
// a collaborative editing session.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/thilankadw/Collaborative-Code-Editor-Platform/internal/access"
	"github.com/thilankadw/Collaborative-Code-Editor-Platform/internal/fileset"
	"github.com/thilankadw/Collaborative-Code-Editor-Platform/internal/metrics"
	"github.com/thilankadw/Collaborative-Code-Editor-Platform/internal/presence"
	"github.com/thilankadw/Collaborative-Code-Editor-Platform/internal/protocol"
	"github.com/thilankadw/Collaborative-Code-Editor-Platform/internal/registry"
)

// Messages sent back to a client in error events.
const (
	MsgAccessDenied    = "Access denied"
	MsgProjectNotFound = "Project not found"
	MsgServerError     = "Server error"
	MsgNotJoined       = "Join a project first"
	MsgAlreadyJoined   = "Already joined a project"
	MsgWrongProject    = "Not joined to this project"
	MsgMissingProject  = "Project id is required"
	MsgInvalidFileName = "Invalid file name"
)

const anonymousName = "Anonymous"

var (
	ErrMissingProject = errors.New("missing project id")
	ErrAlreadyJoined  = errors.New("connection already joined a project")
)

// Broadcaster delivers events to connections without blocking.
type Broadcaster interface {
	Publish(projectID, exclude string, ev protocol.Event) error
	SendTo(connID, id string, ev protocol.Event) error
}

type Authorizer interface {
	Authorize(ctx context.Context, projectID, identity, secretCode string) error
}

type Sessions interface {
	Acquire(ctx context.Context, projectID, identity string) (*fileset.FileSet, error)
	Release(projectID string)
}

type Saver interface {
	Schedule(projectID string)
}

type attachment struct {
	projectID string
	fs        *fileset.FileSet
}

type Engine struct {
	gate     Authorizer
	sessions Sessions
	presence *presence.Tracker
	out      Broadcaster
	saver    Saver
	logger   *zap.Logger

	mu       sync.Mutex
	attached map[string]attachment
}

func NewEngine(gate Authorizer, sessions Sessions, tracker *presence.Tracker, out Broadcaster, saver Saver, logger *zap.Logger) *Engine {
	return &Engine{
		gate:     gate,
		sessions: sessions,
		presence: tracker,
		out:      out,
		saver:    saver,
		logger:   logger.Named("session"),
		attached: make(map[string]attachment),
	}
}

// Dispatch routes one decoded client message.
func (e *Engine) Dispatch(ctx context.Context, connID, identity string, req protocol.Request) {
	switch m := req.Message.(type) {
	case protocol.Join:
		e.Attach(ctx, connID, identity, req.ID, m)
	case protocol.CodeChange:
		e.Edit(connID, req.ID, m)
	case protocol.CreateFile:
		e.CreateFile(connID, req.ID, m)
	default:
		e.reply(connID, req.ID, "Unknown message type")
	}
}

// Attach authorizes connID for the project and joins it to the room. On
// success the room gets joined and the newcomer gets project_data.
func (e *Engine) Attach(ctx context.Context, connID, identity, reqID string, msg protocol.Join) error {
	projectID := strings.TrimSpace(msg.ProjectID)
	if projectID == "" {
		e.reply(connID, reqID, MsgMissingProject)
		return ErrMissingProject
	}
	name := strings.TrimSpace(msg.Username)
	if name == "" {
		name = anonymousName
	}

	if _, ok := e.lookup(connID); ok {
		e.reply(connID, reqID, MsgAlreadyJoined)
		return ErrAlreadyJoined
	}

	log := e.logger.With(zap.String("conn", connID), zap.String("project", projectID))

	if err := e.gate.Authorize(ctx, projectID, identity, msg.SecretCode); err != nil {
		if errors.Is(err, access.ErrDenied) {
			log.Info("attach denied", zap.String("identity", identity))
			e.reply(connID, reqID, MsgAccessDenied)
		} else {
			log.Error("attach authorization failed", zap.Error(err))
			e.reply(connID, reqID, MsgServerError)
		}
		return err
	}

	fs, err := e.sessions.Acquire(ctx, projectID, identity)
	if err != nil {
		if errors.Is(err, registry.ErrProjectNotFound) {
			e.reply(connID, reqID, MsgProjectNotFound)
		} else {
			log.Error("failed to load project", zap.Error(err))
			e.reply(connID, reqID, MsgServerError)
		}
		return err
	}

	fs.Update(func(tx *fileset.Tx) {
		e.mu.Lock()
		e.attached[connID] = attachment{projectID: projectID, fs: fs}
		e.mu.Unlock()
		e.presence.Attach(connID, projectID, name)
		e.out.Publish(projectID, "", protocol.Joined{
			Clients:  e.presence.Members(projectID),
			Username: name,
		})
		e.out.SendTo(connID, reqID, protocol.ProjectData{ProjectID: projectID, Files: tx.Files()})
	})

	log.Info("participant joined", zap.String("username", name), zap.Int("members", e.presence.Count(projectID)))
	return nil
}

// Edit applies a content change and relays it to the rest of the room.
// Changes to files the set does not hold are dropped.
func (e *Engine) Edit(connID, reqID string, msg protocol.CodeChange) {
	a, ok := e.check(connID, reqID, msg.ProjectID)
	if !ok {
		return
	}

	applied := false
	a.fs.Update(func(tx *fileset.Tx) {
		if !tx.UpdateContent(msg.FileID, msg.Content) {
			return
		}
		applied = true
		e.out.Publish(a.projectID, connID, protocol.CodeUpdate{FileID: msg.FileID, Content: msg.Content})
	})
	if !applied {
		e.logger.Debug("dropping edit to unknown file",
			zap.String("project", a.projectID),
			zap.String("file", msg.FileID),
		)
		return
	}

	metrics.Edits.Inc()
	e.saver.Schedule(a.projectID)
}

// CreateFile adds a file, acknowledges it to the creator and announces it
// to everyone else.
func (e *Engine) CreateFile(connID, reqID string, msg protocol.CreateFile) {
	a, ok := e.check(connID, reqID, msg.ProjectID)
	if !ok {
		return
	}

	var err error
	a.fs.Update(func(tx *fileset.Tx) {
		f, createErr := tx.CreateFile(msg.FileName)
		if createErr != nil {
			err = createErr
			return
		}
		e.out.SendTo(connID, reqID, protocol.FileCreated{File: f})
		e.out.Publish(a.projectID, connID, protocol.NewFile{File: f})
	})
	if err != nil {
		e.reply(connID, reqID, MsgInvalidFileName)
		return
	}

	e.saver.Schedule(a.projectID)
}

// Detach removes connID from its room. The file set and any pending save
// are left alone. Calling Detach for an unknown connection is a no-op.
func (e *Engine) Detach(connID string) {
	e.mu.Lock()
	a, ok := e.attached[connID]
	delete(e.attached, connID)
	e.mu.Unlock()
	if !ok {
		return
	}

	a.fs.Update(func(tx *fileset.Tx) {
		entry, ok := e.presence.Detach(connID)
		if !ok {
			return
		}
		e.out.Publish(a.projectID, connID, protocol.UserLeft{
			Username: entry.Name,
			Clients:  e.presence.Members(a.projectID),
		})
	})
	e.sessions.Release(a.projectID)

	e.logger.Info("participant left", zap.String("conn", connID), zap.String("project", a.projectID))
}

// Attached reports the project connID is joined to.
func (e *Engine) Attached(connID string) (string, bool) {
	a, ok := e.lookup(connID)
	return a.projectID, ok
}

func (e *Engine) lookup(connID string) (attachment, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.attached[connID]
	return a, ok
}

func (e *Engine) check(connID, reqID, projectID string) (attachment, bool) {
	a, ok := e.lookup(connID)
	if !ok {
		e.reply(connID, reqID, MsgNotJoined)
		return attachment{}, false
	}
	if projectID = strings.TrimSpace(projectID); projectID != "" && projectID != a.projectID {
		e.reply(connID, reqID, MsgWrongProject)
		return attachment{}, false
	}
	return a, true
}

func (e *Engine) reply(connID, reqID, message string) {
	e.out.SendTo(connID, reqID, protocol.Error{Message: message})
}
