// Package store defines the durable project record and the persistence
// contract the session engine relies on.
package store

import (
	"context"
	"errors"
	"slices"
	"time"
)

var (
	ErrNotFound        = errors.New("project not found")
	ErrProjectExists   = errors.New("project already exists")
	ErrSecretCodeTaken = errors.New("secret code already in use")
)

// File is a single named document inside a project.
type File struct {
	ID      string `json:"id" bson:"id"`
	Name    string `json:"name" bson:"name"`
	Path    string `json:"path" bson:"path"`
	Content string `json:"content" bson:"content"`
}

// Project is the durable form of a project. Files are ordered with the
// default file first.
type Project struct {
	ID            string    `json:"id" bson:"projectId"`
	Name          string    `json:"name" bson:"name"`
	Description   string    `json:"description" bson:"description"`
	Owner         string    `json:"owner" bson:"owner"`
	Collaborators []string  `json:"collaborators" bson:"collaborators"`
	SecretCode    string    `json:"secretCode" bson:"secretCode"`
	Files         []File    `json:"files" bson:"files"`
	CreatedAt     time.Time `json:"createdAt" bson:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt" bson:"updatedAt"`
}

// IsOwner reports whether identity owns the project.
func (p *Project) IsOwner(identity string) bool {
	return identity != "" && p.Owner == identity
}

// HasMember reports whether identity is the owner or a collaborator.
func (p *Project) HasMember(identity string) bool {
	if identity == "" {
		return false
	}
	return p.Owner == identity || slices.Contains(p.Collaborators, identity)
}

// AddCollaborator appends identity unless it is already a member.
// Returns false when nothing changed.
func (p *Project) AddCollaborator(identity string) bool {
	if p.HasMember(identity) {
		return false
	}
	p.Collaborators = append(p.Collaborators, identity)
	return true
}

// Clone returns a deep copy.
func (p *Project) Clone() *Project {
	c := *p
	c.Collaborators = slices.Clone(p.Collaborators)
	c.Files = slices.Clone(p.Files)
	return &c
}

// Store is the durable project store.
//
// Find and FindBySecretCode return ErrNotFound for absent records. Create
// fails with ErrProjectExists or ErrSecretCodeTaken. Save replaces the
// whole record; UpdateFiles replaces only the file list and bumps
// UpdatedAt, leaving metadata such as the secret code untouched.
type Store interface {
	Find(ctx context.Context, projectID string) (*Project, error)
	FindBySecretCode(ctx context.Context, code string) (*Project, error)
	Create(ctx context.Context, p *Project) error
	Save(ctx context.Context, p *Project) error
	UpdateFiles(ctx context.Context, projectID string, files []File) error
	Delete(ctx context.Context, projectID string) error
	ListByMember(ctx context.Context, identity string) ([]*Project, error)
	Close() error
}
