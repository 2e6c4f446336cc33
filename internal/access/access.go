// Package access decides whether a participant may attach to a project.
package access

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/thilankadw/Collaborative-Code-Editor-Platform/internal/secretcode"
	"github.com/thilankadw/Collaborative-Code-Editor-Platform/internal/store"
)

// ErrDenied covers both a missing project and a failed check so callers
// cannot tell whether a project exists.
var ErrDenied = errors.New("access denied")

type ProjectFinder interface {
	Find(ctx context.Context, projectID string) (*store.Project, error)
}

type Gate struct {
	projects ProjectFinder
}

func NewGate(projects ProjectFinder) *Gate {
	return &Gate{projects: projects}
}

// Authorize loads the current record and checks identity and secretCode
// against it. Decisions are never cached.
func (g *Gate) Authorize(ctx context.Context, projectID, identity, secretCode string) error {
	_, err := g.Check(ctx, projectID, identity, secretCode)
	return err
}

// Check is Authorize that also returns the record it decided on.
func (g *Gate) Check(ctx context.Context, projectID, identity, secretCode string) (*store.Project, error) {
	p, err := g.projects.Find(ctx, projectID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrDenied
	}
	if err != nil {
		return nil, fmt.Errorf("load project %s: %w", projectID, err)
	}
	if !Allowed(p, identity, secretCode) {
		return nil, ErrDenied
	}
	return p, nil
}

// Allowed reports whether identity is a member of p or secretCode
// matches p's current code.
func Allowed(p *store.Project, identity, secretCode string) bool {
	if p.HasMember(identity) {
		return true
	}
	return SecretMatches(p.SecretCode, secretCode)
}

func SecretMatches(want, got string) bool {
	want = secretcode.Normalize(want)
	got = secretcode.Normalize(got)
	if want == "" || got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}
