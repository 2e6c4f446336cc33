// Package storetest holds the behaviour every store.Store implementation
// must share. Each backend's tests call Run with its own constructor.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thilankadw/Collaborative-Code-Editor-Platform/internal/store"
)

// Run exercises s against the store.Store contract. newStore must return
// an empty store; cleanup is the caller's job via t.Cleanup.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("CreateAndFind", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		p := sample("p1", "ABCDEF0123456789")
		require.NoError(t, s.Create(ctx, p))

		got, err := s.Find(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, "Demo", got.Name)
		assert.Equal(t, "alice", got.Owner)
		assert.Equal(t, []string{"bob"}, got.Collaborators)
		assert.Equal(t, p.Files, got.Files)
		assert.False(t, got.CreatedAt.IsZero())
	})

	t.Run("FindMissing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Find(context.Background(), "nope")
		assert.ErrorIs(t, err, store.ErrNotFound)
		_, err = s.FindBySecretCode(context.Background(), "NOPE")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("DuplicateProject", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, sample("p1", "AAAA")))
		err := s.Create(ctx, sample("p1", "BBBB"))
		assert.ErrorIs(t, err, store.ErrProjectExists)
	})

	t.Run("SecretCodeUnique", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, sample("p1", "SAME")))
		err := s.Create(ctx, sample("p2", "SAME"))
		assert.ErrorIs(t, err, store.ErrSecretCodeTaken)
		_, err = s.Find(ctx, "p2")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("FindBySecretCode", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, sample("p1", "C0DE")))
		got, err := s.FindBySecretCode(ctx, "C0DE")
		require.NoError(t, err)
		assert.Equal(t, "p1", got.ID)
	})

	t.Run("SaveRegeneratesSecret", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, sample("p1", "OLD1")))

		p, err := s.Find(ctx, "p1")
		require.NoError(t, err)
		p.SecretCode = "NEW1"
		p.Name = "Renamed"
		p.Collaborators = append(p.Collaborators, "carol")
		require.NoError(t, s.Save(ctx, p))

		_, err = s.FindBySecretCode(ctx, "OLD1")
		assert.ErrorIs(t, err, store.ErrNotFound)
		got, err := s.FindBySecretCode(ctx, "NEW1")
		require.NoError(t, err)
		assert.Equal(t, "Renamed", got.Name)
		assert.Equal(t, []string{"bob", "carol"}, got.Collaborators)
	})

	t.Run("SaveRejectsTakenSecret", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, sample("p1", "ONE1")))
		require.NoError(t, s.Create(ctx, sample("p2", "TWO2")))

		p, err := s.Find(ctx, "p2")
		require.NoError(t, err)
		p.SecretCode = "ONE1"
		assert.ErrorIs(t, s.Save(ctx, p), store.ErrSecretCodeTaken)
	})

	t.Run("SaveMissing", func(t *testing.T) {
		s := newStore(t)
		err := s.Save(context.Background(), sample("ghost", "GH05"))
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("UpdateFilesKeepsMetadata", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, sample("p1", "KEEP")))

		files := []store.File{
			{ID: "1", Name: "main.js", Path: "/main.js", Content: "edited"},
			{ID: "2", Name: "b.js", Path: "/b.js", Content: "// New file"},
			{ID: "3", Name: "c.js", Path: "/c.js", Content: "third"},
		}
		require.NoError(t, s.UpdateFiles(ctx, "p1", files))

		got, err := s.Find(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, files, got.Files)
		assert.Equal(t, "KEEP", got.SecretCode)
		assert.Equal(t, "Demo", got.Name)

		assert.ErrorIs(t, s.UpdateFiles(ctx, "ghost", files), store.ErrNotFound)
	})

	t.Run("Delete", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, sample("p1", "DE1E")))
		require.NoError(t, s.Delete(ctx, "p1"))

		_, err := s.Find(ctx, "p1")
		assert.ErrorIs(t, err, store.ErrNotFound)
		_, err = s.FindBySecretCode(ctx, "DE1E")
		assert.ErrorIs(t, err, store.ErrNotFound)
		assert.ErrorIs(t, s.Delete(ctx, "p1"), store.ErrNotFound)

		// the code is free again
		require.NoError(t, s.Create(ctx, sample("p2", "DE1E")))
	})

	t.Run("ListByMember", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, sample("p1", "L1")))
		other := sample("p2", "L2")
		other.Owner = "bob"
		other.Collaborators = nil
		require.NoError(t, s.Create(ctx, other))
		third := sample("p3", "L3")
		third.Owner = "dave"
		third.Collaborators = nil
		require.NoError(t, s.Create(ctx, third))

		list, err := s.ListByMember(ctx, "bob")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"p1", "p2"}, ids(list))

		list, err = s.ListByMember(ctx, "nobody")
		require.NoError(t, err)
		assert.Empty(t, list)
	})

	t.Run("ReturnedRecordIsDetached", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, sample("p1", "D1")))

		got, err := s.Find(ctx, "p1")
		require.NoError(t, err)
		got.Files[0].Content = "mutated"

		again, err := s.Find(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, "console.log(1)", again.Files[0].Content)
	})
}

func sample(id, code string) *store.Project {
	return &store.Project{
		ID:            id,
		Name:          "Demo",
		Description:   "sample project",
		Owner:         "alice",
		Collaborators: []string{"bob"},
		SecretCode:    code,
		Files: []store.File{
			{ID: "1", Name: "main.js", Path: "/main.js", Content: "console.log(1)"},
			{ID: "2", Name: "util.js", Path: "/util.js", Content: ""},
		},
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
}

func ids(ps []*store.Project) []string {
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.ID)
	}
	return out
}
