// Package redisstore keeps project records in Redis as JSON values with
// a secret-code index and per-member project sets.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/thilankadw/Collaborative-Code-Editor-Platform/internal/store"
)

const maxRetries = 8

// keyValue is satisfied by both *redis.Client and *redis.Tx.
type keyValue interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

type Store struct {
	rdb    *redis.Client
	prefix string
	now    func() time.Time
}

var _ store.Store = (*Store)(nil)

// New wraps an existing client. Keys are namespaced under prefix.
func New(rdb *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = "collab"
	}
	return &Store{rdb: rdb, prefix: prefix, now: time.Now}
}

// Dial connects to addr and verifies the connection.
func Dial(ctx context.Context, addr, prefix string) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return New(rdb, prefix), nil
}

func (s *Store) Close() error { return s.rdb.Close() }

func (s *Store) projectKey(id string) string  { return s.prefix + ":project:" + id }
func (s *Store) secretKey(code string) string { return s.prefix + ":secret:" + code }
func (s *Store) memberKey(identity string) string {
	return s.prefix + ":member:" + identity
}

func (s *Store) Find(ctx context.Context, projectID string) (*store.Project, error) {
	return s.get(ctx, s.rdb, projectID)
}

func (s *Store) FindBySecretCode(ctx context.Context, code string) (*store.Project, error) {
	if code == "" {
		return nil, store.ErrNotFound
	}
	id, err := s.rdb.Get(ctx, s.secretKey(code)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.Find(ctx, id)
}

func (s *Store) Create(ctx context.Context, p *store.Project) error {
	now := s.now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	data, err := json.Marshal(p)
	if err != nil {
		return err
	}

	if p.SecretCode != "" {
		if err := s.claimSecret(ctx, s.rdb, p.SecretCode, p.ID); err != nil {
			return err
		}
	}
	ok, err := s.rdb.SetNX(ctx, s.projectKey(p.ID), data, 0).Result()
	if err == nil && !ok {
		err = store.ErrProjectExists
	}
	if err != nil {
		if p.SecretCode != "" {
			s.rdb.Del(ctx, s.secretKey(p.SecretCode))
		}
		return err
	}

	pipe := s.rdb.TxPipeline()
	for _, m := range members(p) {
		pipe.SAdd(ctx, s.memberKey(m), p.ID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *Store) Save(ctx context.Context, p *store.Project) error {
	key := s.projectKey(p.ID)
	return s.watch(ctx, key, func(tx *redis.Tx) error {
		old, err := s.get(ctx, tx, p.ID)
		if err != nil {
			return err
		}
		if p.SecretCode != "" && p.SecretCode != old.SecretCode {
			if err := s.claimSecret(ctx, tx, p.SecretCode, p.ID); err != nil {
				return err
			}
		}

		next := p.Clone()
		next.CreatedAt = old.CreatedAt
		next.UpdatedAt = s.now().UTC()
		data, err := json.Marshal(next)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			if old.SecretCode != "" && old.SecretCode != next.SecretCode {
				pipe.Del(ctx, s.secretKey(old.SecretCode))
			}
			newMembers := members(next)
			for _, m := range members(old) {
				if !slices.Contains(newMembers, m) {
					pipe.SRem(ctx, s.memberKey(m), p.ID)
				}
			}
			for _, m := range newMembers {
				pipe.SAdd(ctx, s.memberKey(m), p.ID)
			}
			return nil
		})
		if err == nil {
			p.CreatedAt, p.UpdatedAt = next.CreatedAt, next.UpdatedAt
		}
		return err
	})
}

func (s *Store) UpdateFiles(ctx context.Context, projectID string, files []store.File) error {
	key := s.projectKey(projectID)
	return s.watch(ctx, key, func(tx *redis.Tx) error {
		p, err := s.get(ctx, tx, projectID)
		if err != nil {
			return err
		}
		p.Files = slices.Clone(files)
		p.UpdatedAt = s.now().UTC()
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	})
}

func (s *Store) Delete(ctx context.Context, projectID string) error {
	key := s.projectKey(projectID)
	return s.watch(ctx, key, func(tx *redis.Tx) error {
		p, err := s.get(ctx, tx, projectID)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			if p.SecretCode != "" {
				pipe.Del(ctx, s.secretKey(p.SecretCode))
			}
			for _, m := range members(p) {
				pipe.SRem(ctx, s.memberKey(m), projectID)
			}
			return nil
		})
		return err
	})
}

func (s *Store) ListByMember(ctx context.Context, identity string) ([]*store.Project, error) {
	ids, err := s.rdb.SMembers(ctx, s.memberKey(identity)).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.projectKey(id)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	out := make([]*store.Project, 0, len(vals))
	for _, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var p store.Project
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, err
		}
		if p.HasMember(identity) {
			out = append(out, &p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (s *Store) get(ctx context.Context, c keyValue, projectID string) (*store.Project, error) {
	raw, err := c.Get(ctx, s.projectKey(projectID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var p store.Project
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode project %s: %w", projectID, err)
	}
	return &p, nil
}

// claimSecret reserves code for projectID. A code already pointing at the
// same project counts as claimed, so retried transactions stay idempotent.
func (s *Store) claimSecret(ctx context.Context, c keyValue, code, projectID string) error {
	ok, err := c.SetNX(ctx, s.secretKey(code), projectID, 0).Result()
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	owner, err := c.Get(ctx, s.secretKey(code)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	if owner == projectID {
		return nil
	}
	return store.ErrSecretCodeTaken
}

func (s *Store) watch(ctx context.Context, key string, fn func(tx *redis.Tx) error) error {
	for i := 0; i < maxRetries; i++ {
		err := s.rdb.Watch(ctx, fn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("update %s: %w", key, redis.TxFailedErr)
}

func members(p *store.Project) []string {
	out := make([]string, 0, len(p.Collaborators)+1)
	if p.Owner != "" {
		out = append(out, p.Owner)
	}
	for _, c := range p.Collaborators {
		if c != "" && !slices.Contains(out, c) {
			out = append(out, c)
		}
	}
	return out
}
