// Package mongostore keeps project records in a MongoDB collection, one
// document per project.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/thilankadw/Collaborative-Code-Editor-Platform/internal/store"
)

const DefaultCollection = "projects"

// Store wraps a MongoDB collection
type Store struct {
	client *mongo.Client
	col    *mongo.Collection
	now    func() time.Time
}

var _ store.Store = (*Store)(nil)

// Connect dials uri and ensures the collection's indexes.
func Connect(ctx context.Context, uri, database string) (*Store, error) {
	if uri == "" {
		return nil, errors.New("mongo uri is empty")
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}

	s := &Store{
		client: client,
		col:    client.Database(database).Collection(DefaultCollection),
		now:    time.Now,
	}
	if err := s.ensureIndexes(ctx); err != nil {
		client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.col.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "projectId", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			// Projects without a code must not collide on the empty string
			Keys: bson.D{{Key: "secretCode", Value: 1}},
			Options: options.Index().SetUnique(true).
				SetPartialFilterExpression(bson.M{"secretCode": bson.M{"$gt": ""}}),
		},
		{Keys: bson.D{{Key: "owner", Value: 1}}},
		{Keys: bson.D{{Key: "collaborators", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create indexes: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *Store) Find(ctx context.Context, projectID string) (*store.Project, error) {
	return s.findOne(ctx, bson.M{"projectId": projectID})
}

func (s *Store) FindBySecretCode(ctx context.Context, code string) (*store.Project, error) {
	if code == "" {
		return nil, store.ErrNotFound
	}
	return s.findOne(ctx, bson.M{"secretCode": code})
}

func (s *Store) Create(ctx context.Context, p *store.Project) error {
	now := s.now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	_, err := s.col.InsertOne(ctx, p)
	return mapWriteError(err, store.ErrProjectExists)
}

func (s *Store) Save(ctx context.Context, p *store.Project) error {
	now := s.now().UTC()
	res, err := s.col.UpdateOne(ctx, bson.M{"projectId": p.ID}, bson.M{"$set": bson.M{
		"name":          p.Name,
		"description":   p.Description,
		"owner":         p.Owner,
		"collaborators": p.Collaborators,
		"secretCode":    p.SecretCode,
		"files":         p.Files,
		"updatedAt":     now,
	}})
	if err != nil {
		return mapWriteError(err, store.ErrNotFound)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	p.UpdatedAt = now
	return nil
}

func (s *Store) UpdateFiles(ctx context.Context, projectID string, files []store.File) error {
	res, err := s.col.UpdateOne(ctx, bson.M{"projectId": projectID}, bson.M{"$set": bson.M{
		"files":     files,
		"updatedAt": s.now().UTC(),
	}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, projectID string) error {
	res, err := s.col.DeleteOne(ctx, bson.M{"projectId": projectID})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListByMember(ctx context.Context, identity string) ([]*store.Project, error) {
	filter := bson.M{"$or": bson.A{
		bson.M{"owner": identity},
		bson.M{"collaborators": identity},
	}}
	opts := options.Find().SetSort(bson.D{{Key: "updatedAt", Value: -1}})
	cur, err := s.col.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []*store.Project
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) findOne(ctx context.Context, filter bson.M) (*store.Project, error) {
	var p store.Project
	err := s.col.FindOne(ctx, filter).Decode(&p)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// mapWriteError turns duplicate-key failures into store sentinels. A
// duplicate on any index other than secretCode maps to other.
func mapWriteError(err error, other error) error {
	if err == nil || !mongo.IsDuplicateKeyError(err) {
		return err
	}
	if strings.Contains(err.Error(), "secretCode") {
		return store.ErrSecretCodeTaken
	}
	return other
}
