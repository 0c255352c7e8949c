// Package store is the MongoDB persistence layer: bridge and version
// documents with their tool and credential joins, prompt templates, the
// model-configuration catalog, conversation history and metrics.
package store

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/sync/semaphore"

	"github.com/gtwy-ai/gateway/cache"
)

const defaultTimeout = 5 * time.Second

// collection is the slice of *mongo.Collection the store uses. Tests fake it
// with documents built through mongo.NewSingleResultFromDocument and
// mongo.NewCursorFromDocuments.
type collection interface {
	FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) *mongo.SingleResult
	Find(ctx context.Context, filter any, opts ...*options.FindOptions) (*mongo.Cursor, error)
	InsertOne(ctx context.Context, document any, opts ...*options.InsertOneOptions) (*mongo.InsertOneResult, error)
	UpdateOne(ctx context.Context, filter, update any, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error)
}

// Store bundles the gateway's collections behind typed accessors. A weighted
// semaphore caps concurrent Mongo operations.
type Store struct {
	bridges      collection
	versions     collection
	templates    collection
	apicalls     collection
	apikeys      collection
	folders      collection
	modelConfigs collection
	threads      collection
	logs         collection
	orchestrator collection
	metrics      collection
	alerts       collection

	// db backs the change-stream watch; queries go through the narrow
	// collection handles above.
	db *mongo.Database

	cache   *cache.Cache
	sem     *semaphore.Weighted
	timeout time.Duration
}

// New builds a Store over db. cache may be nil, which disables read-through
// caching. maxConcurrent <= 0 disables the concurrency cap.
func New(db *mongo.Database, c *cache.Cache, maxConcurrent int64) *Store {
	s := &Store{
		bridges:      db.Collection("configurations"),
		versions:     db.Collection("configuration_versions"),
		templates:    db.Collection("templates"),
		apicalls:     db.Collection("apicalls"),
		apikeys:      db.Collection("apikeycredentials"),
		folders:      db.Collection("folders"),
		modelConfigs: db.Collection("modelconfigurations"),
		threads:      db.Collection("threads"),
		logs:         db.Collection("conversation_logs"),
		orchestrator: db.Collection("orchestrator_logs"),
		metrics:      db.Collection("metrics"),
		alerts:       db.Collection("webhookalerts"),
		db:           db,
		cache:        c,
		timeout:      defaultTimeout,
	}
	if maxConcurrent > 0 {
		s.sem = semaphore.NewWeighted(maxConcurrent)
	}
	return s
}

func (s *Store) acquire(ctx context.Context) (func(), error) {
	if s.sem == nil {
		return func() {}, nil
	}
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { s.sem.Release(1) }, nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}
