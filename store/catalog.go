package store

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"goa.design/clue/log"

	"github.com/gtwy-ai/gateway/catalog"
)

// ModelConfigs loads every catalog row. Implements catalog.Loader.
func (s *Store) ModelConfigs(ctx context.Context) ([]*catalog.ModelConfig, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cur, err := s.modelConfigs.Find(ctx, bson.M{})
	if err != nil {
		return nil, err
	}
	var rows []*catalog.ModelConfig
	if err := cur.All(ctx, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// Publisher is notified when the model catalog changes. Satisfied by
// *catalog.Watcher.
type Publisher interface {
	Publish(ctx context.Context) error
}

// WatchModelConfigs tails the modelconfigurations change stream and bumps the
// catalog broadcast on every write so all nodes reload. Blocks until ctx is
// done; stream failures back off and reopen.
func (s *Store) WatchModelConfigs(ctx context.Context, pub Publisher) {
	for {
		if err := s.tailModelConfigs(ctx, pub); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Errorf(ctx, err, "model config change stream")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}

func (s *Store) tailModelConfigs(ctx context.Context, pub Publisher) error {
	coll := s.db.Collection("modelconfigurations")
	stream, err := coll.Watch(ctx, mongo.Pipeline{})
	if err != nil {
		return err
	}
	defer stream.Close(ctx)

	for stream.Next(ctx) {
		if err := pub.Publish(ctx); err != nil {
			log.Errorf(ctx, err, "publish catalog update")
		}
	}
	return stream.Err()
}
