package store

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/gtwy-ai/gateway/notify"
)

// AlertHooks returns the alert webhooks registered for an org. Implements
// notify.AlertSource.
func (s *Store) AlertHooks(ctx context.Context, orgID string) ([]notify.Hook, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cur, err := s.alerts.Find(ctx, bson.M{"org_id": orgID})
	if err != nil {
		return nil, err
	}
	var hooks []notify.Hook
	if err := cur.All(ctx, &hooks); err != nil {
		return nil, err
	}
	return hooks, nil
}
