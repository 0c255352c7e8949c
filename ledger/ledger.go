// Package ledger enforces spend limits and tracks usage. Limits attach to
// folders, bridges and API keys; usage accumulates in Redis records seeded
// from the stored documents so a cache flush never resets real spend below
// what Mongo last saw.
package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"goa.design/clue/log"

	"github.com/gtwy-ai/gateway/bridge"
	"github.com/gtwy-ai/gateway/cache"
)

type (
	// usageCache is the slice of the Redis facade the ledger needs.
	usageCache interface {
		GetJSON(ctx context.Context, key string, dst any) (bool, error)
		SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error
		Delete(ctx context.Context, keys ...string) error
		Touch(ctx context.Context, key string)
	}

	// UsageRecord is the cached spend state for one limited entity. Versions
	// and Bridges track which cached bridge documents must be purged when the
	// entity's limits change.
	UsageRecord struct {
		UsageValue float64  `json:"usage_value"`
		Versions   []string `json:"versions"`
		Bridges    []string `json:"bridges,omitempty"`
	}

	// LimitError reports a spend limit breach.
	LimitError struct {
		Type         string
		CurrentUsage float64
		LimitValue   float64
	}

	// Ledger checks and updates spend against folder, bridge and API key
	// limits.
	Ledger struct {
		cache usageCache
	}
)

// Limit types, also the key prefixes of the usage records.
const (
	LimitBridge = "bridge"
	LimitFolder = "folder"
	LimitAPIKey = "apikey"
)

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s limit exceeded. Used: %v/%v",
		strings.ToUpper(e.Type[:1])+e.Type[1:], e.CurrentUsage, e.LimitValue)
}

// Code returns the machine-readable error code for the breached limit.
func (e *LimitError) Code() string {
	return strings.ToUpper(e.Type) + "_LIMIT_EXCEEDED"
}

// New builds a Ledger over the Redis facade.
func New(c usageCache) *Ledger {
	return &Ledger{cache: c}
}

// CheckLimits validates folder, bridge and API key spend in that order and
// returns a *LimitError on the first breach. Implements the resolver's
// pre-flight check.
func (l *Ledger) CheckLimits(ctx context.Context, doc, published *bridge.Document) error {
	versionID := doc.PublishedVersionID
	if versionID == "" {
		versionID = doc.ID
	}
	bridgeID := doc.ParentID
	if bridgeID == "" {
		bridgeID = doc.ID
	}

	if doc.FolderID != "" {
		if err := l.check(ctx, LimitFolder, doc.FolderID, doc.FolderLimit, doc.FolderUsage, versionID, bridgeID); err != nil {
			return err
		}
	}

	b := published
	if b == nil {
		b = doc
	}
	limit := b.BridgeLimit
	usage := b.BridgeUsage
	if limit == 0 {
		limit, usage = doc.BridgeLimit, doc.BridgeUsage
	}
	if err := l.check(ctx, LimitBridge, bridgeID, limit, usage, versionID, bridgeID); err != nil {
		return err
	}

	service := doc.Service
	key, ok := doc.Apikeys[service]
	if !ok {
		key, ok = doc.FolderApikeys[service]
	}
	if ok {
		id := doc.APIKeyObjectIDs[service]
		if err := l.check(ctx, LimitAPIKey, id, key.Limit, key.Usage, versionID, bridgeID); err != nil {
			return err
		}
	}
	return nil
}

// check compares cached usage against the limit, seeding the record from the
// stored usage on a cache miss. Zero or negative limits mean unlimited.
func (l *Ledger) check(ctx context.Context, kind, id string, limit, storedUsage float64, versionID, bridgeID string) error {
	if limit <= 0 {
		return nil
	}
	usage := storedUsage
	if id != "" {
		key := cache.UsedCostKey(kind, id)
		var rec UsageRecord
		ok, err := l.cache.GetJSON(ctx, key, &rec)
		switch {
		case err != nil:
			log.Errorf(ctx, err, "read usage %s", key)
		case ok:
			usage = rec.UsageValue
			if changed := rec.track(kind, versionID, bridgeID); changed {
				if err := l.cache.SetJSON(ctx, key, rec, cache.DefaultTTL); err != nil {
					log.Errorf(ctx, err, "update usage %s", key)
				}
			}
		default:
			rec = UsageRecord{UsageValue: storedUsage}
			rec.track(kind, versionID, bridgeID)
			if err := l.cache.SetJSON(ctx, key, rec, cache.DefaultTTL); err != nil {
				log.Errorf(ctx, err, "seed usage %s", key)
			}
		}
	}
	if usage >= limit {
		return &LimitError{Type: kind, CurrentUsage: usage, LimitValue: limit}
	}
	return nil
}

// track records the version and bridge ids touching this entity. Bridge
// records only track versions; the entity is the bridge itself.
func (r *UsageRecord) track(kind, versionID, bridgeID string) bool {
	changed := false
	if versionID != "" && !contains(r.Versions, versionID) {
		r.Versions = append(r.Versions, versionID)
		changed = true
	}
	if kind != LimitBridge && bridgeID != "" && !contains(r.Bridges, bridgeID) {
		r.Bridges = append(r.Bridges, bridgeID)
		changed = true
	}
	return changed
}

// AddCost rolls a completed call's cost into every usage record involved.
// Empty ids and a zero cost are skipped. Failures are logged, not returned:
// accounting never fails the response path.
func (l *Ledger) AddCost(ctx context.Context, bridgeID, folderID, apikeyID string, cost float64) {
	if cost == 0 {
		return
	}
	l.addCost(ctx, LimitBridge, bridgeID, cost)
	l.addCost(ctx, LimitFolder, folderID, cost)
	l.addCost(ctx, LimitAPIKey, apikeyID, cost)
}

func (l *Ledger) addCost(ctx context.Context, kind, id string, cost float64) {
	if id == "" {
		return
	}
	key := cache.UsedCostKey(kind, id)
	var rec UsageRecord
	if _, err := l.cache.GetJSON(ctx, key, &rec); err != nil {
		log.Errorf(ctx, err, "read usage %s", key)
		return
	}
	rec.UsageValue += cost
	if kind == LimitBridge {
		rec.Bridges = nil
	}
	if err := l.cache.SetJSON(ctx, key, rec, cache.DefaultTTL); err != nil {
		log.Errorf(ctx, err, "update usage %s", key)
	}
}

// TouchLastUsed stamps the bridge and API key freshness keys.
func (l *Ledger) TouchLastUsed(ctx context.Context, bridgeID, apikeyID string) {
	if bridgeID != "" {
		l.cache.Touch(ctx, cache.LastUsedKey(LimitBridge, bridgeID))
	}
	if apikeyID != "" {
		l.cache.Touch(ctx, cache.LastUsedKey(LimitAPIKey, apikeyID))
	}
}

// PurgeBridgeCaches drops every cached bridge document the bridge's usage
// record references, plus the bridge's own entries. When usage is exactly
// zero the record itself goes too, so the next check reseeds from Mongo.
func (l *Ledger) PurgeBridgeCaches(ctx context.Context, bridgeID string, usage float64) {
	if bridgeID == "" {
		return
	}
	usageKey := cache.UsedCostKey(LimitBridge, bridgeID)
	keys := []string{
		cache.BridgeWithToolsKey(bridgeID),
		cache.BridgeDataKey(bridgeID),
	}
	var rec UsageRecord
	if ok, err := l.cache.GetJSON(ctx, usageKey, &rec); err != nil {
		log.Errorf(ctx, err, "read usage %s", usageKey)
	} else if ok {
		for _, v := range rec.Versions {
			keys = append(keys, cache.BridgeWithToolsKey(v), cache.BridgeDataKey(v))
		}
	}
	if err := l.cache.Delete(ctx, keys...); err != nil {
		log.Errorf(ctx, err, "purge bridge caches %s", bridgeID)
	}
	if usage == 0 {
		if err := l.cache.Delete(ctx, usageKey); err != nil {
			log.Errorf(ctx, err, "drop usage %s", usageKey)
		}
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
