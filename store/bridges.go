package store

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"goa.design/clue/log"

	"github.com/gtwy-ai/gateway/bridge"
	"github.com/gtwy-ai/gateway/cache"
)

// ErrNotFound is returned when a bridge, version or template id resolves to
// nothing.
var ErrNotFound = errors.New("document not found")

// BridgeWithTools returns the bridge (or version, when versionID is set)
// joined with its HTTP functions, pre-tools and decryptable credentials.
// Reads go through Redis under bridge_data_with_tools_{id}.
func (s *Store) BridgeWithTools(ctx context.Context, bridgeID, orgID, versionID string) (*bridge.Document, error) {
	id := versionID
	if id == "" {
		id = bridgeID
	}
	key := cache.BridgeWithToolsKey(id)
	if s.cache != nil {
		var doc bridge.Document
		if ok, err := s.cache.GetJSON(ctx, key, &doc); err == nil && ok {
			return &doc, nil
		}
	}

	coll := s.bridges
	if versionID != "" {
		coll = s.versions
	}
	doc, err := s.findBridge(ctx, coll, id, orgID)
	if err != nil {
		return nil, err
	}

	if err := s.joinTools(ctx, doc); err != nil {
		return nil, err
	}
	if err := s.joinAPIKeys(ctx, doc); err != nil {
		return nil, err
	}
	s.joinFolderKeys(ctx, doc)

	if s.cache != nil {
		if err := s.cache.SetJSON(ctx, key, doc, cache.DefaultTTL); err != nil {
			log.Errorf(ctx, err, "cache %s", key)
		}
	}
	return doc, nil
}

// PublishedBridge returns the bridge document alone, read through
// get_bridge_data_{id}.
func (s *Store) PublishedBridge(ctx context.Context, bridgeID, orgID string) (*bridge.Document, error) {
	key := cache.BridgeDataKey(bridgeID)
	if s.cache != nil {
		var doc bridge.Document
		if ok, err := s.cache.GetJSON(ctx, key, &doc); err == nil && ok {
			return &doc, nil
		}
	}

	doc, err := s.findBridge(ctx, s.bridges, bridgeID, orgID)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		if err := s.cache.SetJSON(ctx, key, doc, cache.DefaultTTL); err != nil {
			log.Errorf(ctx, err, "cache %s", key)
		}
	}
	return doc, nil
}

// Template returns the prompt template body for the id.
func (s *Store) Template(ctx context.Context, templateID string) (string, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var doc struct {
		Template string `bson:"template"`
	}
	if err := s.templates.FindOne(ctx, idFilter(templateID, "")).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return "", fmt.Errorf("template %q: %w", templateID, ErrNotFound)
		}
		return "", err
	}
	return doc.Template, nil
}

func (s *Store) findBridge(ctx context.Context, coll collection, id, orgID string) (*bridge.Document, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var raw bson.M
	if err := coll.FindOne(ctx, idFilter(id, orgID)).Decode(&raw); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("bridge %q: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return decodeBridge(raw)
}

// joinTools loads the apicalls referenced by function_ids and pre_tools.
func (s *Store) joinTools(ctx context.Context, doc *bridge.Document) error {
	ids := append([]string(nil), doc.FunctionIDs...)
	ids = append(ids, doc.PreTools...)
	if len(ids) == 0 {
		return nil
	}

	calls, err := s.loadAPICalls(ctx, ids)
	if err != nil {
		return err
	}

	doc.APICalls = make(map[string]bridge.APICall, len(doc.FunctionIDs))
	for _, id := range doc.FunctionIDs {
		if call, ok := calls[id]; ok {
			doc.APICalls[id] = call
		}
	}
	for _, id := range doc.PreTools {
		if call, ok := calls[id]; ok {
			doc.PreToolsData = append(doc.PreToolsData, call)
		}
	}
	return nil
}

func (s *Store) loadAPICalls(ctx context.Context, ids []string) (map[string]bridge.APICall, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cur, err := s.apicalls.Find(ctx, bson.M{"_id": bson.M{"$in": toObjectIDs(ids)}})
	if err != nil {
		return nil, err
	}
	var raws []bson.M
	if err := cur.All(ctx, &raws); err != nil {
		return nil, err
	}

	calls := make(map[string]bridge.APICall, len(raws))
	for _, raw := range raws {
		var call bridge.APICall
		if err := remarshal(raw, &call); err != nil {
			return nil, err
		}
		calls[call.ID] = call
	}
	return calls, nil
}

// joinAPIKeys resolves apikey_object_id (service → credential id) into the
// per-service encrypted key records.
func (s *Store) joinAPIKeys(ctx context.Context, doc *bridge.Document) error {
	if len(doc.APIKeyObjectIDs) == 0 {
		return nil
	}
	keys, err := s.loadCredentials(ctx, doc.APIKeyObjectIDs)
	if err != nil {
		return err
	}
	doc.Apikeys = keys
	return nil
}

// joinFolderKeys overlays the folder's credentials when the bridge lives in
// a folder. Failures degrade to bridge-level keys.
func (s *Store) joinFolderKeys(ctx context.Context, doc *bridge.Document) {
	if doc.FolderID == "" {
		return
	}
	release, err := s.acquire(ctx)
	if err != nil {
		return
	}
	tctx, cancel := s.withTimeout(ctx)
	var folder struct {
		APIKeyObjectIDs map[string]string `bson:"apikey_object_id"`
		FolderType      string            `bson:"folder_type"`
	}
	err = s.folders.FindOne(tctx, idFilter(doc.FolderID, "")).Decode(&folder)
	cancel()
	release()
	if err != nil {
		if !errors.Is(err, mongo.ErrNoDocuments) {
			log.Errorf(ctx, err, "load folder %s", doc.FolderID)
		}
		return
	}

	if doc.FolderType == "" {
		doc.FolderType = folder.FolderType
	}
	if len(folder.APIKeyObjectIDs) == 0 {
		return
	}
	keys, err := s.loadCredentials(ctx, folder.APIKeyObjectIDs)
	if err != nil {
		log.Errorf(ctx, err, "load folder credentials %s", doc.FolderID)
		return
	}
	doc.FolderApikeys = keys
}

func (s *Store) loadCredentials(ctx context.Context, byService map[string]string) (map[string]bridge.EncryptedKey, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	ids := make([]string, 0, len(byService))
	for _, id := range byService {
		ids = append(ids, id)
	}
	cur, err := s.apikeys.Find(ctx, bson.M{"_id": bson.M{"$in": toObjectIDs(ids)}})
	if err != nil {
		return nil, err
	}

	var rows []struct {
		ID      primitive.ObjectID `bson:"_id"`
		Service string             `bson:"service"`
		Key     string             `bson:"apikey"`
		Limit   float64            `bson:"apikey_limit"`
		Usage   float64            `bson:"apikey_usage"`
	}
	if err := cur.All(ctx, &rows); err != nil {
		return nil, err
	}

	byID := make(map[string]bridge.EncryptedKey, len(rows))
	for _, row := range rows {
		byID[row.ID.Hex()] = bridge.EncryptedKey{APIKey: row.Key, Limit: row.Limit, Usage: row.Usage}
	}
	keys := make(map[string]bridge.EncryptedKey, len(byService))
	for service, id := range byService {
		if key, ok := byID[id]; ok {
			keys[service] = key
		}
	}
	return keys, nil
}

// decodeBridge converts a raw document into the typed form, stringifying
// every ObjectID on the way so ids survive the JSON cache round trip.
func decodeBridge(raw bson.M) (*bridge.Document, error) {
	var doc bridge.Document
	if err := remarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode bridge: %w", err)
	}
	return &doc, nil
}

func remarshal(raw bson.M, dst any) error {
	stringifyIDs(raw)
	b, err := bson.Marshal(raw)
	if err != nil {
		return err
	}
	return bson.Unmarshal(b, dst)
}

// stringifyIDs rewrites every ObjectID in place as its hex form.
func stringifyIDs(v any) any {
	switch t := v.(type) {
	case primitive.ObjectID:
		return t.Hex()
	case bson.M:
		for k, vv := range t {
			t[k] = stringifyIDs(vv)
		}
		return t
	case bson.A:
		for i := range t {
			t[i] = stringifyIDs(t[i])
		}
		return t
	}
	return v
}

// idFilter matches by ObjectID when id parses as one, by the raw string
// otherwise. orgID, when set, scopes the match.
func idFilter(id, orgID string) bson.M {
	filter := bson.M{"_id": idValue(id)}
	if orgID != "" {
		filter["org_id"] = orgID
	}
	return filter
}

func idValue(id string) any {
	if oid, err := primitive.ObjectIDFromHex(id); err == nil {
		return oid
	}
	return id
}

func toObjectIDs(ids []string) []any {
	out := make([]any, 0, len(ids))
	for _, id := range ids {
		out = append(out, idValue(id))
	}
	return out
}
