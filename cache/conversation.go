package cache

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Turn is one stored conversation entry.
type Turn struct {
	Content       string `json:"content"`
	Role          string `json:"role"`
	CreatedAt     string `json:"createdAt"`
	ID            int64  `json:"id"`
	Function      any    `json:"function"`
	IsReset       bool   `json:"is_reset"`
	ToolsCallData any    `json:"tools_call_data"`
	Error         any    `json:"error"`
	URLs          []any  `json:"urls"`
}

// maxWindow bounds the stored window; two oldest entries drop when exceeded.
const maxWindow = 9

// NewTurn builds a stored entry with a generated 8-digit id.
func NewTurn(role, content string) Turn {
	return Turn{
		Content:   content,
		Role:      role,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		ID:        shortID(),
	}
}

func shortID() int64 {
	id := uuid.New().ID()
	return int64(id%90000000 + 10000000)
}

// AppendTurns adds the new user and assistant entries to the window and
// evicts the two oldest entries once the window overflows.
func AppendTurns(window []Turn, turns ...Turn) []Turn {
	window = append(window, turns...)
	if len(window) > maxWindow {
		window = window[2:]
	}
	return window
}

// Conversation returns the stored window for a sub-thread.
func (c *Cache) Conversation(ctx context.Context, versionID, threadID, subThreadID string) ([]Turn, error) {
	var turns []Turn
	_, err := c.GetJSON(ctx, ConversationKey(versionID, threadID, subThreadID), &turns)
	return turns, err
}

// SaveConversation writes the window back with the 30 day TTL.
func (c *Cache) SaveConversation(ctx context.Context, versionID, threadID, subThreadID string, window []Turn) error {
	return c.SetJSON(ctx, ConversationKey(versionID, threadID, subThreadID), window, ConversationTTL)
}

// Memory returns the long-term memory summary kept for a thread, if any.
func (c *Cache) Memory(ctx context.Context, bridgeID, threadID string) (string, bool, error) {
	return c.Get(ctx, GPTMemoryKey(bridgeID, threadID))
}

// TransferredAgent returns the sticky agent a thread was handed to, if any.
func (c *Cache) TransferredAgent(ctx context.Context, primaryBridgeID, threadID, subThreadID string) (string, bool, error) {
	var agent string
	ok, err := c.GetJSON(ctx, TransferredAgentKey(primaryBridgeID, threadID, subThreadID), &agent)
	return agent, ok, err
}

// SetTransferredAgent pins a thread to the agent it was transferred to for
// three days.
func (c *Cache) SetTransferredAgent(ctx context.Context, primaryBridgeID, threadID, subThreadID, agentID string) error {
	return c.SetJSON(ctx, TransferredAgentKey(primaryBridgeID, threadID, subThreadID), agentID, TransferTTL)
}

// ClearTransferredAgent removes the pin.
func (c *Cache) ClearTransferredAgent(ctx context.Context, primaryBridgeID, threadID, subThreadID string) error {
	return c.Delete(ctx, TransferredAgentKey(primaryBridgeID, threadID, subThreadID))
}

// OrgInfo is the cached org timezone record.
type OrgInfo struct {
	Timezone   string `json:"timezone"`
	Identifier string `json:"identifier"`
	OrgName    string `json:"org_name"`
}

// OrgInfo returns the cached timezone record for an org.
func (c *Cache) OrgInfo(ctx context.Context, orgID string) (*OrgInfo, bool, error) {
	var info OrgInfo
	ok, err := c.GetJSON(ctx, TimezoneOrgKey(orgID), &info)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &info, true, nil
}

// SetOrgInfo caches the timezone record for 48 hours.
func (c *Cache) SetOrgInfo(ctx context.Context, orgID string, info *OrgInfo) error {
	return c.SetJSON(ctx, TimezoneOrgKey(orgID), info, DefaultTTL)
}

// PendingBatchIDs lists every batch descriptor awaiting reconciliation.
func (c *Cache) PendingBatchIDs(ctx context.Context) ([]string, error) {
	keys, err := c.Keys(ctx, keyBatch+"*")
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, k[len(keyBatch):])
	}
	return ids, nil
}
