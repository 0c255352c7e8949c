package engine

import (
	"context"
	"strings"

	"goa.design/clue/log"
)

// ChainEntry records one hop of a transfer chain for history persistence.
type ChainEntry struct {
	BridgeID string
	Query    string
	Response *Response
}

// Execute drives a request through its agent graph: the primary agent runs
// first (or the pinned agent when the thread was transferred before), and
// every transfer tool call hands the query to the named connected agent.
// The final non-transferring response returns with the full chain attached.
func (e *Engine) Execute(ctx context.Context, req *Request) (*Response, error) {
	res := req.Resolution
	if res == nil {
		return e.Run(ctx, req)
	}

	primary := res.PrimaryBridgeID
	cfg, ok := res.Configs[primary]
	if !ok {
		return e.Run(ctx, req)
	}

	if e.conv != nil && req.ThreadID != "" {
		if pinned, found, err := e.conv.TransferredAgent(ctx, primary, req.ThreadID, req.SubThreadID); err == nil && found {
			if c, exists := res.Configs[pinned]; exists {
				cfg = c
			}
		}
	}

	user := req.User
	visited := make(map[string]bool)
	var chain []ChainEntry
	for {
		turn := *req
		turn.Config = cfg
		turn.User = user
		turn.MessageID = ""
		resp, err := e.Run(ctx, &turn)
		if err != nil {
			return nil, err
		}
		chain = append(chain, ChainEntry{BridgeID: cfg.BridgeID, Query: user, Response: resp})

		if resp.Transfer == nil {
			resp.Chain = chain
			e.pin(ctx, req, primary, cfg.BridgeID, len(chain))
			return resp, nil
		}

		if strings.TrimSpace(resp.Data.Content) == "" {
			name := resp.Transfer.ToolName
			if name == "" {
				name = "the agent"
			}
			resp.Data.Content = "Query is successfully transferred to agent " + name
		}

		next, exists := res.Configs[resp.Transfer.AgentID]
		if !exists || visited[resp.Transfer.AgentID] {
			log.Printf(ctx, "transfer target %s unavailable, ending chain", resp.Transfer.AgentID)
			resp.Chain = chain
			return resp, nil
		}
		visited[cfg.BridgeID] = true
		cfg = next
		if resp.Transfer.Query != "" {
			user = resp.Transfer.Query
		}
	}
}

// pin remembers the agent that answered so the next request in the thread
// starts there. Only transferred chains pin.
func (e *Engine) pin(ctx context.Context, req *Request, primary, agentID string, hops int) {
	if hops <= 1 || e.conv == nil || req.ThreadID == "" {
		return
	}
	if err := e.conv.SetTransferredAgent(ctx, primary, req.ThreadID, req.SubThreadID, agentID); err != nil {
		log.Errorf(ctx, err, "pin transferred agent %s", agentID)
	}
}
