// Package tools executes the functions a model calls: stored HTTP functions,
// knowledge-base lookups, web crawls and connected-agent handoffs. Calls in
// one turn run concurrently; each produces a tool-role result the engine
// feeds back to the model.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"goa.design/clue/log"
	"golang.org/x/sync/errgroup"

	"github.com/gtwy-ai/gateway/bridge"
)

type (
	// Call is one function invocation requested by the model. ArgsError marks
	// arguments that failed to parse as JSON.
	Call struct {
		ID        string
		Name      string
		Args      map[string]any
		ArgsError bool
	}

	// Result is the tool-role message sent back to the model plus the log
	// record kept for history.
	Result struct {
		ID      string
		Name    string
		Content string
		Data    any
	}

	// AgentCall re-enters the engine for a connected agent.
	AgentCall struct {
		OrgID       string
		BridgeID    string
		VersionID   string
		Query       string
		Variables   map[string]any
		ThreadID    string
		SubThreadID string
	}

	// AgentCaller runs a connected agent and returns its reply. Implemented
	// by the engine.
	AgentCaller interface {
		CallAgent(ctx context.Context, call AgentCall) (any, error)
	}

	// RAGClient answers knowledge-base lookups.
	RAGClient interface {
		Query(ctx context.Context, orgID string, args map[string]any, resourceToCollection map[string]string) (any, error)
	}

	// WebSearcher scrapes the selected sites for the built-in crawl tool.
	WebSearcher interface {
		Scrape(ctx context.Context, args map[string]any) (any, error)
	}

	// Doer is the slice of *http.Client the invoker needs.
	Doer interface {
		Do(req *http.Request) (*http.Response, error)
	}

	// Invoker dispatches tool calls by binding kind.
	Invoker struct {
		client Doer
		rag    RAGClient
		agents AgentCaller
		web    WebSearcher
	}

	// Env carries the per-request identifiers bindings need. VariablesPath
	// maps function names to argument paths hydrated from Variables instead
	// of the model.
	Env struct {
		OrgID         string
		ThreadID      string
		SubThreadID   string
		Variables     map[string]any
		VariablesPath map[string]map[string]any
	}
)

// NewInvoker builds an Invoker. client defaults to a 2 minute http.Client;
// rag, agents and web may be nil, which fails calls of that kind.
func NewInvoker(client Doer, rag RAGClient, agents AgentCaller, web WebSearcher) *Invoker {
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	return &Invoker{client: client, rag: rag, agents: agents, web: web}
}

// Execute runs every call concurrently against its binding and returns the
// results in call order. Unknown names and bad arguments produce error
// results, never a failed turn.
func (inv *Invoker) Execute(ctx context.Context, calls []Call, bindings map[string]bridge.Binding, env Env) []Result {
	results := make([]Result, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		g.Go(func() error {
			results[i] = inv.run(gctx, call, bindings, env)
			return nil
		})
	}
	_ = g.Wait() // workers never fail, errors live in the results
	return results
}

func (inv *Invoker) run(ctx context.Context, call Call, bindings map[string]bridge.Binding, env Env) Result {
	res := Result{ID: call.ID, Name: call.Name}

	binding, ok := bindings[call.Name]
	if !ok {
		res.Content = encode("Wrong Function name")
		return res
	}
	if call.ArgsError {
		res.Content = encode(map[string]any{"error": "Args / Input is not proper JSON"})
		return res
	}

	args := HydrateArgs(call.Args, binding, env.Variables, env.VariablesPath)

	payload, err := inv.dispatch(ctx, binding, args, env)
	if err != nil {
		log.Errorf(ctx, err, "tool %s", call.Name)
		res.Content = encode(map[string]any{"error": err.Error()})
		return res
	}
	res.Data = payload
	res.Content = encode(payload)
	return res
}

func (inv *Invoker) dispatch(ctx context.Context, binding bridge.Binding, args map[string]any, env Env) (any, error) {
	switch binding.Kind {
	case bridge.BindHTTP:
		return inv.post(ctx, binding, args)
	case bridge.BindRAG:
		if inv.rag == nil {
			return nil, fmt.Errorf("knowledge base is not configured")
		}
		return inv.rag.Query(ctx, env.OrgID, args, binding.ResourceToCollection)
	case bridge.BindWeb:
		if inv.web == nil {
			return nil, fmt.Errorf("web search is not configured")
		}
		return inv.web.Scrape(ctx, args)
	case bridge.BindAgent:
		if inv.agents == nil {
			return nil, fmt.Errorf("connected agents are not configured")
		}
		return inv.agents.CallAgent(ctx, agentCall(binding, args, env))
	}
	return nil, fmt.Errorf("unknown tool binding %q", binding.Kind)
}

// agentCall splits the wrapper arguments: _query is the child's user message,
// everything else passes through as variables.
func agentCall(binding bridge.Binding, args map[string]any, env Env) AgentCall {
	call := AgentCall{
		OrgID:     env.OrgID,
		BridgeID:  binding.BridgeID,
		VersionID: binding.VersionID,
		Variables: make(map[string]any, len(args)),
	}
	for k, v := range args {
		if k == "_query" {
			call.Query, _ = v.(string)
			continue
		}
		call.Variables[k] = v
	}
	if binding.RequiresThreadID {
		call.ThreadID = env.ThreadID
		call.SubThreadID = env.SubThreadID
	}
	return call
}

// post sends the arguments to the stored function endpoint. A non-2xx reply
// surfaces as an error result.
func (inv *Invoker) post(ctx context.Context, binding bridge.Binding, args map[string]any) (any, error) {
	body, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, binding.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range binding.Headers {
		req.Header.Set(k, v)
	}

	resp, err := inv.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		payload = string(raw)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s returned %d: %s", binding.URL, resp.StatusCode, raw)
	}
	if id := resp.Header.Get("flowHitId"); id != "" {
		return map[string]any{
			"response": payload,
			"metadata": map[string]any{"flowHitId": id, "type": "function"},
		}, nil
	}
	return payload, nil
}

func encode(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%q", fmt.Sprint(v))
	}
	return string(b)
}
