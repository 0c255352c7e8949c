package tools

import (
	"strings"

	"github.com/gtwy-ai/gateway/bridge"
)

// HydrateArgs fills the argument paths listed for the tool from the request
// variables. Paths key by the stored function name, or by bridge id for
// connected agents. The model never sees hydrated fields; they are injected
// here right before execution.
func HydrateArgs(args map[string]any, binding bridge.Binding, variables map[string]any, paths map[string]map[string]any) map[string]any {
	if args == nil {
		args = make(map[string]any)
	}
	if len(paths) == 0 || len(variables) == 0 {
		return args
	}
	key := binding.Name
	if binding.Kind == bridge.BindAgent {
		key = binding.BridgeID
	}
	fnPaths, ok := paths[key]
	if !ok {
		return args
	}
	for argPath, varPath := range fnPaths {
		vp, ok := varPath.(string)
		if !ok {
			continue
		}
		if v := nestedValue(variables, vp); v != nil {
			setNested(args, argPath, v)
		}
	}
	return args
}

// nestedValue walks a dotted path through nested maps.
func nestedValue(m map[string]any, path string) any {
	var cur any = m
	for _, key := range strings.Split(path, ".") {
		mm, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = mm[key]
		if !ok {
			return nil
		}
	}
	return cur
}

// setNested writes a value at a dotted path, creating intermediate maps.
func setNested(m map[string]any, path string, v any) {
	keys := strings.Split(path, ".")
	for i, key := range keys {
		if i == len(keys)-1 {
			m[key] = v
			return
		}
		next, ok := m[key].(map[string]any)
		if !ok {
			next = make(map[string]any)
			m[key] = next
		}
		m = next
	}
}
