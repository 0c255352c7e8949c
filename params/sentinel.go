package params

import "github.com/gtwy-ai/gateway/catalog"

// ResolveSentinels replaces the "default", "min" and "max" string sentinels
// in cfg with values from the model schema. "default" removes the key so the
// provider default applies, except Anthropic max_tokens, whose API requires a
// numeric value, so the schema default is substituted instead. The input map
// is not modified.
func ResolveSentinels(service catalog.Service, schema map[string]catalog.ParamSpec, cfg map[string]any) map[string]any {
	out := make(map[string]any, len(cfg))
	for k, v := range cfg {
		out[k] = v
	}
	for key, val := range cfg {
		s, ok := val.(string)
		if !ok {
			continue
		}
		spec, known := schema[key]
		switch s {
		case "default":
			if service == catalog.ServiceAnthropic && key == "max_tokens" {
				if known {
					out[key] = spec.Default
				}
				continue
			}
			delete(out, key)
		case "min":
			if known {
				out[key] = spec.Min
			}
		case "max":
			if known {
				out[key] = spec.Max
			}
		}
	}
	return out
}

// BaseConfig seeds the per-call configuration from the model schema: every
// exposed parameter (level 0, 1 or 2) gets its schema default, and any
// schema key the caller supplied overrides it. Caller keys outside the
// schema are dropped.
func BaseConfig(schema map[string]catalog.ParamSpec, supplied map[string]any) map[string]any {
	out := make(map[string]any, len(schema))
	for key, spec := range schema {
		if key == "type" || key == "specification" {
			continue
		}
		if v, ok := supplied[key]; ok {
			out[key] = v
			continue
		}
		if spec.Level >= 0 && spec.Level <= 2 {
			out[key] = spec.Default
		}
	}
	return out
}
