package params

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gtwy-ai/gateway/catalog"
)

func TestTranslate(t *testing.T) {
	cases := []struct {
		name    string
		service catalog.Service
		in      map[string]any
		want    map[string]any
	}{
		{
			name:    "openai responses",
			service: catalog.ServiceOpenAI,
			in:      map[string]any{"creativity_level": 0.7, "max_tokens": 256, "response_type": map[string]any{"type": "json_object"}},
			want:    map[string]any{"temperature": 0.7, "max_output_tokens": 256, "text": map[string]any{"type": "json_object"}},
		},
		{
			name:    "anthropic",
			service: catalog.ServiceAnthropic,
			in:      map[string]any{"creativity_level": 0.2, "token_selection_limit": 40, "max_tokens": 1024},
			want:    map[string]any{"temperature": 0.2, "top_k": 40, "max_tokens": 1024},
		},
		{
			name:    "gemini",
			service: catalog.ServiceGemini,
			in:      map[string]any{"response_type": "application/json", "max_tokens": 512},
			want:    map[string]any{"responseMimeType": "application/json", "max_output_tokens": 512},
		},
		{
			name:    "ai_ml uses completion token cap",
			service: catalog.ServiceAIML,
			in:      map[string]any{"max_tokens": 100},
			want:    map[string]any{"max_completion_tokens": 100},
		},
		{
			name:    "unknown keys pass through",
			service: catalog.ServiceGroq,
			in:      map[string]any{"seed": 7},
			want:    map[string]any{"seed": 7},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Translate(tc.service, tc.in))
		})
	}
}

func TestResolveSentinels(t *testing.T) {
	schema := map[string]catalog.ParamSpec{
		"creativity_level": {Default: 1.0, Min: 0, Max: 2},
		"max_tokens":       {Default: 4096.0, Min: 1, Max: 8192},
	}

	t.Run("default removes the key", func(t *testing.T) {
		got := ResolveSentinels(catalog.ServiceOpenAI, schema, map[string]any{"creativity_level": "default"})
		_, ok := got["creativity_level"]
		assert.False(t, ok)
	})

	t.Run("anthropic max_tokens keeps schema default", func(t *testing.T) {
		got := ResolveSentinels(catalog.ServiceAnthropic, schema, map[string]any{
			"max_tokens":       "default",
			"creativity_level": "default",
		})
		assert.Equal(t, 4096.0, got["max_tokens"])
		_, ok := got["creativity_level"]
		assert.False(t, ok)
	})

	t.Run("min and max resolve from schema", func(t *testing.T) {
		got := ResolveSentinels(catalog.ServiceGroq, schema, map[string]any{
			"creativity_level": "min",
			"max_tokens":       "max",
		})
		assert.Equal(t, 0.0, got["creativity_level"])
		assert.Equal(t, 8192.0, got["max_tokens"])
	})

	t.Run("numbers untouched", func(t *testing.T) {
		got := ResolveSentinels(catalog.ServiceOpenAI, schema, map[string]any{"creativity_level": 0.4})
		assert.Equal(t, 0.4, got["creativity_level"])
	})
}

func TestBaseConfig(t *testing.T) {
	schema := map[string]catalog.ParamSpec{
		"creativity_level": {Default: 1.0, Level: 1},
		"max_tokens":       {Default: 2048.0, Level: 2},
		"type":             {Default: "chat"},
	}
	got := BaseConfig(schema, map[string]any{"creativity_level": 0.1, "seed": 7})
	assert.Equal(t, 0.1, got["creativity_level"])
	assert.Equal(t, 2048.0, got["max_tokens"])
	_, ok := got["type"]
	assert.False(t, ok, "type is not a tunable parameter")
	_, ok = got["seed"]
	assert.False(t, ok, "keys outside the schema are dropped")
}

func TestRenderPrompt(t *testing.T) {
	t.Run("simple and nested variables", func(t *testing.T) {
		prompt := "Hello {{name}}, from {{org.city}}. Org: {{org}}"
		out, missing := RenderPrompt(prompt, map[string]any{
			"name": "Ada",
			"org":  map[string]any{"city": "Pune"},
		})
		require.Empty(t, missing)
		assert.Equal(t, `Hello Ada, from Pune. Org: {"city":"Pune"}`, out)
	})

	t.Run("missing variables reported once each", func(t *testing.T) {
		out, missing := RenderPrompt("{{a}} {{b}} {{a}}", map[string]any{"b": "x"})
		assert.Equal(t, "{{a}} x {{a}}", out)
		assert.Equal(t, []string{"a"}, missing)
	})

	t.Run("no placeholders", func(t *testing.T) {
		out, missing := RenderPrompt("plain", map[string]any{"a": 1})
		assert.Equal(t, "plain", out)
		assert.Empty(t, missing)
	})
}

func TestFilterMissing(t *testing.T) {
	states := map[string]VariableState{
		"city": {Status: "optional"},
		"name": {Status: "required"},
	}
	got := FilterMissing([]string{"city", "name", "undeclared"}, states)
	assert.Equal(t, []string{"name", "undeclared"}, got)
	assert.Equal(t, []string{"x"}, FilterMissing([]string{"x"}, nil))
}

func TestApplyDefaults(t *testing.T) {
	vars := map[string]any{"a": "", "b": "keep"}
	ApplyDefaults(vars, map[string]VariableState{
		"a": {Status: "optional", DefaultValue: "filled"},
		"b": {Status: "optional", DefaultValue: "nope"},
		"c": {Status: "required", DefaultValue: 3},
	})
	assert.Equal(t, "filled", vars["a"])
	assert.Equal(t, "keep", vars["b"])
	assert.Equal(t, 3, vars["c"])
}

func TestRenderPromptIdempotentProperty(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	props := gopter.NewProperties(params)

	ident := gen.RegexMatch(`[a-z][a-z0-9_]{0,8}`)
	props.Property("fully rendered prompts are fixed points", prop.ForAll(
		func(key, val, pre, post string) bool {
			vars := map[string]any{key: val}
			prompt := pre + "{{" + key + "}}" + post
			once, missing := RenderPrompt(prompt, vars)
			if len(missing) != 0 {
				return false
			}
			twice, _ := RenderPrompt(once, vars)
			return once == twice
		},
		ident, gen.AlphaString(), gen.AlphaString(), gen.AlphaString(),
	))

	props.Property("translate is stable for canonical-free maps", prop.ForAll(
		func(key string, v int) bool {
			in := map[string]any{"x_" + key: v}
			out := Translate(catalog.ServiceGroq, in)
			again := Translate(catalog.ServiceGroq, out)
			return assert.ObjectsAreEqual(out, again)
		},
		ident, gen.Int(),
	))

	props.TestingRun(t)
}
