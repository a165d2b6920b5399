package providers

import "strings"

// Provider family names. These are the values Resolve can return and the
// keys the orchestrator uses to look up adapters and stored credentials.
const (
	ProviderAnthropic  = "anthropic"
	ProviderOpenAI     = "openai"
	ProviderGemini     = "gemini"
	ProviderXAI        = "xai"
	ProviderDeepSeek   = "deepseek"
	ProviderGroq       = "groq"
	ProviderOpenRouter = "openrouter"
)

// Target identifies the provider family and the model id sent upstream.
type Target struct {
	Provider string
	ModelID  string
}

// matchRule maps a model-id pattern to a provider family. Rules are
// evaluated in order; first match wins. Kept as an explicit table so new
// model names get reviewed here instead of in scattered matching logic.
// prefixOnly avoids false positives for short patterns like "o1".
type matchRule struct {
	pattern    string
	provider   string
	prefixOnly bool
}

var matchRules = []matchRule{
	{"claude", ProviderAnthropic, false},
	{"gpt", ProviderOpenAI, false},
	{"o1", ProviderOpenAI, true},
	{"o3", ProviderOpenAI, true},
	{"o4-mini", ProviderOpenAI, true},
	{"gemini", ProviderGemini, false},
	{"gemma", ProviderGemini, false},
	{"grok", ProviderXAI, false},
	{"deepseek", ProviderDeepSeek, false},
	{"llama", ProviderGroq, false},
	{"mixtral", ProviderGroq, false},
}

// Resolve maps a requested model identifier to its provider target.
// Pure and deterministic: the same model id always yields the same target.
// Unmatched identifiers fall back to OpenRouter, which accepts arbitrary
// namespaced model ids.
func Resolve(model string) Target {
	m := strings.ToLower(model)
	for _, r := range matchRules {
		if r.prefixOnly {
			if strings.HasPrefix(m, r.pattern) {
				return Target{Provider: r.provider, ModelID: model}
			}
			continue
		}
		if strings.Contains(m, r.pattern) {
			return Target{Provider: r.provider, ModelID: model}
		}
	}
	return Target{Provider: ProviderOpenRouter, ModelID: model}
}

// noTemperatureModels lists model families that reject the temperature
// parameter. Adapters consult this set and omit the field instead of
// sending an unsupported value.
var noTemperatureModels = []string{
	"o1",
	"o3",
	"o4-mini",
	"deepseek-reasoner",
}

// SupportsTemperature reports whether the model accepts a temperature
// parameter.
func SupportsTemperature(model string) bool {
	m := strings.ToLower(model)
	for _, prefix := range noTemperatureModels {
		if m == prefix || strings.HasPrefix(m, prefix+"-") {
			return false
		}
	}
	return true
}
