package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loomchat/gateway/internal/chat"
	"github.com/loomchat/gateway/internal/config"
	"github.com/loomchat/gateway/internal/credentials"
	"github.com/loomchat/gateway/internal/files"
	"github.com/loomchat/gateway/internal/identity"
	"github.com/loomchat/gateway/internal/logger"
	"github.com/loomchat/gateway/internal/metrics"
	"github.com/loomchat/gateway/internal/providers"
	anthropicprov "github.com/loomchat/gateway/internal/providers/anthropic"
	geminiprov "github.com/loomchat/gateway/internal/providers/gemini"
	openaiprov "github.com/loomchat/gateway/internal/providers/openai"
	openrouterprov "github.com/loomchat/gateway/internal/providers/openrouter"
	"github.com/loomchat/gateway/internal/ratelimit"
	"github.com/loomchat/gateway/internal/search"
	"github.com/loomchat/gateway/internal/store"
)

// initInfra establishes optional external connections.
// Redis is only required when per-user send rate limiting is enabled.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.SendRPM > 0 {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	return nil
}

// initAdapters registers one adapter per provider family. Adapters carry no
// credentials of their own — the API key arrives with each request, after
// the per-user credential resolve.
func (a *App) initAdapters(_ context.Context) error {
	a.adapters = buildAdapters(a.cfg)

	names := make([]string, 0, len(a.adapters))
	for n := range a.adapters {
		names = append(names, n)
	}
	a.log.Info("adapters registered", slog.Any("providers", names))

	return nil
}

// initServices creates the backend clients, the credential resolver, the
// attachment preprocessor, and the metrics registry.
func (a *App) initServices(ctx context.Context) error {
	a.backend = store.New(a.cfg.Store.BaseURL, a.cfg.Store.DeployKey)
	a.verifier = identity.NewHTTPVerifier(a.cfg.Identity.VerifyURL)

	creds, err := credentials.New(a.backend, a.cfg.CredentialSecret)
	if err != nil {
		return fmt.Errorf("credentials: %w", err)
	}
	a.creds = creds

	a.prep = files.New(a.backend)

	if a.cfg.Search.BaseURL != "" {
		a.searchCli = search.New(a.cfg.Search.BaseURL, a.cfg.Search.APIKey)
		a.log.Info("search enrichment enabled")
	}

	turnLogger, err := logger.New(ctx, a.log)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	a.turnLogger = turnLogger

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	return nil
}

// initGateway wires the orchestrator together with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	gw := chat.NewGateway(a.baseCtx, a.verifier, a.backend, a.creds, a.adapters,
		chat.GatewayOptions{
			Logger:          a.log,
			ProviderTimeout: a.cfg.ProviderTimeout,
			Metrics:         a.prom,
			CORSOrigins:     a.cfg.CORSOrigins,
		})

	gw.SetPreprocessor(a.prep)
	gw.SetTurnLogger(a.turnLogger)

	if a.searchCli != nil {
		gw.SetSearch(a.searchCli)
	}

	// Rate limiting — only when Redis is available.
	if a.rdb != nil && a.cfg.SendRPM > 0 {
		gw.SetRateLimiter(ratelimit.NewSendLimiter(a.rdb, a.cfg.SendRPM))
		a.log.Info("send rate limiting enabled", slog.Int("rpm_limit", a.cfg.SendRPM))
	}

	a.mgmt = &chat.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	a.gw = gw

	return nil
}

// buildAdapters creates the adapter map. Base URL overrides are applied
// from config (mock servers in tests, regional proxies in production).
func buildAdapters(cfg *config.Config) map[string]providers.Adapter {
	adapters := make(map[string]providers.Adapter)

	var anthropicOpts []anthropicprov.Option
	if cfg.Providers.AnthropicBaseURL != "" {
		anthropicOpts = append(anthropicOpts, anthropicprov.WithBaseURL(cfg.Providers.AnthropicBaseURL))
	}
	adapters[providers.ProviderAnthropic] = anthropicprov.New(anthropicOpts...)

	var openaiOpts []openaiprov.Option
	if cfg.Providers.OpenAIBaseURL != "" {
		openaiOpts = append(openaiOpts, openaiprov.WithBaseURL(cfg.Providers.OpenAIBaseURL))
	}
	adapters[providers.ProviderOpenAI] = openaiprov.New(openaiOpts...)

	var geminiOpts []geminiprov.Option
	if cfg.Providers.GeminiBaseURL != "" {
		geminiOpts = append(geminiOpts, geminiprov.WithBaseURL(cfg.Providers.GeminiBaseURL))
	}
	adapters[providers.ProviderGemini] = geminiprov.New(geminiOpts...)

	var orOpts []openrouterprov.Option
	if cfg.Providers.OpenRouterBaseURL != "" {
		orOpts = append(orOpts, openrouterprov.WithBaseURL(cfg.Providers.OpenRouterBaseURL))
	}
	adapters[providers.ProviderOpenRouter] = openrouterprov.New(orOpts...)

	// OpenAI-compatible families share the openai adapter with a different
	// base URL and display name.
	type ocEntry struct {
		name    string
		baseURL string
	}
	ocFamilies := []ocEntry{
		{providers.ProviderXAI, pick(cfg.Providers.XAIBaseURL, "https://api.x.ai/v1")},
		{providers.ProviderDeepSeek, pick(cfg.Providers.DeepSeekBaseURL, "https://api.deepseek.com/v1")},
		{providers.ProviderGroq, pick(cfg.Providers.GroqBaseURL, "https://api.groq.com/openai/v1")},
	}
	for _, e := range ocFamilies {
		adapters[e.name] = openaiprov.NewCompatible(e.name, e.baseURL)
	}

	return adapters
}

func pick(override, fallback string) string {
	if override != "" {
		return override
	}
	return fallback
}
