// Package chat is the core completion-turn orchestrator.
//
// The Gateway receives one chat turn, authenticates the caller, resolves
// the user's stored provider credential, preprocesses attachments, and
// dispatches to the provider adapter selected from the model id — then
// re-encodes the provider's stream into the client wire protocol.
//
// Key design constraints:
//   - Every pre-dispatch failure short-circuits with no upstream call.
//   - Authentication failures are the only transport-level (401) rejection;
//     once the 200 is in flight all errors travel as wire frames.
//   - Limiter, search, completion logger, and metrics are optional and
//     nil-safe.
//   - A client disconnect (detected as a write/flush error) cancels the
//     upstream context — cancellation is wired explicitly, not assumed.
package chat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/loomchat/gateway/internal/credentials"
	"github.com/loomchat/gateway/internal/files"
	"github.com/loomchat/gateway/internal/identity"
	"github.com/loomchat/gateway/internal/logger"
	"github.com/loomchat/gateway/internal/metrics"
	"github.com/loomchat/gateway/internal/providers"
	"github.com/loomchat/gateway/internal/ratelimit"
	"github.com/loomchat/gateway/internal/search"
	"github.com/loomchat/gateway/internal/stats"
	"github.com/loomchat/gateway/internal/store"
	"github.com/loomchat/gateway/internal/wire"
	"github.com/loomchat/gateway/pkg/apierr"
)

// Pipeline states, logged at DEBUG as the turn advances. A turn that fails
// before DISPATCHING never touches the upstream provider.
const (
	stateAuthenticating      = "AUTHENTICATING"
	stateResolvingUser       = "RESOLVING_USER"
	stateResolvingCredential = "RESOLVING_CREDENTIAL"
	statePreprocessingFiles  = "PREPROCESSING_FILES"
	stateDispatching         = "DISPATCHING"
	stateStreaming           = "STREAMING"
)

// searchResultLimit caps web-search enrichment results per turn.
const searchResultLimit = 5

// Collaborator slices — narrow interfaces so tests can substitute doubles
// without standing up HTTP backends.
type (
	userStore interface {
		GetUserByAuthID(ctx context.Context, authID string) (*store.User, error)
	}
	credentialSource interface {
		Resolve(ctx context.Context, userID, provider string) (string, error)
	}
	attachmentSource interface {
		Process(ctx context.Context, refs []files.AttachmentRef) ([]providers.ContentPart, int)
	}
	searcher interface {
		Search(ctx context.Context, query string, limit int) ([]search.Result, error)
	}
)

// GatewayOptions holds optional tuning parameters for a Gateway. All fields
// have sensible defaults and can be omitted.
type GatewayOptions struct {
	// Logger is the structured logger for turn events and provider
	// diagnostics. Defaults to slog.Default when nil.
	Logger *slog.Logger

	// ProviderTimeout bounds one upstream streaming call.
	// Default: providers.CallTimeout (120s).
	ProviderTimeout time.Duration

	// Metrics enables Prometheus metrics collection. When nil, metrics are
	// disabled.
	Metrics *metrics.Registry

	// CORSOrigins is the allowed-origin list. Empty or ["*"] means open.
	CORSOrigins []string
}

// Gateway is the turn orchestrator — all dependencies are injected via the
// constructor so they can be replaced with doubles in unit tests.
type Gateway struct {
	verifier identity.Verifier
	users    userStore
	creds    credentialSource
	adapters map[string]providers.Adapter

	baseCtx context.Context
	log     *slog.Logger
	metrics *metrics.Registry

	providerTimeout time.Duration
	corsOrigins     []string

	// Optional dependencies — nil-safe when not configured.
	attachments attachmentSource
	search      searcher
	limiter     *ratelimit.SendLimiter
	turnLogger  *logger.Logger
}

// NewGateway creates a fully configured Gateway. The adapters map is keyed
// by provider family name (providers.ProviderAnthropic etc.).
func NewGateway(
	baseCtx context.Context,
	verifier identity.Verifier,
	users userStore,
	creds credentialSource,
	adapters map[string]providers.Adapter,
	opts GatewayOptions,
) *Gateway {
	if baseCtx == nil {
		panic("chat: context must not be nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	providerTimeout := opts.ProviderTimeout
	if providerTimeout <= 0 {
		providerTimeout = providers.CallTimeout
	}

	return &Gateway{
		verifier:        verifier,
		users:           users,
		creds:           creds,
		adapters:        adapters,
		baseCtx:         baseCtx,
		log:             log,
		metrics:         opts.Metrics,
		providerTimeout: providerTimeout,
		corsOrigins:     opts.CORSOrigins,
	}
}

// SetPreprocessor injects the attachment preprocessor.
func (g *Gateway) SetPreprocessor(p attachmentSource) {
	g.attachments = p
}

// SetSearch injects the web-search enrichment client used for providers
// without native grounding.
func (g *Gateway) SetSearch(s searcher) {
	g.search = s
}

// SetRateLimiter injects the per-user send limiter.
func (g *Gateway) SetRateLimiter(l *ratelimit.SendLimiter) {
	g.limiter = l
}

// SetTurnLogger injects the async completion logger.
func (g *Gateway) SetTurnLogger(l *logger.Logger) {
	g.turnLogger = l
}

// ── Inbound request types ─────────────────────────────────────────────────────

type (
	inboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	inboundTurn struct {
		Model           string                `json:"model"`
		Messages        []inboundMessage      `json:"messages"`
		ThreadID        string                `json:"threadId"`
		Temperature     float64               `json:"temperature"`
		MaxTokens       int                   `json:"maxTokens"`
		SearchGrounding bool                  `json:"searchGrounding"`
		Files           []files.AttachmentRef `json:"files"`
	}
)

// turnMeta carries the identifying fields of one turn into the stream
// writer and the completion log. Never holds message content or keys.
type turnMeta struct {
	requestID string
	userID    string
	threadID  string
	provider  string
	model     string
	start     time.Time
}

// handleChat is the POST /api/chat pipeline.
func (g *Gateway) handleChat(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	reqID, _ := ctx.UserValue("request_id").(string)

	// 1. Parse request body.
	var req inboundTurn
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if req.Model == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'model' is required",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if len(req.Messages) == 0 {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'messages' must not be empty",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	// 2. Authenticate the caller. The only failure surfaced as an HTTP
	// status — everything past this point streams a 200.
	g.logState(reqID, stateAuthenticating)
	token := parseBearerToken(string(ctx.Request.Header.Peek("Authorization")))
	if token == "" {
		apierr.WriteUnauthenticated(ctx)
		return
	}
	authID, err := g.verifier.Verify(ctx, token)
	if err != nil {
		if !errors.Is(err, identity.ErrUnauthenticated) {
			g.log.ErrorContext(ctx, "identity_verify_error",
				slog.String("request_id", reqID),
				slog.String("error", err.Error()),
			)
		}
		apierr.WriteUnauthenticated(ctx)
		return
	}

	// 3. Resolve the user record. An identity the backend has never seen
	// is treated the same as a bad token.
	g.logState(reqID, stateResolvingUser)
	user, err := g.users.GetUserByAuthID(ctx, authID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			apierr.WriteUnauthenticated(ctx)
			return
		}
		g.log.ErrorContext(ctx, "user_lookup_error",
			slog.String("request_id", reqID),
			slog.String("error", err.Error()),
		)
		apierr.Write(ctx, fasthttp.StatusBadGateway,
			"account lookup failed, try again",
			apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	// 4. Per-user send rate limit.
	if g.limiter != nil {
		allowed, err := g.limiter.Allow(ctx, user.ID)
		if err == nil && !allowed {
			if g.metrics != nil {
				g.metrics.RecordRateLimit("blocked")
			}
			g.log.WarnContext(ctx, "send_rate_limited",
				slog.String("request_id", reqID),
				slog.String("user_id", user.ID),
			)
			apierr.WriteRateLimit(ctx)
			return
		}
		if g.metrics != nil {
			g.metrics.RecordRateLimit("allowed")
		}
	}

	// 5. Resolve the provider target from the model id.
	target := providers.Resolve(req.Model)
	meta := turnMeta{
		requestID: reqID,
		userID:    user.ID,
		threadID:  req.ThreadID,
		provider:  target.Provider,
		model:     target.ModelID,
		start:     start,
	}

	g.log.InfoContext(ctx, "chat_turn",
		slog.String("request_id", reqID),
		slog.String("user_id", user.ID),
		slog.String("thread_id", req.ThreadID),
		slog.String("model", target.ModelID),
		slog.String("provider", target.Provider),
		slog.Int("messages", len(req.Messages)),
		slog.Int("attachments", len(req.Files)),
		slog.Bool("search_grounding", req.SearchGrounding),
	)

	adapter, ok := g.adapters[target.Provider]
	if !ok {
		g.finishError(meta, classUnavailable)
		g.streamSingleError(ctx, "This model is not available right now. Try another one.")
		return
	}

	// 6. Resolve and decrypt the per-user credential. A missing key is an
	// expected outcome: report it over the stream, make no upstream call.
	g.logState(reqID, stateResolvingCredential)
	apiKey, err := g.creds.Resolve(ctx, user.ID, target.Provider)
	if err != nil {
		if errors.Is(err, credentials.ErrNotFound) {
			g.finishError(meta, classCredentialMissing)
			g.streamSingleError(ctx, credentialMissingMessage(target.Provider))
			return
		}
		g.log.ErrorContext(ctx, "credential_error",
			slog.String("request_id", reqID),
			slog.String("user_id", user.ID),
			slog.String("provider", target.Provider),
			slog.String("error", err.Error()),
		)
		g.finishError(meta, classCredentialError)
		g.streamSingleError(ctx, "Could not access your stored API key. Re-save it in Settings.")
		return
	}

	// 7. Preprocess attachments and fold them into the final user turn.
	msgs := make([]providers.Message, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = providers.TextMessage(m.Role, m.Content)
	}
	if len(req.Files) > 0 && g.attachments != nil {
		g.logState(reqID, statePreprocessingFiles)
		parts, degraded := g.attachments.Process(ctx, req.Files)
		if g.metrics != nil {
			for i := 0; i < len(parts)-degraded; i++ {
				g.metrics.RecordAttachment("ok")
			}
			for i := 0; i < degraded; i++ {
				g.metrics.RecordAttachment("degraded")
			}
		}
		attachParts(msgs, parts)
	}

	chatReq := &providers.ChatRequest{
		Model:           target.ModelID,
		Messages:        msgs,
		Temperature:     req.Temperature,
		MaxTokens:       req.MaxTokens,
		SearchGrounding: req.SearchGrounding,
		APIKey:          apiKey,
		RequestID:       reqID,
	}

	// 8. Dispatch and stream.
	g.logState(reqID, stateDispatching)
	g.streamCompletion(ctx, adapter, chatReq, meta)
}

// attachParts appends preprocessed attachment parts to the last user
// message — attachments always ride the new user turn. If the final
// message is not a user turn (malformed client), a new one is not
// invented; parts are appended to the last message regardless so nothing
// is silently dropped.
func attachParts(msgs []providers.Message, parts []providers.ContentPart) {
	if len(msgs) == 0 || len(parts) == 0 {
		return
	}
	last := len(msgs) - 1
	msgs[last].Parts = append(msgs[last].Parts, parts...)
}

// setStreamHeaders prepares the 200 streaming response. no-transform keeps
// intermediaries from buffering or re-chunking the line protocol.
func setStreamHeaders(ctx *fasthttp.RequestCtx) {
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("text/plain; charset=utf-8")
	ctx.Response.Header.Set("Cache-Control", "no-cache, no-transform")
	ctx.Response.Header.Set("Connection", "keep-alive")
}

// streamSingleError writes a 200 response whose body is exactly one
// terminal error frame. Used for pre-dispatch failures after the auth
// gate, where the client expects the wire protocol rather than an HTTP
// error envelope.
func (g *Gateway) streamSingleError(ctx *fasthttp.RequestCtx, msg string) {
	setStreamHeaders(ctx)
	var buf bytes.Buffer
	bw := bufio.NewWriter(&buf)
	enc := wire.NewEncoder(bw)
	enc.WriteError(msg)
	ctx.SetBody(buf.Bytes())
}

// streamCompletion opens the upstream stream inside the body stream writer
// and re-encodes chunks as wire frames, flushing each frame before pulling
// the next. The upstream context is detached from the request context —
// fasthttp recycles the RequestCtx once the handler returns — and is
// cancelled explicitly when a frame write fails (client gone).
func (g *Gateway) streamCompletion(
	ctx *fasthttp.RequestCtx,
	adapter providers.Adapter,
	req *providers.ChatRequest,
	meta turnMeta,
) {
	setStreamHeaders(ctx)
	if g.metrics != nil {
		g.metrics.IncInFlight()
	}

	searchGrounding := req.SearchGrounding
	query := lastUserText(req.Messages)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // panic recovery in stream writer
		defer func() {
			if g.metrics != nil {
				g.metrics.DecInFlight()
			}
		}()

		upCtx, cancel := context.WithTimeout(g.baseCtx, g.providerTimeout)
		defer cancel()

		enc := wire.NewEncoder(w)

		ch, err := adapter.Stream(upCtx, req)
		if err != nil {
			class, userMsg := classifyUpstreamError(err)
			g.logUpstreamError(meta, class, err)
			g.finishError(meta, class)
			enc.WriteError(userMsg)
			return
		}
		g.logState(meta.requestID, stateStreaming)

		messageID := uuid.New()
		enc.WriteMessageID(messageID.String())

		tracker := stats.NewTracker()
		var (
			chars         int
			groundingSent bool
			firstToken    time.Duration
			disconnected  bool
		)

		for chunk := range ch {
			if enc.Err() != nil {
				// Client went away. Cancel upstream and drain the channel so
				// the producer goroutine exits.
				cancel()
				disconnected = true
				for range ch { //nolint:revive
				}
				break
			}
			if chunk.Content != "" {
				if firstToken == 0 {
					firstToken = time.Since(meta.start)
					if g.metrics != nil {
						g.metrics.ObserveFirstToken(meta.provider, firstToken)
					}
				}
				enc.WriteContent(chunk.Content)
				chars += utf8.RuneCountInString(chunk.Content)
			}
			if chunk.Usage != nil {
				tracker.Update(chunk.Usage.InputTokens, chunk.Usage.OutputTokens, chunk.Usage.TotalTokens)
			}
			if chunk.Grounding != nil && !groundingSent {
				enc.WriteGrounding(chunk.Grounding)
				groundingSent = true
			}
			if chunk.Done {
				break
			}
		}

		if disconnected {
			g.finishTurn(meta, messageID, tracker, classDisconnect)
			return
		}

		// Grounding was requested but the provider has no native search:
		// enrich from the web-search service. Failures are logged and the
		// turn completes without sources.
		if searchGrounding && !groundingSent && g.search != nil && query != "" {
			if grounding := g.searchEnrichment(upCtx, meta, query); grounding != nil {
				enc.WriteGrounding(grounding)
			}
		}

		enc.WriteDone(chars)
		g.finishTurn(meta, messageID, tracker, "done")
	})
}

// searchEnrichment runs the fallback web search and maps results to
// grounding sources. Never fails the turn.
func (g *Gateway) searchEnrichment(ctx context.Context, meta turnMeta, query string) *providers.Grounding {
	results, err := g.search.Search(ctx, query, searchResultLimit)
	if err != nil {
		g.log.Warn("search_enrichment_failed",
			slog.String("request_id", meta.requestID),
			slog.String("error", err.Error()),
		)
		return nil
	}
	if len(results) == 0 {
		return nil
	}
	sources := make([]providers.Source, len(results))
	for i, r := range results {
		sources[i] = providers.Source{Title: r.Title, URL: r.URL}
	}
	return &providers.Grounding{Sources: sources}
}

// finishTurn records metrics and the async completion log for a turn that
// reached STREAMING.
func (g *Gateway) finishTurn(meta turnMeta, messageID uuid.UUID, tracker *stats.Tracker, outcome string) {
	dur := time.Since(meta.start)
	snap := tracker.Snapshot()

	if g.metrics != nil {
		g.metrics.RecordRequest(meta.provider, outcome)
		g.metrics.ObserveStream(meta.provider, dur, tracker.Throughput())
		g.metrics.AddTokens(meta.provider, snap.InputTokens, snap.OutputTokens)
		g.metrics.ObserveHTTP("chat", fasthttp.StatusOK, dur)
	}

	if g.turnLogger != nil {
		g.turnLogger.Log(logger.CompletionLog{
			MessageID:    messageID,
			UserID:       meta.userID,
			ThreadID:     meta.threadID,
			Provider:     meta.provider,
			Model:        meta.model,
			InputTokens:  uint32(snap.InputTokens),
			OutputTokens: uint32(snap.OutputTokens),
			DurationMs:   clampMs(dur),
			TokensPerSec: tracker.Throughput(),
			Outcome:      outcome,
			CreatedAt:    time.Now(),
		})
	}
}

// finishError records a turn that failed before any chunk was relayed.
func (g *Gateway) finishError(meta turnMeta, class string) {
	dur := time.Since(meta.start)

	if g.metrics != nil {
		g.metrics.RecordRequest(meta.provider, class)
		g.metrics.RecordError(meta.provider, class)
		g.metrics.ObserveHTTP("chat", fasthttp.StatusOK, dur)
	}

	if g.turnLogger != nil {
		g.turnLogger.Log(logger.CompletionLog{
			MessageID:  uuid.New(),
			UserID:     meta.userID,
			ThreadID:   meta.threadID,
			Provider:   meta.provider,
			Model:      meta.model,
			DurationMs: clampMs(dur),
			Outcome:    class,
			CreatedAt:  time.Now(),
		})
	}
}

// logUpstreamError logs the full upstream failure server-side. The raw
// provider body never reaches the client — only the sanitized message does.
func (g *Gateway) logUpstreamError(meta turnMeta, class string, err error) {
	attrs := []any{
		slog.String("request_id", meta.requestID),
		slog.String("provider", meta.provider),
		slog.String("model", meta.model),
		slog.String("class", class),
		slog.String("error", err.Error()),
	}
	var adaptErr *providers.AdapterError
	if errors.As(err, &adaptErr) && adaptErr.Body != "" {
		attrs = append(attrs, slog.String("upstream_body", truncate(adaptErr.Body, 2048)))
	}
	g.log.Error("provider_error", attrs...)
}

func (g *Gateway) logState(requestID, state string) {
	g.log.Debug("turn_state",
		slog.String("request_id", requestID),
		slog.String("state", state),
	)
}

// lastUserText returns the text of the most recent user message, used as
// the enrichment search query.
func lastUserText(msgs []providers.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			return msgs[i].Text()
		}
	}
	return ""
}

func parseBearerToken(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func clampMs(d time.Duration) uint32 {
	ms := d.Milliseconds()
	if ms < 0 {
		return 0
	}
	if ms > int64(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(ms)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
