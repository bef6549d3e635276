package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"agproxy/internal/account"
	"agproxy/internal/monitor"
	"agproxy/internal/proxyerr"
	"agproxy/internal/ratelimit"
	"agproxy/internal/retry"
	"agproxy/internal/router"
	"agproxy/internal/sanitizer"
	"agproxy/internal/scheduler"
	"agproxy/internal/service"
	"agproxy/internal/upstream"
)

// streamCopyBufferSize is the per-request buffer for piping upstream bytes
const streamCopyBufferSize = 64 * 1024

// anthropicModels is the static model list merged into /v1/models
var anthropicModels = []string{
	"claude-3-5-haiku-20241022",
	"claude-3-5-sonnet-20241022",
	"claude-opus-4-20250514",
	"claude-sonnet-4-20250514",
}

type endpoint int

const (
	endpointMessages endpoint = iota
	endpointChat
)

// ProxyOptions holds request-pipeline configuration
type ProxyOptions struct {
	RequestTimeout time.Duration
	Retry          retry.Policy
}

// ProxyHandler is the dispatch pipeline behind /v1/messages and
// /v1/chat/completions: route the model, pick an account, sanitize tools,
// stream the upstream response, and feed the monitor.
type ProxyHandler struct {
	opts      ProxyOptions
	store     account.Store
	manager   *scheduler.Manager
	models    *router.Router
	sanitizer *sanitizer.Registry
	tracker   ratelimit.Tracker
	upstream  *upstream.Client
	monitor   *monitor.Monitor
	zai       func() scheduler.ZaiSettings
}

// ProxyDeps wires the pipeline's collaborators
type ProxyDeps struct {
	Store     account.Store
	Manager   *scheduler.Manager
	Models    *router.Router
	Sanitizer *sanitizer.Registry
	Tracker   ratelimit.Tracker
	Upstream  *upstream.Client
	Monitor   *monitor.Monitor
	Zai       func() scheduler.ZaiSettings
}

// NewProxyHandler creates the proxy pipeline handler
func NewProxyHandler(opts ProxyOptions, deps ProxyDeps) *ProxyHandler {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 600 * time.Second
	}
	return &ProxyHandler{
		opts:      opts,
		store:     deps.Store,
		manager:   deps.Manager,
		models:    deps.Models,
		sanitizer: deps.Sanitizer,
		tracker:   deps.Tracker,
		upstream:  deps.Upstream,
		monitor:   deps.Monitor,
		zai:       deps.Zai,
	}
}

// Messages handles POST /v1/messages
func (h *ProxyHandler) Messages(c *gin.Context) {
	h.dispatch(c, endpointMessages)
}

// ChatCompletions handles POST /v1/chat/completions
func (h *ProxyHandler) ChatCompletions(c *gin.Context) {
	h.dispatch(c, endpointChat)
}

// Health handles GET /health
func (h *ProxyHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":          "ok",
		"active_accounts": len(h.store.Snapshot()),
	})
}

// ListModels handles GET /v1/models: the union of upstream model lists,
// deduped and sorted
func (h *ProxyHandler) ListModels(c *gin.Context) {
	seen := make(map[string]bool)
	ids := make([]string, 0, len(anthropicModels))
	for _, id := range anthropicModels {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}

	if z := h.zai(); z.Enabled && z.APIKey != "" {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 15*time.Second)
		defer cancel()
		zaiModels, err := service.FetchZaiModels(ctx, nil, z.BaseURL, z.APIKey)
		if err != nil {
			log.Warn().Err(err).Msg("failed to fetch z.ai models")
		}
		for _, id := range zaiModels {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	sort.Strings(ids)

	data := make([]gin.H, 0, len(ids))
	for _, id := range ids {
		data = append(data, gin.H{"id": id, "object": "model", "owned_by": "agproxy"})
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
}

// dispatch runs the per-request flow: lazy parse, model routing, tool
// sanitation, account selection, forward with retries, monitor submit.
func (h *ProxyHandler) dispatch(c *gin.Context, ep endpoint) {
	start := time.Now()

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"type": "invalid_request", "message": "failed to read request body"}})
		return
	}

	requestModel := gjson.GetBytes(body, "model").String()
	stream := gjson.GetBytes(body, "stream").Bool()
	stickyCfg := h.manager.StickyConfig()
	sessionID := ""
	if stickyCfg.Enabled {
		sessionID = scheduler.ExtractSessionID(stickyCfg.Source, c.Request, body)
	}

	route := h.models.Resolve(requestModel)
	if route.UpstreamModel != requestModel {
		if rewritten, err := sjson.SetBytes(body, "model", route.UpstreamModel); err == nil {
			body = rewritten
		}
	}
	body = h.sanitizeTools(ep, body)

	provider := account.ProviderGoogleOAuth
	if route.ProviderOverride == string(account.ProviderZaiAPIKey) || route.ProviderOverride == "zai" {
		provider = account.ProviderZaiAPIKey
	}

	// For chat completions served by an OAuth account the request is
	// translated to the Anthropic wire format once, up front.
	var anthropicBody []byte
	if ep == endpointChat {
		var oaReq OpenAIChatRequest
		if err := json.Unmarshal(body, &oaReq); err == nil {
			converted := convertToAnthropic(&oaReq, route.UpstreamModel)
			anthropicBody, _ = json.Marshal(converted)
		}
	}

	entry := monitor.RequestLog{
		ID:            uuid.New().String(),
		StartedAt:     start,
		RequestModel:  requestModel,
		ResolvedModel: route.UpstreamModel,
		SessionID:     sessionID,
		Stream:        stream,
		BytesIn:       int64(len(body)),
	}

	var exclude []string
	var lastErr *proxyerr.Error
	attempt := 0

	for {
		sel, err := h.manager.Select(c.Request.Context(), scheduler.SelectRequest{
			Provider:  provider,
			SessionID: sessionID,
			Exclude:   exclude,
		})
		if err != nil {
			h.fail(c, &entry, toProxyErr(err))
			return
		}
		entry.AccountID = sel.Account.ID
		entry.Attempts = attempt + 1

		resp, upstreamURL, reqErr := h.forward(c, sel, ep, body, anthropicBody, stream)
		entry.UpstreamURL = upstreamURL

		if c.Request.Context().Err() != nil {
			if resp != nil {
				resp.Body.Close()
			}
			h.recordDisconnect(c, &entry)
			return
		}

		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		outcome := retry.Classify(reqErr, status)

		switch outcome {
		case retry.OutcomeSuccess:
			h.tracker.MarkSuccess(sel.Account.ID)
			h.succeed(c, &entry, sel, resp, ep, stream, requestModel)
			return

		case retry.OutcomeRateLimited:
			h.tracker.MarkRateLimited(sel.Account.ID, retry.RetryAfter(resp.Header))
			lastErr = proxyerr.New(proxyerr.KindRateLimited, "upstream rate limited").WithStatus(status)

		case retry.OutcomeAuthFailure:
			h.tracker.MarkFailure(sel.Account.ID, ratelimit.FailureAuth)
			lastErr = proxyerr.New(proxyerr.KindAuthFailure, "upstream rejected credentials").WithStatus(status)

		case retry.OutcomeTransient:
			if reqErr != nil {
				h.tracker.MarkFailure(sel.Account.ID, ratelimit.FailureNetwork)
				lastErr = proxyerr.Newf(proxyerr.KindUpstreamTransient, "upstream request failed: %v", reqErr)
			} else {
				h.tracker.MarkFailure(sel.Account.ID, ratelimit.FailureUpstream5xx)
				lastErr = proxyerr.New(proxyerr.KindUpstreamTransient, "upstream server error").WithStatus(status)
			}

		case retry.OutcomeClientError:
			h.tracker.MarkFailure(sel.Account.ID, ratelimit.FailureClient4xx)
			h.passThrough(c, &entry, resp)
			return

		case retry.OutcomeCancelled:
			if resp != nil {
				resp.Body.Close()
			}
			h.recordDisconnect(c, &entry)
			return
		}

		if resp != nil {
			io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
		}

		if !h.opts.Retry.ShouldRetry(outcome, false, attempt) {
			final := proxyerr.New(proxyerr.KindUpstreamUnavailable, "upstream unavailable after retries")
			if lastErr != nil {
				final.UpstreamStatus = lastErr.UpstreamStatus
			}
			h.fail(c, &entry, final)
			return
		}

		log.Debug().
			Str("account_id", sel.Account.ID).
			Str("outcome", outcome.String()).
			Int("attempt", attempt+1).
			Msg("switching account")
		exclude = append(exclude, sel.Account.ID)
		attempt++
	}
}

// forward sends the request upstream for the selected account. For chat
// completions against an OAuth account the Anthropic translation is used.
func (h *ProxyHandler) forward(c *gin.Context, sel *scheduler.Selection, ep endpoint, body, anthropicBody []byte, stream bool) (*http.Response, string, error) {
	var targetURL string
	payload := body

	if sel.IsZai() {
		base := h.zai().BaseURL
		if ep == endpointChat {
			targetURL = joinURL(base, "/v1/chat/completions")
		} else {
			targetURL = joinURL(base, "/v1/messages")
		}
	} else {
		targetURL = joinURL(h.upstream.AnthropicBaseURL(), "/v1/messages")
		if ep == endpointChat && anthropicBody != nil {
			payload = anthropicBody
		}
	}

	// Non-streaming requests carry a whole-body deadline. Streaming requests
	// only bound the wait for response headers: a timer cancels the context
	// and the failure is surfaced as a deadline so it classifies as
	// transient, never as a client disconnect.
	var ctx context.Context
	var cancel context.CancelFunc
	var ttfbExpired atomic.Bool
	var ttfb *time.Timer
	if stream {
		ctx, cancel = context.WithCancel(c.Request.Context())
		ttfb = time.AfterFunc(h.opts.RequestTimeout, func() {
			ttfbExpired.Store(true)
			cancel()
		})
	} else {
		ctx, cancel = context.WithTimeout(c.Request.Context(), h.opts.RequestTimeout)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL, bytes.NewReader(payload))
	if err != nil {
		if ttfb != nil {
			ttfb.Stop()
		}
		cancel()
		return nil, targetURL, err
	}

	// allowlisted client headers; everything hop-by-hop stays behind
	for _, name := range []string{"Content-Type", "Anthropic-Version", "Accept"} {
		if v := c.GetHeader(name); v != "" {
			req.Header.Set(name, v)
		}
	}
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if req.Header.Get("Anthropic-Version") == "" {
		req.Header.Set("Anthropic-Version", "2023-06-01")
	}

	if sel.IsZai() {
		req.Header.Set("x-api-key", sel.Account.APIKey)
		req.Header.Set("Authorization", "Bearer "+sel.Account.APIKey)
	} else {
		req.Header.Set("Authorization", "Bearer "+sel.Account.Token.AccessToken)
		req.Header.Set("anthropic-beta", "oauth-2025-04-20")
	}

	resp, err := h.upstream.Do(req, stream)
	if ttfb != nil {
		ttfb.Stop()
	}
	if err != nil {
		cancel()
		if ttfbExpired.Load() {
			return nil, targetURL, fmt.Errorf("no response headers within %s: %w", h.opts.RequestTimeout, context.DeadlineExceeded)
		}
		return nil, targetURL, err
	}

	// cancel releases ctx resources once the body is fully consumed
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, targetURL, nil
}

// succeed pipes the upstream response to the client and records the outcome
func (h *ProxyHandler) succeed(c *gin.Context, entry *monitor.RequestLog, sel *scheduler.Selection, resp *http.Response, ep endpoint, stream bool, requestModel string) {
	defer resp.Body.Close()
	entry.StatusCode = resp.StatusCode

	translate := ep == endpointChat && !sel.IsZai()

	var written int64
	var copyErr error
	switch {
	case translate && stream:
		written, copyErr = streamAnthropicAsOpenAI(c, resp, requestModel)
	case translate:
		written, copyErr = h.writeTranslated(c, resp, requestModel)
	default:
		written, copyErr = h.pipe(c, resp)
	}
	entry.BytesOut = written

	if copyErr != nil {
		if c.Request.Context().Err() != nil {
			entry.ErrorKind = string(proxyerr.KindClientDisconnected)
		} else {
			entry.ErrorKind = string(proxyerr.KindUpstreamTransient)
			log.Warn().Err(copyErr).Str("request_id", entry.ID).Msg("response stream interrupted")
		}
	}
	h.submit(entry)
}

// pipe copies the upstream response byte-for-byte, flushing per chunk so the
// first bytes reach the client at upstream TTFB
func (h *ProxyHandler) pipe(c *gin.Context, resp *http.Response) (int64, error) {
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		c.Header("Content-Type", ct)
	}
	c.Status(resp.StatusCode)

	buf := make([]byte, streamCopyBufferSize)
	var written int64
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			nw, werr := c.Writer.Write(buf[:n])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			c.Writer.Flush()
		}
		if err == io.EOF {
			return written, nil
		}
		if err != nil {
			return written, err
		}
	}
}

// writeTranslated converts a non-streaming Anthropic response to OpenAI format
func (h *ProxyHandler) writeTranslated(c *gin.Context, resp *http.Response, requestModel string) (int64, error) {
	var upstreamResp AnthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&upstreamResp); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": gin.H{"type": "upstream_transient", "message": "failed to parse upstream response"}})
		return 0, err
	}
	out := convertToOpenAI(&upstreamResp, requestModel)
	data, err := json.Marshal(out)
	if err != nil {
		return 0, err
	}
	c.Data(http.StatusOK, "application/json", data)
	return int64(len(data)), nil
}

// passThrough returns a non-retryable upstream 4xx as-is
func (h *ProxyHandler) passThrough(c *gin.Context, entry *monitor.RequestLog, resp *http.Response) {
	defer resp.Body.Close()
	entry.StatusCode = resp.StatusCode
	entry.ErrorKind = string(proxyerr.KindUpstreamFatal)

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	entry.BytesOut = int64(len(body))
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	c.Data(resp.StatusCode, contentType, body)
	h.submit(entry)
}

// fail writes the JSON error envelope and records the outcome
func (h *ProxyHandler) fail(c *gin.Context, entry *monitor.RequestLog, perr *proxyerr.Error) {
	entry.StatusCode = perr.HTTPStatus()
	entry.ErrorKind = string(perr.Kind)
	c.JSON(perr.HTTPStatus(), perr.Envelope())
	h.submit(entry)
}

// recordDisconnect logs a cancelled request. The envelope write is best
// effort: the peer has usually gone away, but a still-connected client gets
// a proper error body rather than an empty response.
func (h *ProxyHandler) recordDisconnect(c *gin.Context, entry *monitor.RequestLog) {
	perr := proxyerr.New(proxyerr.KindClientDisconnected, "client closed the connection")
	entry.StatusCode = perr.HTTPStatus()
	entry.ErrorKind = string(perr.Kind)
	c.AbortWithStatusJSON(perr.HTTPStatus(), perr.Envelope())
	h.submit(entry)
	log.Debug().Str("request_id", entry.ID).Msg("client disconnected")
}

func (h *ProxyHandler) submit(entry *monitor.RequestLog) {
	entry.EndedAt = time.Now()
	entry.DurationMs = entry.EndedAt.Sub(entry.StartedAt).Milliseconds()
	h.monitor.Submit(*entry)
}

// sanitizeTools rewrites each tool schema in place through the adapter
// registry, leaving the rest of the body untouched
func (h *ProxyHandler) sanitizeTools(ep endpoint, body []byte) []byte {
	tools := gjson.GetBytes(body, "tools")
	if !tools.IsArray() {
		return body
	}
	for i, tool := range tools.Array() {
		var name, schemaPath string
		if ep == endpointChat {
			name = tool.Get("function.name").String()
			schemaPath = fmt.Sprintf("tools.%d.function.parameters", i)
		} else {
			name = tool.Get("name").String()
			schemaPath = fmt.Sprintf("tools.%d.input_schema", i)
		}

		raw := gjson.GetBytes(body, schemaPath)
		if !raw.IsObject() {
			continue
		}
		var schema map[string]any
		if err := json.Unmarshal([]byte(raw.Raw), &schema); err != nil {
			continue
		}
		if err := h.sanitizer.Sanitize(name, schema); err != nil {
			continue
		}
		if rewritten, err := sjson.SetBytes(body, schemaPath, schema); err == nil {
			body = rewritten
		}
	}
	return body
}

// cancelOnClose ties a response body to its request context cancel func
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func toProxyErr(err error) *proxyerr.Error {
	if perr, ok := err.(*proxyerr.Error); ok {
		return perr
	}
	return proxyerr.Newf(proxyerr.KindInternal, "%v", err)
}

func joinURL(base, path string) string {
	for len(base) > 0 && base[len(base)-1] == '/' {
		base = base[:len(base)-1]
	}
	return base + path
}
