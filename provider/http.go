package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

// HTTP talks to an OpenAI-compatible chat completions endpoint.
type HTTP struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
	log     zerolog.Logger
	// sleep is replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewHTTP creates an HTTP provider. Throttling is shared by every request
// sent through the returned value.
func NewHTTP(cfg Config, log zerolog.Logger) *HTTP {
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	return &HTTP{
		cfg:     cfg,
		client:  makeHTTPClient(cfg.Proxy, cfg.Timeout),
		limiter: rate.NewLimiter(limit, 1),
		log:     log.With().Str("provider", cfg.ID).Logger(),
		sleep:   sleepCtx,
	}
}

func (h *HTTP) Name() string {
	if h.cfg.Name != "" {
		return h.cfg.Name
	}
	return h.cfg.ID
}

func (h *HTTP) maxRetries() int {
	if h.cfg.MaxRetries > 0 {
		return h.cfg.MaxRetries
	}
	return 3
}

// ---------------------------------------------------------------------------
// HTTP client with real proxy support
// ---------------------------------------------------------------------------

func makeHTTPClient(proxyURL string, timeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()

	// Support both the proxy setting and HTTP_PROXY/HTTPS_PROXY env vars
	if proxyURL != "" {
		parsed, err := url.Parse(proxyURL)
		if err == nil {
			transport.Proxy = http.ProxyURL(parsed)
		}
	} else {
		transport.Proxy = http.ProxyFromEnvironment
	}

	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// ---------------------------------------------------------------------------
// Request building
// ---------------------------------------------------------------------------

func buildChatRequest(model, systemPrompt, userPrompt string, temperature float64, stream bool) ([]byte, error) {
	type msg struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	type streamOptions struct {
		IncludeUsage bool `json:"include_usage"`
	}
	req := struct {
		Model         string         `json:"model"`
		Messages      []msg          `json:"messages"`
		Temperature   float64        `json:"temperature"`
		Stream        bool           `json:"stream"`
		StreamOptions *streamOptions `json:"stream_options,omitempty"`
	}{
		Model: model,
		Messages: []msg{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Temperature: temperature,
		Stream:      stream,
	}
	if stream {
		req.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	return json.Marshal(req)
}

func (h *HTTP) endpoint() string {
	baseURL := strings.TrimRight(h.cfg.BaseURL, "/")
	if strings.HasSuffix(baseURL, "/chat/completions") {
		return baseURL
	}
	return baseURL + "/chat/completions"
}

// ---------------------------------------------------------------------------
// Execution
// ---------------------------------------------------------------------------

// Execute sends one batch and yields the response text. Retries only happen
// before the first fragment; a stream that breaks midway fails the batch.
func (h *HTTP) Execute(ctx context.Context, req Request) iter.Seq2[Fragment, error] {
	return func(yield func(Fragment, error) bool) {
		system, user := BuildPrompt(req)
		temperature := h.cfg.Temperature
		if temperature == 0 {
			temperature = 0.3
		}
		body, err := buildChatRequest(h.cfg.Model, system, user, temperature, h.cfg.Stream)
		if err != nil {
			yield(Fragment{}, fmt.Errorf("building request: %w", err))
			return
		}

		resp, err := h.send(ctx, body)
		if err != nil {
			yield(Fragment{}, err)
			return
		}
		defer resp.Body.Close()

		if isEventStream(resp) {
			h.readStream(resp.Body, yield)
			return
		}

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			yield(Fragment{}, fmt.Errorf("reading response: %w", err))
			return
		}
		text, err := extractResponseText(respBody)
		if err != nil {
			yield(Fragment{}, err)
			return
		}
		yield(Fragment{Text: text, Usage: extractUsage(gjson.ParseBytes(respBody))}, nil)
	}
}

// send performs the request with retries on transport errors, 429 and 5xx.
func (h *HTTP) send(ctx context.Context, body []byte) (*http.Response, error) {
	endpoint := h.endpoint()
	maxRetries := h.maxRetries()

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := h.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("creating request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if h.cfg.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+h.cfg.APIKey)
		}

		h.log.Debug().Int("attempt", attempt+1).Str("url", endpoint).Msg("POST")

		resp, err := h.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if attempt < maxRetries {
				if err := h.sleep(ctx, backoff(attempt)); err != nil {
					return nil, err
				}
				continue
			}
			return nil, fmt.Errorf("API request failed: %w", err)
		}

		if resp.StatusCode == http.StatusOK {
			return resp, nil
		}

		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests {
			retryDelay := parseRetryDelay(resp.Header, respBody)
			h.log.Warn().Dur("wait", retryDelay).Int("attempt", attempt+1).Msg("rate limited")
			if attempt < maxRetries {
				if err := h.sleep(ctx, retryDelay); err != nil {
					return nil, err
				}
				continue
			}
			return nil, fmt.Errorf("rate limited after %d retries: %s", maxRetries, truncate(string(respBody), 500))
		}

		if resp.StatusCode >= 500 && attempt < maxRetries {
			if err := h.sleep(ctx, backoff(attempt)); err != nil {
				return nil, err
			}
			continue
		}
		return nil, fmt.Errorf("API returned status %d: %s", resp.StatusCode, truncate(string(respBody), 500))
	}

	return nil, fmt.Errorf("exhausted all %d retries", maxRetries)
}

func backoff(attempt int) time.Duration {
	return time.Duration(math.Pow(2, float64(attempt))) * time.Second
}

func isEventStream(resp *http.Response) bool {
	return strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream")
}

// readStream yields the content deltas of a server-sent-event stream.
func (h *HTTP) readStream(body io.Reader, yield func(Fragment, error) bool) {
	r := bufio.NewReader(body)
	for {
		line, err := r.ReadString('\n')
		if line = strings.TrimSpace(line); strings.HasPrefix(line, "data:") {
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return
			}
			ev := gjson.Parse(data)
			if msg := ev.Get("error.message"); msg.Exists() {
				yield(Fragment{}, fmt.Errorf("API error: %s", msg.String()))
				return
			}
			frag := Fragment{
				Text:  ev.Get("choices.0.delta.content").String(),
				Usage: extractUsage(ev),
			}
			if frag.Text != "" || frag.Usage != nil {
				if !yield(frag, nil) {
					return
				}
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				yield(Fragment{}, fmt.Errorf("reading stream: %w", err))
			}
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Response parsing
// ---------------------------------------------------------------------------

// extractResponseText tries the known response formats and returns the text.
func extractResponseText(body []byte) (string, error) {
	if !gjson.ValidBytes(body) {
		return "", fmt.Errorf("invalid JSON response: %s", truncate(string(body), 200))
	}
	doc := gjson.ParseBytes(body)

	if errObj := doc.Get("error"); errObj.Exists() {
		if msg := errObj.Get("message"); msg.Exists() {
			return "", fmt.Errorf("API error: %s", msg.String())
		}
		return "", fmt.Errorf("API error: %s", errObj.Raw)
	}

	paths := []string{
		"choices.0.message.content",                // OpenAI chat
		"candidates.0.content.parts.0.text",        // Gemini native
		`content.#(type=="text").text`,             // Anthropic messages
		`output.#(type=="message").content.0.text`, // OpenAI responses
		"response",                                 // normalized CLI output
	}
	for _, p := range paths {
		if v := doc.Get(p); v.Exists() && v.Type == gjson.String {
			return v.String(), nil
		}
	}
	return "", fmt.Errorf("could not extract text from response: %s", truncate(string(body), 500))
}

func extractUsage(doc gjson.Result) *Usage {
	if u := doc.Get("usage"); u.Exists() && u.IsObject() {
		return &Usage{
			Input:  int(u.Get("prompt_tokens").Int()),
			Output: int(u.Get("completion_tokens").Int()),
		}
	}
	if u := doc.Get("usageMetadata"); u.Exists() {
		return &Usage{
			Input:  int(u.Get("promptTokenCount").Int()),
			Output: int(u.Get("candidatesTokenCount").Int()),
		}
	}
	return nil
}

// parseRetryDelay extracts the retry delay from a 429 response: the
// Retry-After header, or Google's RetryInfo detail in the body. Defaults to
// 60s plus a 5s buffer.
func parseRetryDelay(header http.Header, body []byte) time.Duration {
	const defaultDelay = 65 * time.Second

	if ra := header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(strings.TrimSpace(ra)); err == nil {
			return time.Duration(secs) * time.Second
		}
	}

	delay := defaultDelay
	gjson.GetBytes(body, "error.details").ForEach(func(_, detail gjson.Result) bool {
		if !strings.HasSuffix(detail.Get(`\@type`).String(), "RetryInfo") {
			return true
		}
		d := strings.TrimSuffix(detail.Get("retryDelay").String(), "s")
		if secs, err := strconv.ParseFloat(d, 64); err == nil {
			delay = time.Duration(secs*1000)*time.Millisecond + 5*time.Second
		}
		return false
	})
	return delay
}
