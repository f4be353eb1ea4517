// Package nai talks to a NovelAI-style web generation endpoint
// (std.loliyc.com style): one GET with the prompt and settings as query
// parameters, answered with an image body or a JSON envelope.
package nai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"nai-bot/internal/modelcfg"
)

const (
	defaultModel   = "nai-diffusion-4-5-full"
	defaultTimeout = 120 * time.Second
	maxErrorBody   = 100
)

// Generator produces an image payload for a request. The payload is either
// an image URL or base64 image data.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// Request carries everything sent to the endpoint for one image
type Request struct {
	BaseURL  string
	Endpoint string

	Prompt        string
	Model         string
	APIKey        string
	Artist        string
	Negative      string
	Sampler       string
	Steps         *int
	Scale         *float64
	CFG           *float64
	NoiseSchedule string
	NoCache       *int
	Size          string
	PromptPrefix  string
	ExtraParams   map[string]any
}

// NewRequest builds a request from a resolved config
func NewRequest(eff *modelcfg.Effective, prompt string) Request {
	return Request{
		BaseURL:       eff.BaseURL,
		Endpoint:      eff.Endpoint,
		Prompt:        prompt,
		Model:         eff.Model,
		APIKey:        eff.APIKey,
		Artist:        eff.ArtistPrompt,
		Negative:      eff.NegativePromptAdd,
		Sampler:       eff.Sampler,
		Steps:         eff.Steps,
		Scale:         eff.GuidanceScale,
		CFG:           eff.CFG,
		NoiseSchedule: eff.NoiseSchedule,
		NoCache:       eff.NoCache,
		Size:          eff.Size,
		PromptPrefix:  eff.CustomPromptAdd,
		ExtraParams:   eff.ExtraParams,
	}
}

// URL returns the full endpoint URL
func (r Request) URL() string {
	endpoint := r.Endpoint
	if endpoint == "" {
		endpoint = "/generate"
	}
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}
	return strings.TrimRight(r.BaseURL, "/") + endpoint
}

// Query renders the request as query parameters
func (r Request) Query() map[string]string {
	tag := r.Prompt
	if r.PromptPrefix != "" {
		tag = r.PromptPrefix + ", " + r.Prompt
	}
	model := r.Model
	if model == "" {
		model = defaultModel
	}

	params := map[string]string{
		"tag":   tag,
		"model": model,
	}
	if token := stripBearer(r.APIKey); token != "" {
		params["token"] = token
	}

	// The endpoint wants an artist string; the prompt prefix stands in
	artist := r.Artist
	if artist == "" {
		artist = r.PromptPrefix
	}
	if artist != "" {
		params["artist"] = artist
	}
	if r.Negative != "" {
		params["negative"] = r.Negative
	}
	if r.Sampler != "" {
		params["sampler"] = r.Sampler
	}
	if r.Steps != nil {
		params["steps"] = strconv.Itoa(*r.Steps)
	}
	if r.Scale != nil {
		params["scale"] = formatFloat(*r.Scale)
	}
	if r.CFG != nil {
		params["cfg"] = formatFloat(*r.CFG)
	}
	if r.NoiseSchedule != "" {
		params["noise_schedule"] = r.NoiseSchedule
	}
	if r.NoCache != nil {
		params["nocache"] = strconv.Itoa(*r.NoCache)
	}
	if r.Size != "" {
		params["size"] = r.Size
	}
	for k, v := range r.ExtraParams {
		if v == nil {
			continue
		}
		s := formatValue(v)
		if s == "" {
			continue
		}
		params[k] = s
	}
	return params
}

// Options configures a Client
type Options struct {
	Timeout time.Duration
	// Breaker trips after this many consecutive failures; 0 means 5
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

// Client calls the generation endpoint through a circuit breaker
type Client struct {
	http    *resty.Client
	breaker *gobreaker.CircuitBreaker
}

// NewClient creates a client
func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = 5
	}
	if opts.BreakerCooldown <= 0 {
		opts.BreakerCooldown = time.Minute
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "nai_circuit_breaker",
		MaxRequests: 1,
		Timeout:     opts.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warnf("Circuit breaker %s: %s -> %s", name, from, to)
		},
	})

	// Generation is slow and not idempotent on the upstream side, so there
	// are no retries
	client := resty.New().
		SetTimeout(opts.Timeout).
		SetRetryCount(0)
	client.SetTransport(&breakerTransport{
		breaker: breaker,
		next:    http.DefaultTransport,
	})

	return &Client{http: client, breaker: breaker}
}

// Generate sends the request and returns the image payload
func (c *Client) Generate(ctx context.Context, req Request) (string, error) {
	endpoint := req.URL()
	query := req.Query()

	log.Infof("Requesting image from %s", endpoint)
	log.Debugf("Generation params: tag length=%d, model=%s, size=%s",
		len([]rune(query["tag"])), query["model"], query["size"])

	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(query).
		Get(endpoint)
	if err != nil {
		return "", requestError(err)
	}

	if resp.StatusCode() != http.StatusOK {
		log.Errorf("Generation HTTP error %d: %s", resp.StatusCode(), truncate(string(resp.Body()), 200))
		return "", &HTTPError{StatusCode: resp.StatusCode(), Body: truncate(string(resp.Body()), maxErrorBody)}
	}

	if strings.Contains(resp.Header().Get("Content-Type"), "application/json") {
		return decodeEnvelope(resp.Body())
	}

	log.Infof("Image generated, %d bytes", len(resp.Body()))
	return base64.StdEncoding.EncodeToString(resp.Body()), nil
}

// requestError strips the request URL from transport errors; the query
// carries the API token
func requestError(err error) error {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		log.Errorf("Generation HTTP error %d: %s", httpErr.StatusCode, httpErr.Body)
		return httpErr
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		err = urlErr.Err
	}
	return fmt.Errorf("generation request failed: %w", err)
}

func decodeEnvelope(body []byte) (string, error) {
	var data map[string]any
	if err := json.Unmarshal(body, &data); err != nil {
		data = map[string]any{}
	}

	for _, key := range []string{"url", "image_url", "image", "data"} {
		if v, ok := data[key].(string); ok && v != "" {
			log.Infof("Image returned in JSON field %s", key)
			return v, nil
		}
	}

	msg := "未返回图片数据"
	for _, key := range []string{"message", "error"} {
		if v, ok := data[key].(string); ok && v != "" {
			msg = v
			break
		}
	}
	log.Errorf("JSON response carried no image: %s", msg)
	return "", &APIError{Message: msg}
}

// breakerTransport counts transport failures and 5xx responses against the
// circuit breaker
type breakerTransport struct {
	breaker *gobreaker.CircuitBreaker
	next    http.RoundTripper
}

func (t *breakerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	result, err := t.breaker.Execute(func() (interface{}, error) {
		resp, err := t.next.RoundTrip(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			return nil, &HTTPError{StatusCode: resp.StatusCode, Body: truncate(string(body), maxErrorBody)}
		}
		return resp, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			log.Warnf("Circuit breaker rejected request to %s", req.URL.Host)
		}
		return nil, err
	}
	return result.(*http.Response), nil
}

func stripBearer(key string) string {
	key = strings.TrimSpace(key)
	if len(key) >= 7 && strings.EqualFold(key[:7], "bearer ") {
		return strings.TrimSpace(key[7:])
	}
	return key
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func formatValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return formatFloat(x)
	case float32:
		return formatFloat(float64(x))
	default:
		return fmt.Sprint(x)
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
