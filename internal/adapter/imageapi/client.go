// Package imageapi implements domain.ImageGenerator against the nieta
// image-generation HTTP API: one submit that returns a task UUID, then a
// fixed-budget poll of the artifact endpoint until a terminal status.
package imageapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/talesofai/nietest/internal/adapter/observability"
	"github.com/talesofai/nietest/internal/config"
	"github.com/talesofai/nietest/internal/domain"
)

const (
	submitPath   = "/v3/make_image"
	artifactPath = "/v1/artifact/task/"

	// Every Lumina job carries this library elementum; the upstream router
	// uses it to pick the Lumina model family.
	luminaElementumUUID = "b5edccfe-46a2-4a14-a8ff-f4d430343805"
	luminaElementumName = "lumina1"
	luminaElementumImg  = "https://oss.talesofai.cn/picture_s/1y7f53e6itfn_0.jpeg"

	maxSeed = 2147483647

	// submitRetryBudget caps transport-level submit retries, well inside the
	// overall submit timeout.
	submitRetryBudget = 15 * time.Second
)

// Client talks to the standard and the ops (Lumina) API hosts. Submit and
// poll use separate http.Clients because their timeouts differ by an order
// of magnitude.
type Client struct {
	cfg      config.Config
	submitHC *http.Client
	pollHC   *http.Client
	seedFn   func() int64
}

// New constructs the client with tracing transports and the configured
// submit/poll timeouts.
func New(cfg config.Config) *Client {
	transport := otelhttp.NewTransport(http.DefaultTransport,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return fmt.Sprintf("ImageAPI %s %s", r.Method, r.URL.Host)
		}),
	)
	return &Client{
		cfg:      cfg,
		submitHC: &http.Client{Timeout: cfg.ImageSubmitTimeout, Transport: transport},
		pollHC:   &http.Client{Timeout: cfg.ImagePollTimeout, Transport: transport},
		seedFn:   func() int64 { return rand.Int63n(maxSeed) + 1 },
	}
}

var _ domain.ImageGenerator = (*Client)(nil)

// Generate submits one image job and polls it to completion. Errors are
// tagged domain.GenerationErrors so the worker can pick a retry policy.
func (c *Client) Generate(ctx context.Context, req domain.GenerationRequest) (domain.GenerationResult, error) {
	start := time.Now()
	res, err := c.generate(ctx, req)
	observability.ObserveGeneration(generationOutcome(err), time.Since(start))
	return res, err
}

func (c *Client) generate(ctx context.Context, req domain.GenerationRequest) (domain.GenerationResult, error) {
	seed := int64(0)
	if req.Seed != nil {
		seed = *req.Seed
	}
	if seed == 0 {
		seed = c.seedFn()
	}

	payload, err := json.Marshal(buildPayload(req, seed))
	if err != nil {
		return domain.GenerationResult{}, fmt.Errorf("op=imageapi.Generate: marshal payload: %w", err)
	}

	base := c.cfg.ImageAPIBaseURL
	if req.IsLumina {
		base = c.cfg.ImageAPIOpsBaseURL
	}

	taskUUID, err := c.submit(ctx, base+submitPath, payload)
	if err != nil {
		return domain.GenerationResult{}, err
	}
	observability.LoggerFromContext(ctx).Info("image job submitted",
		slog.String("task_uuid", taskUUID),
		slog.Bool("lumina", req.IsLumina),
		slog.Int("width", req.Width),
		slog.Int("height", req.Height),
		slog.Int64("seed", seed))

	imageURL, err := c.poll(ctx, base+artifactPath+taskUUID, req.IsLumina)
	if err != nil {
		return domain.GenerationResult{}, err
	}
	return domain.GenerationResult{ImageURL: imageURL, SeedUsed: seed}, nil
}

// submit POSTs the job and returns the task UUID the API answers with. The
// body is the UUID as a bare JSON string; quotes are stripped. Transport
// failures are retried with exponential backoff; a response of any status
// ends the retry loop since the job may already exist upstream.
func (c *Client) submit(ctx context.Context, url string, payload []byte) (string, error) {
	var resp *http.Response
	op := func() error {
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		c.setHeaders(r)
		resp, err = c.submitHC.Do(r)
		return err
	}
	expo := backoff.NewExponentialBackOff()
	expo.MaxElapsedTime = submitRetryBudget
	if err := backoff.Retry(op, backoff.WithContext(expo, ctx)); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", &domain.GenerationError{Kind: domain.GenRetryable, Message: fmt.Sprintf("submit request failed: %v", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &domain.GenerationError{Kind: domain.GenRetryable, Message: fmt.Sprintf("read submit response: %v", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := fmt.Sprintf("submit status %d: %s", resp.StatusCode, snippet(body))
		switch {
		case resp.StatusCode == http.StatusUnavailableForLegalReasons || domain.CensoredMessage(string(body)):
			return "", &domain.GenerationError{Kind: domain.GenContentCensored, Message: msg}
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return "", &domain.GenerationError{Kind: domain.GenRetryable, Message: msg}
		default:
			return "", &domain.GenerationError{Kind: domain.GenFatal, Message: msg}
		}
	}

	taskUUID := strings.ReplaceAll(strings.TrimSpace(string(body)), `"`, "")
	if taskUUID == "" {
		return "", &domain.GenerationError{Kind: domain.GenFatal, Message: "submit returned an empty task uuid"}
	}
	return taskUUID, nil
}

// artifactResponse is the poll endpoint's shape; only the fields the client
// acts on are decoded.
type artifactResponse struct {
	TaskStatus string `json:"task_status"`
	Error      string `json:"error"`
	Artifacts  []struct {
		URL string `json:"url"`
	} `json:"artifacts"`
}

// poll drives the artifact endpoint until a terminal status or the attempt
// cap. Transient poll failures and responses without a task_status consume
// an attempt and continue; terminal statuses map onto the error taxonomy.
func (c *Client) poll(ctx context.Context, url string, lumina bool) (string, error) {
	attempts, interval := c.cfg.PollingBudget(lumina)
	for attempt := 1; attempt <= attempts; attempt++ {
		res, err := c.pollOnce(ctx, url)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			observability.LoggerFromContext(ctx).Warn("artifact poll failed",
				slog.String("url", url),
				slog.Int("attempt", attempt),
				slog.Int("cap", attempts),
				slog.Any("error", err))
		case res.TaskStatus == "SUCCESS":
			if len(res.Artifacts) == 0 || res.Artifacts[0].URL == "" {
				return "", &domain.GenerationError{Kind: domain.GenFatal, Message: "SUCCESS response carries no artifact url"}
			}
			return res.Artifacts[0].URL, nil
		case res.TaskStatus == "PENDING":
			// Keep polling.
		case res.TaskStatus == "TIMEOUT":
			return "", &domain.GenerationError{Kind: domain.GenRetryable, Message: "upstream reported TIMEOUT"}
		case res.TaskStatus == "ILLEGAL_IMAGE":
			return "", &domain.GenerationError{Kind: domain.GenContentCensored, Message: "upstream reported ILLEGAL_IMAGE"}
		case res.TaskStatus == "":
			observability.LoggerFromContext(ctx).Warn("artifact poll response has no task_status",
				slog.String("url", url),
				slog.Int("attempt", attempt),
				slog.Int("cap", attempts))
		default:
			msg := res.Error
			if msg == "" {
				msg = "task_status " + res.TaskStatus
			}
			return "", &domain.GenerationError{Kind: domain.GenFatal, Message: msg}
		}

		if attempt < attempts {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(interval):
			}
		}
	}
	return "", &domain.GenerationError{Kind: domain.GenMaxAttempts, Message: fmt.Sprintf("no terminal status after %d polls", attempts)}
}

func (c *Client) pollOnce(ctx context.Context, url string) (*artifactResponse, error) {
	r, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	c.setHeaders(r)

	resp, err := c.pollHC.Do(r)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("poll status %d: %s", resp.StatusCode, snippet(body))
	}
	var out artifactResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode poll response: %w", err)
	}
	return &out, nil
}

func (c *Client) setHeaders(r *http.Request) {
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("x-platform", "nieta-app/web")
	r.Header.Set("X-Token", c.cfg.NietaXToken)
}

// buildPayload renders the submit body. Freetext prompts stay minimal;
// reference prompts carry the full library-record envelope the API expects.
func buildPayload(req domain.GenerationRequest, seed int64) map[string]any {
	prompts := make([]map[string]any, 0, len(req.Prompts)+1)
	for _, p := range req.Prompts {
		prompts = append(prompts, renderPrompt(p))
	}
	if req.IsLumina {
		prompts = append(prompts, renderPrompt(domain.Prompt{
			Type:   domain.PromptElementum,
			Value:  luminaElementumUUID,
			UUID:   luminaElementumUUID,
			Weight: 1.0,
			Name:   luminaElementumName,
			ImgURL: luminaElementumImg,
		}))
	}

	payload := map[string]any{
		"storyId":              "",
		"jobType":              "universal",
		"width":                req.Width,
		"height":               req.Height,
		"rawPrompt":            prompts,
		"seed":                 seed,
		"meta":                 map[string]string{"entrance": "PICTURE,PURE"},
		"context_model_series": nil,
		"negative_freetext":    "",
		"advanced_translator":  req.UsePolish,
	}

	if req.IsLumina {
		clientArgs := map[string]any{}
		if req.LuminaModelName != "" {
			clientArgs["ckpt_name"] = req.LuminaModelName
		}
		if req.LuminaCfg != 0 {
			clientArgs["cfg"] = req.LuminaCfg
		}
		if req.LuminaStep != 0 {
			clientArgs["steps"] = req.LuminaStep
		}
		if len(clientArgs) > 0 {
			payload["client_args"] = clientArgs
		}
	}
	return payload
}

func renderPrompt(p domain.Prompt) map[string]any {
	weight := p.Weight
	if weight == 0 {
		weight = 1
	}
	if !p.Reference() {
		return map[string]any{
			"type":   domain.PromptFreetext,
			"value":  p.Value,
			"weight": weight,
		}
	}
	return map[string]any{
		"type":              p.Type,
		"value":             p.Value,
		"uuid":              p.UUID,
		"weight":            weight,
		"name":              p.Name,
		"img_url":           p.ImgURL,
		"domain":            "",
		"parent":            "",
		"label":             nil,
		"sort_index":        0,
		"status":            "IN_USE",
		"polymorphi_values": map[string]any{},
		"sub_type":          nil,
	}
}

func generationOutcome(err error) string {
	if err == nil {
		return "success"
	}
	if ge, ok := domain.AsGenerationError(err); ok {
		return string(ge.Kind)
	}
	return "error"
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 512 {
		s = s[:512]
	}
	return s
}
