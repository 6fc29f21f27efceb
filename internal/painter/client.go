// Package painter is the streaming-protocol client for the image-generation
// endpoint. One Paint call produces exactly one image plus any narrative
// "shoot log" text, or fails with a classified CallError.
package painter

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lpding888/ai-fashion-studio-sub000/internal/storage"
)

const (
	defaultBaseURL     = "https://generativelanguage.googleapis.com/v1beta"
	defaultModel       = "gemini-2.5-flash-image"
	defaultCallTimeout = 3 * time.Minute

	// forcedImageInstruction is appended when the model answered with text
	// instead of an image and the call is replayed in image-only mode.
	forcedImageInstruction = "Output the final photograph as an image. Do not answer with text."
)

// Options configures the painter client.
type Options struct {
	BaseURL     string
	Model       string
	Keys        []string
	HTTPClient  *http.Client
	Store       storage.ObjectStore
	Logger      zerolog.Logger
	CallTimeout time.Duration
}

// Client talks to the generation endpoint with credential rotation and the
// image-only-forced fallback. It is safe for concurrent use.
type Client struct {
	baseURL    string
	model      string
	pool       *KeyPool
	httpClient *http.Client
	store      storage.ObjectStore
	log        zerolog.Logger
	timeout    time.Duration
}

func NewClient(opts Options) (*Client, error) {
	pool := NewKeyPool(opts.Keys)
	if pool.Size() == 0 {
		return nil, errors.New("painter: at least one API key is required")
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	model := opts.Model
	if model == "" {
		model = defaultModel
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	store := opts.Store
	if store == nil {
		store = storage.Disabled{}
	}
	timeout := opts.CallTimeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	return &Client{
		baseURL:    baseURL,
		model:      model,
		pool:       pool,
		httpClient: httpClient,
		store:      store,
		log:        opts.Logger.With().Str("component", "painter").Logger(),
		timeout:    timeout,
	}, nil
}

// RefImage is one reference image attached to a request. A remote URI is
// preferred whenever durable storage holds the asset; inline bytes are the
// last resort, to keep payload size and token cost bounded.
type RefImage struct {
	Name     string
	URI      string
	MimeType string
	Data     []byte
}

// Turn is one prior exchange for conversational continuation.
type Turn struct {
	Role   string
	Text   string
	Images []RefImage
}

// Request describes one logical generation call.
type Request struct {
	System         string
	History        []Turn
	Instruction    string
	Refs           []RefImage
	ForceImageOnly bool
	ThinkingBudget int
	TaskID         string
	ShotID         string
}

// Result is the outcome of a successful call.
type Result struct {
	ImageRef string
	MimeType string
	ShootLog string
}

// Paint performs one logical generation call. Transient failures rotate to
// the fallback credential once; a "no image" outcome with image-only not yet
// forced replays the whole call once in forced mode.
func (c *Client) Paint(ctx context.Context, req Request) (*Result, error) {
	payload, err := json.Marshal(c.buildPayload(req))
	if err != nil {
		return nil, fmt.Errorf("painter: marshal request: %w", err)
	}

	var lastErr error
	for attempt, key := range c.pool.Candidates() {
		res, err := c.once(ctx, key, payload, req)
		if err == nil {
			return res, nil
		}
		lastErr = err
		var ce *CallError
		if !errors.As(err, &ce) || !ce.Retryable() {
			return nil, err
		}
		c.log.Warn().Err(err).
			Str("task_id", req.TaskID).
			Str("shot_id", req.ShotID).
			Int("attempt", attempt+1).
			Msg("generation call failed")
	}

	var ce *CallError
	if errors.As(lastErr, &ce) && ce.Kind == KindNoImage && !req.ForceImageOnly {
		c.log.Info().
			Str("task_id", req.TaskID).
			Str("shot_id", req.ShotID).
			Str("finish_reason", ce.FinishReason).
			Str("text_preview", preview(ce.Text)).
			Msg("no image returned; retrying with image-only output forced")
		forced := req
		forced.ForceImageOnly = true
		forced.ThinkingBudget = 0
		return c.Paint(ctx, forced)
	}
	return nil, lastErr
}

func (c *Client) buildPayload(req Request) wireGenerateRequest {
	var payload wireGenerateRequest
	if req.System != "" {
		payload.SystemInstruction = &wireContent{Parts: []wirePart{{Text: req.System}}}
	}
	for _, turn := range req.History {
		payload.Contents = append(payload.Contents, turnContent(turn))
	}

	instruction := req.Instruction
	if req.ForceImageOnly {
		instruction = strings.TrimSpace(instruction) + "\n\n" + forcedImageInstruction
	}
	user := wireContent{Role: "user", Parts: []wirePart{{Text: instruction}}}
	for _, ref := range req.Refs {
		user.Parts = append(user.Parts, refPart(ref))
	}
	payload.Contents = append(payload.Contents, user)

	cfg := &wireGenerationConfig{}
	if req.ForceImageOnly {
		cfg.ResponseModalities = []string{"IMAGE"}
	} else {
		cfg.ResponseModalities = []string{"TEXT", "IMAGE"}
		if req.ThinkingBudget > 0 {
			cfg.ThinkingConfig = &wireThinkingConfig{ThinkingBudget: req.ThinkingBudget}
		}
	}
	payload.GenerationConfig = cfg
	return payload
}

func turnContent(turn Turn) wireContent {
	role := turn.Role
	if role == "" {
		role = "user"
	}
	content := wireContent{Role: role}
	if turn.Text != "" {
		content.Parts = append(content.Parts, wirePart{Text: turn.Text})
	}
	for _, ref := range turn.Images {
		content.Parts = append(content.Parts, refPart(ref))
	}
	return content
}

func refPart(ref RefImage) wirePart {
	if ref.URI != "" {
		return wirePart{FileData: &wireFileData{MimeType: ref.MimeType, FileURI: ref.URI}}
	}
	return wirePart{InlineData: &wireBlob{
		MimeType: ref.MimeType,
		Data:     base64.StdEncoding.EncodeToString(ref.Data),
	}}
}

// once performs a single HTTP call with one credential and normalizes the
// response into a Result or a classified CallError.
func (c *Client) once(ctx context.Context, key string, payload []byte, req Request) (*Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/models/%s:streamGenerateContent", c.baseURL, url.PathEscape(c.model))
	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, newCallError(KindInvalid, "create request", err)
	}
	q := httpReq.URL.Query()
	q.Set("key", key)
	httpReq.URL.RawQuery = q.Encode()
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyTransport(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, classifyStatus(resp)
	}

	x, err := c.decodeBody(resp)
	if err != nil {
		return nil, err
	}

	if x.Image == nil {
		if x.BlockReason != "" || isBlockedFinish(x.FinishReason) {
			ce := newCallError(KindBlocked, "content blocked by upstream", nil)
			ce.FinishReason = firstNonEmpty(x.BlockReason, x.FinishReason)
			return nil, ce
		}
		ce := newCallError(KindNoImage, "stream ended without image data", nil)
		ce.FinishReason = x.FinishReason
		ce.Text = x.Text()
		return nil, ce
	}

	return c.materialize(callCtx, key, req, x)
}

// decodeBody selects the scanner by response content type. All three
// encodings normalize into the same extraction.
func (c *Client) decodeBody(resp *http.Response) (*extraction, error) {
	ct := resp.Header.Get("Content-Type")
	mediaType := ct
	if parsed, _, err := mime.ParseMediaType(ct); err == nil {
		mediaType = parsed
	}
	var (
		x   *extraction
		err error
	)
	switch mediaType {
	case "text/event-stream":
		x, err = scanEventStream(resp.Body)
	case "application/x-ndjson", "application/ndjson", "application/jsonl", "application/json-seq":
		x, err = scanLines(resp.Body)
	default:
		x, err = scanJSON(resp.Body)
	}
	if err != nil {
		var ce *CallError
		if errors.As(err, &ce) {
			return nil, ce
		}
		return nil, classifyTransport(err)
	}
	return x, nil
}

// materialize turns the extracted image into durable bytes and a stable
// reference: inline payloads are decoded directly, remote references fetched.
func (c *Client) materialize(ctx context.Context, key string, req Request, x *extraction) (*Result, error) {
	img := x.Image
	data := img.Data
	mimeType := img.MimeType
	if len(data) == 0 {
		var err error
		data, mimeType, err = c.download(ctx, key, img.RemoteURI)
		if err != nil {
			return nil, err
		}
		if img.MimeType != "" {
			mimeType = img.MimeType
		}
	}
	if mimeType == "" {
		mimeType = "image/png"
	}

	storageKey := renderKey(req, mimeType)
	var ref string
	if c.store.Enabled() {
		stored, err := c.store.Upload(ctx, storageKey, data)
		if err != nil {
			return nil, newCallError(KindUpstream, "persist rendered image", err)
		}
		ref = stored
	} else {
		// Local-file degradation when no durable store is available.
		path := filepath.Join(os.TempDir(), "studio-renders", filepath.FromSlash(storageKey))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, newCallError(KindUpstream, "persist rendered image", err)
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return nil, newCallError(KindUpstream, "persist rendered image", err)
		}
		ref = path
	}

	c.log.Debug().
		Str("task_id", req.TaskID).
		Str("shot_id", req.ShotID).
		Str("image_ref", ref).
		Int("bytes", len(data)).
		Msg("image rendered")

	return &Result{ImageRef: ref, MimeType: mimeType, ShootLog: x.Text()}, nil
}

func (c *Client) download(ctx context.Context, key, uri string) ([]byte, string, error) {
	target := uri
	if !strings.HasPrefix(uri, "http://") && !strings.HasPrefix(uri, "https://") {
		target = c.baseURL + "/" + strings.TrimLeft(uri, "/")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, "", newCallError(KindInvalid, "create download request", err)
	}
	if key != "" {
		q := req.URL.Query()
		q.Set("key", key)
		req.URL.RawQuery = q.Encode()
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", classifyTransport(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, "", classifyStatus(resp)
	}
	blob, err := io.ReadAll(io.LimitReader(resp.Body, maxScanBytes+1))
	if err != nil {
		return nil, "", classifyTransport(err)
	}
	if len(blob) > maxScanBytes {
		return nil, "", errScanBudget
	}
	return blob, resp.Header.Get("Content-Type"), nil
}

func renderKey(req Request, mimeType string) string {
	ext := "png"
	switch mimeType {
	case "image/jpeg", "image/jpg":
		ext = "jpg"
	case "image/webp":
		ext = "webp"
	}
	task := req.TaskID
	if task == "" {
		task = "adhoc"
	}
	shot := req.ShotID
	if shot == "" {
		shot = "image"
	}
	return fmt.Sprintf("tasks/%s/%s-%d.%s", task, shot, time.Now().UnixNano(), ext)
}

func classifyTransport(err error) *CallError {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return newCallError(KindTimeout, "call deadline exceeded", err)
	case errors.Is(err, context.Canceled):
		// The caller gave up; rotating to another credential would only
		// burn an attempt against a context that is already dead.
		return newCallError(KindCanceled, "call canceled", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return newCallError(KindTimeout, "network timeout", err)
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return newCallError(KindConnReset, "connection closed mid-response", err)
	}
	return newCallError(KindConnReset, "transport failure", err)
}

func classifyStatus(resp *http.Response) *CallError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	msg := fmt.Sprintf("status %d", resp.StatusCode)
	var apiErr wireAPIError
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Error.Message != "" {
		msg = fmt.Sprintf("status %d: %s", resp.StatusCode, apiErr.Error.Message)
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return newCallError(KindRateLimited, msg, nil)
	case resp.StatusCode >= http.StatusInternalServerError:
		return newCallError(KindUpstream, msg, nil)
	default:
		return newCallError(KindInvalid, msg, nil)
	}
}

func preview(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 160 {
		return s[:160] + "…"
	}
	return s
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
