// Package planner calls the planning model to break a brief (or a hero
// image) into a structured shot plan.
package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lpding888/ai-fashion-studio-sub000/internal/domain"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	defaultModel   = "gemini-2.5-flash"
	defaultTimeout = 60 * time.Second
)

type Options struct {
	APIKey     string
	Model      string
	BaseURL    string
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// Client is the planning-model client. Planning output is JSON-mode text;
// images never come back through this path.
type Client struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	log     zerolog.Logger
}

func NewClient(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("planner: api key is required")
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = defaultModel
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{
		apiKey:  opts.APIKey,
		model:   model,
		baseURL: baseURL,
		client:  client,
		log:     opts.Logger.With().Str("component", "planner").Logger(),
	}, nil
}

type planRequest struct {
	Contents         []planContent         `json:"contents"`
	GenerationConfig *planGenerationConfig `json:"generationConfig,omitempty"`
}

type planContent struct {
	Role  string     `json:"role"`
	Parts []planPart `json:"parts"`
}

type planPart struct {
	Text     string        `json:"text,omitempty"`
	FileData *planFileData `json:"fileData,omitempty"`
}

type planFileData struct {
	MimeType string `json:"mimeType,omitempty"`
	FileURI  string `json:"fileUri"`
}

type planGenerationConfig struct {
	Temperature      float64 `json:"temperature,omitempty"`
	CandidateCount   int     `json:"candidateCount,omitempty"`
	ResponseMimeType string  `json:"responseMimeType,omitempty"`
}

type planResponse struct {
	Candidates []struct {
		Content planContent `json:"content"`
	} `json:"candidates"`
}

// PlanShots breaks a brief into count shots, analysing the attached
// reference images where the model supports it.
func (c *Client) PlanShots(ctx context.Context, brief string, refs domain.ReferenceImages, count int) (*domain.ShotPlan, error) {
	parts := []planPart{{Text: buildShotPrompt(brief, count)}}
	parts = append(parts, refParts(refs)...)
	return c.plan(ctx, parts)
}

// PlanStoryboard breaks an already-approved hero image into count shots.
func (c *Client) PlanStoryboard(ctx context.Context, heroRef string, count int) (*domain.ShotPlan, error) {
	parts := []planPart{{Text: buildStoryboardPrompt(count)}}
	if isRemote(heroRef) {
		parts = append(parts, planPart{FileData: &planFileData{MimeType: "image/png", FileURI: heroRef}})
	} else {
		parts = append(parts, planPart{Text: "Hero image reference: " + heroRef})
	}
	return c.plan(ctx, parts)
}

func (c *Client) plan(ctx context.Context, parts []planPart) (*domain.ShotPlan, error) {
	payload := planRequest{
		Contents: []planContent{{Role: "user", Parts: parts}},
		GenerationConfig: &planGenerationConfig{
			Temperature:      0.4,
			CandidateCount:   1,
			ResponseMimeType: "application/json",
		},
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(payload); err != nil {
		return nil, fmt.Errorf("planner: encode request: %w", err)
	}
	endpoint := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, url.PathEscape(c.model))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &buf)
	if err != nil {
		return nil, fmt.Errorf("planner: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("planner: call planning model: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("planner: planning model returned status %d", resp.StatusCode)
	}
	var out planResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("planner: decode response: %w", err)
	}
	text := extractText(out)
	if text == "" {
		return nil, fmt.Errorf("planner: empty planning response: %w", domain.ErrMalformedPlan)
	}
	plan, err := ParsePlan(text)
	if err != nil {
		c.log.Warn().Err(err).Str("text_preview", preview(text)).Msg("planning output rejected")
		return nil, err
	}
	return plan, nil
}

// ParsePlan parses the model's JSON-mode output into a ShotPlan. Code fences
// and surrounding prose are tolerated; an empty shot list is not.
func ParsePlan(raw string) (*domain.ShotPlan, error) {
	cleaned := extractJSONFragment(raw)
	if cleaned == "" {
		return nil, fmt.Errorf("planner: no JSON payload in planning output: %w", domain.ErrMalformedPlan)
	}
	var plan domain.ShotPlan
	if err := json.Unmarshal([]byte(cleaned), &plan); err != nil {
		return nil, fmt.Errorf("planner: %v: %w", err, domain.ErrMalformedPlan)
	}
	if len(plan.Shots) == 0 {
		return nil, fmt.Errorf("planner: plan contains no shots: %w", domain.ErrMalformedPlan)
	}
	for i := range plan.Shots {
		if strings.TrimSpace(plan.Shots[i].Prompt) == "" {
			return nil, fmt.Errorf("planner: shot %d has no prompt: %w", i+1, domain.ErrMalformedPlan)
		}
		if strings.TrimSpace(plan.Shots[i].ID) == "" {
			plan.Shots[i].ID = fmt.Sprintf("shot-%02d", i+1)
		}
	}
	return &plan, nil
}

func refParts(refs domain.ReferenceImages) []planPart {
	var parts []planPart
	add := func(uri string) {
		if uri == "" {
			return
		}
		if isRemote(uri) {
			parts = append(parts, planPart{FileData: &planFileData{FileURI: uri}})
		} else {
			parts = append(parts, planPart{Text: "Reference image: " + uri})
		}
	}
	for _, g := range refs.Garment {
		add(g)
	}
	add(refs.Face)
	add(refs.Style)
	return parts
}

func isRemote(ref string) bool {
	return strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://")
}

func buildShotPrompt(brief string, count int) string {
	sb := &strings.Builder{}
	fmt.Fprintf(sb, "You are a fashion photography director. Plan exactly %d shots for the brief below. ", count)
	sb.WriteString("Respond strictly with JSON matching this schema: ")
	sb.WriteString(`{"shots":[{"id":string,"type":string,"prompt":string}],"image_analysis":string[]}`)
	sb.WriteString(". Each prompt is the full text for one rendered photograph. ")
	fmt.Fprintf(sb, "Brief: %q.", brief)
	return sb.String()
}

func buildStoryboardPrompt(count int) string {
	sb := &strings.Builder{}
	fmt.Fprintf(sb, "You are a fashion photography director. The attached hero image defines the garment, model and mood. Break it into exactly %d storyboard shots that keep the same garment and model. ", count)
	sb.WriteString("Respond strictly with JSON matching this schema: ")
	sb.WriteString(`{"shots":[{"id":string,"type":string,"prompt":string}]}`)
	sb.WriteString(".")
	return sb.String()
}

func extractText(resp planResponse) string {
	for _, cand := range resp.Candidates {
		for _, part := range cand.Content.Parts {
			if strings.TrimSpace(part.Text) != "" {
				return part.Text
			}
		}
	}
	return ""
}

func extractJSONFragment(raw string) string {
	text := strings.TrimSpace(raw)
	if text == "" {
		return ""
	}
	text = trimCodeFence(text)
	start := strings.IndexAny(text, "{[")
	end := strings.LastIndexAny(text, "]}")
	if start >= 0 && end >= start {
		text = text[start : end+1]
	}
	return strings.TrimSpace(text)
}

func trimCodeFence(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```JSON")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)
	if idx := strings.LastIndex(trimmed, "```"); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	return strings.TrimSpace(trimmed)
}

func preview(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 160 {
		return s[:160] + "…"
	}
	return s
}
