package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// BatchClient submits a whole shot list to the serverless batch renderer in
// one call instead of looping over the painter.
type BatchClient struct {
	endpoint string
	client   *http.Client
}

func NewBatchClient(endpoint string, httpClient *http.Client) (*BatchClient, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errors.New("pipeline: batch endpoint is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Minute}
	}
	return &BatchClient{endpoint: endpoint, client: httpClient}, nil
}

type batchShot struct {
	ID     string `json:"id"`
	Prompt string `json:"prompt"`
}

type batchRequest struct {
	TaskID      string      `json:"task_id"`
	Shots       []batchShot `json:"shots"`
	Refs        []string    `json:"refs,omitempty"`
	Tier        string      `json:"tier,omitempty"`
	AspectRatio string      `json:"aspect_ratio,omitempty"`
}

type batchShotResult struct {
	ID    string `json:"id"`
	Image string `json:"image,omitempty"`
	Error string `json:"error,omitempty"`
}

type batchResponse struct {
	Results []batchShotResult `json:"results"`
}

func (b *BatchClient) Render(ctx context.Context, req batchRequest) (*batchResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("pipeline: marshal batch request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("pipeline: create batch request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("pipeline: batch call: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("pipeline: batch renderer returned status %d", resp.StatusCode)
	}
	var out batchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("pipeline: decode batch response: %w", err)
	}
	return &out, nil
}

// batchStrategy renders through the batch endpoint. Nothing is committed until
// the call returns, so an outright call failure is safe to retry sequentially.
// Once per-shot results start being applied the run counts as committed.
type batchStrategy struct {
	client *BatchClient
	log    zerolog.Logger
}

func NewBatchStrategy(client *BatchClient, log zerolog.Logger) Strategy {
	return &batchStrategy{client: client, log: log.With().Str("strategy", "batch").Logger()}
}

func (s *batchStrategy) Execute(ctx context.Context, job *Job) (bool, error) {
	req := batchRequest{
		TaskID:      job.Task.ID,
		Tier:        string(job.Task.Tier),
		AspectRatio: job.Task.AspectRatio,
	}
	for _, shot := range job.Targets {
		req.Shots = append(req.Shots, batchShot{ID: shot.ID, Prompt: shot.Prompt})
	}
	for _, ref := range job.Refs {
		if ref.URI != "" {
			req.Refs = append(req.Refs, ref.URI)
		}
	}

	resp, err := s.client.Render(ctx, req)
	if err != nil {
		return false, err
	}

	byID := make(map[string]batchShotResult, len(resp.Results))
	for _, r := range resp.Results {
		byID[r.ID] = r
	}

	committed := false
	for _, shot := range job.Targets {
		r, ok := byID[shot.ID]
		var callErr error
		image := ""
		switch {
		case !ok:
			callErr = fmt.Errorf("batch renderer returned no result for shot %s", shot.ID)
		case r.Error != "":
			callErr = errors.New(r.Error)
		default:
			image = r.Image
		}
		if applyErr := job.Apply(ctx, shot, image, callErr); applyErr != nil {
			return committed, applyErr
		}
		committed = true
	}
	return committed, nil
}
