package replicate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vnmchuo/nanogen/internal/provider"
)

const maxImageBytes = 32 << 20

type ReplicateProvider struct {
	apiToken     string
	baseURL      string
	models       []string
	client       *http.Client
	pollInterval time.Duration
}

type predictionRequest struct {
	Input map[string]any `json:"input"`
}

type prediction struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  any             `json:"error"`
	URLs   struct {
		Get string `json:"get"`
	} `json:"urls"`
}

func (p *prediction) done() bool {
	switch p.Status {
	case "succeeded", "failed", "canceled":
		return true
	}
	return false
}

func New(apiToken string, models ...string) provider.Provider {
	if len(models) == 0 {
		models = []string{"google/nano-banana", "google/nano-banana-pro"}
	}
	return &ReplicateProvider{
		apiToken:     apiToken,
		baseURL:      "https://api.replicate.com",
		models:       models,
		client:       &http.Client{Timeout: 3 * time.Minute},
		pollInterval: time.Second,
	}
}

func (p *ReplicateProvider) Name() string { return "replicate" }

func (p *ReplicateProvider) SupportedModels() []string { return p.models }

func (p *ReplicateProvider) Generate(ctx context.Context, req *provider.Request) (*provider.Result, error) {
	start := time.Now()

	pred, err := p.create(ctx, req)
	if err != nil {
		return nil, err
	}
	for !pred.done() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.pollInterval):
		}
		pred, err = p.get(ctx, pred.URLs.Get)
		if err != nil {
			return nil, err
		}
	}

	if pred.Status != "succeeded" {
		return nil, fmt.Errorf("replicate prediction %s %s: %v", pred.ID, pred.Status, pred.Error)
	}

	imageURL, err := firstOutput(pred.Output)
	if err != nil {
		return nil, fmt.Errorf("replicate prediction %s: %w", pred.ID, err)
	}

	image, contentType, err := p.download(ctx, imageURL)
	if err != nil {
		return nil, err
	}

	return &provider.Result{
		ID:          pred.ID,
		ImageURL:    imageURL,
		Image:       image,
		ContentType: contentType,
		Model:       req.Model,
		Provider:    p.Name(),
		LatencyMs:   time.Since(start).Milliseconds(),
	}, nil
}

func (p *ReplicateProvider) create(ctx context.Context, req *provider.Request) (*prediction, error) {
	input := make(map[string]any, len(req.Input)+2)
	for k, v := range req.Input {
		input[k] = v
	}
	input["prompt"] = req.Prompt
	if len(req.ImageURLs) > 0 {
		input["image_input"] = req.ImageURLs
	}

	body, err := json.Marshal(predictionRequest{Input: input})
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/v1/models/%s/predictions", p.baseURL, req.Model)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Prefer", "wait")
	return p.do(httpReq)
}

func (p *ReplicateProvider) get(ctx context.Context, url string) (*prediction, error) {
	if url == "" {
		return nil, fmt.Errorf("replicate prediction has no poll url")
	}
	httpReq, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, err
	}
	return p.do(httpReq)
}

func (p *ReplicateProvider) do(httpReq *http.Request) (*prediction, error) {
	httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", p.apiToken))

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("replicate api error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var pred prediction
	if err := json.NewDecoder(resp.Body).Decode(&pred); err != nil {
		return nil, err
	}
	return &pred, nil
}

func (p *ReplicateProvider) download(ctx context.Context, url string) ([]byte, string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("image download failed (status %d)", resp.StatusCode)
	}

	image, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return nil, "", err
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(image)
	}
	return image, contentType, nil
}

// firstOutput accepts the output shapes models return: a single URL or a
// list of URLs.
func firstOutput(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", provider.ErrNoOutput
	}

	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		if strings.TrimSpace(single) == "" {
			return "", provider.ErrNoOutput
		}
		return single, nil
	}

	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		return "", fmt.Errorf("unexpected output %s", string(raw))
	}
	if len(list) == 0 || list[0] == "" {
		return "", provider.ErrNoOutput
	}
	return list[0], nil
}
