package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pgvector/pgvector-go"

	xerrors "LeoPrime-Chain/internal/errors"
)

const (
	defaultVoyageURL   = "https://api.voyageai.com/v1"
	defaultVoyageModel = "voyage-3.5"
	defaultVoyageDims  = 1024
)

// VoyageConfig configures the Voyage AI provider.
type VoyageConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	Dimensions int
	Timeout    time.Duration
}

// VoyageProvider calls the Voyage AI embeddings endpoint.
type VoyageProvider struct {
	apiKey     string
	baseURL    string
	model      string
	dimensions int
	httpClient *http.Client
}

// NewVoyageProvider creates a Voyage provider. A missing key is a configuration error.
func NewVoyageProvider(cfg VoyageConfig) (*VoyageProvider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "未配置 VOYAGE_API_KEY")
	}
	p := &VoyageProvider{
		apiKey:     strings.TrimSpace(cfg.APIKey),
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
	if p.baseURL == "" {
		p.baseURL = defaultVoyageURL
	}
	if p.model == "" {
		p.model = defaultVoyageModel
	}
	if p.dimensions <= 0 {
		p.dimensions = defaultVoyageDims
	}
	if cfg.Timeout <= 0 {
		p.httpClient.Timeout = 30 * time.Second
	}
	return p, nil
}

// Dimensions returns the embedding vector size.
func (p *VoyageProvider) Dimensions() int { return p.dimensions }

// Model returns the model name.
func (p *VoyageProvider) Model() string { return p.model }

type voyageRequest struct {
	Input           []string `json:"input"`
	Model           string   `json:"model"`
	InputType       string   `json:"input_type"`
	Truncation      bool     `json:"truncation"`
	OutputDimension int      `json:"output_dimension"`
}

type voyageResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Detail string `json:"detail"`
}

// EmbedQuery embeds text with the "query" input type.
func (p *VoyageProvider) EmbedQuery(ctx context.Context, text string) (pgvector.Vector, error) {
	vecs, err := p.embed(ctx, []string{text}, "query")
	if err != nil {
		return pgvector.Vector{}, err
	}
	return vecs[0], nil
}

// EmbedDocuments embeds texts with the "document" input type in a single call.
func (p *VoyageProvider) EmbedDocuments(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	return p.embed(ctx, texts, "document")
}

func (p *VoyageProvider) embed(ctx context.Context, texts []string, inputType string) ([]pgvector.Vector, error) {
	reqBody, err := json.Marshal(voyageRequest{
		Input:           texts,
		Model:           p.model,
		InputType:       inputType,
		Truncation:      true,
		OutputDimension: p.dimensions,
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeAdapterFailure, err, "embedding: marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/embeddings", bytes.NewReader(reqBody))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeAdapterFailure, err, "embedding: create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeAdapterFailure, err, "embedding: send request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeAdapterFailure, err, "embedding: read response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, xerrors.Newf(xerrors.CodeAdapterFailure, "embedding: unexpected status %d: %s",
			resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result voyageResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeAdapterFailure, err, "embedding: unmarshal response")
	}
	if len(result.Data) != len(texts) {
		return nil, xerrors.Newf(xerrors.CodeAdapterFailure, "embedding: expected %d vectors, got %d", len(texts), len(result.Data))
	}

	// Ensure results are in input order.
	vecs := make([]pgvector.Vector, len(texts))
	for _, d := range result.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, xerrors.Newf(xerrors.CodeAdapterFailure, "embedding: invalid index %d in response", d.Index)
		}
		if len(d.Embedding) == 0 {
			return nil, xerrors.New(xerrors.CodeAdapterFailure, fmt.Sprintf("embedding: empty vector at index %d", d.Index))
		}
		vecs[d.Index] = pgvector.NewVector(d.Embedding)
	}
	return vecs, nil
}
