package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	xerrors "LeoPrime-Chain/internal/errors"
	"LeoPrime-Chain/internal/llm"
	"LeoPrime-Chain/internal/model"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModelName = "gpt-4o-mini"
	defaultTimeout   = 60 * time.Second
)

// Config 描述了调用 OpenAI Chat Completions API 所需的信息。
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Client 通过 Chat Completions 的 JSON 模式实现 llm.Reasoner。
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewClient 根据配置创建 OpenAI 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "未提供 OpenAI API Key")
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	modelName := strings.TrimSpace(cfg.Model)
	if modelName == "" {
		modelName = defaultModelName
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		apiKey:     apiKey,
		baseURL:    baseURL,
		model:      modelName,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Model 返回使用的模型名称。
func (c *Client) Model() string { return c.model }

// Think 分析目标并给出所需服务。
func (c *Client) Think(ctx context.Context, goal string) (*llm.Plan, error) {
	var plan llm.Plan
	if err := c.complete(ctx, thinkPrompt, goal, &plan); err != nil {
		return nil, err
	}
	plan.Normalize()
	return &plan, nil
}

// Decide 结合检索到的记忆与已解锁服务判断是否需要付费。
func (c *Client) Decide(ctx context.Context, goal string, memories []model.RetrievedMemory, active []model.Service) (*llm.Decision, error) {
	activeList := "NONE"
	if len(active) > 0 {
		activeList = strings.Join(model.ServiceNames(active), ", ")
	}
	system := fmt.Sprintf(decidePrompt, activeList)
	user := fmt.Sprintf("Goal: %s\n\nRetrieved memories:\n%s", goal, memoryContext(memories, true))

	var decision llm.Decision
	if err := c.complete(ctx, system, user, &decision); err != nil {
		return nil, err
	}
	decision.Normalize()
	return &decision, nil
}

// Build 生成产物。
func (c *Client) Build(ctx context.Context, goal string, memories []model.RetrievedMemory) (*llm.ArtifactDraft, error) {
	user := fmt.Sprintf("Goal: %s\n\nRelevant context from memory:\n%s", goal, memoryContext(memories, false))

	var draft llm.ArtifactDraft
	if err := c.complete(ctx, buildPrompt, user, &draft); err != nil {
		return nil, err
	}
	draft.Normalize()
	return &draft, nil
}

func (c *Client) complete(ctx context.Context, system, user string, out any) error {
	payload, err := c.buildPayload(system, user)
	if err != nil {
		return err
	}

	endpoint := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeAdapterFailure, err, "构建 OpenAI 请求失败")
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeAdapterFailure, err, "请求 OpenAI 失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return xerrors.Newf(xerrors.CodeAdapterFailure, "OpenAI 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return xerrors.Wrap(xerrors.CodeAdapterFailure, err, "解析 OpenAI 响应失败")
	}
	if len(decoded.Choices) == 0 {
		return xerrors.New(xerrors.CodeAdapterFailure, "OpenAI 响应中没有有效的 choices")
	}

	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if content == "" {
		return xerrors.New(xerrors.CodeAdapterFailure, "OpenAI 响应内容为空")
	}
	if err := json.Unmarshal([]byte(content), out); err != nil {
		return xerrors.Wrap(xerrors.CodeAdapterFailure, err, "OpenAI 返回的内容不是合法 JSON")
	}
	return nil
}

func (c *Client) buildPayload(system, user string) ([]byte, error) {
	type message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	body := map[string]any{
		"model": c.model,
		"messages": []message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		"temperature":     0.2,
		"response_format": map[string]string{"type": "json_object"},
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeAdapterFailure, err, "序列化 OpenAI 请求失败")
	}
	return encoded, nil
}

func memoryContext(memories []model.RetrievedMemory, withScore bool) string {
	if len(memories) == 0 {
		if withScore {
			return "No relevant memories found."
		}
		return "No relevant memories available."
	}
	var builder strings.Builder
	for _, m := range memories {
		builder.WriteString("- ")
		builder.WriteString(truncate(m.Text))
		if withScore {
			builder.WriteString(fmt.Sprintf(" (relevance: %.1f%%)", m.Score*100))
		}
		builder.WriteString("\n")
	}
	return builder.String()
}

func truncate(text string) string {
	text = strings.TrimSpace(text)
	if runes := []rune(text); len(runes) > 400 {
		return string(runes[:400]) + "..."
	}
	return text
}
