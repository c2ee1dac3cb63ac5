package pythonbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	xerrors "LeoPrime-Chain/internal/errors"
	"LeoPrime-Chain/internal/llm"
	"LeoPrime-Chain/internal/model"
)

// Client 通过调用外部脚本实现 llm.Reasoner。每次调用向标准输入写入一个 JSON
// 请求，并从标准输出读取一个 JSON 结果。
type Client struct {
	pythonExec string
	scriptPath string
	workingDir string
}

// NewClient 创建 Python Bridge 客户端。
func NewClient(pythonExec, scriptPath, workingDir string) (*Client, error) {
	if scriptPath == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "未指定 Python 脚本路径")
	}
	if pythonExec == "" {
		pythonExec = "python3"
	}
	return &Client{
		pythonExec: pythonExec,
		scriptPath: scriptPath,
		workingDir: workingDir,
	}, nil
}

type request struct {
	Phase          string                  `json:"phase"`
	Goal           string                  `json:"goal"`
	Memories       []model.RetrievedMemory `json:"memories,omitempty"`
	ActiveServices []string                `json:"activeServices,omitempty"`
	Timestamp      int64                   `json:"timestamp"`
}

func (c *Client) Think(ctx context.Context, goal string) (*llm.Plan, error) {
	var plan llm.Plan
	if err := c.call(ctx, request{Phase: "think", Goal: goal}, &plan); err != nil {
		return nil, err
	}
	plan.Normalize()
	return &plan, nil
}

func (c *Client) Decide(ctx context.Context, goal string, memories []model.RetrievedMemory, active []model.Service) (*llm.Decision, error) {
	req := request{
		Phase:          "decide",
		Goal:           goal,
		Memories:       memories,
		ActiveServices: model.ServiceNames(active),
	}
	var decision llm.Decision
	if err := c.call(ctx, req, &decision); err != nil {
		return nil, err
	}
	decision.Normalize()
	return &decision, nil
}

func (c *Client) Build(ctx context.Context, goal string, memories []model.RetrievedMemory) (*llm.ArtifactDraft, error) {
	var draft llm.ArtifactDraft
	if err := c.call(ctx, request{Phase: "build", Goal: goal, Memories: memories}, &draft); err != nil {
		return nil, err
	}
	draft.Normalize()
	return &draft, nil
}

func (c *Client) call(ctx context.Context, req request, out any) error {
	req.Timestamp = time.Now().Unix()
	encoded, err := json.Marshal(req)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeAdapterFailure, err, "序列化请求失败")
	}

	command := exec.CommandContext(ctx, c.pythonExec, c.scriptPath)
	if c.workingDir != "" {
		command.Dir = c.workingDir
	}
	command.Stdin = bytes.NewReader(encoded)

	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return xerrors.Wrap(xerrors.CodeAdapterFailure, err,
			fmt.Sprintf("执行 %s 阶段脚本失败, stderr=%s", req.Phase, strings.TrimSpace(stderr.String())))
	}
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), out); err != nil {
		return xerrors.Wrap(xerrors.CodeAdapterFailure, err, "解析脚本输出失败")
	}
	return nil
}

// ResolveScriptPath 根据工作目录推导脚本绝对路径。
func ResolveScriptPath(baseDir, script string) string {
	if script == "" {
		return ""
	}
	if filepath.IsAbs(script) || baseDir == "" {
		return script
	}
	return filepath.Join(baseDir, script)
}
