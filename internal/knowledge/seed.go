package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"LeoPrime-Chain/internal/model"
)

// SeedEntry 是种子文件中的一条记忆。
type SeedEntry struct {
	ID       string         `json:"id,omitempty"`
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// LoadSeedFile 从 JSON 数组文件加载种子记忆。
func LoadSeedFile(path string) ([]model.Memory, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("种子文件路径不能为空")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("解析种子文件路径失败: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("读取种子文件失败: %w", err)
	}
	defer file.Close()

	var entries []SeedEntry
	if err := json.NewDecoder(file).Decode(&entries); err != nil {
		return nil, fmt.Errorf("解析种子文件失败: %w", err)
	}

	memories := make([]model.Memory, 0, len(entries))
	for _, entry := range entries {
		if strings.TrimSpace(entry.Text) == "" {
			continue
		}
		memories = append(memories, model.Memory{ID: entry.ID, Text: entry.Text, Metadata: entry.Metadata})
	}
	return memories, nil
}

// SeedIfEmpty 在索引为空时写入种子记忆，返回写入数量。
func SeedIfEmpty(ctx context.Context, svc *Service, path string) (int, error) {
	count, err := svc.Count(ctx)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		return 0, nil
	}
	memories, err := LoadSeedFile(path)
	if err != nil {
		return 0, err
	}
	added, err := svc.Add(ctx, memories)
	if err != nil {
		return 0, err
	}
	return len(added), nil
}
