package worker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// StartupStore persists per-bot warm-up prompts for assistant sessions as
// startup/{assistant}-{botID}.json files.
type StartupStore struct {
	dir string
}

type startupPrompt struct {
	Assistant string    `json:"assistant"`
	BotID     string    `json:"botId"`
	Prompt    string    `json:"prompt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func NewStartupStore(dir string) *StartupStore {
	return &StartupStore{dir: dir}
}

func (s *StartupStore) path(assistant, botID string) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s-%s.json", assistant, botID))
}

// Load returns the persisted prompt, or empty when none exists.
func (s *StartupStore) Load(assistant, botID string) (string, error) {
	data, err := os.ReadFile(s.path(assistant, botID))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	var p startupPrompt
	if err := json.Unmarshal(data, &p); err != nil {
		return "", fmt.Errorf("decode startup prompt: %w", err)
	}
	return strings.TrimSpace(p.Prompt), nil
}

// Save writes the prompt atomically. An empty prompt removes the file.
func (s *StartupStore) Save(assistant, botID, prompt string) error {
	path := s.path(assistant, botID)
	if strings.TrimSpace(prompt) == "" {
		err := os.Remove(path)
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(startupPrompt{
		Assistant: assistant,
		BotID:     botID,
		Prompt:    prompt,
		UpdatedAt: time.Now().UTC(),
	}, "", "  ")
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
