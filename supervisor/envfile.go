package supervisor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

// tokensKey is the environment-file key holding the worker credentials.
const tokensKey = "TELEGRAM_BOT_TOKENS"

// ReadTokens parses the token list from an environment file.
func ReadTokens(path string) ([]string, error) {
	env, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("read env file: %w", err)
	}
	var tokens []string
	for _, part := range strings.Split(env[tokensKey], ",") {
		if part = strings.TrimSpace(part); part != "" {
			tokens = append(tokens, part)
		}
	}
	return tokens, nil
}

// WriteTokens persists a new token list to the environment file the
// supervisor was loaded from, preserving every other key. The write is
// atomic: marshal to a temp file in the same directory, then rename.
func WriteTokens(path string, tokens []string) error {
	env, err := godotenv.Read(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("read env file: %w", err)
		}
		env = map[string]string{}
	}
	env[tokensKey] = strings.Join(tokens, ",")

	content, err := godotenv.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal env file: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(content + "\n"); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
