// Package transcribe converts downloaded voice messages to text. The
// backend is chosen from the API key: OpenAI-compatible keys use the
// Whisper endpoint, anything else is treated as a Google Speech key.
package transcribe

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/hrygo/teleterm/internal/profile"
)

// maxAudioBytes is the upload ceiling both providers enforce (25 MB).
const maxAudioBytes = 25 << 20

// Error kinds; each maps to a fixed user-facing message via UserMessage.
var (
	ErrNoAPIKey          = errors.New("transcription is not configured")
	ErrInvalidAPIKey     = errors.New("transcription API key rejected")
	ErrUnsupportedFormat = errors.New("audio format not supported")
	ErrFileTooLarge      = errors.New("audio file too large")
	ErrRateLimited       = errors.New("transcription rate limited")
	ErrQuotaExceeded     = errors.New("transcription quota exceeded")
	ErrDownloadFailed    = errors.New("audio download failed")
)

// UserMessage maps a transcription failure to the short reply sent to the
// chat user.
func UserMessage(err error) string {
	switch {
	case errors.Is(err, ErrNoAPIKey):
		return "Voice transcription is not configured (TTS_API_KEY missing)."
	case errors.Is(err, ErrInvalidAPIKey):
		return "Voice transcription failed: the API key was rejected."
	case errors.Is(err, ErrUnsupportedFormat):
		return "This audio format is not supported."
	case errors.Is(err, ErrFileTooLarge):
		return "The audio file is too large to transcribe (max 25 MB)."
	case errors.Is(err, ErrRateLimited):
		return "Transcription is rate limited right now, try again shortly."
	case errors.Is(err, ErrQuotaExceeded):
		return "The transcription quota is exhausted."
	case errors.Is(err, ErrDownloadFailed):
		return "Could not download the voice message."
	default:
		return "Voice transcription failed."
	}
}

var supportedExts = map[string]struct{}{
	".ogg": {}, ".oga": {}, ".opus": {}, ".mp3": {}, ".m4a": {},
	".wav": {}, ".flac": {}, ".webm": {}, ".mp4": {},
}

// Transcriber converts one audio file into text.
type Transcriber interface {
	Transcribe(ctx context.Context, path string) (string, error)
}

// New picks a backend for the profile's API key. Returns nil with no error
// when transcription is disabled.
func New(p *profile.Profile) Transcriber {
	switch p.TTSProvider() {
	case profile.TTSProviderOpenAI:
		return &openAITranscriber{client: openai.NewClient(p.TTSAPIKey)}
	case profile.TTSProviderGoogle:
		return &googleTranscriber{
			apiKey: p.TTSAPIKey,
			client: &http.Client{Timeout: 60 * time.Second},
		}
	default:
		return nil
	}
}

// checkAudioFile validates extension and size before any upload.
func checkAudioFile(path string) error {
	ext := strings.ToLower(filepath.Ext(path))
	if _, ok := supportedExts[ext]; !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	if info.Size() > maxAudioBytes {
		return fmt.Errorf("%w: %d bytes", ErrFileTooLarge, info.Size())
	}
	return nil
}

type openAITranscriber struct {
	client *openai.Client
}

func (t *openAITranscriber) Transcribe(ctx context.Context, path string) (string, error) {
	if err := checkAudioFile(path); err != nil {
		return "", err
	}

	resp, err := t.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    openai.Whisper1,
		FilePath: path,
	})
	if err != nil {
		return "", classifyOpenAIError(err)
	}
	return strings.TrimSpace(resp.Text), nil
}

func classifyOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%w: %v", ErrInvalidAPIKey, err)
		case http.StatusRequestEntityTooLarge:
			return fmt.Errorf("%w: %v", ErrFileTooLarge, err)
		case http.StatusTooManyRequests:
			if code, ok := apiErr.Code.(string); ok && code == "insufficient_quota" {
				return fmt.Errorf("%w: %v", ErrQuotaExceeded, err)
			}
			return fmt.Errorf("%w: %v", ErrRateLimited, err)
		case http.StatusBadRequest:
			return fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
		}
	}
	return err
}

// googleTranscriber calls the Speech-to-Text REST endpoint with an API key.
type googleTranscriber struct {
	apiKey   string
	client   *http.Client
	endpoint string // overridden in tests
}

// googleEncodings maps audio extensions to the recognize API's encoding
// enum. Opus containers need the sample rate spelled out; the other formats
// carry it in their headers.
var googleEncodings = map[string]googleConfig{
	".ogg":  {Encoding: "OGG_OPUS", SampleRateHertz: 48000},
	".oga":  {Encoding: "OGG_OPUS", SampleRateHertz: 48000},
	".opus": {Encoding: "OGG_OPUS", SampleRateHertz: 48000},
	".webm": {Encoding: "WEBM_OPUS", SampleRateHertz: 48000},
	".flac": {Encoding: "FLAC"},
	".wav":  {Encoding: "LINEAR16"},
	".mp3":  {Encoding: "MP3"},
}

type googleRequest struct {
	Config googleConfig `json:"config"`
	Audio  googleAudio  `json:"audio"`
}

type googleConfig struct {
	Encoding        string `json:"encoding"`
	SampleRateHertz int    `json:"sampleRateHertz,omitempty"`
	LanguageCode    string `json:"languageCode"`
}

type googleAudio struct {
	Content string `json:"content"`
}

type googleResponse struct {
	Results []struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"results"`
	Error *struct {
		Code    int    `json:"code"`
		Status  string `json:"status"`
		Message string `json:"message"`
	} `json:"error"`
}

func (t *googleTranscriber) Transcribe(ctx context.Context, path string) (string, error) {
	if err := checkAudioFile(path); err != nil {
		return "", err
	}
	ext := strings.ToLower(filepath.Ext(path))
	config, ok := googleEncodings[ext]
	if !ok {
		// Accepted in general but not by this backend, e.g. .m4a.
		return "", fmt.Errorf("%w: %s has no speech API encoding", ErrUnsupportedFormat, ext)
	}
	config.LanguageCode = "en-US"

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}

	reqBody, err := json.Marshal(googleRequest{
		Config: config,
		Audio:  googleAudio{Content: base64.StdEncoding.EncodeToString(data)},
	})
	if err != nil {
		return "", err
	}

	endpoint := t.endpoint
	if endpoint == "" {
		endpoint = "https://speech.googleapis.com/v1/speech:recognize"
	}
	url := fmt.Sprintf("%s?key=%s", endpoint, t.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var decoded googleResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("decode speech response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return "", fmt.Errorf("%w: status %d", ErrInvalidAPIKey, resp.StatusCode)
	case http.StatusTooManyRequests:
		if decoded.Error != nil && decoded.Error.Status == "RESOURCE_EXHAUSTED" {
			return "", fmt.Errorf("%w: %s", ErrQuotaExceeded, decoded.Error.Message)
		}
		return "", fmt.Errorf("%w: status %d", ErrRateLimited, resp.StatusCode)
	case http.StatusBadRequest:
		return "", fmt.Errorf("%w: status %d", ErrUnsupportedFormat, resp.StatusCode)
	default:
		msg := ""
		if decoded.Error != nil {
			msg = decoded.Error.Message
		}
		return "", fmt.Errorf("speech recognize failed: status %d %s", resp.StatusCode, msg)
	}

	var sb strings.Builder
	for _, result := range decoded.Results {
		if len(result.Alternatives) > 0 {
			sb.WriteString(result.Alternatives[0].Transcript)
		}
	}
	return strings.TrimSpace(sb.String()), nil
}
