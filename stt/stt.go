// Package stt transcribes inbound audio attachments through a hosted
// speech-to-text provider. Transcription is optional; a relay without a
// provider configured simply skips audio items.
package stt

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/pkg/errors"

	"github.com/openclaw/relay/config"
)

// Audio is one audio attachment to transcribe.
type Audio struct {
	Data     []byte
	MimeType string
	Name     string
}

// Transcriber converts audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio Audio) (string, error)
}

// FromConfig builds the configured Transcriber. It returns nil when no
// provider is configured.
func FromConfig(cfg config.STT, log *slog.Logger) (Transcriber, error) {
	switch cfg.Provider {
	case "":
		return nil, nil
	case "deepgram":
		return NewDeepgram(cfg, log), nil
	case "openai":
		return NewOpenAI(cfg, log), nil
	default:
		return nil, errors.Errorf("unknown STT provider %q", cfg.Provider)
	}
}

// errorBodyLimit bounds how much of a provider error response makes it into
// the returned error.
const errorBodyLimit = 512

func statusError(provider string, res *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(res.Body, errorBodyLimit))

	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return errors.Errorf("%s: unexpected status %d", provider, res.StatusCode)
	}
	return errors.Errorf("%s: unexpected status %d: %s", provider, res.StatusCode, msg)
}

func successful(res *http.Response) bool {
	return res.StatusCode >= 200 && res.StatusCode < 300
}
