package stt

import (
	"bytes"
	"context"
	"log/slog"
	"mime/multipart"
	"net/http"

	"github.com/pkg/errors"

	"github.com/openclaw/relay/config"
	"github.com/openclaw/relay/utils/json"
)

// OpenAIBaseURL is the production OpenAI endpoint.
const OpenAIBaseURL = "https://api.openai.com"

// OpenAI transcribes audio with the OpenAI transcription API.
type OpenAI struct {
	// BaseURL can be pointed at a test server. Defaults to OpenAIBaseURL.
	BaseURL string

	key      string
	model    string
	language string
	hc       *http.Client
	log      *slog.Logger
}

// NewOpenAI creates an OpenAI transcriber from the STT configuration.
func NewOpenAI(cfg config.STT, log *slog.Logger) *OpenAI {
	if log == nil {
		log = slog.Default()
	}

	return &OpenAI{
		BaseURL:  OpenAIBaseURL,
		key:      cfg.APIKey,
		model:    cfg.Model,
		language: cfg.Language,
		hc:       &http.Client{Timeout: cfg.Timeout},
		log:      log.With("component", "stt", "provider", "openai"),
	}
}

// Transcribe implements Transcriber.
func (o *OpenAI) Transcribe(ctx context.Context, audio Audio) (string, error) {
	name := audio.Name
	if name == "" {
		name = "audio"
	}

	var buf bytes.Buffer

	form := multipart.NewWriter(&buf)
	file, err := form.CreateFormFile("file", name)
	if err != nil {
		return "", errors.Wrap(err, "cannot create multipart body")
	}
	if _, err := file.Write(audio.Data); err != nil {
		return "", errors.Wrap(err, "cannot write multipart body")
	}
	form.WriteField("model", o.model)
	if o.language != "" {
		form.WriteField("language", o.language)
	}
	if err := form.Close(); err != nil {
		return "", errors.Wrap(err, "cannot finish multipart body")
	}

	req, err := http.NewRequestWithContext(
		ctx, "POST",
		o.BaseURL+"/v1/audio/transcriptions",
		&buf,
	)
	if err != nil {
		return "", errors.Wrap(err, "cannot create openai request")
	}

	req.Header.Set("Authorization", "Bearer "+o.key)
	req.Header.Set("Content-Type", form.FormDataContentType())

	res, err := o.hc.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "openai request failed")
	}
	defer res.Body.Close()

	if !successful(res) {
		return "", statusError("openai", res)
	}

	var body struct {
		Text string `json:"text"`
	}
	if err := json.DecodeStream(res.Body, &body); err != nil {
		return "", errors.Wrap(err, "cannot decode openai response")
	}

	o.log.Debug("transcribed audio", "bytes", len(audio.Data))
	return body.Text, nil
}
