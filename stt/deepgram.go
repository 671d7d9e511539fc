package stt

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/pkg/errors"

	"github.com/openclaw/relay/config"
	"github.com/openclaw/relay/utils/json"
)

// DeepgramBaseURL is the production Deepgram endpoint.
const DeepgramBaseURL = "https://api.deepgram.com"

// Deepgram transcribes audio with Deepgram's prerecorded listen API.
type Deepgram struct {
	// BaseURL can be pointed at a test server. Defaults to DeepgramBaseURL.
	BaseURL string

	key      string
	model    string
	language string
	hc       *http.Client
	log      *slog.Logger
}

// NewDeepgram creates a Deepgram transcriber from the STT configuration.
func NewDeepgram(cfg config.STT, log *slog.Logger) *Deepgram {
	if log == nil {
		log = slog.Default()
	}

	return &Deepgram{
		BaseURL:  DeepgramBaseURL,
		key:      cfg.APIKey,
		model:    cfg.Model,
		language: cfg.Language,
		hc:       &http.Client{Timeout: cfg.Timeout},
		log:      log.With("component", "stt", "provider", "deepgram"),
	}
}

// Transcribe implements Transcriber.
func (d *Deepgram) Transcribe(ctx context.Context, audio Audio) (string, error) {
	q := url.Values{}
	q.Set("model", d.model)
	if d.language != "" {
		q.Set("language", d.language)
	}

	req, err := http.NewRequestWithContext(
		ctx, "POST",
		d.BaseURL+"/v1/listen?"+q.Encode(),
		bytes.NewReader(audio.Data),
	)
	if err != nil {
		return "", errors.Wrap(err, "cannot create deepgram request")
	}

	req.Header.Set("Authorization", "Token "+d.key)

	contentType := audio.MimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", contentType)

	res, err := d.hc.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "deepgram request failed")
	}
	defer res.Body.Close()

	if !successful(res) {
		return "", statusError("deepgram", res)
	}

	var body struct {
		Results struct {
			Channels []struct {
				Alternatives []struct {
					Transcript string `json:"transcript"`
				} `json:"alternatives"`
			} `json:"channels"`
		} `json:"results"`
	}
	if err := json.DecodeStream(res.Body, &body); err != nil {
		return "", errors.Wrap(err, "cannot decode deepgram response")
	}

	channels := body.Results.Channels
	if len(channels) == 0 || len(channels[0].Alternatives) == 0 {
		return "", errors.New("deepgram returned no transcript")
	}

	d.log.Debug("transcribed audio", "bytes", len(audio.Data))
	return channels[0].Alternatives[0].Transcript, nil
}
