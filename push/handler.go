package push

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/pkg/errors"

	"github.com/openclaw/relay/backend"
	"github.com/openclaw/relay/internal/flowlog"
	"github.com/openclaw/relay/queue"
	"github.com/openclaw/relay/utils/json"
)

type acceptedBody struct {
	Accepted  bool   `json:"accepted"`
	MessageID string `json:"messageId,omitempty"`
}

type errorBody struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

type healthBody struct {
	Status  string                 `json:"status"`
	OK      bool                   `json:"ok"`
	Ready   bool                   `json:"ready"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// handleMessage accepts one pushed message. The guards run in a fixed order:
// bearer auth, rate limit, concurrency cap, body size cap, then decode and
// validate. Only a fully valid message reaches the queue.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		s.writeError(w, http.StatusUnauthorized, CodeUnauthorized, "invalid or missing bearer token", nil)
		return
	}

	if !s.limiter.Allow() {
		s.writeError(w, http.StatusTooManyRequests, CodeRateLimited, "rate limit exceeded", nil)
		return
	}

	if !s.sem.TryAcquire(1) {
		s.writeError(w, http.StatusServiceUnavailable, CodeBusy, "too many concurrent requests", nil)
		return
	}
	defer s.sem.Release(1)

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var msg backend.InboundMessage
	if err := json.DecodeStream(r.Body, &msg); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			// Reading further is pointless and replying politely rewards
			// the oversized sender. Kill the connection.
			panic(http.ErrAbortHandler)
		}

		s.writeError(w, http.StatusBadRequest, CodeValidation, "malformed JSON body", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	if fieldErrs := msg.Validate(); len(fieldErrs) > 0 {
		s.flow.Record(flowlog.StageDropped, map[string]interface{}{
			"messageId": msg.MessageID,
			"reason":    "validation",
		})
		s.writeError(w, http.StatusBadRequest, CodeValidation, "message failed validation", map[string]interface{}{
			"fields": fieldErrs,
		})
		return
	}

	s.flow.Record(flowlog.StageReceived, map[string]interface{}{
		"messageId": msg.MessageID,
		"kind":      msg.Input.Kind,
	})

	if err := s.opts.Queue.Enqueue(&msg); err != nil {
		s.flow.Record(flowlog.StageDropped, map[string]interface{}{
			"messageId": msg.MessageID,
			"reason":    "enqueue",
			"error":     err.Error(),
		})

		var full *queue.FullError
		if errors.As(err, &full) {
			s.writeError(w, http.StatusTooManyRequests, CodeQueueFull, "dispatch queue is full", map[string]interface{}{
				"maxQueue": full.MaxQueue,
			})
			return
		}

		var closed *queue.ClosedError
		if errors.As(err, &closed) {
			s.writeError(w, http.StatusServiceUnavailable, CodeShuttingDown, "relay is shutting down", nil)
			return
		}

		s.log.Error("enqueue failed", "messageId", msg.MessageID, "err", err)
		s.writeError(w, http.StatusInternalServerError, CodeServerError, "internal server error", nil)
		return
	}

	s.flow.Record(flowlog.StageEnqueued, map[string]interface{}{
		"messageId": msg.MessageID,
	})

	s.respond(w, http.StatusOK, acceptedBody{
		Accepted:  true,
		MessageID: msg.MessageID,
	})
}

// handleHealth is the liveness probe: 200 while the process is up and the
// daemon reports OK.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.opts.Health()

	status := http.StatusOK
	body := healthBody{Status: "ok", OK: true, Ready: h.Ready, Details: h.Details}
	if !h.OK {
		status = http.StatusServiceUnavailable
		body.Status = "unhealthy"
		body.OK = false
	}

	s.respond(w, status, body)
}

// handleReady is the readiness probe: 200 only while the relay can take on
// new messages.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	h := s.opts.Health()

	if !h.OK || !h.Ready {
		s.respond(w, http.StatusServiceUnavailable, healthBody{
			Status:  "not_ready",
			OK:      h.OK,
			Ready:   false,
			Details: h.Details,
		})
		return
	}

	s.respond(w, http.StatusOK, healthBody{Status: "ok", OK: true, Ready: true, Details: h.Details})
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	s.writeError(w, http.StatusNotFound, CodeNotFound, "not found", nil)
}

func (s *Server) authorized(r *http.Request) bool {
	const prefix = "Bearer "

	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, prefix) {
		return false
	}

	token := header[len(prefix):]
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.opts.Token)) == 1
}

func (s *Server) respond(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.EncodeStream(w, body); err != nil {
		s.log.Debug("failed to write response", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string, details interface{}) {
	s.respond(w, status, errorBody{
		Code:    code,
		Message: message,
		Details: details,
	})
}
