package runner

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/openclaw/relay/gateway"
	"github.com/openclaw/relay/utils/json"
)

// Gateways relay upstream provider failures as JSON fragments glued into
// human-readable text. When the fragment won't parse, these heuristics still
// catch the common shapes.
var (
	reStatusInternal = regexp.MustCompile(`"status"\s*:\s*"INTERNAL"`)
	reCode5xx        = regexp.MustCompile(`"code"\s*:\s*"?5\d\d"?`)
	reCode429        = regexp.MustCompile(`"code"\s*:\s*"?429"?`)
)

// Retryable reports whether a run error message describes a transient
// upstream failure worth another attempt.
func Retryable(message string) bool {
	if code, status, ok := embeddedStatus(message); ok {
		return retryableCode(code, status)
	}

	return reStatusInternal.MatchString(message) ||
		reCode5xx.MatchString(message) ||
		reCode429.MatchString(message)
}

// RetryableGatewayError decides for a request-level gateway error. An
// explicit retryable flag from the gateway wins; otherwise the code and
// message are classified like a run error.
func RetryableGatewayError(err *gateway.Error) bool {
	if err.Retryable != nil {
		return *err.Retryable
	}
	if code := err.NumericCode(); code != 0 {
		return retryableCode(code, "")
	}
	return Retryable(err.Message)
}

func retryableCode(code int, status string) bool {
	if code >= 500 && code <= 599 {
		return true
	}
	if code == 429 {
		return true
	}
	return strings.EqualFold(status, "INTERNAL")
}

// embeddedStatus digs the first {...last } substring out of message and
// decodes it as either {error: {code, status}} or a bare {code, status}.
func embeddedStatus(message string) (code int, status string, ok bool) {
	start := strings.Index(message, "{")
	end := strings.LastIndex(message, "}")
	if start < 0 || end <= start {
		return 0, "", false
	}

	var outer struct {
		Error *embeddedError `json:"error"`
		embeddedError
	}
	if err := json.Unmarshal([]byte(message[start:end+1]), &outer); err != nil {
		return 0, "", false
	}

	body := outer.embeddedError
	if outer.Error != nil {
		body = *outer.Error
	}

	code = body.code()
	if code == 0 && body.Status == "" {
		return 0, "", false
	}
	return code, body.Status, true
}

// embeddedError tolerates both numeric and stringified codes.
type embeddedError struct {
	Code   json.Raw `json:"code"`
	Status string   `json:"status"`
}

func (e embeddedError) code() int {
	if len(e.Code) == 0 {
		return 0
	}

	s := strings.Trim(string(e.Code), `"`)
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
