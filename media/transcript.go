package media

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/openclaw/relay/backend"
	"github.com/openclaw/relay/utils/json"
)

// mediaDirective marks a transcript line whose remainder is a file path the
// agent wants attached to its reply.
const mediaDirective = "MEDIA:"

// Reply media caps. Oversized files are skipped, and everything past the
// item cap is dropped.
const (
	maxReplyMediaBytes = 5 << 20
	maxReplyMediaItems = 4
)

const sessionKeyPrefix = "agent:main:"

func (s *Store) sessionsPath() string {
	return filepath.Join(s.stateDir, "agents", "main", "sessions", "sessions.json")
}

func (s *Store) readSessions() (map[string]json.Raw, error) {
	b, err := os.ReadFile(s.sessionsPath())
	if err != nil {
		return nil, errors.Wrap(err, "cannot read sessions map")
	}

	var sessions map[string]json.Raw
	if err := json.Unmarshal(b, &sessions); err != nil {
		return nil, errors.Wrap(err, "malformed sessions map")
	}
	return sessions, nil
}

// SessionKeys lists every session key in the on-disk sessions map, sorted.
// A missing map means no sessions, not an error.
func (s *Store) SessionKeys() ([]string, error) {
	sessions, err := s.readSessions()
	if err != nil {
		if os.IsNotExist(errors.Cause(err)) {
			return nil, nil
		}
		return nil, err
	}

	keys := make([]string, 0, len(sessions))
	for k := range sessions {
		if strings.HasPrefix(k, sessionKeyPrefix) {
			keys = append(keys, strings.TrimPrefix(k, sessionKeyPrefix))
		}
	}

	sort.Strings(keys)
	return keys, nil
}

// sessionFile resolves the transcript path for a session key. Map entries
// are either the path itself or an object carrying it as sessionFile.
func (s *Store) sessionFile(sessionKey string) (string, error) {
	sessions, err := s.readSessions()
	if err != nil {
		return "", err
	}

	raw, ok := sessions[sessionKeyPrefix+sessionKey]
	if !ok {
		return "", errors.Errorf("no session entry for %q", sessionKey)
	}

	var path string
	if err := json.Unmarshal(raw, &path); err != nil {
		var entry struct {
			SessionFile string `json:"sessionFile"`
		}
		if err := json.Unmarshal(raw, &entry); err != nil || entry.SessionFile == "" {
			return "", errors.Errorf("unusable session entry for %q", sessionKey)
		}
		path = entry.SessionFile
	}

	if !filepath.IsAbs(path) {
		path = filepath.Join(filepath.Dir(s.sessionsPath()), path)
	}
	return path, nil
}

// CollectReplyMedia reads the session's transcript and returns the media its
// latest assistant message pointed at. Every failure here is soft: the reply
// text still goes out even when an attachment can't.
func (s *Store) CollectReplyMedia(sessionKey string) []backend.OutputMedia {
	path, err := s.sessionFile(sessionKey)
	if err != nil {
		s.log.Debug("no transcript for session", "session_key", sessionKey, "err", err)
		return nil
	}

	text, err := latestAssistantText(path)
	if err != nil {
		s.log.Debug("cannot read transcript", "path", path, "err", err)
		return nil
	}

	var media []backend.OutputMedia

	for _, p := range mediaPaths(text) {
		if len(media) >= maxReplyMediaItems {
			s.log.Warn("reply media capped", "session_key", sessionKey, "cap", maxReplyMediaItems)
			break
		}

		if !s.insideStateDir(p) {
			s.log.Warn("ignoring media path outside the state dir", "path", p)
			continue
		}

		info, err := os.Stat(p)
		if err != nil {
			s.log.Warn("cannot stat media path", "path", p, "err", err)
			continue
		}
		if info.Size() > maxReplyMediaBytes {
			s.log.Warn("media file too large", "path", p, "bytes", info.Size())
			continue
		}

		data, err := os.ReadFile(p)
		if err != nil {
			s.log.Warn("cannot read media file", "path", p, "err", err)
			continue
		}

		media = append(media, backend.OutputMedia{
			ContentType: detectContentType(p, data),
			Name:        filepath.Base(p),
			Data:        base64.StdEncoding.EncodeToString(data),
		})
	}

	return media
}

// insideStateDir reports whether path is an absolute path under the state
// directory. Directives are agent output; anything else on disk is off
// limits.
func (s *Store) insideStateDir(path string) bool {
	if !filepath.IsAbs(path) {
		return false
	}

	rel, err := filepath.Rel(s.stateDir, filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// transcriptLine is the loose shape of one JSONL transcript entry. Writers
// disagree on nesting, so both the flat and the message-wrapped layouts
// decode.
type transcriptLine struct {
	Type    string          `json:"type,omitempty"`
	Role    string          `json:"role,omitempty"`
	Content json.Raw        `json:"content,omitempty"`
	Message *transcriptLine `json:"message,omitempty"`
}

func (l *transcriptLine) assistantText() (string, bool) {
	if l.Message != nil {
		if text, ok := l.Message.assistantText(); ok {
			return text, true
		}
	}

	if l.Role != "assistant" {
		return "", false
	}
	return contentText(l.Content), true
}

// contentText flattens a transcript content field: either a plain string or
// an array of typed blocks with text parts.
func contentText(raw json.Raw) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var blocks []struct {
		Type string `json:"type,omitempty"`
		Text string `json:"text,omitempty"`
	}
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}

	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// latestAssistantText returns the text of the last assistant message in the
// transcript. Unreadable lines are skipped; transcripts accrete from many
// writers and partial damage is normal.
func latestAssistantText(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrap(err, "cannot open transcript")
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64<<10), 8<<20)

	var (
		latest string
		found  bool
	)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var entry transcriptLine
		if err := json.Unmarshal(line, &entry); err != nil {
			continue
		}

		if text, ok := entry.assistantText(); ok {
			latest = text
			found = true
		}
	}

	if err := scanner.Err(); err != nil {
		return "", errors.Wrap(err, "cannot scan transcript")
	}
	if !found {
		return "", errors.New("transcript has no assistant message")
	}
	return latest, nil
}

// mediaPaths extracts MEDIA: directive paths from assistant text.
func mediaPaths(text string) []string {
	var paths []string

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, mediaDirective) {
			continue
		}
		if path := strings.TrimSpace(strings.TrimPrefix(line, mediaDirective)); path != "" {
			paths = append(paths, path)
		}
	}

	return paths
}

func detectContentType(path string, data []byte) string {
	if ct := mime.TypeByExtension(filepath.Ext(path)); ct != "" {
		return ct
	}
	return http.DetectContentType(data)
}
