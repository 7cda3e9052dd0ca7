package stream

import (
	"fmt"
	"net/url"
	"strings"
)

// DefaultPathTemplate is the event stream path served by the evaluation API.
const DefaultPathTemplate = "/v1/evaluations/{job_id}/events"

// Endpoint joins base with template after substituting the escaped job id
// for "{job_id}".
func Endpoint(base, template, jobID string) (string, error) {
	if jobID == "" {
		return "", fmt.Errorf("stream: job id is required")
	}
	if template == "" {
		template = DefaultPathTemplate
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("stream: parse base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("stream: base url %q must be absolute", base)
	}
	path := strings.ReplaceAll(template, "{job_id}", url.PathEscape(jobID))
	ref, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("stream: parse path template: %w", err)
	}
	basePath := strings.TrimRight(u.EscapedPath(), "/")
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(ref.Path, "/")
	u.RawPath = basePath + "/" + strings.TrimLeft(ref.EscapedPath(), "/")
	if ref.RawQuery != "" {
		u.RawQuery = ref.RawQuery
	}
	return u.String(), nil
}
