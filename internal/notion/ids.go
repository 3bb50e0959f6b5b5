package notion

import (
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/google/uuid"
)

// NormalizeID accepts dashed or undashed ids, and page URLs whose last path
// segment ends in an id, and returns the canonical dashed form.
func NormalizeID(raw string) (string, error) {
	candidate := strings.TrimSpace(raw)
	if candidate == "" {
		return "", fmt.Errorf("%w: empty id", ErrInvalidInput)
	}
	if parsed, err := url.Parse(candidate); err == nil && parsed.Scheme != "" && parsed.Host != "" {
		candidate = path.Base(parsed.Path)
	}
	if idx := strings.LastIndex(candidate, "-"); idx >= 0 && len(candidate)-idx-1 == 32 {
		candidate = candidate[idx+1:]
	}
	id, err := uuid.Parse(candidate)
	if err != nil {
		return "", fmt.Errorf("%w: id %q: %v", ErrInvalidInput, raw, err)
	}
	return id.String(), nil
}

// ShortID is the first dash-free segment of an id, used in file names.
func ShortID(id string) string {
	compact := strings.ReplaceAll(id, "-", "")
	if len(compact) > 8 {
		return compact[:8]
	}
	return compact
}
