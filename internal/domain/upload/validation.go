package upload

import (
	"fmt"
	"mime"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

var audioExtensions = map[string]string{
	"audio/webm":  "webm",
	"audio/wav":   "wav",
	"audio/x-wav": "wav",
	"audio/wave":  "wav",
	"audio/mpeg":  "mp3",
	"audio/ogg":   "ogg",
	"audio/mp4":   "m4a",
	"audio/x-m4a": "m4a",
	"audio/aac":   "aac",
	"audio/flac":  "flac",
}

// containers that sniff as a sibling type of the declared one
var sniffAliases = map[string][]string{
	"audio/webm":  {"video/webm"},
	"audio/mp4":   {"video/mp4", "audio/x-m4a"},
	"audio/x-m4a": {"audio/mp4", "video/mp4"},
	"audio/ogg":   {"application/ogg"},
	"audio/wav":   {"audio/x-wav"},
	"audio/x-wav": {"audio/wav"},
	"audio/wave":  {"audio/wav"},
}

// PayloadRules bounds what an upload may carry.
type PayloadRules struct {
	MaxBytes     int64
	AllowedTypes map[string]struct{}
}

// NewPayloadRules builds rules from a content-type allow-list.
func NewPayloadRules(maxBytes int64, allowed []string) PayloadRules {
	set := make(map[string]struct{}, len(allowed))
	for _, t := range allowed {
		if t = normalizeContentType(t); t != "" {
			set[t] = struct{}{}
		}
	}
	return PayloadRules{MaxBytes: maxBytes, AllowedTypes: set}
}

// Check validates size, declared type and sniffed content. It returns the
// normalized content type.
func (r PayloadRules) Check(data []byte, declared string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("file is empty")
	}
	if r.MaxBytes > 0 && int64(len(data)) > r.MaxBytes {
		return "", fmt.Errorf("file exceeds max size of %d bytes", r.MaxBytes)
	}

	contentType := normalizeContentType(declared)
	if contentType == "" {
		return "", fmt.Errorf("content type is required")
	}
	if _, ok := r.AllowedTypes[contentType]; !ok {
		return "", fmt.Errorf("unsupported content type %s", contentType)
	}

	detected := mimetype.Detect(data)
	if !sniffMatches(detected, contentType) {
		return "", fmt.Errorf("content does not match declared type %s (detected %s)", contentType, detected.String())
	}
	return contentType, nil
}

func sniffMatches(detected *mimetype.MIME, declared string) bool {
	accepted := append([]string{declared}, sniffAliases[declared]...)
	for m := detected; m != nil; m = m.Parent() {
		for _, a := range accepted {
			if m.Is(a) {
				return true
			}
		}
	}
	return false
}

// extensionFor returns the object key extension for a content type.
func extensionFor(contentType string) string {
	if ext, ok := audioExtensions[contentType]; ok {
		return ext
	}
	if m := mimetype.Lookup(contentType); m != nil && m.Extension() != "" {
		return strings.TrimPrefix(m.Extension(), ".")
	}
	return "bin"
}

func normalizeContentType(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	if mediaType, _, err := mime.ParseMediaType(value); err == nil {
		return strings.ToLower(mediaType)
	}
	return strings.ToLower(value)
}
