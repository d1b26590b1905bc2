// Package media validates uploads and issues presigned object storage
// URLs for step attachments. Files never pass through the API process;
// clients upload directly against a short-lived signed URL.
package media

import (
	"fmt"
	"sort"
	"strings"
)

// allowedTypes maps accepted MIME types to the media category stored
// alongside the attachment row.
var allowedTypes = map[string]string{
	"image/jpeg":      "image",
	"image/png":       "image",
	"image/gif":       "image",
	"image/webp":      "image",
	"video/mp4":       "video",
	"video/webm":      "video",
	"application/pdf": "document",
}

// ValidationError describes a rejected upload request.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// Validate checks an upload declaration before any storage work
// happens. It returns the media category ("image", "video",
// "document") for an accepted content type.
func Validate(contentType string, sizeBytes, maxBytes int64) (string, error) {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	kind, ok := allowedTypes[ct]
	if !ok {
		return "", &ValidationError{Reason: fmt.Sprintf("unsupported content type %q; allowed types: %s", contentType, allowedTypeList())}
	}
	if sizeBytes <= 0 {
		return "", &ValidationError{Reason: "size_bytes must be a positive integer"}
	}
	if maxBytes > 0 && sizeBytes > maxBytes {
		return "", &ValidationError{Reason: fmt.Sprintf("file size %d exceeds the %d byte limit", sizeBytes, maxBytes)}
	}
	return kind, nil
}

func allowedTypeList() string {
	types := make([]string, 0, len(allowedTypes))
	for t := range allowedTypes {
		types = append(types, t)
	}
	sort.Strings(types)
	return strings.Join(types, ", ")
}
