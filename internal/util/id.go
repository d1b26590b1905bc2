package util

import (
	"crypto/rand"
	"encoding/hex"
	"path"
	"strings"
)

func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}

// UniqueFilename prepends a random component to a client-supplied
// filename, keeping the extension so storage keys stay recognizable.
func UniqueFilename(original string) string {
	ext := strings.ToLower(path.Ext(original))
	base := strings.TrimSuffix(path.Base(original), path.Ext(original))
	base = sanitize(base)
	if base == "" {
		base = "file"
	}
	return NewID("")[:12] + "-" + base + ext
}

func sanitize(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
