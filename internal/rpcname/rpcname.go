// Package rpcname derives the protocol-wide messageId for an
// endpoint's (method, path) pair. internal/server's route
// registration and internal/client's gateway construction each
// compute this independently, since client and server processes
// never exchange the messageId directly (SPEC_FULL.md §6) — they
// must agree on the derivation instead.
package rpcname

import (
	"regexp"
	"strings"
)

var sanitizer = regexp.MustCompile(`[^a-zA-Z0-9]+`)

// DeriveMessageID turns (method, path) into a stable protocol
// message id, e.g. POST /api/v1/thing -> post_api_v1_thing__post.
func DeriveMessageID(method, path string) string {
	trimmed := strings.Trim(path, "/")
	slug := sanitizer.ReplaceAllString(trimmed, "_")
	slug = strings.Trim(slug, "_")
	return strings.ToLower(method) + "_" + slug + "__" + strings.ToLower(method)
}
