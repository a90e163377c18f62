package pointcloud

import "regexp"

var (
	slugInvalid  = regexp.MustCompile(`[^A-Za-z0-9_-]+`)
	slugCollapse = regexp.MustCompile(`[_-]{2,}`)
	slugEdges    = regexp.MustCompile(`^[_-]+|[_-]+$`)
)

// Slug converts a display name into a URL-friendly, stable topic prefix.
// Non [A-Za-z0-9_-] runs become a single underscore, runs of two or more
// underscores or hyphens collapse to one underscore, edges are stripped. An empty result falls back to "sensor". Slug is
// idempotent: Slug(Slug(x)) == Slug(x).
func Slug(name string) string {
	base := slugInvalid.ReplaceAllString(name, "_")
	base = slugCollapse.ReplaceAllString(base, "_")
	base = slugEdges.ReplaceAllString(base, "")
	if base == "" {
		return "sensor"
	}
	return base
}

// Topic returns the deterministic stream topic for a node:
// slug(name) + "_" + first 8 characters of the node id.
func Topic(name, nodeID string) string {
	id := nodeID
	if len(id) > 8 {
		id = id[:8]
	}
	return Slug(name) + "_" + id
}
