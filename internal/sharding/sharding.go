package sharding

import (
	"errors"
	"fmt"
	"hash/crc32"
	"strings"
)

// ShardCount is the fixed number of partitions of the command stream.
const ShardCount = 1024

var ErrEmptyEndpoint = errors.New("endpoint has no path segments")

// GetShardID calculates the deterministic shard ID for a given entity ID.
func GetShardID(entityID string) int {
	checksum := crc32.ChecksumIEEE([]byte(entityID))
	return int(checksum % ShardCount)
}

// ResourceKey is the part of an endpoint that identifies the entity:
// "/widgets/9/status" -> "widgets/9". Commands for one entity share a shard.
func ResourceKey(endpoint string) string {
	segments := pathSegments(endpoint)
	if len(segments) > 2 {
		segments = segments[:2]
	}
	return strings.Join(segments, "/")
}

// CommandSubject maps an opaque endpoint onto the command stream:
// PATCH /widgets/9/status -> app.command.{shard}.widgets.9.status.patch
func CommandSubject(method, endpoint string) (string, error) {
	segments := pathSegments(endpoint)
	if len(segments) == 0 {
		return "", ErrEmptyEndpoint
	}
	tokens := make([]string, 0, len(segments)+1)
	for _, s := range segments {
		tokens = append(tokens, subjectToken(s))
	}
	tokens = append(tokens, strings.ToLower(strings.TrimSpace(method)))
	return fmt.Sprintf("app.command.%d.%s", GetShardID(ResourceKey(endpoint)), strings.Join(tokens, ".")), nil
}

func pathSegments(endpoint string) []string {
	if i := strings.IndexAny(endpoint, "?#"); i >= 0 {
		endpoint = endpoint[:i]
	}
	var out []string
	for _, s := range strings.Split(endpoint, "/") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// subjectToken replaces characters NATS reserves in subjects.
func subjectToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		default:
			return r
		}
	}, s)
}
