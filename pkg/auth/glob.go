package auth

import "path"

// matchCacheGlob reports whether cacheName matches pattern using shell
// glob syntax (*, ?, [...]), the same semantics as path.Match. Cache
// names never contain '/', so path.Match's segment-boundary rules for
// '*' never come into play here.
func matchCacheGlob(pattern, cacheName string) (bool, error) {
	return path.Match(pattern, cacheName)
}
