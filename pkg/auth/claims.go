// Package auth issues and verifies the JWTs that gate every cache
// operation, and resolves the effective permission a token grants
// against a given cache name.
package auth

import (
	"github.com/golang-jwt/jwt/v5"
)

// ClaimNamespace is the claim key carrying Attic's permission map, per
// the "https://jwt.attic.rs/v1" claim convention.
const ClaimNamespace = "https://jwt.attic.rs/v1"

// Permission is the set of actions a token grants against a cache
// name. Each field corresponds to one of the short keys in the JWT's
// "caches" glob map (r, w, d, cc, dc, ccfg, ccfgr).
type Permission struct {
	Pull                     bool `json:"r"`
	Push                     bool `json:"w"`
	DeletePath               bool `json:"d"`
	CreateCache              bool `json:"cc"`
	DestroyCache             bool `json:"dc"`
	ConfigureCache           bool `json:"ccfg"`
	ConfigureCacheRetention  bool `json:"ccfgr"`
}

// Union returns the permission granting every action either p or o
// grants. Used to combine the permissions of every glob pattern in a
// token's "caches" map that matches a given cache name.
func (p Permission) Union(o Permission) Permission {
	return Permission{
		Pull:                    p.Pull || o.Pull,
		Push:                    p.Push || o.Push,
		DeletePath:              p.DeletePath || o.DeletePath,
		CreateCache:             p.CreateCache || o.CreateCache,
		DestroyCache:            p.DestroyCache || o.DestroyCache,
		ConfigureCache:          p.ConfigureCache || o.ConfigureCache,
		ConfigureCacheRetention: p.ConfigureCacheRetention || o.ConfigureCacheRetention,
	}
}

// AtticClaims is the namespaced claim body carried under
// ClaimNamespace: a map from cache-name glob pattern to the
// permission it grants.
type AtticClaims struct {
	Caches map[string]Permission `json:"caches"`
}

// Claims is the full token payload: standard registered claims
// (subject, expiry, issuer, ...) plus the Attic permission map.
type Claims struct {
	jwt.RegisteredClaims

	Attic AtticClaims `json:"https://jwt.attic.rs/v1"`
}

// EffectivePermission unions the permissions of every glob in
// Attic.Caches that matches cacheName, per the spec's "all globs whose
// keys match the cache name are unioned" rule.
func (c *Claims) EffectivePermission(cacheName string) Permission {
	var effective Permission

	for pattern, perm := range c.Attic.Caches {
		matched, err := matchCacheGlob(pattern, cacheName)
		if err != nil || !matched {
			continue
		}

		effective = effective.Union(perm)
	}

	return effective
}
