package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const middlewareOtelPackageName = "github.com/zhaofengli/attic/pkg/auth"

//nolint:gochecknoglobals
var middlewareTracer trace.Tracer

//nolint:gochecknoinits
func init() {
	middlewareTracer = otel.Tracer(middlewareOtelPackageName)
}

type claimsContextKey struct{}

// ClaimsFromContext retrieves the verified claims stored in the
// request context by Middleware. Returns nil if the request carried
// no token, which Middleware allows through for public endpoints.
func ClaimsFromContext(ctx context.Context) *Claims {
	claims, _ := ctx.Value(claimsContextKey{}).(*Claims)

	return claims
}

// Middleware returns a Chi-compatible HTTP middleware that validates
// the request's bearer token, if any, and stores the resulting claims
// in the request context. It never itself rejects a request for
// having no token: whether a missing token is fatal depends on the
// endpoint (a public read vs. a write), so that decision is left to
// the handler via RequirePermission. A malformed Authorization header
// or a token that fails verification is rejected here with 401.
func (v *Verifier) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, span := middlewareTracer.Start(
				r.Context(),
				"auth.verifyToken",
				trace.WithSpanKind(trace.SpanKindServer),
			)
			defer span.End()

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				next.ServeHTTP(w, r.WithContext(ctx))

				return
			}

			rawToken, ok := extractToken(authHeader)
			if !ok {
				writeJSONError(w, http.StatusUnauthorized, "invalid authorization header format")

				zerolog.Ctx(ctx).Warn().Msg("auth: invalid authorization header format")

				return
			}

			claims, err := v.Verify(rawToken)
			if err != nil {
				writeJSONError(w, http.StatusUnauthorized, "token validation failed")

				zerolog.Ctx(ctx).Warn().Err(err).Msg("auth: token validation failed")

				return
			}

			span.SetAttributes(attribute.String("auth.subject", claims.Subject))

			zerolog.Ctx(ctx).Debug().Str("subject", claims.Subject).Msg("auth: token verified")

			ctx = context.WithValue(ctx, claimsContextKey{}, claims)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequirePermission returns an error if claims is nil or does not
// grant action against cacheName. Handlers call this after reading
// claims from the request context via ClaimsFromContext.
func RequirePermission(claims *Claims, cacheName string, action Action) error {
	if claims == nil {
		return ErrPermissionDenied
	}

	if !action.grantedBy(claims.EffectivePermission(cacheName)) {
		return ErrPermissionDenied
	}

	return nil
}

// ErrPermissionDenied is returned by RequirePermission when the
// caller's token does not grant the requested action.
var ErrPermissionDenied = errors.New("permission denied")

// extractToken extracts the JWT from an Authorization header.
// Supports "Bearer <token>" and "Basic <base64>" (using the password
// as the JWT), matching the conventions of `nix copy`'s netrc-based
// authentication.
func extractToken(authHeader string) (string, bool) {
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 {
		return "", false
	}

	scheme := parts[0]
	credentials := parts[1]

	switch {
	case strings.EqualFold(scheme, "Bearer"):
		return credentials, true

	case strings.EqualFold(scheme, "Basic"):
		decoded, err := base64.StdEncoding.DecodeString(credentials)
		if err != nil {
			return "", false
		}

		_, password, ok := strings.Cut(string(decoded), ":")
		if !ok || password == "" {
			return "", false
		}

		return password, true

	default:
		return "", false
	}
}

func writeJSONError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
