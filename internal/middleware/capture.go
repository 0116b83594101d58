package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/onnwee/audittrail/internal/auth"
	"github.com/onnwee/audittrail/internal/requestctx"
)

// TokenVerifier validates a bearer token. *auth.JWTService satisfies it.
type TokenVerifier interface {
	ValidateToken(token string) (*auth.Claims, error)
}

type roleKey struct{}

// WithRole attaches the viewer role to ctx.
func WithRole(ctx context.Context, role string) context.Context {
	return context.WithValue(ctx, roleKey{}, role)
}

// RoleFromContext returns the viewer role resolved by CaptureContext.
// Anonymous requests have no role.
func RoleFromContext(ctx context.Context) string {
	role, _ := ctx.Value(roleKey{}).(string)
	return role
}

// CaptureContext opens a request context scope for every request so audit
// events recorded while serving it are attributed to the caller.
//
// A request without credentials proceeds as the anonymous actor. A bearer
// token that fails validation is rejected with 401 and the handler never
// runs. The scope is closed when the handler returns. The source address
// honors forwarding headers only from proxies.
func CaptureContext(verifier TokenVerifier, proxies TrustedProxies, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			rc := requestctx.RequestContext{
				SourceAddress: proxies.ClientAddress(r),
				ClientAgent:   r.UserAgent(),
				RequestID:     GetRequestID(ctx),
			}

			var role string
			if token, present := bearerToken(r); present {
				claims, err := verifier.ValidateToken(token)
				if err != nil {
					logger.WarnContext(ctx, "rejected bearer token",
						slog.String("source_address", rc.SourceAddress),
						slog.String("error", err.Error()),
					)
					writeUnauthorized(w, ctx, err)
					return
				}
				rc.ActorID = claims.ActorID()
				role = claims.Role
			}

			ctx, end := requestctx.Begin(ctx, rc)
			defer end()

			current := requestctx.Current(ctx)
			setActor(ctx, current.ActorID, role)
			if role != "" {
				ctx = WithRole(ctx, role)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// bearerToken extracts the token from the Authorization header. present is
// true whenever the header is set, so a malformed header is still rejected.
func bearerToken(r *http.Request) (token string, present bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return "", false
	}
	scheme, value, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", true
	}
	return strings.TrimSpace(value), true
}

// TrustedProxies is the set of networks whose forwarding headers are
// believed. The zero value trusts nothing.
type TrustedProxies []netip.Prefix

// ParseTrustedProxies accepts CIDR prefixes and bare addresses.
func ParseTrustedProxies(entries []string) (TrustedProxies, error) {
	out := make(TrustedProxies, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("invalid trusted proxy %q: %w", entry, err)
			}
			out = append(out, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", entry, err)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

// Contains reports whether addr falls inside a trusted network.
// Unparseable addresses are never trusted.
func (t TrustedProxies) Contains(addr string) bool {
	ip, err := netip.ParseAddr(strings.TrimSpace(addr))
	if err != nil {
		return false
	}
	ip = ip.Unmap().WithZone("")
	for _, prefix := range t {
		if prefix.Contains(ip) {
			return true
		}
	}
	return false
}

// ClientAddress returns the originating address of r.
//
// Forwarding headers are only read when the connection itself comes from a
// trusted proxy. X-Forwarded-For is then walked from the right and the first
// hop outside the trusted set wins; X-Real-IP is the fallback.
func (t TrustedProxies) ClientAddress(r *http.Request) string {
	remote := remoteHost(r.RemoteAddr)
	if !t.Contains(remote) {
		return remote
	}

	if xff := r.Header.Values("X-Forwarded-For"); len(xff) > 0 {
		var hops []string
		for _, line := range xff {
			for _, hop := range strings.Split(line, ",") {
				if hop = strings.TrimSpace(hop); hop != "" {
					hops = append(hops, hop)
				}
			}
		}
		for i := len(hops) - 1; i >= 0; i-- {
			if !t.Contains(hops[i]) {
				return hops[i]
			}
		}
		if len(hops) > 0 {
			return hops[0]
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	return remote
}

func remoteHost(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

func writeUnauthorized(w http.ResponseWriter, ctx context.Context, err error) {
	code, message := "invalid_token", "Invalid or malformed token"
	if errors.Is(err, auth.ErrExpiredToken) {
		code, message = "token_expired", "Token has expired"
	}
	SetErrorCode(ctx, code)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]map[string]string{
		"error": {"code": code, "message": message},
	})
}
