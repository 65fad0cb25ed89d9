package gateway

import (
	"context"
	"encoding/json"
	"net/http"

	"security-gateway/internal/models"
	"security-gateway/internal/util"
)

type (
	principalKey     struct{}
	sourceAddressKey struct{}
)

// WithPrincipal attaches the authenticated principal to ctx.
func WithPrincipal(ctx context.Context, p *models.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the principal resolved by the gateway, if any.
func PrincipalFrom(ctx context.Context) (*models.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*models.Principal)
	return p, ok && p != nil
}

// SourceAddress returns the client address the gateway resolved for r, or
// the transport peer when the request never passed the gateway.
func SourceAddress(r *http.Request) string {
	if addr, ok := r.Context().Value(sourceAddressKey{}).(string); ok && addr != "" {
		return addr
	}
	return util.RemoteHost(r)
}

// RequestFromHTTP builds the gateway input from an HTTP request.
func (g *Gateway) RequestFromHTTP(r *http.Request) RequestContext {
	return RequestContext{
		SourceAddress: g.cfg.TrustedProxies.ClientIP(r),
		UserAgent:     r.UserAgent(),
		Path:          r.URL.Path,
		Method:        r.Method,
		Token:         util.RequestToken(r),
		ProxyHeaders:  util.HasProxyHeaders(r),
	}
}

// Middleware adapts Evaluate to net/http. It must run before anything that
// rewrites RemoteAddr from forwarding headers.
func (g *Gateway) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// identity headers are only ever set by the gateway
		r.Header.Del(HeaderUserID)
		r.Header.Del(HeaderUserEmail)
		r.Header.Del(HeaderMFARequired)

		req := g.RequestFromHTTP(r)
		d := g.Evaluate(r.Context(), req)
		for k, vs := range d.Headers {
			for _, v := range vs {
				w.Header().Add(k, v)
			}
		}

		if !d.Allow {
			w.WriteHeader(d.Status)
			_ = json.NewEncoder(w).Encode(d.Body)
			return
		}

		ctx := context.WithValue(r.Context(), sourceAddressKey{}, req.SourceAddress)
		if d.Principal != nil {
			r.Header.Set(HeaderUserID, d.Principal.ID)
			r.Header.Set(HeaderUserEmail, d.Principal.Email)
			ctx = WithPrincipal(ctx, d.Principal)
		}
		r = r.WithContext(ctx)
		next.ServeHTTP(w, r)
	})
}
