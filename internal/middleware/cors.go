// Package middleware provides HTTP middleware for the Geist API.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// corsMethods are the methods the relay routes serve.
const corsMethods = "GET, POST, DELETE, OPTIONS"

// CORSConfig describes which browser origins may call the relay.
type CORSConfig struct {
	// Origins lists allowed origins. "*" admits any origin but never with credentials.
	Origins []string
	// RequestHeaders are allowed on requests in addition to Content-Type.
	RequestHeaders []string
	// ExposedHeaders are response headers browser clients may read.
	ExposedHeaders []string
	// MaxAge lets browsers cache a preflight answer. Zero omits the header.
	MaxAge time.Duration
}

type corsPolicy struct {
	anyOrigin     bool
	origins       map[string]struct{}
	allowHeaders  string
	exposeHeaders string
	maxAge        string
}

func newCORSPolicy(cfg CORSConfig) *corsPolicy {
	p := &corsPolicy{
		origins:       make(map[string]struct{}, len(cfg.Origins)),
		allowHeaders:  strings.Join(append([]string{"Content-Type"}, cfg.RequestHeaders...), ", "),
		exposeHeaders: strings.Join(cfg.ExposedHeaders, ", "),
	}
	for _, o := range cfg.Origins {
		if o == "*" {
			p.anyOrigin = true
			continue
		}
		p.origins[o] = struct{}{}
	}
	if cfg.MaxAge > 0 {
		p.maxAge = strconv.Itoa(int(cfg.MaxAge / time.Second))
	}
	return p
}

// match reports whether origin is admitted and whether it was listed explicitly.
func (p *corsPolicy) match(origin string) (allowed, explicit bool) {
	if _, ok := p.origins[origin]; ok {
		return true, true
	}
	return p.anyOrigin, false
}

// CORS answers preflight requests and decorates responses for admitted
// origins. Requests without an Origin header pass through untouched.
// Preflights from origins that are not admitted get 403.
func CORS(cfg CORSConfig) func(http.Handler) http.Handler {
	p := newCORSPolicy(cfg)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			preflight := r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Add("Vary", "Origin")
			allowed, explicit := p.match(origin)
			if !allowed {
				if preflight {
					w.WriteHeader(http.StatusForbidden)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			h.Set("Access-Control-Allow-Origin", origin)
			// a wildcard-echoed origin must never carry credentials
			if explicit {
				h.Set("Access-Control-Allow-Credentials", "true")
			}
			if !preflight {
				if p.exposeHeaders != "" {
					h.Set("Access-Control-Expose-Headers", p.exposeHeaders)
				}
				next.ServeHTTP(w, r)
				return
			}

			h.Set("Access-Control-Allow-Methods", corsMethods)
			h.Set("Access-Control-Allow-Headers", p.allowHeaders)
			if p.maxAge != "" {
				h.Set("Access-Control-Max-Age", p.maxAge)
			}
			w.WriteHeader(http.StatusNoContent)
		})
	}
}
