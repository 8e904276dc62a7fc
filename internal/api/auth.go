package api

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// access is what a presented key allows.
type access int

const (
	accessNone access = iota
	accessRead
	accessOperator
)

// keyAccess maps a bearer key onto the access it grants. The operator key
// wins if both keys are configured to the same value.
func (c Config) keyAccess(key string) access {
	switch {
	case keyMatches(key, c.APIKey):
		return accessOperator
	case keyMatches(key, c.ReadKey):
		return accessRead
	}
	return accessNone
}

// keyMatches compares in constant time. An empty configured key never matches.
func keyMatches(presented, configured string) bool {
	if configured == "" || len(presented) != len(configured) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(configured)) == 1
}

// bearerKey extracts the key from an Authorization: Bearer <key> header.
func bearerKey(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", errors.New("missing Authorization header")
	}
	key, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return "", errors.New("invalid Authorization header format")
	}
	if key = strings.TrimSpace(key); key == "" {
		return "", errors.New("missing API key")
	}
	return key, nil
}

func readOnly(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}

// authMiddleware checks the bearer key. The read key only reaches GET and
// HEAD routes. With no keys configured the API is open, which is only
// sensible on a loopback listener.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.APIKey == "" && s.config.ReadKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		key, err := bearerKey(r)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="quarry"`)
			s.writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		switch s.config.keyAccess(key) {
		case accessNone:
			w.Header().Set("WWW-Authenticate", `Bearer realm="quarry"`)
			s.writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		case accessRead:
			if !readOnly(r.Method) {
				s.writeError(w, http.StatusForbidden, "read key cannot "+r.Method+" "+r.URL.Path)
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}
