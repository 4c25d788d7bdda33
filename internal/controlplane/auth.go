package controlplane

import (
	"crypto/subtle"
	"net"
	"net/http"
)

// withToken gates a handler behind the static bearer token configured at
// startup (§4.9: "token" endpoints).
func (s *Server) withToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if subtle.ConstantTimeCompare([]byte(r.Header.Get("Authorization")), []byte(s.cfg.Env.MonitorAPITokenAuthValue)) != 1 {
			textError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

// withSourceIP gates a handler to callers whose observed remote address
// matches a last-known rebuild/template or runner guest IPv4 (§4.9: "a
// client is authorized iff its observed remote address equals that
// recorded address"). The matching IP itself is left for the handler to
// resolve, since /guest/jitconfig and /guest/boot-script need it for
// different lookups (runner id vs. profile).
func (s *Server) withSourceIP(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip, ok := remoteIP(r)
		if !ok {
			textError(w, http.StatusForbidden, "forbidden")
			return
		}
		if _, ok := s.ipTracker.runnerIDForIP(ip); ok {
			next(w, r)
			return
		}
		if _, ok := s.ipTracker.profileForIP(ip, s.runnerProfileName); ok {
			next(w, r)
			return
		}
		textError(w, http.StatusForbidden, "forbidden")
	}
}

func remoteIP(r *http.Request) (string, bool) {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr, r.RemoteAddr != ""
	}
	return host, true
}

func (s *Server) runnerProfileName(id uint64) (string, bool) {
	for _, summary := range s.policy.RunnerSummaries() {
		if summary.ID == id {
			return summary.ProfileName, true
		}
	}
	return "", false
}
