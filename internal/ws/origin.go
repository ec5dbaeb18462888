package ws

import (
	"net/http"
	"strings"
)

// DefaultOrigin is allowed when no origins are configured.
const DefaultOrigin = "http://localhost:3000"

// OriginChecker validates the Origin header of socket upgrades.
type OriginChecker struct {
	allowed []string
	any     bool
}

// NewOriginChecker accepts the given origins. An entry of "*" allows every
// origin; an empty list allows only DefaultOrigin.
func NewOriginChecker(origins []string) *OriginChecker {
	oc := &OriginChecker{}
	for _, o := range origins {
		o = strings.TrimSpace(o)
		switch o {
		case "":
			continue
		case "*":
			oc.any = true
		default:
			oc.allowed = append(oc.allowed, o)
		}
	}
	if len(oc.allowed) == 0 && !oc.any {
		oc.allowed = []string{DefaultOrigin}
	}
	return oc
}

// ParseOrigins splits a comma-separated origin list.
func ParseOrigins(raw string) []string {
	var out []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// Check is intended to be used as the CheckOrigin field of a
// gorilla/websocket.Upgrader.
func (oc *OriginChecker) Check(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// No Origin header: same-origin request or non-browser client.
		return true
	}
	if oc.any {
		return true
	}
	for _, allowed := range oc.allowed {
		if strings.EqualFold(origin, allowed) {
			return true
		}
	}
	return false
}
