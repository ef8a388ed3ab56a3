package httpmw

import (
	"net/http"
	"strings"
)

// OriginPolicy decides which browser origins may call the API. Requests
// without an Origin header (curl, other services) are always allowed; a
// browser origin must be listed. A "*" entry allows every origin.
type OriginPolicy struct {
	any     bool
	allowed map[string]struct{}
}

// NewOriginPolicy builds a policy from configured origins such as
// "http://localhost:3000". An empty list rejects every browser origin.
func NewOriginPolicy(origins []string) *OriginPolicy {
	p := &OriginPolicy{allowed: make(map[string]struct{}, len(origins))}
	for _, o := range origins {
		o = normalizeOrigin(o)
		switch o {
		case "":
		case "*":
			p.any = true
		default:
			p.allowed[o] = struct{}{}
		}
	}
	return p
}

// Allows reports whether origin may call the API.
func (p *OriginPolicy) Allows(origin string) bool {
	if origin == "" {
		return true
	}
	if p == nil {
		return false
	}
	if p.any {
		return true
	}
	_, ok := p.allowed[normalizeOrigin(origin)]
	return ok
}

// CheckRequest matches websocket.Upgrader.CheckOrigin.
func (p *OriginPolicy) CheckRequest(r *http.Request) bool {
	return p.Allows(r.Header.Get("Origin"))
}

func normalizeOrigin(o string) string {
	return strings.ToLower(strings.TrimSuffix(strings.TrimSpace(o), "/"))
}
