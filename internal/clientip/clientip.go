// Package clientip resolves the address an upload is attributed to.
//
// X-Forwarded-For is trusted whenever it is present. Without a trusted-proxy
// allowlist a client can spoof it, so quotas keyed on this value are only as
// strong as the proxy in front of the server.
package clientip

import (
	"net"
	"net/http"
	"strings"
)

// Unknown is returned when neither the header nor the connection yield an address.
const Unknown = "0.0.0.0"

// Resolve returns the first X-Forwarded-For entry, the connection's remote
// host, or Unknown, in that order.
func Resolve(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}

	if r.RemoteAddr != "" {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			return r.RemoteAddr
		}
		return host
	}

	return Unknown
}
