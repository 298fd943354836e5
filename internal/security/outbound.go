package security

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ErrUnsafeURL is returned for endpoints trader data must not be sent to.
var ErrUnsafeURL = errors.New("unsafe outbound URL")

var metadataHosts = []string{"metadata.google.internal", "metadata.google", "169.254.169.254"}

// CheckOutboundURL vets the hosted scorer endpoint. Plain http is accepted
// only for loopback sidecars; link-local and cloud metadata addresses are
// always refused. Hostnames are not resolved.
func CheckOutboundURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsafeURL, err)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: missing host", ErrUnsafeURL)
	}
	host := u.Hostname()
	for _, m := range metadataHosts {
		if strings.EqualFold(host, m) {
			return fmt.Errorf("%w: host %q is not allowed", ErrUnsafeURL, host)
		}
	}

	loopback := strings.EqualFold(host, "localhost")
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return fmt.Errorf("%w: address %s is not allowed", ErrUnsafeURL, ip)
		}
		loopback = ip.IsLoopback()
	}

	switch u.Scheme {
	case "https":
		return nil
	case "http":
		if loopback {
			return nil
		}
		return fmt.Errorf("%w: plain http is only allowed for loopback hosts", ErrUnsafeURL)
	}
	return fmt.Errorf("%w: scheme must be http or https", ErrUnsafeURL)
}
