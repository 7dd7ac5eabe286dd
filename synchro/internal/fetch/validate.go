package fetch

import (
	"errors"
	"fmt"
	"net"
	"net/url"
)

var (
	// ErrSSRF indicates a URL resolves to a private or reserved address.
	ErrSSRF = errors.New("fetch: request targets a private or reserved address")
	// ErrUnsafeScheme indicates a URL scheme other than http or https.
	ErrUnsafeScheme = errors.New("fetch: URL scheme must be http or https")
)

// ValidateURL rejects URLs that point at private or reserved addresses.
// Hostnames are resolved and every returned address is checked. A DNS
// failure is not an SSRF signal; the fetch itself will fail naturally.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("fetch: parse URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ErrUnsafeScheme
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("fetch: URL has no hostname")
	}
	if ip := net.ParseIP(host); ip != nil {
		if isPrivateIP(ip) {
			return ErrSSRF
		}
		return nil
	}
	addrs, err := net.LookupHost(host)
	if err != nil {
		return nil
	}
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil && isPrivateIP(ip) {
			return ErrSSRF
		}
	}
	return nil
}

func isPrivateIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}
