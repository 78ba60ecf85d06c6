package util

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"regexp"
)

var (
	tokenPattern  = regexp.MustCompile(`[A-Za-z0-9_-]{32,}`)
	secretPattern = regexp.MustCompile(`(?i)(passphrase|password|token|secret|api[_-]?key|key)=([^\s&]+)`)
)

// RedactOwner shortens wallet-style identifiers to a recognisable prefix and suffix.
func RedactOwner(owner string) string {
	if len(owner) <= 10 {
		return owner
	}
	return owner[:6] + "..." + owner[len(owner)-4:]
}

// RedactSecret masks credential-looking query parameters, e.g. in RPC URLs.
func RedactSecret(s string) string {
	return secretPattern.ReplaceAllString(s, "$1=[REDACTED]")
}

// RedactIP zeroes the host part of an address: the last octet for IPv4 and
// everything after the /32 prefix for IPv6. Unparseable input is hashed.
func RedactIP(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	ip := net.ParseIP(addr)
	if ip == nil {
		sum := sha256.Sum256([]byte(addr))
		return "hash:" + hex.EncodeToString(sum[:8])
	}
	if v4 := ip.To4(); v4 != nil {
		return net.IPv4(v4[0], v4[1], v4[2], 0).String()
	}
	return ip.Mask(net.CIDRMask(32, 128)).String()
}
