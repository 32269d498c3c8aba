// Package tlsconfig builds the crypto/tls client configurations the
// dialer hands to a handshake: version profiles, cipher-suite tiers
// matched to the minimum version, and the ALPN preference lists used to
// negotiate HTTP/2 versus HTTP/1.1.
package tlsconfig

import "crypto/tls"

// VersionProfile bounds the TLS versions offered during a handshake.
type VersionProfile struct {
	Min uint16
	Max uint16
}

var (
	// ProfileModern negotiates TLS 1.3 only.
	ProfileModern = VersionProfile{Min: tls.VersionTLS13, Max: tls.VersionTLS13}

	// ProfileSecure negotiates TLS 1.2 or 1.3. The default.
	ProfileSecure = VersionProfile{Min: tls.VersionTLS12, Max: tls.VersionTLS13}

	// ProfileCompatible accepts TLS 1.0 through 1.3 for legacy origins
	// (old set-top boxes and embedded stream servers).
	ProfileCompatible = VersionProfile{Min: tls.VersionTLS10, Max: tls.VersionTLS13}
)

// ALPN preference lists for the two dial modes: the normal read path
// prefers HTTP/2, the chunked-PUT write path must stay on HTTP/1.1.
var (
	ALPNDefault = []string{"h2", "http/1.1"}
	ALPNH1Only  = []string{"http/1.1"}
)

// secureSuites are the TLS 1.2 ECDHE+AEAD suites. TLS 1.3 suites are not
// configurable through crypto/tls and need no listing here.
var secureSuites = []uint16{
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
}

// compatibleSuites extend secureSuites with CBC-mode fallbacks for
// origins stuck below TLS 1.2.
var compatibleSuites = append(secureSuites[:len(secureSuites):len(secureSuites)],
	tls.TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA,
	tls.TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA,
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA,
)

// Client builds a tls.Config for a handshake against host with the given
// profile and ALPN preference. A zero profile falls back to ProfileSecure.
func Client(host string, profile VersionProfile, alpn []string) *tls.Config {
	if profile == (VersionProfile{}) {
		profile = ProfileSecure
	}
	cfg := &tls.Config{ServerName: host, NextProtos: alpn}
	ApplyVersionProfile(cfg, profile)
	return cfg
}

// ApplyVersionProfile sets the version bounds on config and selects the
// cipher-suite tier matching the minimum version.
func ApplyVersionProfile(config *tls.Config, profile VersionProfile) {
	config.MinVersion = profile.Min
	config.MaxVersion = profile.Max
	switch {
	case profile.Min >= tls.VersionTLS13:
		config.CipherSuites = nil
	case profile.Min >= tls.VersionTLS12:
		config.CipherSuites = secureSuites
	default:
		config.CipherSuites = compatibleSuites
	}
}

// Deprecated reports whether version is below the floor modern origins
// are expected to accept.
func Deprecated(version uint16) bool {
	return version < tls.VersionTLS12
}
