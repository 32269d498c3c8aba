// Package gohttpstream wires the connection manager, resource abstraction
// and CONNECT tunnel into the public surface a media-streaming embedder
// drives: a Manager plus File/Live/Outfile resources opened against it.
package gohttpstream

import (
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/mediastream/gohttpstream/pkg/connmgr"
	"github.com/mediastream/gohttpstream/pkg/errors"
	"github.com/mediastream/gohttpstream/pkg/ports"
	"github.com/mediastream/gohttpstream/pkg/resource"
	"github.com/mediastream/gohttpstream/pkg/tlsconfig"
	"github.com/mediastream/gohttpstream/pkg/tunnel"
)

// TLSProfile re-exports the minimum/maximum TLS version pairing a Manager
// negotiates with, and the three presets callers pick from.
type TLSProfile = tlsconfig.VersionProfile

var (
	TLSProfileModern     = tlsconfig.ProfileModern
	TLSProfileSecure     = tlsconfig.ProfileSecure
	TLSProfileCompatible = tlsconfig.ProfileCompatible
)

// Version is the current version of this module.
const Version = "1.0.0"

// Re-export the collaborator types callers construct and configure
// directly.
type (
	// Manager is the connection manager: at most one cached HTTP/1.1
	// and one HTTP/2 connection, shared by every resource opened against it.
	Manager = connmgr.Manager

	// CookieJar is the opaque cookie sink a Manager may be configured with.
	CookieJar = connmgr.CookieJar

	// File is a seekable, range-requesting resource.
	File = resource.File

	// Live is an auto-reconnecting resource.
	Live = resource.Live

	// Outfile is a write-only PUT-with-100-continue resource.
	Outfile = resource.Outfile

	// Error is a structured, classified transport/protocol error.
	Error = errors.Error
)

// Re-export the error-kind constants for convenience.
const (
	ErrorTypeDNS         = errors.ErrorTypeDNS
	ErrorTypeConnection  = errors.ErrorTypeConnection
	ErrorTypeTLS         = errors.ErrorTypeTLS
	ErrorTypeTimeout     = errors.ErrorTypeTimeout
	ErrorTypeProtocol    = errors.ErrorTypeProtocol
	ErrorTypeIO          = errors.ErrorTypeIO
	ErrorTypeValidation  = errors.ErrorTypeValidation
	ErrorTypeProxy       = errors.ErrorTypeProxy
	ErrorTypeHTTPStatus  = errors.ErrorTypeHTTPStatus
	ErrorTypeAuthRequired = errors.ErrorTypeAuthRequired
	ErrorTypeRedirect    = errors.ErrorTypeRedirect
)

// ManagerConfig configures a new Manager.
type ManagerConfig struct {
	DialTimeout time.Duration
	TLSProfile  TLSProfile
	Jar         CookieJar
	Logger      zerolog.Logger

	// ProxyURL, if set, routes the dials made for File and Live resources
	// through a CONNECT/SOCKS proxy instead of dialing the origin directly.
	// The HTTP/1.1-only dial used by Outfile always connects directly.
	ProxyURL  string
	ProxyUser string
	ProxyPass string
}

// NewManager builds a connection manager per cfg.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	mgrCfg := connmgr.Config{
		DialTimeout: cfg.DialTimeout,
		TLSProfile:  cfg.TLSProfile,
		Jar:         cfg.Jar,
		Logger:      cfg.Logger,
	}
	if cfg.ProxyURL != "" {
		u, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, errors.NewValidationError("invalid proxy URL")
		}
		mgrCfg.ProxyDial = connmgr.NewProxyDialer(tunnel.Config{
			ProxyURL:    u,
			Username:    cfg.ProxyUser,
			Password:    cfg.ProxyPass,
			DialTimeout: cfg.DialTimeout,
		})
	}
	return connmgr.New(mgrCfg), nil
}

// NewFile creates a File resource against rawURL.
func NewFile(mgr *Manager, rawURL, userAgent, referer string) (*File, error) {
	return resource.NewFile(mgr, rawURL, userAgent, referer)
}

// NewLive creates a Live resource against rawURL.
func NewLive(mgr *Manager, rawURL, userAgent, referer string) (*Live, error) {
	return resource.NewLive(mgr, rawURL, userAgent, referer)
}

// NewOutfile creates an Outfile resource against rawURL.
func NewOutfile(mgr *Manager, rawURL, userAgent, user, pass string) (*Outfile, error) {
	return resource.NewOutfile(mgr, rawURL, userAgent, user, pass)
}

// PortBlocked reports whether port is forbidden for plain-HTTP dials,
// matching browser bad-port policy. Dials consult this internally; it is
// exposed so an embedder can pre-validate URLs.
func PortBlocked(port int) bool {
	return ports.Blocked(port)
}

// IsTimeoutError checks if an error is a timeout error.
func IsTimeoutError(err error) bool {
	return errors.IsTimeoutError(err)
}

// IsTemporaryError checks if an error is temporary.
func IsTemporaryError(err error) bool {
	return errors.IsTemporaryError(err)
}

// GetErrorType returns the error type if it's a structured error.
func GetErrorType(err error) string {
	return string(errors.GetErrorType(err))
}
