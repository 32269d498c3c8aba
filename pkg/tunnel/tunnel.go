// Package tunnel implements the CONNECT-tunnel / SOCKS proxy dial:
// reaching the target origin through an intermediate proxy, then layering
// a fresh TLS handshake against the target over the tunnel (TLS-in-TLS)
// when the origin itself is https.
package tunnel

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	netproxy "golang.org/x/net/proxy"

	"github.com/mediastream/gohttpstream/pkg/constants"
	"github.com/mediastream/gohttpstream/pkg/errors"
)

// Config describes the proxy to dial through and the credentials to
// present to it.
type Config struct {
	ProxyURL    *url.URL // scheme one of http, https, socks4, socks5
	Username    string
	Password    string
	DialTimeout time.Duration
	TLSConfigFn func(host string) *tls.Config // for the target TLS-in-TLS handshake
}

// Dial reaches targetHost:targetPort through the configured proxy and, if
// targetScheme is "https", performs a fresh TLS handshake against the
// target over the resulting tunnel, negotiating ALPN h2 then http/1.1.
// Returns the usable net.Conn and the negotiated application protocol
// ("h2", "http/1.1", or "" for a plain-http tunnel).
func Dial(ctx context.Context, cfg Config, targetScheme, targetHost string, targetPort int) (net.Conn, string, error) {
	if cfg.ProxyURL == nil {
		return nil, "", errors.NewValidationError("tunnel: no proxy configured")
	}
	timeout := cfg.DialTimeout
	if timeout == 0 {
		timeout = constants.DefaultDialTimeout
	}
	targetAddr := net.JoinHostPort(targetHost, strconv.Itoa(targetPort))

	var conn net.Conn
	var err error
	switch strings.ToLower(cfg.ProxyURL.Scheme) {
	case "http", "https":
		conn, err = dialHTTPProxy(ctx, cfg, targetAddr, timeout)
	case "socks5":
		conn, err = dialSOCKS5(ctx, cfg, targetAddr, timeout)
	case "socks4", "socks4a":
		conn, err = dialSOCKS4(ctx, cfg, targetAddr, timeout)
	default:
		return nil, "", errors.NewValidationError(fmt.Sprintf("unsupported proxy scheme %q", cfg.ProxyURL.Scheme))
	}
	if err != nil {
		return nil, "", err
	}

	if targetScheme != "https" {
		return conn, "", nil
	}

	tlsCfg := &tls.Config{ServerName: targetHost, NextProtos: []string{"h2", "http/1.1"}}
	if cfg.TLSConfigFn != nil {
		if c := cfg.TLSConfigFn(targetHost); c != nil {
			tlsCfg = c
		}
	}
	tlsConn := tls.Client(conn, tlsCfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, "", errors.NewTLSError(targetHost, targetPort, err)
	}
	proto := tlsConn.ConnectionState().NegotiatedProtocol
	return tlsConn, proto, nil
}

// dialHTTPProxy issues CONNECT over a (possibly TLS) connection to an
// HTTP(S) proxy, announcing our own ALPN preference via the informal
// "ALPN: h2, http%2F1.1" request header some media-streaming proxies honor
// when they cannot inspect the tunneled TLS ClientHello.
func dialHTTPProxy(ctx context.Context, cfg Config, targetAddr string, timeout time.Duration) (net.Conn, error) {
	proxyHost := cfg.ProxyURL.Hostname()
	proxyPort := cfg.ProxyURL.Port()
	if proxyPort == "" {
		if cfg.ProxyURL.Scheme == "https" {
			proxyPort = "443"
		} else {
			proxyPort = "8080"
		}
	}
	proxyAddr := net.JoinHostPort(proxyHost, proxyPort)

	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", proxyAddr)
	if err != nil {
		return nil, errors.NewProxyError(proxyHost, 0, err)
	}

	if cfg.ProxyURL.Scheme == "https" {
		tlsConn := tls.Client(conn, &tls.Config{ServerName: proxyHost})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, errors.NewTLSError(proxyHost, 0, err)
		}
		conn = tlsConn
	}

	var req strings.Builder
	fmt.Fprintf(&req, "CONNECT %s HTTP/1.1\r\n", targetAddr)
	fmt.Fprintf(&req, "Host: %s\r\n", targetAddr)
	req.WriteString("Connection: keep-alive\r\n")
	req.WriteString("ALPN: h2, http%2F1.1\r\n")
	user := cfg.Username
	if user == "" {
		user = cfg.ProxyURL.User.Username()
	}
	pass := cfg.Password
	if pass == "" {
		pass, _ = cfg.ProxyURL.User.Password()
	}
	if user != "" {
		auth := base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
		fmt.Fprintf(&req, "Proxy-Authorization: Basic %s\r\n", auth)
	}
	req.WriteString("\r\n")

	if _, err := conn.Write([]byte(req.String())); err != nil {
		conn.Close()
		return nil, errors.NewProxyError(proxyHost, 0, err)
	}

	reader := bufio.NewReader(conn)
	statusLine, err := reader.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, errors.NewProxyError(proxyHost, 0, err)
	}
	if !strings.Contains(statusLine, " 200") {
		conn.Close()
		return nil, errors.NewProxyError(proxyHost, 0, fmt.Errorf("CONNECT rejected: %s", strings.TrimSpace(statusLine)))
	}
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			conn.Close()
			return nil, errors.NewProxyError(proxyHost, 0, err)
		}
		if line == "\r\n" || line == "\n" {
			break
		}
	}
	return conn, nil
}

func dialSOCKS5(ctx context.Context, cfg Config, targetAddr string, timeout time.Duration) (net.Conn, error) {
	proxyAddr := cfg.ProxyURL.Host
	var auth *netproxy.Auth
	user := cfg.Username
	if user == "" {
		user = cfg.ProxyURL.User.Username()
	}
	if user != "" {
		pass := cfg.Password
		if pass == "" {
			pass, _ = cfg.ProxyURL.User.Password()
		}
		auth = &netproxy.Auth{User: user, Password: pass}
	}
	d, err := netproxy.SOCKS5("tcp", proxyAddr, auth, &net.Dialer{Timeout: timeout})
	if err != nil {
		return nil, errors.NewProxyError(cfg.ProxyURL.Hostname(), 0, err)
	}
	if dc, ok := d.(netproxy.ContextDialer); ok {
		conn, err := dc.DialContext(ctx, "tcp", targetAddr)
		if err != nil {
			return nil, errors.NewProxyError(cfg.ProxyURL.Hostname(), 0, err)
		}
		return conn, nil
	}
	conn, err := d.Dial("tcp", targetAddr)
	if err != nil {
		return nil, errors.NewProxyError(cfg.ProxyURL.Hostname(), 0, err)
	}
	return conn, nil
}

// dialSOCKS4 implements the SOCKS4 CONNECT handshake directly: it predates
// golang.org/x/net/proxy's SOCKS support and requires the target be
// resolved to an IPv4 address locally.
func dialSOCKS4(ctx context.Context, cfg Config, targetAddr string, timeout time.Duration) (net.Conn, error) {
	host, portStr, err := net.SplitHostPort(targetAddr)
	if err != nil {
		return nil, errors.NewValidationError("invalid target address")
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, errors.NewValidationError("invalid target port")
	}
	ips, err := net.DefaultResolver.LookupIP(ctx, "ip4", host)
	if err != nil || len(ips) == 0 {
		return nil, errors.NewDNSError(host, err)
	}
	targetIP := ips[0].To4()
	if targetIP == nil {
		return nil, errors.NewValidationError("SOCKS4 requires an IPv4 target address")
	}

	proxyAddr := cfg.ProxyURL.Host
	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", proxyAddr)
	if err != nil {
		return nil, errors.NewProxyError(cfg.ProxyURL.Hostname(), 0, err)
	}

	user := cfg.Username
	if user == "" {
		user = cfg.ProxyURL.User.Username()
	}
	req := []byte{0x04, 0x01, byte(port >> 8), byte(port & 0xFF)}
	req = append(req, targetIP...)
	req = append(req, []byte(user)...)
	req = append(req, 0x00)
	if _, err := conn.Write(req); err != nil {
		conn.Close()
		return nil, errors.NewProxyError(cfg.ProxyURL.Hostname(), 0, err)
	}

	resp := make([]byte, 8)
	if _, err := io.ReadFull(conn, resp); err != nil {
		conn.Close()
		return nil, errors.NewProxyError(cfg.ProxyURL.Hostname(), 0, err)
	}
	if resp[1] != 0x5A {
		conn.Close()
		return nil, errors.NewProxyError(cfg.ProxyURL.Hostname(), 0, fmt.Errorf("SOCKS4 request rejected, status 0x%02X", resp[1]))
	}
	return conn, nil
}
