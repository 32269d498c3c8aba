package tlsconfig

import (
	"crypto/tls"
	"testing"
)

func TestClientDefaultsToSecureProfile(t *testing.T) {
	cfg := Client("media.example.com", VersionProfile{}, ALPNDefault)
	if cfg.ServerName != "media.example.com" {
		t.Errorf("ServerName = %q", cfg.ServerName)
	}
	if cfg.MinVersion != tls.VersionTLS12 || cfg.MaxVersion != tls.VersionTLS13 {
		t.Errorf("got min=%x max=%x, want TLS1.2/TLS1.3", cfg.MinVersion, cfg.MaxVersion)
	}
	if len(cfg.NextProtos) != 2 || cfg.NextProtos[0] != "h2" || cfg.NextProtos[1] != "http/1.1" {
		t.Errorf("NextProtos = %v, want [h2 http/1.1]", cfg.NextProtos)
	}
}

func TestClientH1OnlyALPN(t *testing.T) {
	cfg := Client("media.example.com", ProfileSecure, ALPNH1Only)
	if len(cfg.NextProtos) != 1 || cfg.NextProtos[0] != "http/1.1" {
		t.Errorf("NextProtos = %v, want [http/1.1]", cfg.NextProtos)
	}
}

func TestApplyVersionProfilePicksSuiteTier(t *testing.T) {
	cases := []struct {
		profile VersionProfile
		want    []uint16
	}{
		{ProfileModern, nil},
		{ProfileSecure, secureSuites},
		{ProfileCompatible, compatibleSuites},
	}
	for _, c := range cases {
		cfg := &tls.Config{}
		ApplyVersionProfile(cfg, c.profile)
		if cfg.MinVersion != c.profile.Min || cfg.MaxVersion != c.profile.Max {
			t.Errorf("profile %+v: got min=%x max=%x", c.profile, cfg.MinVersion, cfg.MaxVersion)
		}
		if len(cfg.CipherSuites) != len(c.want) {
			t.Errorf("profile %+v: got %d suites, want %d", c.profile, len(cfg.CipherSuites), len(c.want))
			continue
		}
		for i := range c.want {
			if cfg.CipherSuites[i] != c.want[i] {
				t.Errorf("profile %+v: suite[%d] = %x, want %x", c.profile, i, cfg.CipherSuites[i], c.want[i])
			}
		}
	}
}

func TestCompatibleSuitesDoNotAliasSecureSuites(t *testing.T) {
	// compatibleSuites is built by appending to a capped slice of
	// secureSuites; the append must have copied, not grown in place.
	if &compatibleSuites[0] == &secureSuites[0] {
		t.Fatal("compatibleSuites shares backing storage with secureSuites")
	}
	if len(compatibleSuites) <= len(secureSuites) {
		t.Fatalf("compatibleSuites (%d) should extend secureSuites (%d)", len(compatibleSuites), len(secureSuites))
	}
}

func TestDeprecated(t *testing.T) {
	if !Deprecated(tls.VersionTLS11) {
		t.Error("TLS 1.1 should be deprecated")
	}
	if Deprecated(tls.VersionTLS12) {
		t.Error("TLS 1.2 should not be deprecated")
	}
}
