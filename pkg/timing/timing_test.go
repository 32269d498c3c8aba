package timing

import (
	"strings"
	"testing"
	"time"
)

func TestTimerRecordsEachPhase(t *testing.T) {
	tm := NewTimer()
	for _, p := range []Phase{PhaseDNS, PhaseTCP, PhaseTLS, PhaseFirstByte} {
		tm.Begin(p)
		time.Sleep(2 * time.Millisecond)
		tm.End(p)
	}

	m := tm.Snapshot()
	if m.DNSLookup <= 0 || m.TCPConnect <= 0 || m.TLSHandshake <= 0 || m.FirstByte <= 0 {
		t.Errorf("expected every phase to report a positive span, got %v", m)
	}
	if m.Total < m.ConnectTime()+m.FirstByte {
		t.Errorf("Total %v should cover at least the sum of its phases", m.Total)
	}
}

func TestSkippedPhaseStaysZero(t *testing.T) {
	tm := NewTimer()
	tm.Begin(PhaseTCP)
	tm.End(PhaseTCP)

	m := tm.Snapshot()
	if m.TLSHandshake != 0 {
		t.Errorf("TLS phase never ran but reports %v", m.TLSHandshake)
	}
	if m.DNSLookup != 0 {
		t.Errorf("DNS phase never ran but reports %v", m.DNSLookup)
	}
}

func TestEndWithoutBeginIsNoOp(t *testing.T) {
	tm := NewTimer()
	tm.End(PhaseTLS)
	if m := tm.Snapshot(); m.TLSHandshake != 0 {
		t.Errorf("End without Begin reported %v, want 0", m.TLSHandshake)
	}
}

func TestConnectTime(t *testing.T) {
	m := Metrics{
		DNSLookup:    10 * time.Millisecond,
		TCPConnect:   20 * time.Millisecond,
		TLSHandshake: 30 * time.Millisecond,
		FirstByte:    40 * time.Millisecond,
	}
	if got := m.ConnectTime(); got != 60*time.Millisecond {
		t.Errorf("ConnectTime() = %v, want 60ms", got)
	}
}

func TestMetricsString(t *testing.T) {
	m := Metrics{TCPConnect: time.Millisecond, FirstByte: 2 * time.Millisecond}
	s := m.String()
	if !strings.Contains(s, "tcp=") || !strings.Contains(s, "first_byte=") {
		t.Errorf("String() = %q, want it to name its fields", s)
	}
}
