package discovery

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/enbility/zeroconf/v3"

	"github.com/trustpoint-project/trustpoint-client-go/pkg/log"
)

var (
	fpA = strings.Repeat("a1", 32)
	fpB = strings.Repeat("b2", 32)
)

// fakeBrowse delivers entries in order, optionally retracting some, and
// then returns (stay=false) or waits for the scan window to close.
func fakeBrowse(entries []ServiceEntry, goodbyes []ServiceEntry, stay bool) BrowseFunc {
	return func(ctx context.Context, service, domain string, out, removed chan<- ServiceEntry) error {
		if service != ServiceType || domain != Domain {
			return errors.New("unexpected service")
		}
		for _, e := range entries {
			select {
			case out <- e:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		for _, e := range goodbyes {
			select {
			case removed <- e:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if stay {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}
}

// stepClock advances one second per call.
func stepClock() func() time.Time {
	var mu sync.Mutex
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

func entry(instance, addr string, port uint16, text ...string) ServiceEntry {
	var addrs []string
	if addr != "" {
		addrs = []string{addr}
	}
	return ServiceEntry{
		Instance: instance,
		Service:  ServiceType,
		Domain:   Domain,
		Host:     instance + ".local.",
		Port:     port,
		Text:     text,
		Addrs:    addrs,
	}
}

type captureJournal struct {
	mu     sync.Mutex
	events []log.Event
}

func (c *captureJournal) Log(e log.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func TestScanOrderingAndDedupe(t *testing.T) {
	journal := &captureJournal{}
	s := NewScanner(ScannerConfig{
		Browse: fakeBrowse([]ServiceEntry{
			entry("tp-1", "192.168.1.10", 4433, "fp="+fpA, "dom=factory", "cap=onboard,renew", "pv=1"),
			entry("tp-2", "192.168.1.11", 4433, "fp="+fpB),
			entry("tp-1", "192.168.1.10", 4433, "fp="+fpA, "dom=factory"), // re-announce
			entry("bad", "192.168.1.12", 4433, "dom=nofp"),
		}, nil, false),
		Clock:   stepClock(),
		Journal: journal,
	})

	records, err := s.Collect(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("len(records) = %d, want 2", len(records))
	}

	// tp-1 was re-announced last, so it comes first.
	if records[0].Instance != "tp-1" || records[1].Instance != "tp-2" {
		t.Errorf("order = %s, %s", records[0].Instance, records[1].Instance)
	}
	if records[0].Domain != "factory" || records[0].HasCapability(CapabilityRenew) {
		t.Errorf("dedupe kept the older advertisement: %+v", records[0])
	}
	if records[0].Host != "tp-1.local" {
		t.Errorf("Host = %q, trailing dot not trimmed", records[0].Host)
	}
	if got := records[1].Endpoint().String(); got != "192.168.1.11:4433" {
		t.Errorf("Endpoint() = %q", got)
	}

	stats := s.Stats()
	want := Stats{Received: 4, Accepted: 2, Dropped: 1, Duplicates: 1, Scans: 1}
	if stats != want {
		t.Errorf("Stats() = %+v, want %+v", stats, want)
	}

	journal.mu.Lock()
	defer journal.mu.Unlock()
	var dropped int
	for _, e := range journal.events {
		if e.Discovery != nil && e.Discovery.Dropped {
			dropped++
		}
	}
	if dropped != 1 {
		t.Errorf("journal dropped events = %d, want 1", dropped)
	}
}

func TestScanDistinctFingerprintsSameAddress(t *testing.T) {
	s := NewScanner(ScannerConfig{
		Browse: fakeBrowse([]ServiceEntry{
			entry("a", "10.0.0.1", 4433, "fp="+fpA),
			entry("b", "10.0.0.1", 4433, "fp="+fpB),
		}, nil, false),
		Clock: stepClock(),
	})
	records, _ := s.Collect(context.Background(), time.Second)
	if len(records) != 2 {
		t.Errorf("len(records) = %d, want 2", len(records))
	}
}

func TestScanMalformedEntries(t *testing.T) {
	tests := []struct {
		name  string
		entry ServiceEntry
	}{
		{"MissingFingerprint", entry("x", "10.0.0.1", 4433, "dom=d")},
		{"ShortFingerprint", entry("x", "10.0.0.1", 4433, "fp=abcd")},
		{"NonHexFingerprint", entry("x", "10.0.0.1", 4433, "fp="+strings.Repeat("zz", 32))},
		{"ZeroPort", entry("x", "10.0.0.1", 0, "fp="+fpA)},
		{"NoAddressOrHost", ServiceEntry{Instance: "x", Port: 4433, Text: []string{"fp=" + fpA}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewScanner(ScannerConfig{Browse: fakeBrowse([]ServiceEntry{tt.entry}, nil, false)})
			records, err := s.Collect(context.Background(), time.Second)
			if err != nil {
				t.Fatalf("malformed entry surfaced as error: %v", err)
			}
			if len(records) != 0 {
				t.Errorf("records = %+v, want none", records)
			}
			if s.Stats().Dropped != 1 {
				t.Errorf("Dropped = %d, want 1", s.Stats().Dropped)
			}
		})
	}
}

func TestScanEmptyAndTimeout(t *testing.T) {
	s := NewScanner(ScannerConfig{Browse: fakeBrowse(nil, nil, true)})

	start := time.Now()
	records, err := s.Collect(context.Background(), 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if len(records) != 0 {
		t.Errorf("records = %d, want 0", len(records))
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("scan window not honored: %v", elapsed)
	}
}

func TestScanGoodbyeRemovesRecord(t *testing.T) {
	s := NewScanner(ScannerConfig{
		Browse: fakeBrowse(
			[]ServiceEntry{entry("a", "10.0.0.1", 4433, "fp="+fpA), entry("b", "10.0.0.2", 4433, "fp="+fpB)},
			[]ServiceEntry{{Instance: "a"}},
			false,
		),
	})
	records, _ := s.Collect(context.Background(), time.Second)
	if len(records) != 1 || records[0].Instance != "b" {
		t.Errorf("records = %+v, want only b", records)
	}
}

func TestScanChannelIsFresh(t *testing.T) {
	s := NewScanner(ScannerConfig{
		Browse: fakeBrowse([]ServiceEntry{entry("a", "10.0.0.1", 4433, "fp="+fpA)}, nil, false),
	})
	first, _ := s.Scan(context.Background(), time.Second)
	second, _ := s.Scan(context.Background(), time.Second)

	n := 0
	for range first {
		n++
	}
	for range first {
		t.Fatal("drained channel yielded again")
	}
	m := 0
	for range second {
		m++
	}
	if n != 1 || m != 1 {
		t.Errorf("scans yielded %d and %d records, want 1 each", n, m)
	}
}

func TestScanCancelAndClose(t *testing.T) {
	s := NewScanner(ScannerConfig{Browse: fakeBrowse(nil, nil, true)})

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := s.Scan(ctx, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Error("unexpected record after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("scan did not stop on cancel")
	}

	ch, _ = s.Scan(context.Background(), time.Hour)
	s.Close()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("scan did not stop on Close")
	}
	if _, err := s.Scan(context.Background(), time.Second); !errors.Is(err, ErrScanClosed) {
		t.Errorf("Scan() after Close error = %v, want ErrScanClosed", err)
	}
}

func TestRecordExpired(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	r := &Record{AdvertisedAt: at, TTL: 10 * time.Second}
	if r.Expired(at.Add(9 * time.Second)) {
		t.Error("expired before TTL")
	}
	if !r.Expired(at.Add(10 * time.Second)) {
		t.Error("not expired at TTL")
	}

	r = &Record{AdvertisedAt: at}
	if r.Expired(at.Add(DefaultRecordTTL - time.Second)) {
		t.Error("zero TTL should fall back to DefaultRecordTTL")
	}

	e := entry("a", "10.0.0.1", 4433, "fp="+fpA)
	rec, err := e.ToRecord(at)
	if err != nil {
		t.Fatal(err)
	}
	if rec.TTL != DefaultRecordTTL {
		t.Errorf("TTL = %v, want %v", rec.TTL, DefaultRecordTTL)
	}
}

func TestFromZeroconf(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ze := &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{Instance: "tp-a", Service: ServiceType, Domain: Domain},
		HostName:      "tp-a.local.",
		Port:          4433,
		Text:          []string{"fp=" + fpA, "cap=onboard"},
		AddrIPv4:      []net.IP{net.ParseIP("10.0.0.1")},
		AddrIPv6:      []net.IP{net.ParseIP("fe80::1")},
	}

	tests := []struct {
		name    string
		expiry  time.Time
		wantTTL time.Duration
	}{
		{"Remaining", now.Add(75 * time.Second), 75 * time.Second},
		{"Unset", time.Time{}, DefaultRecordTTL},
		{"Past", now.Add(-time.Second), DefaultRecordTTL},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ze.Expiry = tt.expiry
			e := fromZeroconf(ze, now)
			if len(e.Addrs) != 2 || e.Addrs[0] != "10.0.0.1" || e.Addrs[1] != "fe80::1" {
				t.Fatalf("Addrs = %v, want IPv4 first", e.Addrs)
			}
			rec, err := e.ToRecord(now)
			if err != nil {
				t.Fatalf("ToRecord() error: %v", err)
			}
			if rec.TTL != tt.wantTTL {
				t.Errorf("TTL = %v, want %v", rec.TTL, tt.wantTTL)
			}
			if rec.Port != 4433 || rec.Fingerprint != fpA || rec.Instance != "tp-a" {
				t.Errorf("record = %+v", rec)
			}
		})
	}
}

func TestServiceTXTRoundTrip(t *testing.T) {
	info := &ServiceInfo{
		Fingerprint:  fpA,
		Domain:       "plant-7",
		Capabilities: []string{CapabilityOnboard, CapabilityOTP},
	}
	strs := TXTRecordsToStrings(EncodeServiceTXT(info))
	want := []string{"cap=onboard,otp", "dom=plant-7", "fp=" + fpA, "pv=1"}
	if strings.Join(strs, " ") != strings.Join(want, " ") {
		t.Errorf("TXT = %v, want %v", strs, want)
	}

	got, err := DecodeServiceTXT(StringsToTXTRecords(strs))
	if err != nil {
		t.Fatal(err)
	}
	if got.Fingerprint != fpA || got.Domain != "plant-7" || got.ProtocolVersion != ProtocolVersion || len(got.Capabilities) != 2 {
		t.Errorf("decoded = %+v", got)
	}
}

func TestStringsToTXTRecords(t *testing.T) {
	txt := StringsToTXTRecords([]string{"FP=upper", "fp=second", "flag", "", "k=v=w"})
	if txt["fp"] != "upper" {
		t.Errorf("fp = %q, want first occurrence", txt["fp"])
	}
	if v, ok := txt["flag"]; !ok || v != "" {
		t.Errorf("flag = %q, %v", v, ok)
	}
	if txt["k"] != "v=w" {
		t.Errorf("k = %q", txt["k"])
	}
	if len(txt) != 3 {
		t.Errorf("len = %d, want 3", len(txt))
	}
}

func TestDecodeServiceTXTNormalizesFingerprint(t *testing.T) {
	colon := strings.ToUpper(strings.Repeat("A1:", 31) + "A1")
	info, err := DecodeServiceTXT(TXTRecordMap{TXTKeyFingerprint: colon})
	if err != nil {
		t.Fatal(err)
	}
	if info.Fingerprint != fpA {
		t.Errorf("Fingerprint = %q", info.Fingerprint)
	}
}

func TestParseOnboardingURI(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantErr  error
		wantHost string
		wantPort uint16
		wantOTP  string
	}{
		{"Full", "trustpoint://10.0.0.5:8443?fp=" + fpA + "&dom=d", nil, "10.0.0.5", 8443, ""},
		{"DefaultPort", "trustpoint://tp.example?fp=" + fpA, nil, "tp.example", DefaultEnrollmentPort, ""},
		{"OTPOnly", "trustpoint://tp.example:4433?otp=s3cret", nil, "tp.example", 4433, "s3cret"},
		{"IPv6", "trustpoint://[fe80::1]:4433?fp=" + fpA, nil, "fe80::1", 4433, ""},
		{"WrongScheme", "https://tp.example?fp=" + fpA, ErrInvalidScheme, "", 0, ""},
		{"BadFingerprint", "trustpoint://tp.example?fp=zz", ErrInvalidFingerprint, "", 0, ""},
		{"NeitherFingerprintNorOTP", "trustpoint://tp.example", ErrInvalidURI, "", 0, ""},
		{"BadPort", "trustpoint://tp.example:0?fp=" + fpA, ErrInvalidPort, "", 0, ""},
		{"NoHost", "trustpoint://?fp=" + fpA, ErrInvalidURI, "", 0, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseOnboardingURI(tt.input)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Endpoint.Host != tt.wantHost || got.Endpoint.Port != tt.wantPort || got.OTP != tt.wantOTP {
				t.Errorf("got %+v", got)
			}

			again, err := ParseOnboardingURI(got.String())
			if err != nil || *again != *got {
				t.Errorf("String() round trip = %+v, %v", again, err)
			}
		})
	}
}

func TestAdvertiserValidation(t *testing.T) {
	a := NewAdvertiser(DefaultAdvertiserConfig())
	if err := a.Advertise(strings.Repeat("x", 64), 4433, &ServiceInfo{Fingerprint: fpA}); !errors.Is(err, ErrInstanceNameTooLong) {
		t.Errorf("long name error = %v", err)
	}
	if err := a.Advertise("tp", 0, &ServiceInfo{Fingerprint: fpA}); !errors.Is(err, ErrInvalidPort) {
		t.Errorf("zero port error = %v", err)
	}
	if err := a.Advertise("tp", 4433, &ServiceInfo{}); !errors.Is(err, ErrMissingRequired) {
		t.Errorf("missing fp error = %v", err)
	}
	if err := a.Update(&ServiceInfo{Fingerprint: fpA}); !errors.Is(err, ErrNotAdvertising) {
		t.Errorf("Update() before Advertise error = %v", err)
	}
	a.Stop()
}

func TestInstanceName(t *testing.T) {
	name := InstanceName(fpA)
	if name != "trustpoint-"+fpA[:16] {
		t.Errorf("InstanceName() = %q", name)
	}
	if err := ValidateInstanceName(name); err != nil {
		t.Error(err)
	}
}
