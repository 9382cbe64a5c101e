package discovery

import (
	"errors"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/trustpoint-project/trustpoint-client-go/pkg/credential"
)

// Service type and domain.
const (
	// ServiceType is the DNS-SD service type advertised by Trustpoint servers.
	ServiceType = "_trustpoint._tcp"

	// Domain is the mDNS domain.
	Domain = "local."
)

// Timing constants.
const (
	// DefaultScanTimeout is the scan window used when the caller passes none.
	DefaultScanTimeout = 3 * time.Second

	// DefaultRecordTTL applies to advertisements that carry no TTL.
	DefaultRecordTTL = 120 * time.Second

	// DefaultEnrollmentPort is assumed when an onboarding URI has no port.
	DefaultEnrollmentPort = 4433

	// MaxInstanceNameLen is the DNS-SD limit for instance labels.
	MaxInstanceNameLen = 63
)

// TXT record keys.
const (
	TXTKeyFingerprint     = "fp"
	TXTKeyDomain          = "dom"
	TXTKeyCapabilities    = "cap"
	TXTKeyProtocolVersion = "pv"
)

// ProtocolVersion is the enrollment protocol version this client speaks.
const ProtocolVersion = "1"

// Capabilities a server may advertise.
const (
	CapabilityOnboard = "onboard"
	CapabilityRenew   = "renew"
	CapabilityOTP     = "otp"
)

// Discovery errors.
var (
	ErrMissingRequired     = errors.New("missing required TXT field")
	ErrInvalidTXTRecord    = errors.New("invalid TXT record")
	ErrInvalidFingerprint  = errors.New("invalid anchor fingerprint")
	ErrInvalidPort         = errors.New("invalid port")
	ErrNoAddress           = errors.New("no address or host")
	ErrInstanceNameTooLong = errors.New("instance name exceeds 63 characters")
	ErrScanClosed          = errors.New("scanner closed")
)

// Record is one server advertisement observed during a scan. Records are
// snapshots and never persisted.
type Record struct {
	// Instance is the DNS-SD instance name.
	Instance string

	// Host is the advertised host name, without the trailing dot.
	Host string

	// Addresses are the resolved IP addresses, IPv4 first.
	Addresses []string

	// Port is the enrollment port.
	Port uint16

	// Fingerprint is the advertised trust anchor fingerprint (lowercase hex).
	Fingerprint string

	// Domain is the Trustpoint domain the server enrolls into.
	Domain string

	// Capabilities lists advertised features.
	Capabilities []string

	// ProtocolVersion is the advertised enrollment protocol version.
	ProtocolVersion string

	// AdvertisedAt is when the advertisement was received.
	AdvertisedAt time.Time

	// TTL is how long the advertisement stays valid.
	TTL time.Duration
}

// Expired reports whether the record's TTL elapsed at now.
func (r *Record) Expired(now time.Time) bool {
	ttl := r.TTL
	if ttl <= 0 {
		ttl = DefaultRecordTTL
	}
	return !now.Before(r.AdvertisedAt.Add(ttl))
}

// HasCapability reports whether the server advertised capability c.
func (r *Record) HasCapability(c string) bool {
	for _, have := range r.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// Address returns the address used to reach the server: the first
// resolved IP, or the host name when none resolved.
func (r *Record) Address() string {
	if len(r.Addresses) > 0 {
		return r.Addresses[0]
	}
	return r.Host
}

// Endpoint returns the enrollment endpoint of the record.
func (r *Record) Endpoint() credential.Endpoint {
	return credential.Endpoint{Host: r.Address(), Port: r.Port}
}

// dedupeKey identifies a record within one scan window.
func (r *Record) dedupeKey() string {
	return net.JoinHostPort(r.Address(), strconv.FormatUint(uint64(r.Port), 10)) + "|" + r.Fingerprint
}

func trimHost(h string) string {
	return strings.TrimSuffix(h, ".")
}
