package discovery

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"

	"github.com/trustpoint-project/trustpoint-client-go/pkg/cert"
	"github.com/trustpoint-project/trustpoint-client-go/pkg/credential"
)

// URIScheme is the scheme of out-of-band onboarding URIs.
const URIScheme = "trustpoint"

// Onboarding URI errors.
var (
	ErrInvalidURI    = errors.New("invalid onboarding URI")
	ErrInvalidScheme = errors.New("onboarding URI scheme must be trustpoint")
)

// OnboardingURI is the content of an onboarding QR code or label. It names
// a server directly when mDNS is unavailable.
//
// Format: trustpoint://<host>:<port>?fp=<fingerprint>&dom=<domain>&otp=<secret>
//
// fp may be omitted only when otp is present; the anchor is then
// authenticated by the trust bundle MAC.
type OnboardingURI struct {
	Endpoint    credential.Endpoint
	Fingerprint string
	Domain      string
	OTP         string
}

// ParseOnboardingURI parses an onboarding URI.
func ParseOnboardingURI(content string) (*OnboardingURI, error) {
	u, err := url.Parse(content)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURI, err)
	}
	if u.Scheme != URIScheme {
		return nil, ErrInvalidScheme
	}

	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidURI)
	}
	port := uint64(DefaultEnrollmentPort)
	if p := u.Port(); p != "" {
		port, err = strconv.ParseUint(p, 10, 16)
		if err != nil || port == 0 {
			return nil, ErrInvalidPort
		}
	}

	q := u.Query()
	out := &OnboardingURI{
		Endpoint: credential.Endpoint{Host: host, Port: uint16(port)},
		Domain:   q.Get(TXTKeyDomain),
		OTP:      q.Get("otp"),
	}
	if fp := q.Get(TXTKeyFingerprint); fp != "" {
		fp = cert.NormalizeFingerprint(fp)
		if !cert.ValidFingerprint(fp) {
			return nil, ErrInvalidFingerprint
		}
		out.Fingerprint = fp
	}
	if out.Fingerprint == "" && out.OTP == "" {
		return nil, fmt.Errorf("%w: fp or otp required", ErrInvalidURI)
	}
	return out, nil
}

// String returns the URI suitable for encoding into a QR code.
func (o *OnboardingURI) String() string {
	q := url.Values{}
	if o.Fingerprint != "" {
		q.Set(TXTKeyFingerprint, o.Fingerprint)
	}
	if o.Domain != "" {
		q.Set(TXTKeyDomain, o.Domain)
	}
	if o.OTP != "" {
		q.Set("otp", o.OTP)
	}
	u := url.URL{
		Scheme:   URIScheme,
		Host:     net.JoinHostPort(o.Endpoint.Host, strconv.FormatUint(uint64(o.Endpoint.Port), 10)),
		RawQuery: q.Encode(),
	}
	return u.String()
}
