package discovery

import (
	"fmt"
	"sort"
	"strings"

	"github.com/trustpoint-project/trustpoint-client-go/pkg/cert"
)

// TXTRecordMap is a map of TXT record key-value pairs.
type TXTRecordMap map[string]string

// ServiceInfo is the TXT payload of a Trustpoint advertisement.
type ServiceInfo struct {
	Fingerprint     string
	Domain          string
	Capabilities    []string
	ProtocolVersion string
}

// EncodeServiceTXT creates TXT records for a Trustpoint advertisement.
func EncodeServiceTXT(info *ServiceInfo) TXTRecordMap {
	txt := make(TXTRecordMap)

	// Required fields
	txt[TXTKeyFingerprint] = info.Fingerprint
	pv := info.ProtocolVersion
	if pv == "" {
		pv = ProtocolVersion
	}
	txt[TXTKeyProtocolVersion] = pv

	// Optional fields
	if info.Domain != "" {
		txt[TXTKeyDomain] = info.Domain
	}
	if len(info.Capabilities) > 0 {
		txt[TXTKeyCapabilities] = strings.Join(info.Capabilities, ",")
	}

	return txt
}

// DecodeServiceTXT parses TXT records from a Trustpoint advertisement.
func DecodeServiceTXT(txt TXTRecordMap) (*ServiceInfo, error) {
	info := &ServiceInfo{}

	// Parse fingerprint (required)
	fp, ok := txt[TXTKeyFingerprint]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingRequired, TXTKeyFingerprint)
	}
	fp = cert.NormalizeFingerprint(fp)
	if !cert.ValidFingerprint(fp) {
		return nil, ErrInvalidFingerprint
	}
	info.Fingerprint = fp

	// Optional fields
	info.Domain = txt[TXTKeyDomain]
	info.ProtocolVersion = txt[TXTKeyProtocolVersion]
	info.Capabilities = parseCapabilities(txt[TXTKeyCapabilities])

	return info, nil
}

// parseCapabilities parses a comma-separated capability string.
func parseCapabilities(s string) []string {
	if s == "" {
		return nil
	}

	parts := strings.Split(s, ",")
	caps := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		caps = append(caps, p)
	}
	return caps
}

// TXTRecordsToStrings converts a TXTRecordMap to a slice of "key=value"
// strings, ordered by key.
func TXTRecordsToStrings(txt TXTRecordMap) []string {
	result := make([]string, 0, len(txt))
	for k, v := range txt {
		result = append(result, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(result)
	return result
}

// StringsToTXTRecords parses a slice of "key=value" strings into a TXTRecordMap.
// Keys are case-insensitive; the first occurrence of a key wins.
func StringsToTXTRecords(strs []string) TXTRecordMap {
	txt := make(TXTRecordMap)
	for _, s := range strs {
		parts := strings.SplitN(s, "=", 2)
		key := strings.ToLower(parts[0])
		if key == "" {
			continue
		}
		if _, dup := txt[key]; dup {
			continue
		}
		if len(parts) == 2 {
			txt[key] = parts[1]
		} else {
			// Key without value (boolean flag)
			txt[key] = ""
		}
	}
	return txt
}

// ValidateInstanceName checks if an instance name is valid for mDNS.
func ValidateInstanceName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInstanceNameTooLong)
	}
	if len(name) > MaxInstanceNameLen {
		return ErrInstanceNameTooLong
	}
	return nil
}

// InstanceName returns the default instance name for a server with the
// given anchor fingerprint: "trustpoint-<short id>".
func InstanceName(fingerprint string) string {
	return "trustpoint-" + cert.ShortID(fingerprint)
}
