package cert

import (
	"crypto/x509"
	"errors"
	"fmt"
	"strings"
)

// ErrUnsupportedExport is returned for unknown export targets or formats.
var ErrUnsupportedExport = errors.New("unsupported export")

// ExportFormat is the encoding of exported material.
type ExportFormat uint8

const (
	FormatPEM ExportFormat = iota
	FormatDER
)

// String returns the format name.
func (f ExportFormat) String() string {
	switch f {
	case FormatPEM:
		return "pem"
	case FormatDER:
		return "der"
	default:
		return "unknown"
	}
}

// ParseExportFormat parses "pem" or "der" (case-insensitive).
func ParseExportFormat(s string) (ExportFormat, error) {
	switch strings.ToLower(s) {
	case "", "pem":
		return FormatPEM, nil
	case "der":
		return FormatDER, nil
	default:
		return 0, fmt.Errorf("%w: format %q", ErrUnsupportedExport, s)
	}
}

// ExportTarget selects what to export.
type ExportTarget uint8

const (
	// ExportCertificate is the leaf certificate.
	ExportCertificate ExportTarget = iota
	// ExportChain is the leaf followed by the issuing chain.
	ExportChain
	// ExportPublicKey is the leaf public key (PKIX).
	ExportPublicKey
)

// String returns the target name.
func (t ExportTarget) String() string {
	switch t {
	case ExportCertificate:
		return "cert"
	case ExportChain:
		return "chain"
	case ExportPublicKey:
		return "pubkey"
	default:
		return "unknown"
	}
}

// ParseExportTarget parses "cert", "chain" or "pubkey".
func ParseExportTarget(s string) (ExportTarget, error) {
	switch strings.ToLower(s) {
	case "", "cert", "certificate":
		return ExportCertificate, nil
	case "chain":
		return ExportChain, nil
	case "pubkey", "public-key":
		return ExportPublicKey, nil
	default:
		return 0, fmt.Errorf("%w: target %q", ErrUnsupportedExport, s)
	}
}

// Export encodes the requested material. DER chains are the concatenated
// DER certificates. Private keys are never exportable.
func Export(leaf *x509.Certificate, chain []*x509.Certificate, target ExportTarget, format ExportFormat) ([]byte, error) {
	if leaf == nil {
		return nil, ErrInvalidCert
	}

	switch target {
	case ExportCertificate:
		if format == FormatDER {
			return append([]byte(nil), leaf.Raw...), nil
		}
		return EncodeCertPEM(leaf), nil

	case ExportChain:
		all := append([]*x509.Certificate{leaf}, chain...)
		if format == FormatDER {
			var out []byte
			for _, c := range all {
				out = append(out, c.Raw...)
			}
			return out, nil
		}
		return EncodeChainPEM(all), nil

	case ExportPublicKey:
		if format == FormatDER {
			return x509.MarshalPKIXPublicKey(leaf.PublicKey)
		}
		return EncodePublicKeyPEM(leaf.PublicKey)

	default:
		return nil, fmt.Errorf("%w: target %d", ErrUnsupportedExport, target)
	}
}
