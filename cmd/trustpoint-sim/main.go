// Command trustpoint-sim runs a reference enrollment server for lab and
// integration use. It issues operational certificates from a local CA and
// announces itself via mDNS.
//
// Usage:
//
//	trustpoint-sim [flags]
//
// Flags:
//
//	-ca-dir string       Directory holding ca.pem and ca-key.pem (created if empty)
//	-port int            Listen port (default 4433)
//	-host string         Host name or address for the server certificate (repeatable)
//	-domain string       Domain reported to devices
//	-identity-ca string  PEM bundle verifying device identity certificates
//	-otp id=secret       One-time password for a device (repeatable)
//	-validity duration   Validity of issued certificates (default 2160h)
//	-no-advertise        Do not announce the server via mDNS
//	-log-level string    Log level: debug, info, warn, error (default "info")
//
// Examples:
//
//	# Start with a throwaway CA
//	trustpoint-sim
//
//	# Keep the CA between runs and pre-share an OTP with one device
//	trustpoint-sim -ca-dir /tmp/tp-ca -otp device-0001=314159
package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/trustpoint-project/trustpoint-client-go/pkg/cert"
	"github.com/trustpoint-project/trustpoint-client-go/pkg/credential"
	"github.com/trustpoint-project/trustpoint-client-go/pkg/discovery"
	"github.com/trustpoint-project/trustpoint-client-go/pkg/enrollment"
)

const (
	caCertFile = "ca.pem"
	caKeyFile  = "ca-key.pem"
)

// Config holds the simulator configuration.
type Config struct {
	CADir       string
	Port        int
	Hosts       listFlag
	Domain      string
	IdentityCA  string
	OTPs        map[string]string
	Validity    time.Duration
	NoAdvertise bool
	LogLevel    string
}

type listFlag []string

func (l *listFlag) String() string     { return strings.Join(*l, ",") }
func (l *listFlag) Set(v string) error { *l = append(*l, v); return nil }

var config = Config{OTPs: make(map[string]string)}

func init() {
	flag.StringVar(&config.CADir, "ca-dir", "", "Directory holding ca.pem and ca-key.pem (created if empty)")
	flag.IntVar(&config.Port, "port", discovery.DefaultEnrollmentPort, "Listen port")
	flag.Var(&config.Hosts, "host", "Host name or address for the server certificate (repeatable)")
	flag.StringVar(&config.Domain, "domain", "", "Domain reported to devices")
	flag.StringVar(&config.IdentityCA, "identity-ca", "", "PEM bundle verifying device identity certificates")
	flag.Func("otp", "One-time password as id=secret (repeatable)", func(v string) error {
		id, secret, ok := strings.Cut(v, "=")
		if !ok || id == "" || secret == "" {
			return fmt.Errorf("expected id=secret, got %q", v)
		}
		config.OTPs[id] = secret
		return nil
	})
	flag.DurationVar(&config.Validity, "validity", cert.OperationalCertValidity, "Validity of issued certificates")
	flag.BoolVar(&config.NoAdvertise, "no-advertise", false, "Do not announce the server via mDNS")
	flag.StringVar(&config.LogLevel, "log-level", "info", "Log level: debug, info, warn, error")
}

func main() {
	flag.Parse()
	logger := setupLogging(config.LogLevel)

	if config.Port <= 0 || config.Port > 65535 {
		fatal(logger, "invalid port", fmt.Errorf("%d", config.Port))
	}

	ca, err := loadOrCreateCA(config.CADir)
	if err != nil {
		fatal(logger, "load CA", err)
	}

	var roots *x509.CertPool
	if config.IdentityCA != "" {
		certs, err := cert.ReadChainFile(config.IdentityCA)
		if err != nil {
			fatal(logger, "load identity CA", err)
		}
		roots = x509.NewCertPool()
		for _, c := range certs {
			roots.AddCert(c)
		}
	}

	srv, err := enrollment.NewServer(enrollment.ServerConfig{
		CA:            ca,
		Hosts:         config.Hosts,
		Address:       fmt.Sprintf(":%d", config.Port),
		Domain:        config.Domain,
		IdentityRoots: roots,
		OTPs:          config.OTPs,
		Validity:      config.Validity,
		Logger:        logger,
	})
	if err != nil {
		fatal(logger, "create server", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		fatal(logger, "start server", err)
	}
	logger.Info("enrollment server started", "addr", srv.Addr().String(), "anchor", srv.Fingerprint())

	if !config.NoAdvertise {
		adv := discovery.NewAdvertiser(discovery.DefaultAdvertiserConfig())
		capabilities := []string{discovery.CapabilityOnboard, discovery.CapabilityRenew}
		if len(config.OTPs) > 0 {
			capabilities = append(capabilities, discovery.CapabilityOTP)
		}
		err := adv.Advertise(discovery.InstanceName(srv.Fingerprint()), uint16(config.Port), &discovery.ServiceInfo{
			Fingerprint:  srv.Fingerprint(),
			Domain:       config.Domain,
			Capabilities: capabilities,
		})
		if err != nil {
			logger.Warn("mDNS advertisement failed", "error", err)
		} else {
			defer adv.Stop()
		}
	}

	printOnboardingInfo(srv)

	<-ctx.Done()
	logger.Info("shutting down", "issued", srv.Issued(), "rejected", srv.Rejected())
	if err := srv.Stop(); err != nil {
		logger.Error("stop server", "error", err)
	}
}

func setupLogging(level string) *slog.Logger {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})).
		With("service", "trustpoint-sim")
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "error", err)
	os.Exit(1)
}

// loadOrCreateCA reads the CA from dir. A missing CA is generated and,
// when dir is set, written there.
func loadOrCreateCA(dir string) (*cert.CA, error) {
	if dir != "" {
		c, err := cert.ReadCertFile(filepath.Join(dir, caCertFile))
		switch {
		case err == nil:
			signer, err := cert.ReadKeyFile(filepath.Join(dir, caKeyFile))
			if err != nil {
				return nil, err
			}
			key, ok := signer.(*ecdsa.PrivateKey)
			if !ok {
				return nil, fmt.Errorf("%s: %w", caKeyFile, cert.ErrNoCAKey)
			}
			return &cert.CA{Certificate: c, PrivateKey: key}, nil
		case !errors.Is(err, os.ErrNotExist):
			return nil, err
		}
	}

	ca, err := cert.GenerateCA("Trustpoint Simulator CA", 0)
	if err != nil {
		return nil, err
	}
	if dir == "" {
		return ca, nil
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	if err := cert.WriteCertFile(filepath.Join(dir, caCertFile), ca.Certificate); err != nil {
		return nil, err
	}
	if err := cert.WriteKeyFile(filepath.Join(dir, caKeyFile), ca.PrivateKey); err != nil {
		return nil, err
	}
	return ca, nil
}

func printOnboardingInfo(srv *enrollment.Server) {
	host := "127.0.0.1"
	if len(config.Hosts) > 0 {
		host = config.Hosts[0]
	}
	uri := &discovery.OnboardingURI{
		Endpoint:    credential.Endpoint{Host: host, Port: uint16(config.Port)},
		Fingerprint: srv.Fingerprint(),
		Domain:      config.Domain,
	}

	fmt.Println("")
	fmt.Println("============================================")
	fmt.Println("           ONBOARDING INFORMATION           ")
	fmt.Println("============================================")
	fmt.Printf("  Anchor:  %s\n", srv.Fingerprint())
	fmt.Printf("  Port:    %d\n", config.Port)
	fmt.Printf("  URI:     %s\n", uri)
	for id, otp := range config.OTPs {
		o := *uri
		o.Fingerprint = ""
		o.OTP = otp
		fmt.Printf("  %s: %s\n", id, o.String())
	}
	fmt.Println("============================================")
	fmt.Println("")
}
