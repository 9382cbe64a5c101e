// Command trustpoint-client onboards a device with a Trustpoint server and
// keeps its operational certificates renewed.
//
// Usage:
//
//	trustpoint-client [global flags] <command> [flags] [args]
//
// Commands:
//
//	scan      List Trustpoint servers advertised on the local network
//	onboard   Enroll with a discovered or explicitly named server
//	status    Show stored anchors and credentials
//	renew     Renew the credential of an anchor now
//	revoke    Revoke a credential version locally
//	default   Show or set the default anchor
//	export    Export certificate material
//	run       Run the renewal scheduler until interrupted
//	journal   Inspect the event journal
//	shell     Interactive mode
//
// Examples:
//
//	# Onboard with the first discovered server
//	trustpoint-client -c /etc/trustpoint/client.yaml onboard
//
//	# Onboard from a QR code
//	trustpoint-client onboard --uri 'trustpoint://192.0.2.10:4433?otp=314159'
//
//	# Export the current certificate of the default anchor
//	trustpoint-client export --what chain --out device-chain.pem
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/trustpoint-project/trustpoint-client-go/pkg/client"
	"github.com/trustpoint-project/trustpoint-client-go/pkg/config"
)

// runtime is shared by all commands of one process, including every line
// run from the interactive shell.
type runtime struct {
	out    io.Writer
	errOut io.Writer

	cfg    *config.Config
	logger *slog.Logger
	client *client.Client
	shell  bool
}

// setup loads the configuration and logger once.
func (r *runtime) setup(cCtx *cli.Context) error {
	if r.cfg != nil {
		return nil
	}
	cfg, err := config.Load(cCtx.String(flagConfig.Name))
	if err != nil {
		return err
	}
	if dir := cCtx.String(flagStateDir.Name); dir != "" {
		cfg.StateDir = dir
	}
	if j := cCtx.String(flagJournal.Name); j != "" {
		cfg.Journal = j
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	r.cfg = cfg
	r.logger = setupLogger(cCtx, r.errOut)
	return nil
}

// open returns the client, creating it on first use.
func (r *runtime) open() (*client.Client, error) {
	if r.client != nil {
		return r.client, nil
	}
	c, err := client.FromConfig(r.cfg, r.logger)
	if err != nil {
		return nil, err
	}
	r.client = c
	return c, nil
}

// useOTP switches the onboarding OTP, reopening the client if needed.
func (r *runtime) useOTP(otp string) {
	if otp == "" || otp == r.cfg.OTP {
		return
	}
	r.cfg.OTP = otp
	r.close()
}

func (r *runtime) close() {
	if r.client == nil {
		return
	}
	if err := r.client.Close(); err != nil && r.logger != nil {
		r.logger.Warn("close client", "error", err)
	}
	r.client = nil
}

func newApp(r *runtime) *cli.App {
	return &cli.App{
		Name:                 "trustpoint-client",
		Usage:                "onboard this device with a Trustpoint server and keep its certificates renewed",
		Flags:                globalFlags,
		Commands:             commands(r),
		Writer:               r.out,
		ErrWriter:            r.errOut,
		EnableBashCompletion: true,
		Before:               r.setup,
		After: func(*cli.Context) error {
			if !r.shell {
				r.close()
			}
			return nil
		},
	}
}

func main() {
	r := &runtime{out: os.Stdout, errOut: os.Stderr}
	if err := newApp(r).Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
