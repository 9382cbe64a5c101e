package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/trustpoint-project/trustpoint-client-go/cmd/trustpoint-client/journal"
	"github.com/trustpoint-project/trustpoint-client-go/pkg/cert"
	"github.com/trustpoint-project/trustpoint-client-go/pkg/credential"
	"github.com/trustpoint-project/trustpoint-client-go/pkg/discovery"
	"github.com/trustpoint-project/trustpoint-client-go/pkg/log"
)

func commands(r *runtime) []*cli.Command {
	return []*cli.Command{
		scanCommand(r),
		onboardCommand(r),
		statusCommand(r),
		renewCommand(r),
		revokeCommand(r),
		defaultCommand(r),
		exportCommand(r),
		runCommand(r),
		journalCommand(r),
		shellCommand(r),
	}
}

func scanCommand(r *runtime) *cli.Command {
	return &cli.Command{
		Name:  "scan",
		Usage: "list Trustpoint servers advertised on the local network",
		Flags: []cli.Flag{
			&cli.DurationFlag{Name: "timeout", Usage: "scan window (default: discovery_timeout)"},
		},
		Action: func(cCtx *cli.Context) error {
			if t := cCtx.Duration("timeout"); t > 0 {
				r.cfg.DiscoveryTimeout = t
				r.close()
			}
			c, err := r.open()
			if err != nil {
				return err
			}
			records, err := c.Scan(cCtx.Context)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Fprintln(r.out, "No servers found.")
				return nil
			}

			tw := tabwriter.NewWriter(r.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "INSTANCE\tENDPOINT\tANCHOR\tDOMAIN\tCAPABILITIES\tSEEN")
			now := time.Now()
			for _, rec := range records {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s ago\n",
					rec.Instance,
					rec.Endpoint(),
					cert.ShortID(rec.Fingerprint),
					dash(rec.Domain),
					dash(strings.Join(rec.Capabilities, ",")),
					now.Sub(rec.AdvertisedAt).Round(time.Second))
			}
			return tw.Flush()
		},
	}
}

func onboardCommand(r *runtime) *cli.Command {
	return &cli.Command{
		Name:  "onboard",
		Usage: "enroll with a discovered or explicitly named server",
		Description: "Without flags, servers are discovered on the local network and the first\n" +
			"candidate that completes enrollment is used. --host/--port/--fingerprint or\n" +
			"--uri name a server directly.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "host", Usage: "server host"},
			&cli.UintFlag{Name: "port", Value: discovery.DefaultEnrollmentPort, Usage: "server port"},
			&cli.StringFlag{Name: "fingerprint", Aliases: []string{"fp"}, Usage: "expected trust anchor fingerprint (SHA-256, hex)"},
			&cli.StringFlag{Name: "uri", Usage: "onboarding URI (trustpoint://host:port?fp=...&otp=...)"},
			&cli.StringFlag{Name: "otp", Usage: "one-time password authenticating the trust anchor"},
		},
		Action: func(cCtx *cli.Context) error {
			var endpoint credential.Endpoint
			fp := cCtx.String("fingerprint")
			otp := cCtx.String("otp")

			switch {
			case cCtx.String("uri") != "":
				u, err := discovery.ParseOnboardingURI(cCtx.String("uri"))
				if err != nil {
					return err
				}
				endpoint = u.Endpoint
				if fp == "" {
					fp = u.Fingerprint
				}
				if otp == "" {
					otp = u.OTP
				}
			case cCtx.String("host") != "":
				port := cCtx.Uint("port")
				if port == 0 || port > 65535 {
					return fmt.Errorf("invalid port %d", port)
				}
				endpoint = credential.Endpoint{Host: cCtx.String("host"), Port: uint16(port)}
			}
			r.useOTP(otp)

			c, err := r.open()
			if err != nil {
				return err
			}
			var cred *credential.Credential
			if endpoint.IsZero() {
				cred, err = c.Onboard(cCtx.Context)
			} else {
				cred, err = c.OnboardEndpoint(cCtx.Context, endpoint, fp)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(r.out, "Onboarded with anchor %s\n", cred.AnchorFingerprint)
			fmt.Fprintf(r.out, "  Version: %d\n", cred.Version)
			fmt.Fprintf(r.out, "  Subject: %s\n", cred.Certificate.Subject)
			fmt.Fprintf(r.out, "  Expires: %s\n", cred.ExpiresAt.Format(time.RFC3339))
			return nil
		},
	}
}

func statusCommand(r *runtime) *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "show stored anchors and credentials",
		ArgsUsage: "[fingerprint]",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "versions", Usage: "list every credential version"},
		},
		Action: func(cCtx *cli.Context) error {
			c, err := r.open()
			if err != nil {
				return err
			}

			if fp := cCtx.Args().First(); fp != "" {
				st, err := c.AnchorStatus(fp)
				if err != nil {
					return err
				}
				printAnchor(r, st, true)
				return nil
			}

			all, err := c.Status()
			if err != nil {
				return err
			}
			if len(all) == 0 {
				fmt.Fprintln(r.out, "Not onboarded.")
				return nil
			}
			for i := range all {
				if i > 0 {
					fmt.Fprintln(r.out)
				}
				printAnchor(r, &all[i], cCtx.Bool("versions"))
			}
			return nil
		},
	}
}

func renewCommand(r *runtime) *cli.Command {
	return &cli.Command{
		Name:      "renew",
		Usage:     "renew the credential of an anchor now",
		ArgsUsage: "[fingerprint]",
		Action: func(cCtx *cli.Context) error {
			c, err := r.open()
			if err != nil {
				return err
			}
			cred, err := c.Renew(cCtx.Context, cCtx.Args().First())
			if err != nil {
				return err
			}
			fmt.Fprintf(r.out, "Renewed: version %d, expires %s\n", cred.Version, cred.ExpiresAt.Format(time.RFC3339))
			return nil
		},
	}
}

func revokeCommand(r *runtime) *cli.Command {
	return &cli.Command{
		Name:      "revoke",
		Usage:     "revoke a credential version locally; the anchor is re-enrolled on the next renewal pass",
		ArgsUsage: "<fingerprint> [version]",
		Action: func(cCtx *cli.Context) error {
			if cCtx.NArg() < 1 {
				return errors.New("fingerprint required")
			}
			var version uint64
			if v := cCtx.Args().Get(1); v != "" {
				n, err := strconv.ParseUint(v, 10, 64)
				if err != nil || n == 0 {
					return fmt.Errorf("invalid version %q", v)
				}
				version = n
			}
			c, err := r.open()
			if err != nil {
				return err
			}
			if err := c.Revoke(cCtx.Args().First(), version); err != nil {
				return err
			}
			fmt.Fprintln(r.out, "Revoked.")
			return nil
		},
	}
}

func defaultCommand(r *runtime) *cli.Command {
	return &cli.Command{
		Name:      "default",
		Usage:     "show or set the default anchor",
		ArgsUsage: "[fingerprint]",
		Action: func(cCtx *cli.Context) error {
			c, err := r.open()
			if err != nil {
				return err
			}
			if fp := cCtx.Args().First(); fp != "" {
				return c.SetDefault(fp)
			}
			def, err := c.DefaultAnchor()
			if err != nil {
				return err
			}
			fmt.Fprintln(r.out, dash(def))
			return nil
		},
	}
}

func exportCommand(r *runtime) *cli.Command {
	return &cli.Command{
		Name:      "export",
		Usage:     "export certificate material (private keys are never exported)",
		ArgsUsage: "[fingerprint]",
		Flags: []cli.Flag{
			&cli.Uint64Flag{Name: "version", Usage: "credential version (default: current)"},
			&cli.StringFlag{Name: "what", Value: "cert", Usage: "cert, chain or pubkey"},
			&cli.StringFlag{Name: "format", Value: "pem", Usage: "pem or der"},
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "output file (default: stdout)"},
		},
		Action: func(cCtx *cli.Context) error {
			target, err := cert.ParseExportTarget(cCtx.String("what"))
			if err != nil {
				return err
			}
			format, err := cert.ParseExportFormat(cCtx.String("format"))
			if err != nil {
				return err
			}
			c, err := r.open()
			if err != nil {
				return err
			}
			data, err := c.Export(cCtx.Args().First(), cCtx.Uint64("version"), target, format)
			if err != nil {
				return err
			}
			if out := cCtx.String("out"); out != "" {
				return os.WriteFile(out, data, 0644)
			}
			_, err = r.out.Write(data)
			return err
		},
	}
}

func runCommand(r *runtime) *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "run the renewal scheduler until interrupted",
		Action: func(cCtx *cli.Context) error {
			c, err := r.open()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cCtx.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			r.logger.Info("renewal scheduler started",
				"interval", r.cfg.RenewalInterval, "horizon", r.cfg.RenewalHorizon)
			err = c.Run(ctx)
			r.logger.Info("renewal scheduler stopped")
			return err
		},
	}
}

func journalCommand(r *runtime) *cli.Command {
	path := func() (string, error) {
		p := r.cfg.JournalPath()
		if p == "" {
			return "", errors.New("journal is disabled")
		}
		return p, nil
	}
	filterFlags := []cli.Flag{
		&cli.StringFlag{Name: "session", Usage: "filter by session ID"},
		&cli.StringFlag{Name: "anchor", Usage: "filter by anchor fingerprint"},
		&cli.StringFlag{Name: "component", Usage: "filter by component (session, store, discovery, scheduler, onboarding)"},
		&cli.StringFlag{Name: "category", Usage: "filter by category (state, credential, discovery, error)"},
	}

	return &cli.Command{
		Name:  "journal",
		Usage: "inspect the event journal",
		Subcommands: []*cli.Command{
			{
				Name:  "view",
				Usage: "print events in human-readable form",
				Flags: filterFlags,
				Action: func(cCtx *cli.Context) error {
					p, err := path()
					if err != nil {
						return err
					}
					filter, err := journalFilter(cCtx)
					if err != nil {
						return err
					}
					return journal.RunView(p, filter, r.out)
				},
			},
			{
				Name:  "export",
				Usage: "export events as JSON lines or CSV",
				Flags: append([]cli.Flag{
					&cli.StringFlag{Name: "format", Value: "jsonl", Usage: "jsonl or csv"},
				}, filterFlags...),
				Action: func(cCtx *cli.Context) error {
					p, err := path()
					if err != nil {
						return err
					}
					filter, err := journalFilter(cCtx)
					if err != nil {
						return err
					}
					return journal.RunExport(p, cCtx.String("format"), filter, r.out)
				},
			},
			{
				Name:  "stats",
				Usage: "summarize the journal",
				Action: func(cCtx *cli.Context) error {
					p, err := path()
					if err != nil {
						return err
					}
					return journal.RunStats(p, r.out)
				},
			},
		},
	}
}

func journalFilter(cCtx *cli.Context) (log.Filter, error) {
	filter := log.Filter{
		SessionID: cCtx.String("session"),
		Anchor:    cert.NormalizeFingerprint(cCtx.String("anchor")),
	}
	if s := cCtx.String("component"); s != "" {
		c, err := journal.ParseComponent(s)
		if err != nil {
			return filter, err
		}
		filter.Component = &c
	}
	if s := cCtx.String("category"); s != "" {
		c, err := journal.ParseCategory(s)
		if err != nil {
			return filter, err
		}
		filter.Category = &c
	}
	return filter, nil
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
