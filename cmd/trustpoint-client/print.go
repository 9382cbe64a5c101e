package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/trustpoint-project/trustpoint-client-go/pkg/client"
	"github.com/trustpoint-project/trustpoint-client-go/pkg/connection"
)

func printAnchor(r *runtime, st *client.AnchorStatus, versions bool) {
	w := r.out
	marker := ""
	if st.Default {
		marker = " (default)"
	}
	fmt.Fprintf(w, "Anchor %s%s\n", st.Fingerprint, marker)
	fmt.Fprintf(w, "  Endpoint: %s\n", st.Endpoint)
	if st.Domain != "" {
		fmt.Fprintf(w, "  Domain:   %s\n", st.Domain)
	}

	if cur := st.Current; cur != nil {
		left := time.Until(cur.ExpiresAt).Round(time.Minute)
		fmt.Fprintf(w, "  Current:  version %d %s, expires %s (in %s)\n",
			cur.Version, cur.Status, cur.ExpiresAt.Format(time.RFC3339), left)
	} else {
		fmt.Fprintln(w, "  Current:  none (re-enrollment pending)")
	}

	if st.InFlight {
		fmt.Fprintln(w, "  Session:  in flight")
	}
	if st.Failures > 0 || st.Health == connection.HealthUnreachable {
		fmt.Fprintf(w, "  Health:   %s (%d consecutive failures)\n", st.Health, st.Failures)
	}

	if !versions || len(st.Versions) == 0 {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "  VERSION\tSTATUS\tISSUED\tEXPIRES\tSERIAL")
	for _, v := range st.Versions {
		serial := "pruned"
		if v.Certificate != nil {
			serial = v.Certificate.SerialNumber.Text(16)
		}
		fmt.Fprintf(tw, "  %d\t%s\t%s\t%s\t%s\n",
			v.Version, v.Status,
			v.IssuedAt.Format(time.RFC3339),
			v.ExpiresAt.Format(time.RFC3339),
			serial)
	}
	tw.Flush()
}
