package client

import (
	"github.com/trustpoint-project/trustpoint-client-go/pkg/connection"
	"github.com/trustpoint-project/trustpoint-client-go/pkg/credential"
)

// AnchorStatus is the client's view of one trust anchor.
type AnchorStatus struct {
	Fingerprint string
	Endpoint    credential.Endpoint
	Domain      string

	// Current is the active or pending-renewal version, nil when the
	// anchor has none.
	Current *credential.Credential

	// Versions lists every known version, oldest first.
	Versions []*credential.Credential

	// InFlight is set while an enrollment session for the anchor runs.
	InFlight bool

	// Failures counts consecutive connection failures during renewal.
	Failures int
	Health   connection.Health

	Default bool
}

// Status reports every stored anchor, ordered by fingerprint.
func (c *Client) Status() ([]AnchorStatus, error) {
	def, err := c.DefaultAnchor()
	if err != nil {
		return nil, err
	}
	records := c.config.Store.Records()
	out := make([]AnchorStatus, 0, len(records))
	for _, r := range records {
		out = append(out, c.status(r, def))
	}
	return out, nil
}

// AnchorStatus reports one anchor. An empty fingerprint selects the
// default anchor.
func (c *Client) AnchorStatus(fingerprint string) (*AnchorStatus, error) {
	fp, err := c.Resolve(fingerprint)
	if err != nil {
		return nil, err
	}
	r, err := c.config.Store.Record(fp)
	if err != nil {
		return nil, err
	}
	def, err := c.DefaultAnchor()
	if err != nil {
		return nil, err
	}
	st := c.status(r, def)
	return &st, nil
}

func (c *Client) status(r *credential.Record, def string) AnchorStatus {
	fp := r.Anchor.Fingerprint
	st := AnchorStatus{
		Fingerprint: fp,
		Endpoint:    r.Endpoint,
		Domain:      r.Domain,
		Current:     r.Current(),
		Versions:    r.Credentials,
		InFlight:    c.guard.Held(fp),
		Default:     fp == def,
	}
	if c.scheduler != nil {
		st.Failures = c.scheduler.Failures(fp)
		st.Health = c.scheduler.Health(fp)
	}
	return st
}
