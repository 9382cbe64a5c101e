package discovery

import (
	"context"
	"net"
	"time"

	"github.com/enbility/zeroconf/v3"
)

// ServiceEntry is a raw DNS-SD result, independent of the mDNS library.
type ServiceEntry struct {
	Instance string
	Service  string
	Domain   string
	Host     string
	Port     uint16
	Text     []string
	Addrs    []string
	TTL      time.Duration
}

// BrowseFunc browses for service in domain and delivers raw results on
// entries and goodbye announcements on removed until ctx is done. It must
// not close either channel.
type BrowseFunc func(ctx context.Context, service, domain string, entries, removed chan<- ServiceEntry) error

// ToRecord converts a raw entry into a Record received at now.
// Malformed entries return an error and no record.
func (e *ServiceEntry) ToRecord(now time.Time) (*Record, error) {
	info, err := DecodeServiceTXT(StringsToTXTRecords(e.Text))
	if err != nil {
		return nil, err
	}
	if e.Port == 0 {
		return nil, ErrInvalidPort
	}
	host := trimHost(e.Host)
	if len(e.Addrs) == 0 && host == "" {
		return nil, ErrNoAddress
	}
	ttl := e.TTL
	if ttl <= 0 {
		ttl = DefaultRecordTTL
	}

	return &Record{
		Instance:        e.Instance,
		Host:            host,
		Addresses:       append([]string(nil), e.Addrs...),
		Port:            e.Port,
		Fingerprint:     info.Fingerprint,
		Domain:          info.Domain,
		Capabilities:    info.Capabilities,
		ProtocolVersion: info.ProtocolVersion,
		AdvertisedAt:    now,
		TTL:             ttl,
	}, nil
}

// ZeroconfBrowse returns a BrowseFunc backed by zeroconf. iface restricts
// browsing to one network interface; empty means all.
func ZeroconfBrowse(iface string) BrowseFunc {
	return func(ctx context.Context, service, domain string, entries, removed chan<- ServiceEntry) error {
		var opts []zeroconf.ClientOption
		if iface != "" {
			ni, err := net.InterfaceByName(iface)
			if err == nil {
				opts = append(opts, zeroconf.SelectIfaces([]net.Interface{*ni}))
			}
		}

		found := make(chan *zeroconf.ServiceEntry)
		gone := make(chan *zeroconf.ServiceEntry)

		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				select {
				case entry, ok := <-found:
					if !ok {
						return
					}
					select {
					case entries <- fromZeroconf(entry, time.Now()):
					case <-ctx.Done():
						return
					}
				case entry, ok := <-gone:
					if !ok {
						gone = nil
						continue
					}
					select {
					case removed <- fromZeroconf(entry, time.Now()):
					case <-ctx.Done():
						return
					}
				case <-ctx.Done():
					return
				}
			}
		}()

		err := zeroconf.Browse(ctx, service, domain, found, gone, opts...)
		<-done
		return err
	}
}

// fromZeroconf converts a zeroconf entry, IPv4 addresses first. The TTL
// is what remains of the entry's expiry at now; an unset or past expiry
// yields zero.
func fromZeroconf(entry *zeroconf.ServiceEntry, now time.Time) ServiceEntry {
	addrs := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	for _, ip := range entry.AddrIPv4 {
		addrs = append(addrs, ip.String())
	}
	for _, ip := range entry.AddrIPv6 {
		addrs = append(addrs, ip.String())
	}
	return ServiceEntry{
		Instance: entry.Instance,
		Service:  entry.Service,
		Domain:   entry.Domain,
		Host:     entry.HostName,
		Port:     uint16(entry.Port),
		Text:     entry.Text,
		Addrs:    addrs,
		TTL:      ttlFromExpiry(entry.Expiry, now),
	}
}

func ttlFromExpiry(expiry, now time.Time) time.Duration {
	if expiry.IsZero() || !expiry.After(now) {
		return 0
	}
	return expiry.Sub(now)
}
