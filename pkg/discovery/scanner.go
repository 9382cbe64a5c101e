package discovery

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/trustpoint-project/trustpoint-client-go/pkg/log"
)

// ScannerConfig configures a Scanner.
type ScannerConfig struct {
	// Browse supplies raw entries. Default: ZeroconfBrowse(Interface).
	Browse BrowseFunc

	// Interface restricts the default browser to one network interface.
	Interface string

	// Clock returns the current time. Default: time.Now.
	Clock func() time.Time

	// Logger for operational logs. Nil disables logging.
	Logger *slog.Logger

	// Journal receives one event per dropped or accepted advertisement.
	Journal log.Logger
}

// Stats are cumulative scanner counters.
type Stats struct {
	Received   uint64
	Accepted   uint64
	Dropped    uint64
	Duplicates uint64
	Scans      uint64
}

// Scanner finds Trustpoint servers on the local network.
type Scanner struct {
	config ScannerConfig

	received   atomic.Uint64
	accepted   atomic.Uint64
	dropped    atomic.Uint64
	duplicates atomic.Uint64
	scans      atomic.Uint64

	mu      sync.Mutex
	closed  bool
	cancels map[uint64]context.CancelFunc
	nextID  uint64
}

// NewScanner creates a scanner.
func NewScanner(config ScannerConfig) *Scanner {
	if config.Browse == nil {
		config.Browse = ZeroconfBrowse(config.Interface)
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	return &Scanner{
		config:  config,
		cancels: make(map[uint64]context.CancelFunc),
	}
}

func (s *Scanner) debugLog(msg string, args ...any) {
	if s.config.Logger != nil {
		s.config.Logger.Debug(msg, args...)
	}
}

// Stats returns a snapshot of the counters.
func (s *Scanner) Stats() Stats {
	return Stats{
		Received:   s.received.Load(),
		Accepted:   s.accepted.Load(),
		Dropped:    s.dropped.Load(),
		Duplicates: s.duplicates.Load(),
		Scans:      s.scans.Load(),
	}
}

// Scan browses for timeout (DefaultScanTimeout when <= 0) and then emits
// the deduplicated records, most recently advertised first. The channel is
// closed after the last record or when ctx is done. An empty scan closes
// the channel without records.
func (s *Scanner) Scan(ctx context.Context, timeout time.Duration) (<-chan *Record, error) {
	if timeout <= 0 {
		timeout = DefaultScanTimeout
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrScanClosed
	}
	ctx, cancel := context.WithCancel(ctx)
	id := s.nextID
	s.nextID++
	s.cancels[id] = cancel
	s.mu.Unlock()

	s.scans.Inc()
	out := make(chan *Record)

	go func() {
		defer close(out)
		defer func() {
			cancel()
			s.mu.Lock()
			delete(s.cancels, id)
			s.mu.Unlock()
		}()

		records := s.collect(ctx, timeout)
		s.debugLog("scan window closed", "records", len(records))

		for _, r := range records {
			select {
			case out <- r:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// Collect runs a scan and returns all records.
func (s *Scanner) Collect(ctx context.Context, timeout time.Duration) ([]*Record, error) {
	ch, err := s.Scan(ctx, timeout)
	if err != nil {
		return nil, err
	}
	var records []*Record
	for r := range ch {
		records = append(records, r)
	}
	return records, nil
}

// collect gathers entries for one scan window.
func (s *Scanner) collect(ctx context.Context, timeout time.Duration) []*Record {
	windowCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan ServiceEntry)
	removed := make(chan ServiceEntry)
	browseDone := make(chan error, 1)
	go func() {
		browseDone <- s.config.Browse(windowCtx, ServiceType, Domain, entries, removed)
	}()

	seen := make(map[string]*Record)
	for {
		select {
		case entry := <-entries:
			s.received.Inc()
			r, err := entry.ToRecord(s.config.Clock())
			if err != nil {
				s.drop(entry, err)
				continue
			}
			key := r.dedupeKey()
			if _, dup := seen[key]; dup {
				s.duplicates.Inc()
			} else {
				s.accepted.Inc()
			}
			seen[key] = r

		case entry := <-removed:
			for key, r := range seen {
				if r.Instance == entry.Instance {
					delete(seen, key)
				}
			}

		case err := <-browseDone:
			if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
				s.debugLog("browse failed", "error", err)
			}
			return s.finish(seen)

		case <-windowCtx.Done():
			for {
				select {
				case <-entries:
				case <-removed:
				case <-browseDone:
					return s.finish(seen)
				}
			}
		}
	}
}

// finish orders records most recently advertised first, ties by instance.
func (s *Scanner) finish(seen map[string]*Record) []*Record {
	records := make([]*Record, 0, len(seen))
	for _, r := range seen {
		records = append(records, r)
		log.Emit(s.config.Journal, log.Event{
			Component: log.ComponentDiscovery,
			Category:  log.CategoryDiscovery,
			Anchor:    r.Fingerprint,
			Endpoint:  r.Endpoint().String(),
			Discovery: &log.DiscoveryEvent{
				Instance:    r.Instance,
				Address:     r.Address(),
				Port:        r.Port,
				Fingerprint: r.Fingerprint,
			},
		})
	}
	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].AdvertisedAt.Equal(records[j].AdvertisedAt) {
			return records[i].AdvertisedAt.After(records[j].AdvertisedAt)
		}
		return records[i].Instance < records[j].Instance
	})
	return records
}

func (s *Scanner) drop(entry ServiceEntry, reason error) {
	s.dropped.Inc()
	s.debugLog("advertisement dropped", "instance", entry.Instance, "reason", reason)
	log.Emit(s.config.Journal, log.Event{
		Component: log.ComponentDiscovery,
		Category:  log.CategoryDiscovery,
		Discovery: &log.DiscoveryEvent{
			Instance: entry.Instance,
			Port:     entry.Port,
			Dropped:  true,
			Reason:   reason.Error(),
		},
	})
}

// Close cancels running scans. Later scans fail with ErrScanClosed.
func (s *Scanner) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, cancel := range s.cancels {
		cancel()
		delete(s.cancels, id)
	}
}
