// Package discovery turns scan sightings into the set of candidate peripherals
// and tracks whether each was seen recently.
package discovery

import (
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/blelog/internal/device"
	"github.com/srg/blelog/pkg/record"
)

// Liveness of a candidate.
type Liveness int

const (
	NotSeen Liveness = iota
	RecentlySeen
)

func (l Liveness) String() string {
	if l == RecentlySeen {
		return "recently seen"
	}
	return "not seen"
}

// Candidate is a value snapshot of one tracked peripheral.
type Candidate struct {
	Address  string
	Alias    string
	Liveness Liveness
	// LastSeen is zero when the candidate was never sighted.
	LastSeen time.Time
	RSSI     *int
	Name     string
}

// DisplayName returns the alias or the address.
func (c Candidate) DisplayName() string {
	return record.DisplayNameFor(c.Address, c.Alias)
}

// Sighting is one observation handed over by a scanning loop.
type Sighting struct {
	Address string
	Name    string
	RSSI    *int
	Time    time.Time
}

// TrackerOptions configures which peripherals are tracked.
type TrackerOptions struct {
	// Explicit maps pre-registered addresses to aliases ("" for none).
	Explicit map[string]string
	// Aliases applies to any address, including pattern matches.
	Aliases map[string]string
	// Patterns admit unknown addresses whose advertised name matches.
	Patterns    []*regexp.Regexp
	SeenTimeout time.Duration
}

// Tracker maintains candidates. Reads are lock-free; writes are serialized.
type Tracker struct {
	candidates  *hashmap.Map[string, Candidate]
	aliases     map[string]string
	patterns    []*regexp.Regexp
	seenTimeout time.Duration
	logger      *logrus.Entry

	writeMu sync.Mutex
}

// NewTracker creates a tracker with every explicit address registered as NotSeen.
func NewTracker(opts TrackerOptions, logger *logrus.Entry) *Tracker {
	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}

	t := &Tracker{
		candidates:  hashmap.New[string, Candidate](),
		aliases:     make(map[string]string, len(opts.Aliases)+len(opts.Explicit)),
		patterns:    opts.Patterns,
		seenTimeout: opts.SeenTimeout,
		logger:      logger,
	}
	for addr, alias := range opts.Aliases {
		t.aliases[device.CanonicalAddress(addr)] = alias
	}
	for addr, alias := range opts.Explicit {
		ca := device.CanonicalAddress(addr)
		if alias == "" {
			alias = t.aliases[ca]
		} else {
			t.aliases[ca] = alias
		}
		t.candidates.Set(ca, Candidate{Address: ca, Alias: alias, Liveness: NotSeen})
	}
	return t
}

// ReportSighting updates a known candidate or admits a new one by name pattern.
// Unknown, unmatched sightings are dropped. Reports whether the sighting was kept.
func (t *Tracker) ReportSighting(s Sighting) bool {
	addr := device.CanonicalAddress(s.Address)
	if addr == "" {
		return false
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	c, known := t.candidates.Get(addr)
	if !known {
		if !t.matchesPattern(s.Name) {
			return false
		}
		c = Candidate{Address: addr, Alias: t.aliases[addr]}
		t.logger.WithFields(logrus.Fields{
			"address": addr,
			"name":    s.Name,
		}).Info("Discovered new device")
	}

	if s.Name != "" {
		c.Name = s.Name
	}
	if s.RSSI != nil {
		rssi := *s.RSSI
		c.RSSI = &rssi
	}
	if s.Time.After(c.LastSeen) {
		c.LastSeen = s.Time
	}
	c.Liveness = RecentlySeen

	t.candidates.Set(addr, c)
	return true
}

func (t *Tracker) matchesPattern(name string) bool {
	if name == "" {
		return false
	}
	for _, re := range t.patterns {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

// Sweep marks candidates silent for longer than the seen timeout as NotSeen.
// Returns the number of transitions; repeating with the same now returns 0.
func (t *Tracker) Sweep(now time.Time) int {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	var expired []Candidate
	t.candidates.Range(func(_ string, c Candidate) bool {
		if c.Liveness == RecentlySeen && now.Sub(c.LastSeen) > t.seenTimeout {
			expired = append(expired, c)
		}
		return true
	})

	for _, c := range expired {
		c.Liveness = NotSeen
		t.candidates.Set(c.Address, c)
		t.logger.WithField("address", c.Address).Debug("Device no longer seen")
	}
	return len(expired)
}

// Candidates returns a snapshot sorted by address.
func (t *Tracker) Candidates() []Candidate {
	out := make([]Candidate, 0, t.candidates.Len())
	t.candidates.Range(func(_ string, c Candidate) bool {
		out = append(out, c)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Candidate looks up one candidate by address.
func (t *Tracker) Candidate(address string) (Candidate, bool) {
	return t.candidates.Get(device.CanonicalAddress(address))
}

// Len returns the number of candidates.
func (t *Tracker) Len() int {
	return t.candidates.Len()
}
