package satip

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gobwas/glob"
)

// ServerRecord is an immutable description of one discovered SAT>IP server,
// plus the quirk bitset and per-kind frontend pools derived from it at
// construction time. Identity for registry dedup is the case-insensitive
// tuple (address, model, description).
type ServerRecord struct {
	// Immutable fields.
	SourceAddress string
	Address       string
	Port          int
	Model         string
	Description   string
	CreatedAt     time.Time
	filters       []string
	filterGlobs   []glob.Glob
	quirks        Quirk

	// Mutable fields.
	lastSeen time.Time
	active   bool
	pools    map[FrontendKind]*FrontendPool
}

var modelPrefixes = map[string]FrontendKind{
	"DVBS2": FrontendDVBS2,
	"DVBT2": FrontendDVBT2,
	"DVBT":  FrontendDVBT,
	"DVBC2": FrontendDVBC2,
	"DVBC":  FrontendDVBC,
	"ATSC":  FrontendATSC,
}

// modelOrder controls the order prefixes are tried so that "DVBT2" is
// matched before the shorter "DVBT" prefix for a token like "DVBT2-1".
var modelOrder = []string{"DVBS2", "DVBT2", "DVBT", "DVBC2", "DVBC", "ATSC"}

// NewServerRecord parses model and filters, derives the quirk bitset from
// description (unless quirksDisabled), and allocates one frontend pool per
// frontend kind, sized from the recognized model token for that kind (zero
// capacity when the model names none). Unrecognized model tokens are ignored.
func NewServerRecord(sourceAddress, address string, port int, model, filters, description string, quirksDisabled bool, now time.Time) (*ServerRecord, error) {
	s := &ServerRecord{
		SourceAddress: sourceAddress,
		Address:       address,
		Port:          port,
		Model:         model,
		Description:   description,
		CreatedAt:     now,
		lastSeen:      now,
		pools:         make(map[FrontendKind]*FrontendPool),
	}
	for _, kind := range modelPrefixes {
		pool := &FrontendPool{}
		pool.Init(kind, 0)
		s.pools[kind] = pool
	}

	for _, tok := range strings.Split(model, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		kind, n, ok := parseModelToken(tok)
		if !ok {
			continue
		}
		s.pools[kind].Init(kind, n)
	}

	if err := s.setFilters(filters); err != nil {
		return nil, fmt.Errorf("satip: server record filters: %w", err)
	}

	s.quirks = deriveQuirks(description, quirksDisabled)
	return s, nil
}

func parseModelToken(tok string) (FrontendKind, int, bool) {
	for _, prefix := range modelOrder {
		if !strings.HasPrefix(tok, prefix+"-") {
			continue
		}
		n, err := strconv.Atoi(tok[len(prefix)+1:])
		if err != nil || n < 0 {
			return 0, 0, false
		}
		return modelPrefixes[prefix], n, true
	}
	return 0, 0, false
}

func (s *ServerRecord) setFilters(filters string) error {
	s.filters = nil
	s.filterGlobs = nil
	for _, tok := range strings.Split(filters, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		g, err := glob.Compile(tok)
		if err != nil {
			return fmt.Errorf("invalid source filter %q: %w", tok, err)
		}
		s.filters = append(s.filters, tok)
		s.filterGlobs = append(s.filterGlobs, g)
	}
	return nil
}

// Filters returns the canonical, re-serialized filter list.
func (s *ServerRecord) Filters() string {
	return strings.Join(s.filters, ",")
}

func (s *ServerRecord) pool(kind FrontendKind) *FrontendPool {
	return s.pools[kind]
}

// IsValidSource reports whether src passes the filter list: true when the
// filter list is empty, otherwise true iff src matches one of the filter
// globs.
func (s *ServerRecord) IsValidSource(src string) bool {
	if len(s.filterGlobs) == 0 {
		return true
	}
	for _, g := range s.filterGlobs {
		if g.Match(src) {
			return true
		}
	}
	return false
}

func sourceFamily(src string) byte {
	if src == "" {
		return 0
	}
	c := src[0]
	if c >= 'a' && c <= 'z' {
		c -= 'a' - 'A'
	}
	return c
}

// Assign allocates a frontend slot for deviceID on the pool implied by src's
// family letter (S/T/C/A). For T and C, system == 0 allows falling back
// between the first- and second-generation pool (DVBT then DVBT2, DVBC then
// DVBC2); system != 0 forces the second-generation pool only.
func (s *ServerRecord) Assign(deviceID int, src string, system int) bool {
	if !s.IsValidSource(src) {
		return false
	}
	switch sourceFamily(src) {
	case 'S':
		return s.pool(FrontendDVBS2).Assign(deviceID)
	case 'T':
		if system != 0 {
			return s.pool(FrontendDVBT2).Assign(deviceID)
		}
		if s.pool(FrontendDVBT).Assign(deviceID) {
			return true
		}
		return s.pool(FrontendDVBT2).Assign(deviceID)
	case 'C':
		if system != 0 {
			return s.pool(FrontendDVBC2).Assign(deviceID)
		}
		if s.pool(FrontendDVBC).Assign(deviceID) {
			return true
		}
		return s.pool(FrontendDVBC2).Assign(deviceID)
	case 'A':
		return s.pool(FrontendATSC).Assign(deviceID)
	default:
		return false
	}
}

// Matches reports the same source/system/capacity decision Assign would
// make, without allocating a slot.
func (s *ServerRecord) Matches(src string, system int) bool {
	if !s.IsValidSource(src) {
		return false
	}
	switch sourceFamily(src) {
	case 'S':
		return s.pool(FrontendDVBS2).Count() > 0
	case 'T':
		if system != 0 {
			return s.pool(FrontendDVBT2).Count() > 0
		}
		return s.pool(FrontendDVBT).Count() > 0 || s.pool(FrontendDVBT2).Count() > 0
	case 'C':
		if system != 0 {
			return s.pool(FrontendDVBC2).Count() > 0
		}
		return s.pool(FrontendDVBC).Count() > 0 || s.pool(FrontendDVBC2).Count() > 0
	case 'A':
		return s.pool(FrontendATSC).Count() > 0
	default:
		return false
	}
}

// Attach proxies to the frontend pool holding deviceID's slot.
func (s *ServerRecord) Attach(deviceID int) bool {
	for _, p := range s.pools {
		if p.Assigned(deviceID) {
			return p.Attach(deviceID)
		}
	}
	return false
}

// Detach proxies to the frontend pool holding deviceID's slot.
func (s *ServerRecord) Detach(deviceID int) bool {
	for _, p := range s.pools {
		if p.Assigned(deviceID) {
			return p.Detach(deviceID)
		}
	}
	return false
}

// Quirks returns the bitset derived at construction time.
func (s *ServerRecord) Quirks() Quirk {
	return s.quirks
}

// HasCI reports whether description matches the curated CI allow-list.
func (s *ServerRecord) HasCI() bool {
	return matchesHasCI(s.Description)
}

// NumProvidedSystems returns the UI-only weighted sum of pool capacities.
func (s *ServerRecord) NumProvidedSystems() int {
	return s.pool(FrontendDVBS2).Count()*4 +
		s.pool(FrontendDVBT).Count()*3 +
		s.pool(FrontendDVBT2).Count()*4 +
		s.pool(FrontendDVBC).Count()*3 +
		s.pool(FrontendDVBC2).Count()*5 +
		s.pool(FrontendATSC).Count()*3
}

// LastSeen returns the last-seen timestamp.
func (s *ServerRecord) LastSeen() time.Time {
	return s.lastSeen
}

// Touch refreshes the last-seen timestamp.
func (s *ServerRecord) Touch(now time.Time) {
	s.lastSeen = now
}

// Active reports the active flag.
func (s *ServerRecord) Active() bool {
	return s.active
}

// Activate sets the active flag.
func (s *ServerRecord) Activate(active bool) {
	s.active = active
}

// Identity returns the case-insensitive dedup tuple (address, model,
// description).
func (s *ServerRecord) Identity() string {
	return strings.ToLower(s.Address) + "|" + strings.ToLower(s.Model) + "|" + strings.ToLower(s.Description)
}

// IdentityString renders the catalogue listing identity string:
// "<address>|<model>|<description>", optionally prefixed by
// "<srcAddress>@" when a preferred source address is configured.
func (s *ServerRecord) IdentityString() string {
	base := fmt.Sprintf("%s|%s|%s", s.Address, s.Model, s.Description)
	if s.SourceAddress != "" {
		return s.SourceAddress + "@" + base
	}
	return base
}

// ListingLine renders one registry listing line with the active marker.
func (s *ServerRecord) ListingLine() string {
	marker := "-"
	if s.active {
		marker = "+"
	}
	return marker + " " + s.IdentityString()
}
