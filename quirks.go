package satip

import "strings"

// Quirk is one bit of a per-server compatibility bitset, derived once from
// a server's description string at record construction time. Quirks are a
// property of server compatibility, never user configuration.
type Quirk uint8

const (
	QuirkSessionId Quirk = 1 << iota
	QuirkPlayPids
	QuirkForceLock
	QuirkRtpOverTcp
	QuirkCiXpmt
	QuirkCiTnr
	QuirkForcePilot
	QuirkTearAndPlay
)

func (q Quirk) String() string {
	names := []struct {
		bit  Quirk
		name string
	}{
		{QuirkSessionId, "SessionId"},
		{QuirkPlayPids, "PlayPids"},
		{QuirkForceLock, "ForceLock"},
		{QuirkRtpOverTcp, "RtpOverTcp"},
		{QuirkCiXpmt, "CiXpmt"},
		{QuirkCiTnr, "CiTnr"},
		{QuirkForcePilot, "ForcePilot"},
		{QuirkTearAndPlay, "TearAndPlay"},
	}
	var b strings.Builder
	for _, n := range names {
		if q&n.bit != 0 {
			if b.Len() > 0 {
				b.WriteByte('|')
			}
			b.WriteString(n.name)
		}
	}
	if b.Len() == 0 {
		return "none"
	}
	return b.String()
}

// quirkPattern is one row of the substring -> bit table, evaluated once at
// server-record construction and never re-evaluated (descriptions are
// immutable per record).
type quirkPattern struct {
	substring string
	bit       Quirk
}

// quirkTable is the curated list of description substrings known to
// require a protocol workaround. Matching is case-sensitive, mirroring the
// exact substrings shipped by known SAT>IP server firmwares.
var quirkTable = []quirkPattern{
	// Session id bug.
	{"GSSBOX", QuirkSessionId},                 // Grundig Sat Systems GSS.box DSI 400
	{"DIGIBIT", QuirkSessionId},                // Telestar Digibit R1
	{"Multibox-", QuirkSessionId},              // Inverto IDL-400s: Multibox-<MMAACC>:SAT>IP
	{"Triax SatIP Converter", QuirkSessionId},  // Triax TSS 400

	// RTP over TCP support.
	{"minisatip", QuirkRtpOverTcp},
	{"DVBViewer", QuirkRtpOverTcp},

	// Play (add/delpids) parameter bug.
	{"FRITZ!WLAN Repeater DVB-C", QuirkPlayPids},
	{"fritzdvbc", QuirkPlayPids},

	// Frontend locking bug.
	{"FRITZ!WLAN Repeater DVB-C", QuirkForceLock},
	{"fritzdvbc", QuirkForceLock},
	{"Schwaiger Sat>IP Server", QuirkForceLock},

	// X_PMT protocol extension.
	{"OctopusNet", QuirkCiXpmt},
	{"minisatip", QuirkCiXpmt},

	// TNR protocol extension.
	{"DVBViewer", QuirkCiTnr},

	// No auto-detection of pilot tones.
	{"GSSBOX", QuirkForcePilot},
	{"DIGIBIT", QuirkForcePilot},
	{"Multibox-", QuirkForcePilot},
	{"Triax SatIP Converter", QuirkForcePilot},
	{"KATHREIN SatIP Server", QuirkForcePilot},

	// Requires TEARDOWN before a new PLAY.
	{"FRITZ!WLAN Repeater DVB-C", QuirkTearAndPlay},
	{"fritzdvbc", QuirkTearAndPlay},
}

// hasCIAllowList is the curated allow-list of servers known to support an
// external CI/CAM via the x_pmt/x_ci/tnr extension.
var hasCIAllowList = []string{
	"OctopusNet",
	"minisatip",
	"DVBViewer",
}

// deriveQuirks evaluates the substring table against description once.
// When disabled is true (global quirk-disable configuration), it always
// returns zero.
func deriveQuirks(description string, disabled bool) Quirk {
	if disabled {
		return 0
	}
	var q Quirk
	for _, p := range quirkTable {
		if strings.Contains(description, p.substring) {
			q |= p.bit
		}
	}
	return q
}

// matchesHasCI reports whether description matches the curated CI
// allow-list.
func matchesHasCI(description string) bool {
	for _, s := range hasCIAllowList {
		if strings.Contains(description, s) {
			return true
		}
	}
	return false
}
