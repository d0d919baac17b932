package satip

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestServerRecordCapacityParsing(t *testing.T) {
	s, err := NewServerRecord("", "192.168.1.10", 554, "DVBS2-2,DVBT-1", "", "Generic SAT>IP Server", false, time.Now())
	require.NoError(t, err)
	require.Equal(t, 2, s.pool(FrontendDVBS2).Count())
	require.Equal(t, 1, s.pool(FrontendDVBT).Count())
	require.Equal(t, 0, s.pool(FrontendDVBT2).Count())
	require.Equal(t, 0, s.pool(FrontendDVBC).Count())
	require.Equal(t, 11, s.NumProvidedSystems())
}

func TestServerRecordIgnoresUnrecognizedModelTokens(t *testing.T) {
	s, err := NewServerRecord("", "10.0.0.1", 554, "DVBS2-1,BOGUS-9", "", "Some Server", false, time.Now())
	require.NoError(t, err)
	require.Equal(t, 1, s.pool(FrontendDVBS2).Count())
}

func TestServerRecordHasCI(t *testing.T) {
	s, err := NewServerRecord("", "10.0.0.1", 554, "DVBS2-1", "", "minisatip", false, time.Now())
	require.NoError(t, err)
	require.True(t, s.HasCI())

	s2, err := NewServerRecord("", "10.0.0.1", 554, "DVBS2-1", "", "Generic Box", false, time.Now())
	require.NoError(t, err)
	require.False(t, s2.HasCI())
}

func TestServerRecordIsValidSourceEmptyFilterAllowsAll(t *testing.T) {
	s, err := NewServerRecord("", "10.0.0.1", 554, "DVBS2-1", "", "box", false, time.Now())
	require.NoError(t, err)
	require.True(t, s.IsValidSource("S19.2E"))
}

func TestServerRecordIsValidSourceGlobFilter(t *testing.T) {
	s, err := NewServerRecord("", "10.0.0.1", 554, "DVBS2-1", "S19.2E,S13.0E", "box", false, time.Now())
	require.NoError(t, err)
	require.True(t, s.IsValidSource("S19.2E"))
	require.False(t, s.IsValidSource("S28.2E"))

	s3, err := NewServerRecord("", "10.0.0.1", 554, "DVBS2-1", "S*", "box", false, time.Now())
	require.NoError(t, err)
	require.True(t, s3.IsValidSource("S28.2E"))
	require.False(t, s3.IsValidSource("T"))
}

func TestServerRecordAssignDispatchesByFamily(t *testing.T) {
	s, err := NewServerRecord("", "10.0.0.1", 554, "DVBS2-1,DVBT-1,DVBT2-1,DVBC-1,ATSC-1", "", "box", false, time.Now())
	require.NoError(t, err)
	require.True(t, s.Assign(1, "S19.2E", 0))
	require.True(t, s.pool(FrontendDVBS2).Assigned(1))
	require.True(t, s.Assign(2, "A", 0))
	require.True(t, s.pool(FrontendATSC).Assigned(2))
}

func TestServerRecordAssignTFallsBackToT2(t *testing.T) {
	s, err := NewServerRecord("", "10.0.0.1", 554, "DVBT2-1", "", "box", false, time.Now())
	require.NoError(t, err)
	require.True(t, s.Assign(1, "T", 0))
	require.True(t, s.pool(FrontendDVBT2).Assigned(1))
}

func TestServerRecordAssignTForcedSystemSkipsFallback(t *testing.T) {
	s, err := NewServerRecord("", "10.0.0.1", 554, "DVBT-1", "", "box", false, time.Now())
	require.NoError(t, err)
	require.False(t, s.Assign(1, "T", 2))
}

func TestServerRecordMatchesWithoutAllocating(t *testing.T) {
	s, err := NewServerRecord("", "10.0.0.1", 554, "DVBS2-1", "", "box", false, time.Now())
	require.NoError(t, err)
	require.True(t, s.Matches("S19.2E", 0))
	require.Equal(t, -1, s.pool(FrontendDVBS2).slotOf(1))
}

func TestServerRecordAttachDetachDeviceUniqueness(t *testing.T) {
	s, err := NewServerRecord("", "10.0.0.1", 554, "DVBS2-2", "", "box", false, time.Now())
	require.NoError(t, err)
	s.Assign(7, "S19.2E", 0)
	require.True(t, s.Attach(7))
	require.True(t, s.Detach(7))
	require.False(t, s.pool(FrontendDVBS2).Assigned(7))
}

func TestServerRecordIdentityCaseInsensitive(t *testing.T) {
	now := time.Now()
	a, _ := NewServerRecord("", "Server.Local", 554, "DVBS2-1", "", "Box", false, now)
	b, _ := NewServerRecord("", "server.local", 554, "dvbs2-1", "", "box", false, now)
	require.Equal(t, a.Identity(), b.Identity())
}
