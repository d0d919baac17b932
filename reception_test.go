package satip

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestParseReceptionRoundTrip(t *testing.T) {
	payload := []byte("ver=1.0;src=1;tuner=7,224,1,15,0;pids=0,16,17")
	got, ok := ParseReception(payload)
	require.True(t, ok)

	want := ReceptionStatus{
		FrontendID:        7,
		HasLock:           true,
		SignalStrength:    88,
		SignalStrengthDBm: -25.0,
		SignalQuality:     100,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("reception mismatch (-want +got):\n%s", diff)
	}
}

func TestParseReceptionNoMarker(t *testing.T) {
	_, ok := ParseReception([]byte("ver=1.0;src=1"))
	require.False(t, ok)
}

func TestParseReceptionUnlockedZeroesQuality(t *testing.T) {
	got, ok := ParseReception([]byte("ver=1.0;tuner=3,100,0,12"))
	require.True(t, ok)
	require.False(t, got.HasLock)
	require.Equal(t, 0, got.SignalQuality)
}

func TestParseReceptionClampsLevel(t *testing.T) {
	got, ok := ParseReception([]byte("ver=1.0;tuner=1,9000,1,15"))
	require.True(t, ok)
	require.Equal(t, 100, got.SignalStrength)
}

func TestParseReceptionNulSafe(t *testing.T) {
	payload := append([]byte("SES1\x00ver=1.0;tuner=2,128,1,10;pids=0"), 0x00)
	got, ok := ParseReception(payload)
	require.True(t, ok)
	require.Equal(t, 2, got.FrontendID)
}
