package credential

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIssueClampsToCap(t *testing.T) {
	issuer := NewIssuer()

	cred, err := issuer.Issue("trade-1", 25, 10, time.Hour)
	require.NoError(t, err)
	require.Equal(t, int64(10), cred.CreditsLimit)

	cred, err = issuer.Issue("trade-2", 3, 10, time.Hour)
	require.NoError(t, err)
	require.Equal(t, int64(3), cred.CreditsLimit)
}

func TestIssueIDFormat(t *testing.T) {
	issuer := NewIssuer()

	a, err := issuer.Issue("trade-1", 10, 10, time.Hour)
	require.NoError(t, err)
	b, err := issuer.Issue("trade-1", 10, 10, time.Hour)
	require.NoError(t, err)

	require.True(t, strings.HasPrefix(a.ID, "ck-temp-"))
	require.Len(t, a.ID, len("ck-temp-")+32)
	require.NotEqual(t, a.ID, b.ID)
}

func TestIsActiveExpiryBoundary(t *testing.T) {
	issuer := NewIssuer()
	issued := time.Now()
	issuer.now = func() time.Time { return issued }

	cred, err := issuer.Issue("trade-1", 10, 10, time.Hour)
	require.NoError(t, err)

	issuer.now = func() time.Time { return issued.Add(59*time.Minute + 59*time.Second) }
	require.True(t, issuer.IsActive(cred))

	// The expiry instant itself is no longer active.
	issuer.now = func() time.Time { return issued.Add(time.Hour) }
	require.False(t, issuer.IsActive(cred))

	issuer.now = func() time.Time { return issued.Add(time.Hour + time.Second) }
	require.False(t, issuer.IsActive(cred))
}

func TestRevoke(t *testing.T) {
	issuer := NewIssuer()

	cred, err := issuer.Issue("trade-1", 10, 10, time.Hour)
	require.NoError(t, err)

	require.True(t, issuer.Revoke(cred.ID))
	require.False(t, issuer.Revoke("ck-temp-unknown"))

	got, ok := issuer.Get(cred.ID)
	require.True(t, ok)
	require.True(t, got.Revoked)
	require.False(t, issuer.IsActive(got))
}

func TestSweepRemovesDeadCredentials(t *testing.T) {
	issuer := NewIssuer()
	issued := time.Now()
	issuer.now = func() time.Time { return issued }

	live, err := issuer.Issue("trade-1", 10, 10, time.Hour)
	require.NoError(t, err)
	expired, err := issuer.Issue("trade-2", 10, 10, time.Minute)
	require.NoError(t, err)
	revoked, err := issuer.Issue("trade-3", 10, 10, time.Hour)
	require.NoError(t, err)
	issuer.Revoke(revoked.ID)

	issuer.now = func() time.Time { return issued.Add(30 * time.Minute) }
	require.Equal(t, 2, issuer.Sweep())
	require.Equal(t, 1, issuer.Count())

	_, ok := issuer.Get(live.ID)
	require.True(t, ok)
	_, ok = issuer.Get(expired.ID)
	require.False(t, ok)
}

func TestActiveListing(t *testing.T) {
	issuer := NewIssuer()

	_, err := issuer.Issue("trade-1", 10, 10, time.Hour)
	require.NoError(t, err)
	dead, err := issuer.Issue("trade-2", 10, 10, time.Hour)
	require.NoError(t, err)
	issuer.Revoke(dead.ID)

	active := issuer.Active()
	require.Len(t, active, 1)
	require.Equal(t, "trade-1", active[0].TradeID)
}
