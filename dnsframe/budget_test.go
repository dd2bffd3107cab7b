package dnsframe_test

import (
	"strings"
	"testing"

	"github.com/fcchbjm/quictun/dnsframe"
	"github.com/fcchbjm/quictun/internal/tunerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBudget(t *testing.T) {
	t.Parallel()

	for d := range dnsframe.MaxDomainLen - 1 {
		mtu, err := dnsframe.Budget(d)
		require.NoError(t, err)

		// mtu is the floor of (240 - d) / 1.6, that is the largest integer
		// with mtu * 8 <= (240 - d) * 5.
		room := (dnsframe.MaxDomainLen - d) * 5
		assert.LessOrEqual(t, mtu*8, room, "d=%d", d)
		assert.Greater(t, (mtu+1)*8, room, "d=%d", d)
	}
}

func TestBudget_errors(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		wantErr   error
		name      string
		domainLen int
	}{{
		wantErr:   dnsframe.ErrZeroMTU,
		name:      "zero_mtu",
		domainLen: dnsframe.MaxDomainLen - 1,
	}, {
		wantErr:   dnsframe.ErrDomainTooLong,
		name:      "ceiling",
		domainLen: dnsframe.MaxDomainLen,
	}, {
		wantErr:   dnsframe.ErrDomainTooLong,
		name:      "above_ceiling",
		domainLen: 300,
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			mtu, err := dnsframe.Budget(tc.domainLen)
			require.ErrorIs(t, err, tc.wantErr)

			assert.Zero(t, mtu)
			assert.Equal(t, tunerr.KindConfiguration, tunerr.KindOf(err))
		})
	}
}

func TestBudget_knownValues(t *testing.T) {
	t.Parallel()

	// "test.example.com" is 16 bytes long.
	mtu, err := dnsframe.Budget(len("test.example.com"))
	require.NoError(t, err)

	assert.Equal(t, 140, mtu)

	mtu, err = dnsframe.Budget(0)
	require.NoError(t, err)

	assert.Equal(t, 150, mtu)
}

func TestNewCodec_domainTooLong(t *testing.T) {
	t.Parallel()

	label := strings.Repeat("a", 59)
	domain := strings.Join([]string{label, label, label, label, "com"}, ".")
	require.GreaterOrEqual(t, len(domain), dnsframe.MaxDomainLen)

	c, err := dnsframe.NewCodec(domain)
	require.ErrorIs(t, err, dnsframe.ErrDomainTooLong)

	assert.Nil(t, c)
	assert.True(t, tunerr.Is(err, tunerr.KindConfiguration))
}
