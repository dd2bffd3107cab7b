package pinning_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/fcchbjm/quictun/internal/quictuntest"
	"github.com/fcchbjm/quictun/internal/tunerr"
	"github.com/fcchbjm/quictun/pinning"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testDomain is the tunnel domain used in tests.
const testDomain = "test.example.com"

func TestSet_Validate(t *testing.T) {
	t.Parallel()

	cert := quictuntest.NewCertificate(t, testDomain)
	other := quictuntest.NewCertificate(t, "alt.example.com")

	testCases := []struct {
		set        *pinning.Set
		name       string
		leaf       []byte
		wantReason pinning.Reason
	}{{
		set:        pinning.NewSet(),
		name:       "empty_accepts",
		leaf:       cert.Leaf.Raw,
		wantReason: 0,
	}, {
		set:        pinning.NewSet(),
		name:       "empty_accepts_garbage",
		leaf:       []byte("garbage"),
		wantReason: 0,
	}, {
		set:        pinning.NewSet(cert.Leaf),
		name:       "pinned",
		leaf:       cert.Leaf.Raw,
		wantReason: 0,
	}, {
		set:        pinning.NewSet(other.Leaf, cert.Leaf),
		name:       "one_of_many",
		leaf:       cert.Leaf.Raw,
		wantReason: 0,
	}, {
		set:        pinning.NewSet(other.Leaf),
		name:       "other",
		leaf:       cert.Leaf.Raw,
		wantReason: pinning.ReasonNoMatch,
	}, {
		set:        pinning.NewSet(cert.Leaf),
		name:       "unparsable",
		leaf:       []byte("garbage"),
		wantReason: pinning.ReasonUnparsable,
	}, {
		set:        pinning.NewSet(cert.Leaf),
		name:       "no_certificate",
		leaf:       nil,
		wantReason: pinning.ReasonNoCertificate,
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			err := tc.set.Validate(tc.leaf)
			if tc.wantReason == 0 {
				assert.NoError(t, err)

				return
			}

			rejErr := &pinning.RejectError{}
			require.ErrorAs(t, err, &rejErr)

			assert.Equal(t, tc.wantReason, rejErr.Reason)
		})
	}
}

func TestSet_Validate_sameKeyRenewed(t *testing.T) {
	t.Parallel()

	cert := quictuntest.NewCertificate(t, testDomain)
	fp := pinning.FingerprintOf(cert.Leaf)

	assert.Len(t, fp.String(), 64)

	set := pinning.NewSet(cert.Leaf)
	assert.Equal(t, 1, set.Len())

	// The fingerprint only covers the public key.
	renewed := cert.Reissue(t, testDomain)
	require.NotEqual(t, cert.Leaf.Raw, renewed.Leaf.Raw)

	assert.Equal(t, fp, pinning.FingerprintOf(renewed.Leaf))
	assert.NoError(t, set.Validate(renewed.Leaf.Raw))
}

func TestSet_ValidateHost(t *testing.T) {
	t.Parallel()

	cert := quictuntest.NewCertificate(t, testDomain)
	renamed := cert.Reissue(t, "renamed.example.com")
	other := quictuntest.NewCertificate(t, testDomain)

	testCases := []struct {
		set        *pinning.Set
		name       string
		host       string
		leaf       []byte
		wantReason pinning.Reason
	}{{
		set:        pinning.NewSet(cert.Leaf),
		name:       "pinned",
		host:       testDomain,
		leaf:       cert.Leaf.Raw,
		wantReason: 0,
	}, {
		set:        pinning.NewSet(cert.Leaf),
		name:       "same_key_other_name",
		host:       testDomain,
		leaf:       renamed.Leaf.Raw,
		wantReason: pinning.ReasonNameMismatch,
	}, {
		set:        pinning.NewSet(cert.Leaf),
		name:       "same_key_other_name_no_host",
		host:       "",
		leaf:       renamed.Leaf.Raw,
		wantReason: 0,
	}, {
		set:        pinning.NewSet(cert.Leaf),
		name:       "other_key_same_name",
		host:       testDomain,
		leaf:       other.Leaf.Raw,
		wantReason: pinning.ReasonNoMatch,
	}, {
		set:        pinning.NewSet(),
		name:       "empty_skips_name",
		host:       testDomain,
		leaf:       renamed.Leaf.Raw,
		wantReason: 0,
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			err := tc.set.ValidateHost([][]byte{tc.leaf}, tc.host)
			if tc.wantReason == 0 {
				assert.NoError(t, err)

				return
			}

			rejErr := &pinning.RejectError{}
			require.ErrorAs(t, err, &rejErr)

			assert.Equal(t, tc.wantReason, rejErr.Reason)
			assert.NotEmpty(t, rejErr.Fingerprint)
		})
	}
}

func TestSet_ValidateChain(t *testing.T) {
	t.Parallel()

	cert := quictuntest.NewCertificate(t, testDomain)
	other := quictuntest.NewCertificate(t, testDomain)
	set := pinning.NewSet(cert.Leaf)

	assert.NoError(t, set.ValidateChain([][]byte{cert.Leaf.Raw, other.Leaf.Raw}))
	assert.Error(t, set.ValidateChain([][]byte{other.Leaf.Raw, cert.Leaf.Raw}))
	assert.Error(t, set.ValidateChain(nil))
}

func TestLoadSet(t *testing.T) {
	t.Parallel()

	cert := quictuntest.NewCertificate(t, testDomain)
	other := quictuntest.NewCertificate(t, "alt.example.com")

	dir := t.TempDir()
	bundle := filepath.Join(dir, "bundle.pem")
	data := append(append([]byte(nil), cert.CertPEM...), other.CertPEM...)
	require.NoError(t, os.WriteFile(bundle, append(data, cert.KeyPEM...), 0o600))

	set, err := pinning.LoadSet(bundle)
	require.NoError(t, err)

	assert.Equal(t, 2, set.Len())
	assert.NoError(t, set.Validate(other.Leaf.Raw))

	t.Run("missing", func(t *testing.T) {
		t.Parallel()

		_, lErr := pinning.LoadSet(filepath.Join(dir, "missing.pem"))
		require.Error(t, lErr)

		assert.True(t, errors.Is(lErr, os.ErrNotExist))
		assert.Equal(t, tunerr.KindConfiguration, tunerr.KindOf(lErr))
	})

	t.Run("no_certificates", func(t *testing.T) {
		t.Parallel()

		keyOnly := filepath.Join(dir, "key.pem")
		require.NoError(t, os.WriteFile(keyOnly, cert.KeyPEM, 0o600))

		_, lErr := pinning.LoadSet(keyOnly)
		assert.Equal(t, tunerr.KindConfiguration, tunerr.KindOf(lErr))
	})

	t.Run("none", func(t *testing.T) {
		t.Parallel()

		empty, lErr := pinning.LoadSet()
		require.NoError(t, lErr)

		assert.Zero(t, empty.Len())
	})
}
