package utils_test

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/platform-auth/internal/model"
	"github.com/iliyamo/platform-auth/internal/utils"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newCodec(t *testing.T, c *clock) *utils.TokenCodec {
	t.Helper()
	codec, err := utils.NewTokenCodec(testSecret, 2*time.Hour, utils.WithClock(c.now))
	require.NoError(t, err)
	return codec
}

func identity() model.Identity {
	return model.Identity{
		ID:     7,
		Email:  "ops@example.com",
		Name:   "Ops",
		Status: model.StatusActive,
		Roles:  model.NewRoleSet("data", "admin"),
	}
}

func TestNewTokenCodecRejectsBadConfig(t *testing.T) {
	_, err := utils.NewTokenCodec("short", time.Hour)
	require.Error(t, err)
	_, err = utils.NewTokenCodec(testSecret, 0)
	require.Error(t, err)
}

func TestIssueDecodeRoundTrip(t *testing.T) {
	c := &clock{t: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)}
	codec := newCodec(t, c)

	tok, err := codec.Issue(identity(), "sess-1")
	require.NoError(t, err)
	require.NotEmpty(t, tok.ID)
	require.Equal(t, c.t.Add(2*time.Hour), tok.Exp)

	claims, err := codec.Decode(tok.Token)
	require.NoError(t, err)
	id, ok := claims.IdentityID()
	require.True(t, ok)
	require.Equal(t, uint64(7), id)
	require.Equal(t, "sess-1", claims.SessionID)
	require.Equal(t, tok.ID, claims.ID)
	require.Equal(t, model.NewRoleSet("admin", "data"), claims.Identity.Roles)
	require.Equal(t, "ops@example.com", claims.Identity.Email)
	require.Equal(t, c.t, claims.NotBefore.Time.UTC())
}

func TestIssueGeneratesUniqueTokenIDs(t *testing.T) {
	codec := newCodec(t, &clock{t: time.Now()})
	a, err := codec.Issue(identity(), "")
	require.NoError(t, err)
	b, err := codec.Issue(identity(), "")
	require.NoError(t, err)
	require.NotEqual(t, a.ID, b.ID)
}

func TestDecodeTimeWindow(t *testing.T) {
	issued := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	c := &clock{t: issued}
	codec := newCodec(t, c)
	tok, err := codec.Issue(identity(), "")
	require.NoError(t, err)

	cases := []struct {
		name string
		at   time.Time
		kind utils.DecodeErrorKind
	}{
		{"before not-before", issued.Add(-time.Second), utils.Expired},
		{"at expiry", issued.Add(2 * time.Hour), utils.Expired},
		{"after expiry", issued.Add(3 * time.Hour), utils.Expired},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c.t = tc.at
			_, err := codec.Decode(tok.Token)
			var de *utils.DecodeError
			require.ErrorAs(t, err, &de)
			require.Equal(t, tc.kind, de.Kind)
		})
	}

	for _, at := range []time.Time{issued, issued.Add(time.Hour), issued.Add(2*time.Hour - time.Second)} {
		c.t = at
		_, err := codec.Decode(tok.Token)
		require.NoError(t, err, "at %s", at)
	}
}

func TestDecodeSignatureInvalid(t *testing.T) {
	c := &clock{t: time.Now()}
	codec := newCodec(t, c)
	other, err := utils.NewTokenCodec(strings.Repeat("z", 40), time.Hour, utils.WithClock(c.now))
	require.NoError(t, err)

	tok, err := other.Issue(identity(), "")
	require.NoError(t, err)

	_, err = codec.Decode(tok.Token)
	var de *utils.DecodeError
	require.ErrorAs(t, err, &de)
	require.Equal(t, utils.SignatureInvalid, de.Kind)
}

func TestDecodeRejectsOtherAlgorithms(t *testing.T) {
	codec := newCodec(t, &clock{t: time.Now()})
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Subject:   "7",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = codec.Decode(unsigned)
	var de *utils.DecodeError
	require.ErrorAs(t, err, &de)
	require.Equal(t, utils.SignatureInvalid, de.Kind)
}

func TestDecodeMalformed(t *testing.T) {
	codec := newCodec(t, &clock{t: time.Now()})
	for _, raw := range []string{"", "abc", "a.b.c", "....."} {
		_, err := codec.Decode(raw)
		var de *utils.DecodeError
		require.ErrorAs(t, err, &de, raw)
		require.Equal(t, utils.Malformed, de.Kind, raw)
	}
}

func TestClaimsIdentityIDMissingSubject(t *testing.T) {
	_, ok := (&utils.Claims{}).IdentityID()
	require.False(t, ok)
	c := &utils.Claims{}
	c.Subject = "not-a-number"
	_, ok = c.IdentityID()
	require.False(t, ok)
}

func TestPasswordAndRecoveryCodes(t *testing.T) {
	hash, err := utils.HashPassword("s3cret-pass", 4)
	require.NoError(t, err)
	require.True(t, utils.VerifyPassword(hash, "s3cret-pass"))
	require.False(t, utils.VerifyPassword(hash, "wrong"))
	require.False(t, utils.VerifyPassword("", "anything"))

	plain, hashes, err := utils.NewRecoveryCodes(10)
	require.NoError(t, err)
	require.Len(t, plain, 10)
	require.Len(t, hashes, 10)
	require.Equal(t, hashes[0], utils.HashOpaque(utils.NormalizeRecoveryCode(strings.ToLower(plain[0]))))
}

func TestTOTP(t *testing.T) {
	enr, err := utils.NewTOTP("platform", "ops@example.com")
	require.NoError(t, err)
	require.Contains(t, enr.URL, "otpauth://totp/")

	at := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	code, err := totp.GenerateCode(enr.Secret, at)
	require.NoError(t, err)
	require.True(t, utils.ValidateTOTP(code, enr.Secret, at))
	require.True(t, utils.ValidateTOTP(code, enr.Secret, at.Add(30*time.Second)))
	require.False(t, utils.ValidateTOTP(code, enr.Secret, at.Add(5*time.Minute)))
	require.False(t, utils.ValidateTOTP("", enr.Secret, at))
}
