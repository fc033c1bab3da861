package tapo

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCredentials_Validate(t *testing.T) {
	assert.NoError(t, Credentials{Username: "a@b.com", Password: "secret"}.Validate())
	assert.ErrorIs(t, Credentials{Username: "a@b.com"}.Validate(), ErrInvalidCredentials)
	assert.ErrorIs(t, Credentials{Password: "secret"}.Validate(), ErrInvalidCredentials)
	assert.ErrorIs(t, Credentials{}.Validate(), ErrInvalidCredentials)
}

func TestCredentials_StringRedactsPassword(t *testing.T) {
	s := Credentials{Username: "a@b.com", Password: "hunter2"}.String()
	assert.Contains(t, s, "a@b.com")
	assert.NotContains(t, s, "hunter2")
}

func TestCredentialsHash_StringNeverRendersHash(t *testing.T) {
	h := CredentialsHash("c2VjcmV0aGFzaA==")
	assert.Equal(t, "[REDACTED]", h.String())
}

func TestMergeCredentials_DeviceOverrideWins(t *testing.T) {
	clientDefault := MergedCredentialView{Credentials: Credentials{Username: "client@x.com", Password: "p1"}}
	deviceOverride := MergedCredentialView{Credentials: Credentials{Username: "device@x.com", Password: "p2"}}

	merged := mergeCredentials(clientDefault, deviceOverride)
	assert.Equal(t, "device@x.com", merged.Credentials.Username)
	assert.Equal(t, "p2", merged.Credentials.Password)
}

func TestMergeCredentials_FallsBackToClientDefaultWhenOverrideEmpty(t *testing.T) {
	clientDefault := MergedCredentialView{Credentials: Credentials{Username: "client@x.com", Password: "p1"}}
	merged := mergeCredentials(clientDefault, MergedCredentialView{})
	assert.Equal(t, clientDefault, merged)
}

func TestMergeCredentials_CredentialsHashOverrideWins(t *testing.T) {
	clientDefault := MergedCredentialView{CredentialsHash: "aGFzaDE="}
	deviceOverride := MergedCredentialView{CredentialsHash: "aGFzaDI="}
	merged := mergeCredentials(clientDefault, deviceOverride)
	assert.Equal(t, CredentialsHash("aGFzaDI="), merged.CredentialsHash)
}

func TestKLAPCandidates_OrderAndDedup(t *testing.T) {
	view := MergedCredentialView{Credentials: Credentials{Username: "a@b.com", Password: "secret"}}
	candidates, err := klapCandidates(view)
	require.NoError(t, err)

	// user credentials (v2,v1), kasa (v2,v1), tapo (v2,v1), blank (v2,v1) = 8
	assert.Len(t, candidates, 8)
	assert.Equal(t, "user credentials", candidates[0].label)
	assert.Equal(t, klapV2, candidates[0].version)
	assert.Equal(t, "user credentials", candidates[1].label)
	assert.Equal(t, klapV1, candidates[1].version)
	assert.Equal(t, "blank", candidates[len(candidates)-1].label)
}

func TestKLAPCandidates_CredentialsHashPrependsMatchingVersion(t *testing.T) {
	hash32 := base64.StdEncoding.EncodeToString(make([]byte, 32))
	view := MergedCredentialView{CredentialsHash: CredentialsHash(hash32)}
	candidates, err := klapCandidates(view)
	require.NoError(t, err)
	require.NotEmpty(t, candidates)
	assert.Equal(t, "user hash", candidates[0].label)
	assert.Equal(t, klapV2, candidates[0].version)

	hash16 := base64.StdEncoding.EncodeToString(make([]byte, 16))
	view16 := MergedCredentialView{CredentialsHash: CredentialsHash(hash16)}
	candidates16, err := klapCandidates(view16)
	require.NoError(t, err)
	assert.Equal(t, klapV1, candidates16[0].version)
}

func TestKLAPCandidates_RejectsInvalidHashLength(t *testing.T) {
	bad := base64.StdEncoding.EncodeToString(make([]byte, 10))
	_, err := klapCandidates(MergedCredentialView{CredentialsHash: CredentialsHash(bad)})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestAESLoginCandidates_DefaultsAlwaysPresent(t *testing.T) {
	candidates, err := aesLoginCandidates(MergedCredentialView{})
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	assert.Equal(t, "default-TAPO v2", candidates[0].label)
	assert.Equal(t, "default-TAPO v1", candidates[1].label)
}

func TestAESLoginCandidates_UserCredentialsPrependDefaults(t *testing.T) {
	view := MergedCredentialView{Credentials: Credentials{Username: "a@b.com", Password: "secret"}}
	candidates, err := aesLoginCandidates(view)
	require.NoError(t, err)
	require.Len(t, candidates, 4)
	assert.Equal(t, "user credentials v2", candidates[0].label)
	assert.Equal(t, "user credentials v1", candidates[1].label)
}

func TestNewTerminalUUID_ProducesDistinctBase64Values(t *testing.T) {
	a, err := newTerminalUUID()
	require.NoError(t, err)
	b, err := newTerminalUUID()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	decoded, err := base64.StdEncoding.DecodeString(a)
	require.NoError(t, err)
	assert.Len(t, decoded, 16)
}
