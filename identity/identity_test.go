package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrCreatePersists(t *testing.T) {
	dir := t.TempDir()

	d1, err := LoadOrCreate(dir)
	require.NoError(t, err)
	require.NotEmpty(t, d1.ID)
	require.NotEmpty(t, d1.PublicKeyBase64())

	d2, err := LoadOrCreate(dir)
	require.NoError(t, err)

	assert.Equal(t, d1.ID, d2.ID, "identity must survive restarts")
	assert.Equal(t, d1.PublicKeyBase64(), d2.PublicKeyBase64())
}

func TestSignVerify(t *testing.T) {
	d, err := LoadOrCreate(t.TempDir())
	require.NoError(t, err)

	payload := SignaturePayload(d.ID, "openclaw-relay", "relay", "operator",
		[]string{"operator.admin"}, 1700000000000, "tok", "nonce-1")

	sig := d.Sign(payload)
	assert.True(t, d.Verify(payload, sig))
	assert.False(t, d.Verify(payload+"x", sig))
	assert.False(t, d.Verify(payload, "not base64!"))
}

func TestSignaturePayloadCanonical(t *testing.T) {
	got := SignaturePayload("dev1", "openclaw-relay", "relay", "operator",
		[]string{"b.scope", "a.scope", "b.scope"}, 123, "", "")

	// Scopes sorted and deduplicated; empty token and nonce keep their
	// segments.
	assert.Equal(t, "v2|dev1|openclaw-relay|relay|operator|a.scope,b.scope|123||", got)
}

func TestSignaturePayloadNoScopes(t *testing.T) {
	got := SignaturePayload("dev1", "cli", "relay", "operator", nil, 9, "t", "n")
	assert.Equal(t, "v2|dev1|cli|relay|operator||9|t|n", got)
}

func TestSignatureChangesWithNonce(t *testing.T) {
	d, err := LoadOrCreate(t.TempDir())
	require.NoError(t, err)

	p1 := SignaturePayload(d.ID, "c", "relay", "operator", nil, 1, "", "n1")
	p2 := SignaturePayload(d.ID, "c", "relay", "operator", nil, 1, "", "n2")

	assert.NotEqual(t, d.Sign(p1), d.Sign(p2))
}
