package envelope

import (
	"encoding/json"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zkemails/zkemails/internal/identity"
)

func TestSealManyRoundTripAllRecipients(t *testing.T) {
	alice := newIdentity(t)
	bob := newIdentity(t)
	carol := newIdentity(t)
	dave := newIdentity(t)

	recipients := map[string][32]byte{
		bob.Fingerprint:   bob.AgreementPublic,
		carol.Fingerprint: carol.AgreementPublic,
		dave.Fingerprint:  dave.AgreementPublic,
	}

	plaintext := []byte("message for the group")
	env, err := SealMany(testFrom, testTo, testSubject, plaintext, alice, recipients)
	require.NoError(t, err)
	require.Len(t, env.Recipients, 3)

	for _, kb := range []*identity.KeyBundle{bob, carol, dave} {
		result := OpenMany(testFrom, testTo, testSubject, env,
			kb.Fingerprint, kb.AgreementPrivate, alice.SigningPublic)
		require.True(t, result.OK, "recipient %s: %s", kb.Fingerprint[:8], result.Reason)
		assert.Equal(t, plaintext, result.Plaintext)
	}
}

func TestSealManyRecipientOrderIsDeterministic(t *testing.T) {
	alice := newIdentity(t)
	bob := newIdentity(t)
	carol := newIdentity(t)

	recipients := map[string][32]byte{
		bob.Fingerprint:   bob.AgreementPublic,
		carol.Fingerprint: carol.AgreementPublic,
	}

	env, err := SealMany(testFrom, testTo, testSubject, []byte("hi"), alice, recipients)
	require.NoError(t, err)

	fingerprints := []string{env.Recipients[0].Fingerprint, env.Recipients[1].Fingerprint}
	assert.True(t, sort.StringsAreSorted(fingerprints))
}

func TestSealManyRequiresRecipients(t *testing.T) {
	alice := newIdentity(t)
	_, err := SealMany(testFrom, testTo, testSubject, []byte("hi"), alice, nil)
	require.Error(t, err)
}

func TestOpenManyNotAddressed(t *testing.T) {
	alice := newIdentity(t)
	bob := newIdentity(t)
	carol := newIdentity(t)

	env, err := SealMany(testFrom, testTo, testSubject, []byte("for bob"), alice,
		map[string][32]byte{bob.Fingerprint: bob.AgreementPublic})
	require.NoError(t, err)

	result := OpenMany(testFrom, testTo, testSubject, env,
		carol.Fingerprint, carol.AgreementPrivate, alice.SigningPublic)
	assert.False(t, result.OK)
	assert.Equal(t, ReasonNotAddressed, result.Reason)
}

func TestOpenManyRejectsTampering(t *testing.T) {
	alice := newIdentity(t)
	bob := newIdentity(t)

	seal := func(t *testing.T) *EnvelopeV2 {
		env, err := SealMany(testFrom, testTo, testSubject, []byte("secret"), alice,
			map[string][32]byte{bob.Fingerprint: bob.AgreementPublic})
		require.NoError(t, err)
		return env
	}

	cases := []struct {
		name   string
		mutate func(*EnvelopeV2)
		reason FailureReason
	}{
		{
			name:   "flipped ciphertext bit",
			mutate: func(e *EnvelopeV2) { e.Ciphertext[0] ^= 0x01 },
			reason: ReasonBadSignature,
		},
		{
			name:   "flipped signature bit",
			mutate: func(e *EnvelopeV2) { e.Signature[0] ^= 0x01 },
			reason: ReasonBadSignature,
		},
		{
			name:   "flipped wrapped key bit",
			mutate: func(e *EnvelopeV2) { e.Recipients[0].WrappedKey[0] ^= 0x01 },
			reason: ReasonKeyUnwrap,
		},
		{
			name:   "wrong-length wrapped key nonce",
			mutate: func(e *EnvelopeV2) { e.Recipients[0].WrappedKeyNonce = []byte{0x01} },
			reason: ReasonMalformed,
		},
		{
			name:   "wrong-length message nonce",
			mutate: func(e *EnvelopeV2) { e.MessageNonce = e.MessageNonce[:2] },
			reason: ReasonMalformed,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := seal(t)
			tc.mutate(env)

			result := OpenMany(testFrom, testTo, testSubject, env,
				bob.Fingerprint, bob.AgreementPrivate, alice.SigningPublic)
			assert.False(t, result.OK)
			assert.Equal(t, tc.reason, result.Reason)
		})
	}
}

func TestSealBCCIsolation(t *testing.T) {
	alice := newIdentity(t)
	bob := newIdentity(t)
	xavier := newIdentity(t)
	yvonne := newIdentity(t)

	plaintext := []byte("bcc'd message")
	envs, err := SealBCC(testFrom, testTo, testSubject, plaintext, alice,
		map[string][32]byte{
			xavier.Fingerprint: xavier.AgreementPublic,
			yvonne.Fingerprint: yvonne.AgreementPublic,
		})
	require.NoError(t, err)
	require.Len(t, envs, 2)

	// Each copy decrypts only for its own recipient.
	for _, kb := range []*identity.KeyBundle{xavier, yvonne} {
		env := envs[kb.Fingerprint]
		require.NotNil(t, env)
		require.Len(t, env.Recipients, 1)

		result := OpenMany(testFrom, testTo, testSubject, env,
			kb.Fingerprint, kb.AgreementPrivate, alice.SigningPublic)
		require.True(t, result.OK)
		assert.Equal(t, plaintext, result.Plaintext)
	}

	// Xavier's serialized copy contains nothing identifying Yvonne.
	xavierWire, err := json.Marshal(envs[xavier.Fingerprint])
	require.NoError(t, err)
	assert.NotContains(t, string(xavierWire), yvonne.Fingerprint)

	result := OpenMany(testFrom, testTo, testSubject, envs[xavier.Fingerprint],
		yvonne.Fingerprint, yvonne.AgreementPrivate, alice.SigningPublic)
	assert.Equal(t, ReasonNotAddressed, result.Reason)

	// Independent copies use independent ephemeral keys.
	assert.NotEqual(t,
		envs[xavier.Fingerprint].EphemeralPublic,
		envs[yvonne.Fingerprint].EphemeralPublic)

	// Bob (a visible recipient of some other copy) still cannot open
	// Xavier's BCC envelope.
	result = OpenMany(testFrom, testTo, testSubject, envs[xavier.Fingerprint],
		bob.Fingerprint, bob.AgreementPrivate, alice.SigningPublic)
	assert.False(t, result.OK)
}
