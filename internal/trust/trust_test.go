package trust

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zkemails/zkemails/internal/identity"
	"github.com/zkemails/zkemails/internal/model"
	"github.com/zkemails/zkemails/internal/store"
	"github.com/zkemails/zkemails/tests/testutil"
)

func newTestTrust(t *testing.T) (*Store, *store.SQLiteStore) {
	t.Helper()

	db := testutil.NewTestStore(t)
	return New(db), db
}

func gossipFor(t *testing.T) (fingerprint, signingPub, agreementPub string) {
	t.Helper()

	kb, err := identity.Generate()
	require.NoError(t, err)

	return kb.Fingerprint,
		base64.StdEncoding.EncodeToString(kb.SigningPublic),
		base64.StdEncoding.EncodeToString(kb.AgreementPublic[:])
}

func TestUpsertBasicCreatesPlaceholder(t *testing.T) {
	ts, _ := newTestTrust(t)
	ctx := context.Background()

	c, err := ts.UpsertBasic(ctx, "bob@example.com")
	require.NoError(t, err)
	assert.Equal(t, model.ContactInvitedOut, c.Status)
	assert.Empty(t, c.Fingerprint)
	assert.NotZero(t, c.FirstSeen)
}

func TestUpsertBasicDoesNotDowngradeReadyContact(t *testing.T) {
	ts, _ := newTestTrust(t)
	ctx := context.Background()

	fp, sig, agr := gossipFor(t)
	_, err := ts.UpsertKeys(ctx, "bob@example.com", fp, sig, agr)
	require.NoError(t, err)

	c, err := ts.UpsertBasic(ctx, "bob@example.com")
	require.NoError(t, err)
	assert.Equal(t, model.ContactReady, c.Status)
	assert.Equal(t, fp, c.Fingerprint)
}

func TestUpsertKeysPinsContact(t *testing.T) {
	ts, _ := newTestTrust(t)
	ctx := context.Background()

	fp, sig, agr := gossipFor(t)
	c, err := ts.UpsertKeys(ctx, "bob@example.com", fp, sig, agr)
	require.NoError(t, err)

	assert.Equal(t, model.ContactReady, c.Status)
	assert.Equal(t, fp, c.Fingerprint)

	got, err := ts.Get(ctx, "bob@example.com")
	require.NoError(t, err)
	assert.Equal(t, fp, got.Fingerprint)

	signingPub, agreementPub, err := PinnedKeys(got)
	require.NoError(t, err)
	assert.Len(t, signingPub, 32)
	assert.NotEqual(t, [32]byte{}, agreementPub)
}

func TestUpsertKeysIsIdempotent(t *testing.T) {
	ts, db := newTestTrust(t)
	ctx := context.Background()

	fp, sig, agr := gossipFor(t)

	_, err := ts.UpsertKeys(ctx, "bob@example.com", fp, sig, agr)
	require.NoError(t, err)
	_, err = ts.UpsertKeys(ctx, "bob@example.com", fp, sig, agr)
	require.NoError(t, err)

	// Identical re-pin produces one version delta, not two.
	snapshots, err := db.ListSnapshots(ctx)
	require.NoError(t, err)
	assert.Len(t, snapshots, 1)
}

func TestUpsertKeysTransitionsPlaceholder(t *testing.T) {
	ts, db := newTestTrust(t)
	ctx := context.Background()

	placeholder, err := ts.UpsertBasic(ctx, "bob@example.com")
	require.NoError(t, err)

	fp, sig, agr := gossipFor(t)
	ready, err := ts.UpsertKeys(ctx, "bob@example.com", fp, sig, agr)
	require.NoError(t, err)

	assert.Equal(t, model.ContactReady, ready.Status)
	assert.Equal(t, placeholder.FirstSeen, ready.FirstSeen)

	// Placeholder creation and pinning each snapshot the table first.
	snapshots, err := db.ListSnapshots(ctx)
	require.NoError(t, err)
	require.Len(t, snapshots, 2)
	assert.Empty(t, snapshots[0].Contacts)
	require.Len(t, snapshots[1].Contacts, 1)
	assert.Equal(t, model.ContactInvitedOut, snapshots[1].Contacts[0].Status)
}

func TestUpsertKeysToleratesShortFingerprint(t *testing.T) {
	ts, _ := newTestTrust(t)
	ctx := context.Background()

	_, sig, agr := gossipFor(t)
	c, err := ts.UpsertKeys(ctx, "mallory@example.com", "abc", sig, agr)
	require.NoError(t, err)
	assert.Equal(t, "abc", c.Fingerprint)

	// A short claimed fingerprint must not break the rekey warning path
	// either.
	_, sig2, agr2 := gossipFor(t)
	c, err = ts.UpsertKeys(ctx, "mallory@example.com", "xy", sig2, agr2)
	require.NoError(t, err)
	assert.Equal(t, "xy", c.Fingerprint)
}

func TestGetUnknownContactIsTrustError(t *testing.T) {
	ts, _ := newTestTrust(t)

	_, err := ts.Get(context.Background(), "stranger@example.com")
	require.Error(t, err)
	assert.True(t, IsTrustError(err))
}

func TestPinnedKeysRequiresReadyContact(t *testing.T) {
	_, _, err := PinnedKeys(&model.Contact{
		Email:  "bob@example.com",
		Status: model.ContactInvitedOut,
	})
	require.Error(t, err)
	assert.True(t, IsTrustError(err))
}

func TestDiffReportsAddedAndModified(t *testing.T) {
	older := []model.Contact{
		{Email: "alice@example.com", Status: model.ContactReady, Fingerprint: "fp1"},
	}
	newer := []model.Contact{
		{Email: "alice@example.com", Status: model.ContactReady, Fingerprint: "fp2"},
		{Email: "bob@example.com", Status: model.ContactInvitedOut},
	}

	entries := Diff(older, newer)
	require.Len(t, entries, 2)

	alice := entries[0]
	assert.Equal(t, "alice@example.com", alice.Email)
	assert.Equal(t, ChangeModified, alice.Change)
	assert.Contains(t, alice.ChangedFields, "fingerprint")
	assert.True(t, alice.KeyChanged)
	assert.Equal(t, "fp1", alice.Old.Fingerprint)
	assert.Equal(t, "fp2", alice.New.Fingerprint)

	bob := entries[1]
	assert.Equal(t, "bob@example.com", bob.Email)
	assert.Equal(t, ChangeAdded, bob.Change)
	assert.Nil(t, bob.Old)
}

func TestDiffStatusOnlyChangeIsNotKeyChange(t *testing.T) {
	older := []model.Contact{
		{Email: "bob@example.com", Status: model.ContactInvitedOut},
	}
	newer := []model.Contact{
		{Email: "bob@example.com", Status: model.ContactReady},
	}

	entries := Diff(older, newer)
	require.Len(t, entries, 1)
	assert.Equal(t, ChangeModified, entries[0].Change)
	assert.Equal(t, []string{"status"}, entries[0].ChangedFields)
	assert.False(t, entries[0].KeyChanged)
}

func TestDiffReportsRemoved(t *testing.T) {
	older := []model.Contact{
		{Email: "bob@example.com", Status: model.ContactReady, Fingerprint: "fp1"},
	}

	entries := Diff(older, nil)
	require.Len(t, entries, 1)
	assert.Equal(t, ChangeRemoved, entries[0].Change)
	assert.Equal(t, "fp1", entries[0].Old.Fingerprint)
	assert.Nil(t, entries[0].New)
}

func TestDiffIgnoresTimestampChurn(t *testing.T) {
	older := []model.Contact{
		{Email: "bob@example.com", Status: model.ContactReady, Fingerprint: "fp1", LastUpdated: 100},
	}
	newer := []model.Contact{
		{Email: "bob@example.com", Status: model.ContactReady, Fingerprint: "fp1", LastUpdated: 200},
	}

	assert.Empty(t, Diff(older, newer))
}

func TestSnapshotHistoryTracksRekey(t *testing.T) {
	ts, db := newTestTrust(t)
	ctx := context.Background()

	fp1, sig1, agr1 := gossipFor(t)
	_, err := ts.UpsertKeys(ctx, "bob@example.com", fp1, sig1, agr1)
	require.NoError(t, err)

	fp2, sig2, agr2 := gossipFor(t)
	_, err = ts.UpsertKeys(ctx, "bob@example.com", fp2, sig2, agr2)
	require.NoError(t, err)

	snapshots, err := db.ListSnapshots(ctx)
	require.NoError(t, err)
	require.Len(t, snapshots, 2)

	live, err := ts.List(ctx)
	require.NoError(t, err)

	entries := Diff(snapshots[1].Contacts, live)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].KeyChanged)
}
