package trust

import (
	"sort"

	"github.com/zkemails/zkemails/internal/model"
)

// ChangeType classifies one contact's difference between two snapshots.
type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeRemoved  ChangeType = "removed"
	ChangeModified ChangeType = "modified"
)

// ChangeEntry is one contact's difference between an older and a newer
// contact table. KeyChanged flags a fingerprint change distinctly from
// status-only changes: it signals a potential key-rotation-or-attack event.
type ChangeEntry struct {
	Email         string
	Change        ChangeType
	ChangedFields []string
	KeyChanged    bool
	Old           *model.Contact
	New           *model.Contact
}

// Diff compares two contact tables (snapshots, or a snapshot and the live
// table) field by field and returns the per-contact changes ordered by
// email.
func Diff(older, newer []model.Contact) []ChangeEntry {
	oldByEmail := make(map[string]model.Contact, len(older))
	for _, c := range older {
		oldByEmail[c.Email] = c
	}
	newByEmail := make(map[string]model.Contact, len(newer))
	for _, c := range newer {
		newByEmail[c.Email] = c
	}

	var entries []ChangeEntry

	for email, oldContact := range oldByEmail {
		newContact, stillThere := newByEmail[email]
		if !stillThere {
			old := oldContact
			entries = append(entries, ChangeEntry{
				Email:  email,
				Change: ChangeRemoved,
				Old:    &old,
			})
			continue
		}

		fields := changedFields(oldContact, newContact)
		if len(fields) == 0 {
			continue
		}

		old, updated := oldContact, newContact
		entries = append(entries, ChangeEntry{
			Email:         email,
			Change:        ChangeModified,
			ChangedFields: fields,
			KeyChanged:    oldContact.Fingerprint != newContact.Fingerprint,
			Old:           &old,
			New:           &updated,
		})
	}

	for email, newContact := range newByEmail {
		if _, known := oldByEmail[email]; known {
			continue
		}
		updated := newContact
		entries = append(entries, ChangeEntry{
			Email:  email,
			Change: ChangeAdded,
			New:    &updated,
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Email < entries[j].Email
	})

	return entries
}

// changedFields lists the field names that differ between two versions of
// a contact. Timestamps are bookkeeping, not pinned state, and are not
// compared.
func changedFields(old, updated model.Contact) []string {
	var fields []string
	if old.Status != updated.Status {
		fields = append(fields, "status")
	}
	if old.Fingerprint != updated.Fingerprint {
		fields = append(fields, "fingerprint")
	}
	if old.SigningPublic != updated.SigningPublic {
		fields = append(fields, "signing_public")
	}
	if old.AgreementPublic != updated.AgreementPublic {
		fields = append(fields, "agreement_public")
	}
	return fields
}
