package models

import "time"

// PasskeyCredentialEntry is one authenticator's wrapped copy of the key bundle.
type PasskeyCredentialEntry struct {
	ID                 string    `json:"id"`
	EncryptedKeyBundle []byte    `json:"encrypted_key_bundle"`
	IV                 []byte    `json:"iv"`
	SyncVersion        int       `json:"sync_version"`
	CreatedAt          time.Time `json:"created_at"`
}

// UpsertCredential replaces the entry with the same id or appends it.
func UpsertCredential(entries []PasskeyCredentialEntry, entry PasskeyCredentialEntry) []PasskeyCredentialEntry {
	out := make([]PasskeyCredentialEntry, 0, len(entries)+1)
	replaced := false
	for _, e := range entries {
		if e.ID == entry.ID {
			out = append(out, entry)
			replaced = true
			continue
		}
		out = append(out, e)
	}
	if !replaced {
		out = append(out, entry)
	}
	return out
}

// FindCredential returns the entry with the given id.
func FindCredential(entries []PasskeyCredentialEntry, id string) (PasskeyCredentialEntry, bool) {
	for _, e := range entries {
		if e.ID == id {
			return e, true
		}
	}
	return PasskeyCredentialEntry{}, false
}

// MaxSyncVersion returns the highest sync version across entries.
func MaxSyncVersion(entries []PasskeyCredentialEntry) int {
	max := 0
	for _, e := range entries {
		if e.SyncVersion > max {
			max = e.SyncVersion
		}
	}
	return max
}

// CredentialIDs lists entry ids in order.
func CredentialIDs(entries []PasskeyCredentialEntry) []string {
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ID)
	}
	return ids
}
