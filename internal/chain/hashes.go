package chain

import "github.com/roach88/keel/internal/canon"

// Hashes holds the last-known content fingerprints per domain, plus
// an optional whole-document content hash.
type Hashes struct {
	Geometry    string
	Arrangement string
	Routing     string
	Phase       string
	Content     string
}

// Mismatch reports one fingerprint divergence between local and
// incoming state.
type Mismatch struct {
	Field    string
	Local    string
	Incoming string
}

// CompareHashes reports per-field mismatches between the stored
// fingerprints and an incoming set. Empty incoming fields are
// ignored: absence of a fingerprint is not evidence of drift.
// Used to detect silent state drift independent of chain linkage.
func (r *Reconciler) CompareHashes(incoming Hashes) []Mismatch {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Mismatch
	for _, f := range hashFields(r.hashes, incoming) {
		if f.incoming != "" && f.local != f.incoming {
			out = append(out, Mismatch{Field: f.name, Local: f.local, Incoming: f.incoming})
		}
	}
	return out
}

// MergeHashes merges incoming fingerprints field-by-field. Empty
// incoming values never overwrite existing hashes.
func (r *Reconciler) MergeHashes(incoming Hashes) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if incoming.Geometry != "" {
		r.hashes.Geometry = incoming.Geometry
	}
	if incoming.Arrangement != "" {
		r.hashes.Arrangement = incoming.Arrangement
	}
	if incoming.Routing != "" {
		r.hashes.Routing = incoming.Routing
	}
	if incoming.Phase != "" {
		r.hashes.Phase = incoming.Phase
	}
	if incoming.Content != "" {
		r.hashes.Content = incoming.Content
	}
}

// KnownHashes returns a copy of the stored fingerprints.
func (r *Reconciler) KnownHashes() Hashes {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hashes
}

// RestoreHashes replaces the stored fingerprints wholesale, used when
// rolling back a transaction snapshot.
func (r *Reconciler) RestoreHashes(h Hashes) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hashes = h
}

// FingerprintPayload computes the canonical content hash of a domain
// payload, matching the backend's fingerprint algorithm.
func FingerprintPayload(payload map[string]any) (string, error) {
	return canon.Fingerprint(payload)
}

type hashField struct {
	name            string
	local, incoming string
}

func hashFields(local, incoming Hashes) []hashField {
	return []hashField{
		{"geometry", local.Geometry, incoming.Geometry},
		{"arrangement", local.Arrangement, incoming.Arrangement},
		{"routing", local.Routing, incoming.Routing},
		{"phase", local.Phase, incoming.Phase},
		{"content", local.Content, incoming.Content},
	}
}
