package handler

import "github.com/cardinal-cryptography/most-relayer/pkg/digest"

// Blacklist is the configured set of digests a handler skips, with a
// warning log line per skipped request (spec.md §4.3 step 2, §6
// "Blacklist of 32-byte digests").
type Blacklist map[digest.Digest]struct{}

// NewBlacklist builds a Blacklist from a list of digests.
func NewBlacklist(digests []digest.Digest) Blacklist {
	b := make(Blacklist, len(digests))
	for _, d := range digests {
		b[d] = struct{}{}
	}
	return b
}

// Contains reports whether d is blacklisted.
func (b Blacklist) Contains(d digest.Digest) bool {
	_, ok := b[d]
	return ok
}
