package metainfo

import "crypto/rand"

// clientPrefix is the outbound peer-id convention (§6): a qBittorrent-style
// Azureus-ish prefix followed by 12 random bytes, 20 bytes total.
const clientPrefix = "-qB4250-"

// GenerateLocalPeerID produces the process-wide local peer-id once; callers
// should call this exactly once per process and share the result across all
// torrents, per spec.md §3.
func GenerateLocalPeerID() [20]byte {
	var id [20]byte
	copy(id[:], clientPrefix)
	rand.Read(id[len(clientPrefix):])
	return id
}
