package arpchat

import (
	"crypto/rand"
	"encoding/hex"
)

// idSize is the byte length of both PacketID and PeerID values.
const idSize = 8

// PacketID is an opaque identifier stamped on every fragment of a single
// sent packet. It is not per-fragment: all fragments of one packet share a
// PacketID, which is how the receiver groups them back together.
type PacketID [idSize]byte

// String renders a PacketID as lowercase hex, for logging.
func (id PacketID) String() string {
	return hex.EncodeToString(id[:])
}

// PeerID identifies a single chat participant. It is chosen once when a
// NetWorker starts and never changes for the lifetime of that worker.
type PeerID [idSize]byte

// String renders a PeerID as lowercase hex, for logging.
func (id PeerID) String() string {
	return hex.EncodeToString(id[:])
}

// newPacketID draws a fresh, unbiased PacketID.
func newPacketID() (PacketID, error) {
	var id PacketID
	if _, err := rand.Read(id[:]); err != nil {
		return PacketID{}, err
	}
	return id, nil
}

// newPeerID draws a fresh, unbiased PeerID.
func newPeerID() (PeerID, error) {
	var id PeerID
	if _, err := rand.Read(id[:]); err != nil {
		return PeerID{}, err
	}
	return id, nil
}
