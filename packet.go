package arpchat

import (
	"encoding/binary"
	"unicode/utf8"
)

// PacketKind tags the wire variant of a Packet, matching the single-byte
// tag carried in every fragment.
type PacketKind byte

const (
	// KindMessage carries a chat message on a channel.
	KindMessage PacketKind = iota
	// KindPresenceReq asks every listener to announce itself.
	KindPresenceReq
	// KindPresence announces a peer's username, optionally marking a join.
	KindPresence
	// KindDisconnect announces a peer is leaving voluntarily.
	KindDisconnect
	// KindReaction attaches a single emoji/scalar reaction to a message.
	KindReaction
)

// Packet is the closed set of application-level messages this transport
// carries. Each concrete type below implements it.
type Packet interface {
	Kind() PacketKind
}

// MessagePacket carries chat text on a channel, authored by a peer.
type MessagePacket struct {
	Author  PeerID
	Channel string
	Body    string
}

// Kind implements Packet.
func (MessagePacket) Kind() PacketKind { return KindMessage }

// PresenceReqPacket asks listeners to announce themselves. It carries no
// payload.
type PresenceReqPacket struct{}

// Kind implements Packet.
func (PresenceReqPacket) Kind() PacketKind { return KindPresenceReq }

// PresencePacket is a heartbeat or join announcement from a peer.
type PresencePacket struct {
	Peer     PeerID
	IsJoin   bool
	Username string
}

// Kind implements Packet.
func (PresencePacket) Kind() PacketKind { return KindPresence }

// DisconnectPacket announces a peer is leaving voluntarily.
type DisconnectPacket struct {
	Peer PeerID
}

// Kind implements Packet.
func (DisconnectPacket) Kind() PacketKind { return KindDisconnect }

// ReactionPacket attaches a single Unicode scalar reaction to a prior
// message, identified by its PacketID.
type ReactionPacket struct {
	Message PacketID
	Emoji   rune
}

// Kind implements Packet.
func (ReactionPacket) Kind() PacketKind { return KindReaction }

// serializePacket encodes p into the inner bytes carried by its fragments.
func serializePacket(p Packet) []byte {
	switch v := p.(type) {
	case MessagePacket:
		chanBytes := []byte(v.Channel)
		body := compressText(v.Body)

		out := make([]byte, 0, idSize+8+len(chanBytes)+len(body))
		out = append(out, v.Author[:]...)
		var chanLen [8]byte
		binary.BigEndian.PutUint64(chanLen[:], uint64(len(chanBytes)))
		out = append(out, chanLen[:]...)
		out = append(out, chanBytes...)
		out = append(out, body...)
		return out

	case PresenceReqPacket:
		return nil

	case PresencePacket:
		out := make([]byte, 0, idSize+1+len(v.Username))
		out = append(out, v.Peer[:]...)
		if v.IsJoin {
			out = append(out, 1)
		} else {
			out = append(out, 0)
		}
		out = append(out, v.Username...)
		return out

	case DisconnectPacket:
		out := make([]byte, idSize)
		copy(out, v.Peer[:])
		return out

	case ReactionPacket:
		out := make([]byte, 0, idSize+4)
		out = append(out, v.Message[:]...)
		var scalar [4]byte
		binary.BigEndian.PutUint32(scalar[:], uint32(v.Emoji))
		out = append(out, scalar[:]...)
		return out

	default:
		return nil
	}
}

// parsePacket decodes the inner bytes of a reassembled packet back into a
// Packet. It returns (nil, false) on any malformed input rather than an
// error: a bad packet is silently dropped, and the sender is expected to
// retry with a fresh PacketID.
func parsePacket(tag PacketKind, data []byte) (Packet, bool) {
	switch tag {
	case KindMessage:
		if len(data) < idSize+8 {
			return nil, false
		}
		var author PeerID
		copy(author[:], data[:idSize])
		rest := data[idSize:]

		chanLen := binary.BigEndian.Uint64(rest[:8])
		rest = rest[8:]
		if uint64(len(rest)) < chanLen {
			return nil, false
		}
		chanBytes := rest[:chanLen]
		if !utf8.Valid(chanBytes) {
			return nil, false
		}
		rest = rest[chanLen:]

		body, err := decompressText(rest)
		if err != nil || !utf8.Valid(body) {
			return nil, false
		}

		return MessagePacket{
			Author:  author,
			Channel: string(chanBytes),
			Body:    string(body),
		}, true

	case KindPresenceReq:
		return PresenceReqPacket{}, true

	case KindPresence:
		if len(data) < idSize+1 {
			return nil, false
		}
		var peer PeerID
		copy(peer[:], data[:idSize])
		isJoin := data[idSize] != 0
		name := data[idSize+1:]
		if !utf8.Valid(name) {
			return nil, false
		}
		return PresencePacket{Peer: peer, IsJoin: isJoin, Username: string(name)}, true

	case KindDisconnect:
		if len(data) != idSize {
			return nil, false
		}
		var peer PeerID
		copy(peer[:], data)
		return DisconnectPacket{Peer: peer}, true

	case KindReaction:
		if len(data) != idSize+4 {
			return nil, false
		}
		var msg PacketID
		copy(msg[:], data[:idSize])
		scalar := binary.BigEndian.Uint32(data[idSize:])
		r := rune(scalar)
		if !utf8.ValidRune(r) {
			return nil, false
		}
		return ReactionPacket{Message: msg, Emoji: r}, true

	default:
		return nil, false
	}
}
