package arpchat

import (
	"encoding/binary"
	"net"

	"github.com/caser789/ethernet"
)

// frame.go packs and unpacks the ARP-shaped byte layout that carries this
// transport's fragments. Every outbound fragment becomes one complete
// Ethernet frame; every inbound frame is either a match (yielding a
// fragment) or silently ignored.
//
// The ARP payload's byte offsets below mirror a standard arp.Packet
// MarshalBinary/UnmarshalBinary (HardwareType, ProtocolType, MACLength,
// IPLength, Operation, then Sender/Target address pairs), generalized from
// fixed 4-byte IPv4 addresses to an arbitrary-length (≤255) opaque
// application payload duplicated across both Protocol Address regions.

const (
	arpHardwareType = 0x0001 // Ethernet
	arpHardwareLen  = 6      // MAC address length
	arpOperation    = 0x0001 // ARP request

	packetMagic = "uwu"

	// fragmentHeaderSize is magic(3) + tag(1) + seq(1) + total(1) + PacketID(8).
	fragmentHeaderSize = len(packetMagic) + 3 + idSize

	// maxAppBytes is the hard ceiling on application bytes per fragment:
	// the Protocol Address Length field is one byte, so L ≤ 255.
	maxAppBytes = 255

	// MaxFragmentPayload is the largest inner fragment body a single frame
	// can carry, after the fragment header overhead.
	MaxFragmentPayload = maxAppBytes - fragmentHeaderSize
)

// fragment is one wire-level piece of a logical Packet.
type fragment struct {
	Tag   PacketKind
	Seq   uint8
	Total uint8
	ID    PacketID
	Inner []byte
}

// zeroPayloadPlaceholder is substituted for a packet whose serialized form
// is empty (of the packet types, only PresenceReqPacket serializes to nothing),
// since some raw-capture backends refuse to enqueue frames whose Protocol
// Address Length is zero. It is never interpreted on the receiving end: the
// packet's own deserializer ignores it for variants that carry no bytes.
var zeroPayloadPlaceholder = []byte(".")

// splitFragments breaks payload into one or more fragments tagged with id,
// each small enough to fit MaxFragmentPayload. It never returns zero
// fragments: an empty payload still yields one fragment carrying the
// placeholder byte, so total=0, seq=0 and the wire format never has to
// express an empty Protocol Address.
func splitFragments(tag PacketKind, id PacketID, payload []byte) ([]fragment, error) {
	chunks := chunk(payload, MaxFragmentPayload)
	if len(chunks) == 0 {
		chunks = [][]byte{zeroPayloadPlaceholder}
	}
	if len(chunks)-1 > 255 {
		return nil, newWorkerError(PacketTooLong, nil)
	}

	total := uint8(len(chunks) - 1)
	frags := make([]fragment, len(chunks))
	for i, c := range chunks {
		frags[i] = fragment{Tag: tag, Seq: uint8(i), Total: total, ID: id, Inner: c}
	}
	return frags, nil
}

// chunk splits b into pieces of at most size bytes each.
func chunk(b []byte, size int) [][]byte {
	if len(b) == 0 {
		return nil
	}
	var out [][]byte
	for len(b) > 0 {
		n := size
		if n > len(b) {
			n = len(b)
		}
		out = append(out, b[:n])
		b = b[n:]
	}
	return out
}

// encodeFragment builds a complete broadcast Ethernet frame carrying frag,
// addressed from srcMAC and tagged with the given outbound EtherType.
func encodeFragment(srcMAC net.HardwareAddr, et EtherType, frag fragment) ([]byte, error) {
	if len(frag.Inner) > MaxFragmentPayload {
		return nil, newWorkerError(FrameBuildFailed, nil)
	}

	app := make([]byte, 0, fragmentHeaderSize+len(frag.Inner))
	app = append(app, packetMagic...)
	app = append(app, byte(frag.Tag), frag.Seq, frag.Total)
	app = append(app, frag.ID[:]...)
	app = append(app, frag.Inner...)

	if len(app) > maxAppBytes {
		return nil, newWorkerError(FrameBuildFailed, nil)
	}
	l := byte(len(app))

	etBytes := et.Bytes()
	arp := make([]byte, 0, 20+2*int(l))
	arp = append(arp, byte(arpHardwareType>>8), byte(arpHardwareType))
	arp = append(arp, etBytes[0], etBytes[1])
	arp = append(arp, arpHardwareLen, l)
	arp = append(arp, byte(arpOperation>>8), byte(arpOperation))
	arp = append(arp, srcMAC...)
	arp = append(arp, app...) // Sender Protocol Address
	arp = append(arp, make([]byte, 6)...)
	arp = append(arp, app...) // Target Protocol Address (identical copy)

	eth := &ethernet.Frame{
		Destination: ethernet.Broadcast,
		Source:      srcMAC,
		EtherType:   ethernet.EtherTypeARP,
		Payload:     arp,
	}
	ethBytes, err := eth.MarshalBinary()
	if err != nil {
		return nil, newWorkerError(FrameBuildFailed, err)
	}
	return ethBytes, nil
}

// decodeFragment parses a received Ethernet frame into a fragment. The
// second return value is false for any frame this protocol doesn't
// recognize: non-ARP EtherType, wrong HTYPE/HLEN/OPER, or a missing magic
// prefix. Such frames are dropped without side effects.
func decodeFragment(raw []byte) (fragment, bool) {
	eth := new(ethernet.Frame)
	if err := eth.UnmarshalBinary(raw); err != nil {
		return fragment{}, false
	}
	if eth.EtherType != ethernet.EtherTypeARP {
		return fragment{}, false
	}

	arp := eth.Payload
	if len(arp) < 14 {
		return fragment{}, false
	}
	htype := binary.BigEndian.Uint16(arp[0:2])
	hlen := arp[4]
	plen := int(arp[5])
	oper := binary.BigEndian.Uint16(arp[6:8])

	if htype != arpHardwareType || hlen != arpHardwareLen || oper != arpOperation {
		return fragment{}, false
	}
	if len(arp) < 14+plen {
		return fragment{}, false
	}

	app := arp[14 : 14+plen]
	if len(app) < len(packetMagic) || string(app[:len(packetMagic)]) != packetMagic {
		return fragment{}, false
	}

	rest := app[len(packetMagic):]
	if len(rest) < 3+idSize {
		return fragment{}, false
	}

	tag := PacketKind(rest[0])
	seq := rest[1]
	total := rest[2]
	var id PacketID
	copy(id[:], rest[3:3+idSize])
	inner := rest[3+idSize:]

	return fragment{
		Tag:   tag,
		Seq:   seq,
		Total: total,
		ID:    id,
		Inner: append([]byte(nil), inner...),
	}, true
}
