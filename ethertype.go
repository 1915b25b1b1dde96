package arpchat

import "fmt"

// EtherType selects the ARP Protocol-Type field value used on outbound
// frames. Inbound frames are accepted regardless of their Protocol-Type
// value (see frame.go), so this only ever governs what this worker sends.
type EtherType uint8

const (
	// Experimental1 uses the IANA-reserved experimental value 0x88B5.
	Experimental1 EtherType = iota
	// Experimental2 uses the IANA-reserved experimental value 0x88B6.
	Experimental2
	// IPv4 disguises outbound frames as carrying the ordinary IPv4
	// EtherType, 0x0800.
	IPv4
)

// etherTypeWire maps each EtherType to its two big-endian wire bytes.
var etherTypeWire = map[EtherType][2]byte{
	Experimental1: {0x88, 0xb5},
	Experimental2: {0x88, 0xb6},
	IPv4:          {0x08, 0x00},
}

// Bytes returns the two big-endian wire bytes for the ARP Protocol-Type
// field.
func (e EtherType) Bytes() [2]byte {
	b, ok := etherTypeWire[e]
	if !ok {
		return etherTypeWire[Experimental1]
	}
	return b
}

func (e EtherType) String() string {
	var name string
	switch e {
	case Experimental1:
		name = "experimental 1"
	case Experimental2:
		name = "experimental 2"
	case IPv4:
		name = "ipv4"
	default:
		name = "unknown"
	}
	b := e.Bytes()
	return fmt.Sprintf("%s - 0x%02x%02x", name, b[0], b[1])
}

// EtherTypes lists every selectable EtherType, in the order a protocol
// picker should present them.
func EtherTypes() []EtherType {
	return []EtherType{Experimental1, Experimental2, IPv4}
}

// ParseEtherType maps a config/UI-facing name back to an EtherType. It
// accepts exactly the three names used in the on-disk configuration file.
func ParseEtherType(name string) (EtherType, bool) {
	switch name {
	case "Experimental1":
		return Experimental1, true
	case "Experimental2":
		return Experimental2, true
	case "IPv4":
		return IPv4, true
	default:
		return 0, false
	}
}

// Name returns the canonical config-file spelling of e.
func (e EtherType) Name() string {
	switch e {
	case Experimental1:
		return "Experimental1"
	case Experimental2:
		return "Experimental2"
	case IPv4:
		return "IPv4"
	default:
		return ""
	}
}
