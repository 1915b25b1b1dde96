package arpchat

import (
	"net"
	"sort"
	"syscall"
	"time"

	"github.com/caser789/ethernet"
	"github.com/caser789/raw"
	"github.com/go-logr/logr"
)

// maxFrameSize comfortably bounds one Ethernet frame carrying our largest
// possible ARP payload (14 header bytes + 530 ARP payload bytes: 20 fixed
// bytes plus two copies of up to 255 application bytes).
const maxFrameSize = 1500

// Link is the raw-socket link I/O adapter: a bidirectional byte-frame
// channel bound to one network interface, used by NetWorker to send and
// receive whole Ethernet frames. It owns exactly one raw socket and is
// never shared across goroutines.
type Link struct {
	ifi  *net.Interface
	mac  net.HardwareAddr
	conn *raw.Conn
	log  logr.Logger
}

// Interfaces enumerates candidate network interfaces, filtered to those
// with both a MAC address and at least one assigned IP, ordered by
// descending IP count so the "real" uplink tends to sort above loopback or
// virtual adapters.
func Interfaces() ([]net.Interface, error) {
	all, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	type candidate struct {
		iface  net.Interface
		ipCount int
	}
	var candidates []candidate
	for _, ifi := range all {
		if len(ifi.HardwareAddr) == 0 {
			continue
		}
		addrs, err := ifi.Addrs()
		if err != nil || len(addrs) == 0 {
			continue
		}
		candidates = append(candidates, candidate{iface: ifi, ipCount: len(addrs)})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].ipCount > candidates[j].ipCount
	})

	out := make([]net.Interface, len(candidates))
	for i, c := range candidates {
		out[i] = c.iface
	}
	return out, nil
}

// OpenLink opens a raw Ethernet socket bound to the named interface,
// restricted to ARP traffic at the kernel level.
func OpenLink(name string, log logr.Logger) (*Link, error) {
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return nil, errInvalidInterface(name)
	}
	if len(ifi.HardwareAddr) == 0 {
		return nil, newWorkerError(NoMAC, nil)
	}

	conn, err := raw.ListenPacket(ifi, syscall.ETH_P_ARP)
	if err != nil {
		return nil, newWorkerError(AdapterOpenFailed, err)
	}

	log.Info("opened link", "interface", ifi.Name, "mac", ifi.HardwareAddr.String())

	return &Link{ifi: ifi, mac: ifi.HardwareAddr, conn: conn, log: log}, nil
}

// MAC returns the hardware address this link sends frames from.
func (l *Link) MAC() net.HardwareAddr { return l.mac }

// Close releases the underlying raw socket.
func (l *Link) Close() error {
	return l.conn.Close()
}

// Send transmits one complete Ethernet frame, broadcast on the link.
func (l *Link) Send(frameBytes []byte) error {
	_, err := l.conn.WriteTo(frameBytes, &raw.Addr{HardwareAddr: ethernet.Broadcast})
	if err != nil {
		return newWorkerError(SendFailed, err)
	}
	return nil
}

// Recv attempts to receive one raw Ethernet frame, waiting at most timeout
// before giving up. The second return value reports whether a frame
// actually arrived; a timeout is not an error.
func (l *Link) Recv(timeout time.Duration) ([]byte, bool, error) {
	if err := l.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, false, newWorkerError(CaptureFailed, err)
	}

	buf := make([]byte, maxFrameSize)
	n, _, err := l.conn.ReadFrom(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, false, nil
		}
		return nil, false, newWorkerError(CaptureFailed, err)
	}
	return buf[:n], true, nil
}
