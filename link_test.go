package arpchat

import "testing"

func TestInterfacesSortedByAddressCount(t *testing.T) {
	ifaces, err := Interfaces()
	if err != nil {
		t.Fatalf("Interfaces: %v", err)
	}

	for _, ifi := range ifaces {
		if len(ifi.HardwareAddr) == 0 {
			t.Fatalf("Interfaces returned %q with no hardware address", ifi.Name)
		}
	}

	prev := -1
	for _, ifi := range ifaces {
		addrs, err := ifi.Addrs()
		if err != nil {
			t.Fatalf("Addrs(%q): %v", ifi.Name, err)
		}
		if prev != -1 && len(addrs) > prev {
			t.Fatalf("Interfaces not sorted by descending address count at %q", ifi.Name)
		}
		prev = len(addrs)
	}
}
