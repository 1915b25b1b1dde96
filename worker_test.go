package arpchat

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
)

// memMedium simulates a shared broadcast domain for memLink, the way a real
// Ethernet segment delivers every frame to every attached raw socket,
// including the sender's own (which the state machine in worker.go relies
// on to transition itself to Ready without needing a second peer).
type memMedium struct {
	mu          sync.Mutex
	subscribers []*memLink
}

func newMemMedium() *memMedium { return &memMedium{} }

func (m *memMedium) attach(l *memLink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, l)
}

func (m *memMedium) detach(l *memLink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, s := range m.subscribers {
		if s == l {
			m.subscribers = append(m.subscribers[:i], m.subscribers[i+1:]...)
			return
		}
	}
}

func (m *memMedium) broadcast(frame []byte) {
	m.mu.Lock()
	subs := append([]*memLink(nil), m.subscribers...)
	m.mu.Unlock()
	for _, s := range subs {
		select {
		case s.inbox <- frame:
		default:
		}
	}
}

func (m *memMedium) broadcastExcept(frame []byte, sender *memLink) {
	m.mu.Lock()
	subs := append([]*memLink(nil), m.subscribers...)
	m.mu.Unlock()
	for _, s := range subs {
		if s == sender {
			continue
		}
		select {
		case s.inbox <- frame:
		default:
		}
	}
}

// memLink is an in-memory linkIO backed by a memMedium, standing in for a
// real raw-socket Link in tests.
type memLink struct {
	mac      net.HardwareAddr
	med      *memMedium
	inbox    chan []byte
	selfEcho bool
}

func newMemLink(med *memMedium, suffix byte) *memLink {
	return newMemLinkEcho(med, suffix, true)
}

// newMemLinkEcho is newMemLink with control over whether the medium
// delivers a sent frame back to its own sender, the way a real raw socket
// on a broadcast segment would (selfEcho true) or wouldn't.
func newMemLinkEcho(med *memMedium, suffix byte, selfEcho bool) *memLink {
	l := &memLink{
		mac:      net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, suffix},
		med:      med,
		inbox:    make(chan []byte, 256),
		selfEcho: selfEcho,
	}
	med.attach(l)
	return l
}

func (l *memLink) Send(frame []byte) error {
	if l.selfEcho {
		l.med.broadcast(frame)
	} else {
		l.med.broadcastExcept(frame, l)
	}
	return nil
}

func (l *memLink) Recv(timeout time.Duration) ([]byte, bool, error) {
	select {
	case b := <-l.inbox:
		return b, true, nil
	case <-time.After(timeout):
		return nil, false, nil
	}
}

func (l *memLink) MAC() net.HardwareAddr { return l.mac }

func (l *memLink) Close() error {
	l.med.detach(l)
	return nil
}

const testRecvPoll = 3 * time.Millisecond

func newTestWorker(t *testing.T, link *memLink) (*NetWorker, chan Command, chan Event) {
	t.Helper()
	commands := make(chan Command, 16)
	events := make(chan Event, 256)

	w, err := NewNetWorker(commands, events, NewNetWorkerOptions{
		RecvPoll: testRecvPoll,
		Log:      logr.Discard(),
		OpenLink: func(string) (linkIO, error) { return link, nil },
	})
	if err != nil {
		t.Fatalf("NewNetWorker: %v", err)
	}
	return w, commands, events
}

func collectEvents(t *testing.T, ch <-chan Event, n int, timeout time.Duration) []Event {
	t.Helper()
	var out []Event
	deadline := time.After(timeout)
	for len(out) < n {
		select {
		case e := <-ch:
			out = append(out, e)
		case <-deadline:
			t.Fatalf("timed out waiting for %d events, got %d: %#v", n, len(out), out)
		}
	}
	return out
}

func presenceJoins(events []Event) map[string]bool {
	out := make(map[string]bool)
	for _, e := range events {
		if p, ok := e.(PresenceUpdateEvent); ok && p.Kind == JoinOrReconnect {
			out[p.Username] = true
		}
	}
	return out
}

func TestWorkerTwoPeersJoinAndMessage(t *testing.T) {
	med := newMemMedium()

	wa, cmdsA, evsA := newTestWorker(t, newMemLink(med, 1))
	wb, cmdsB, evsB := newTestWorker(t, newMemLink(med, 2))

	go wa.Run()
	go wb.Run()
	t.Cleanup(func() {
		cmdsA <- TerminateCommand{}
		cmdsB <- TerminateCommand{}
		wa.Wait()
		wb.Wait()
	})

	cmdsA <- SetInterfaceCommand{Name: "a"}
	cmdsB <- SetInterfaceCommand{Name: "b"}
	cmdsA <- UpdateUsernameCommand{Username: "alice"}
	cmdsB <- UpdateUsernameCommand{Username: "bob"}

	// Each worker should see both peers (itself and the other) join.
	joinsA := presenceJoins(collectEvents(t, evsA, 2, time.Second))
	joinsB := presenceJoins(collectEvents(t, evsB, 2, time.Second))
	for _, name := range []string{"alice", "bob"} {
		if !joinsA[name] {
			t.Fatalf("worker A never saw %q join", name)
		}
		if !joinsB[name] {
			t.Fatalf("worker B never saw %q join", name)
		}
	}

	cmdsA <- SendMessageCommand{Channel: "general", Text: "hello bob"}

	// A sees its own local echo immediately.
	local := collectEvents(t, evsA, 1, time.Second)[0].(NewMessageEvent)
	if !local.Local || local.Body != "hello bob" {
		t.Fatalf("unexpected local echo: %#v", local)
	}

	// B eventually receives the message over the wire, with alice's
	// username resolved from its roster.
	var remote NewMessageEvent
	deadline := time.After(time.Second)
	for {
		select {
		case e := <-evsB:
			if m, ok := e.(NewMessageEvent); ok && !m.Local {
				remote = m
				goto gotRemote
			}
		case <-deadline:
			t.Fatalf("worker B never received the message")
		}
	}
gotRemote:
	if remote.Username != "alice" || remote.Channel != "general" || remote.Body != "hello bob" {
		t.Fatalf("unexpected remote message: %#v", remote)
	}
}

func TestWorkerRepeatedHeartbeatNoDuplicateJoin(t *testing.T) {
	med := newMemMedium()

	commandsA := make(chan Command, 16)
	eventsA := make(chan Event, 256)
	wa, err := NewNetWorker(commandsA, eventsA, NewNetWorkerOptions{
		RecvPoll:          testRecvPoll,
		HeartbeatInterval: 10 * time.Millisecond,
		Log:               logr.Discard(),
		OpenLink:          func(string) (linkIO, error) { return newMemLink(med, 1), nil },
	})
	if err != nil {
		t.Fatalf("NewNetWorker: %v", err)
	}
	wb, cmdsB, evsB := newTestWorker(t, newMemLink(med, 2))

	go wa.Run()
	go wb.Run()
	t.Cleanup(func() {
		commandsA <- TerminateCommand{}
		cmdsB <- TerminateCommand{}
		wa.Wait()
		wb.Wait()
	})

	commandsA <- SetInterfaceCommand{Name: "a"}
	cmdsB <- SetInterfaceCommand{Name: "b"}
	commandsA <- UpdateUsernameCommand{Username: "alice"}
	cmdsB <- UpdateUsernameCommand{Username: "bob"}

	collectEvents(t, evsB, 2, time.Second)

	// Alice's heartbeat resends the same username every 10ms. None of
	// those repeats should read as a UsernameChange or a second join.
	deadline := time.After(300 * time.Millisecond)
	for {
		select {
		case e := <-evsB:
			if p, ok := e.(PresenceUpdateEvent); ok && p.Peer == wa.LocalPeer() {
				t.Fatalf("unexpected repeated presence event for an unchanged username: %#v", p)
			}
		case <-deadline:
			return
		}
	}
}

func TestWorkerInactiveAndOfflineTimeouts(t *testing.T) {
	med := newMemMedium()
	clockMu := sync.Mutex{}
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		clockMu.Lock()
		now = now.Add(d)
		clockMu.Unlock()
	}

	commandsA := make(chan Command, 16)
	eventsA := make(chan Event, 256)
	linkA := newMemLink(med, 1)
	wa, err := NewNetWorker(commandsA, eventsA, NewNetWorkerOptions{
		RecvPoll:          testRecvPoll,
		HeartbeatInterval: 10 * time.Millisecond,
		InactiveTimeout:   30 * time.Millisecond,
		OfflineTimeout:    60 * time.Millisecond,
		Now:               clock,
		Log:               logr.Discard(),
		OpenLink:          func(string) (linkIO, error) { return linkA, nil },
	})
	if err != nil {
		t.Fatalf("NewNetWorker: %v", err)
	}

	wb, cmdsB, _ := newTestWorker(t, newMemLink(med, 2))

	go wa.Run()
	go wb.Run()
	t.Cleanup(func() {
		commandsA <- TerminateCommand{}
		cmdsB <- TerminateCommand{}
		wa.Wait()
		wb.Wait()
	})

	commandsA <- SetInterfaceCommand{Name: "a"}
	cmdsB <- SetInterfaceCommand{Name: "b"}
	commandsA <- UpdateUsernameCommand{Username: "alice"}
	cmdsB <- UpdateUsernameCommand{Username: "bob"}

	collectEvents(t, eventsA, 2, time.Second)

	// Stop bob's heartbeats by pausing them (terminating would send a
	// Disconnect and remove bob at once), then let alice's virtual clock
	// run past the inactive and offline thresholds.
	cmdsB <- PauseHeartbeatCommand{Pause: true}

	advance(40 * time.Millisecond)
	var sawInactive bool
	deadline := time.After(time.Second)
	for !sawInactive {
		select {
		case e := <-eventsA:
			if p, ok := e.(PresenceUpdateEvent); ok && p.Username == "bob" && p.Inactive {
				sawInactive = true
			}
		case <-deadline:
			t.Fatalf("never saw bob marked inactive")
		}
	}

	advance(40 * time.Millisecond)
	deadline = time.After(time.Second)
	for {
		select {
		case e := <-eventsA:
			if r, ok := e.(RemovePresenceEvent); ok && r.Username == "bob" {
				return
			}
		case <-deadline:
			t.Fatalf("never saw bob removed after the offline timeout")
		}
	}
}

func TestWorkerIgnoresCommandsBeforeInterfaceIsSet(t *testing.T) {
	med := newMemMedium()
	link := newMemLink(med, 1)
	w, commands, events := newTestWorker(t, link)

	go w.Run()
	t.Cleanup(func() {
		commands <- TerminateCommand{}
		w.Wait()
	})

	// Sent before SetInterface: must be silently ignored, not crash the
	// loop or advance the state machine.
	commands <- UpdateUsernameCommand{Username: "alice"}
	time.Sleep(20 * time.Millisecond)

	select {
	case e := <-events:
		t.Fatalf("expected no events before an interface is set, got %#v", e)
	default:
	}

	commands <- SetInterfaceCommand{Name: "a"}
	commands <- UpdateUsernameCommand{Username: "alice"}

	collectEvents(t, events, 1, time.Second)
}

func TestWorkerSetInterfaceTwiceFails(t *testing.T) {
	med := newMemMedium()
	link := newMemLink(med, 1)
	w, commands, events := newTestWorker(t, link)

	go w.Run()

	commands <- SetInterfaceCommand{Name: "a"}
	commands <- SetInterfaceCommand{Name: "a-again"}

	ev := collectEvents(t, events, 1, time.Second)[0]
	errEv, ok := ev.(ErrorEvent)
	if !ok {
		t.Fatalf("expected an ErrorEvent, got %#v", ev)
	}
	if errEv.Err.Kind != InterfaceAlreadySet {
		t.Fatalf("expected InterfaceAlreadySet, got %v", errEv.Err.Kind)
	}
	w.Wait()
}

func TestWorkerUsernameChangeEmitsEvent(t *testing.T) {
	med := newMemMedium()

	commandsA := make(chan Command, 16)
	eventsA := make(chan Event, 256)
	wa, err := NewNetWorker(commandsA, eventsA, NewNetWorkerOptions{
		RecvPoll:          testRecvPoll,
		HeartbeatInterval: 10 * time.Millisecond,
		Log:               logr.Discard(),
		OpenLink:          func(string) (linkIO, error) { return newMemLink(med, 1), nil },
	})
	if err != nil {
		t.Fatalf("NewNetWorker: %v", err)
	}
	wb, cmdsB, evsB := newTestWorker(t, newMemLink(med, 2))

	go wa.Run()
	go wb.Run()
	t.Cleanup(func() {
		commandsA <- TerminateCommand{}
		cmdsB <- TerminateCommand{}
		wa.Wait()
		wb.Wait()
	})

	commandsA <- SetInterfaceCommand{Name: "a"}
	cmdsB <- SetInterfaceCommand{Name: "b"}
	commandsA <- UpdateUsernameCommand{Username: "alice"}
	cmdsB <- UpdateUsernameCommand{Username: "bob"}

	collectEvents(t, evsB, 2, time.Second)

	// Re-announcing under a different username must surface as a
	// UsernameChange on the next heartbeat, not a second join.
	commandsA <- UpdateUsernameCommand{Username: "alice2"}

	deadline := time.After(time.Second)
	for {
		select {
		case e := <-evsB:
			p, ok := e.(PresenceUpdateEvent)
			if !ok || p.Peer != wa.LocalPeer() || p.Kind != UsernameChange {
				continue
			}
			if p.FormerUsername != "alice" || p.Username != "alice2" {
				t.Fatalf("unexpected UsernameChange fields: %#v", p)
			}
			return
		case <-deadline:
			t.Fatalf("never saw a UsernameChange event for alice's new username")
		}
	}
}

func TestWorkerDisconnectRemovesPresence(t *testing.T) {
	med := newMemMedium()

	wa, cmdsA, evsA := newTestWorker(t, newMemLink(med, 1))
	wb, cmdsB, _ := newTestWorker(t, newMemLink(med, 2))

	go wa.Run()
	go wb.Run()

	cmdsA <- SetInterfaceCommand{Name: "a"}
	cmdsB <- SetInterfaceCommand{Name: "b"}
	cmdsA <- UpdateUsernameCommand{Username: "alice"}
	cmdsB <- UpdateUsernameCommand{Username: "bob"}

	collectEvents(t, evsA, 2, time.Second)

	// An explicit /quit-style termination sends Disconnect, which must
	// remove the peer immediately rather than waiting on a timeout.
	cmdsB <- TerminateCommand{}
	wb.Wait()

	deadline := time.After(time.Second)
	for {
		select {
		case e := <-evsA:
			if r, ok := e.(RemovePresenceEvent); ok && r.Username == "bob" {
				cmdsA <- TerminateCommand{}
				wa.Wait()
				return
			}
		case <-deadline:
			t.Fatalf("never saw bob removed after an explicit disconnect")
		}
	}
}

func TestWorkerReactionDelivered(t *testing.T) {
	med := newMemMedium()

	wa, cmdsA, _ := newTestWorker(t, newMemLink(med, 1))
	wb, cmdsB, evsB := newTestWorker(t, newMemLink(med, 2))

	go wa.Run()
	go wb.Run()
	t.Cleanup(func() {
		cmdsA <- TerminateCommand{}
		cmdsB <- TerminateCommand{}
		wa.Wait()
		wb.Wait()
	})

	cmdsA <- SetInterfaceCommand{Name: "a"}
	cmdsB <- SetInterfaceCommand{Name: "b"}
	cmdsA <- UpdateUsernameCommand{Username: "alice"}
	cmdsB <- UpdateUsernameCommand{Username: "bob"}

	collectEvents(t, evsB, 2, time.Second)

	id, err := newPacketID()
	if err != nil {
		t.Fatalf("newPacketID: %v", err)
	}
	cmdsA <- ReactionCommand{Message: id, Emoji: '🎉'}

	deadline := time.After(time.Second)
	for {
		select {
		case e := <-evsB:
			if r, ok := e.(ReactionEvent); ok {
				if r.Message != id || r.Emoji != '🎉' {
					t.Fatalf("unexpected reaction: %#v", r)
				}
				return
			}
		case <-deadline:
			t.Fatalf("worker B never received the reaction")
		}
	}
}

// TestWorkerHeartbeatSuppressedBeforeReady verifies a worker stuck in
// NeedsInitialPresence (its own join Presence never echoes back) never
// emits a heartbeat frame beyond the single PresenceReq that UpdateUsername
// fires, even across many heartbeat intervals.
func TestWorkerHeartbeatSuppressedBeforeReady(t *testing.T) {
	med := newMemMedium()
	link := newMemLinkEcho(med, 1, false)
	observer := newMemLink(med, 99)

	commands := make(chan Command, 16)
	events := make(chan Event, 256)
	w, err := NewNetWorker(commands, events, NewNetWorkerOptions{
		RecvPoll:          testRecvPoll,
		HeartbeatInterval: 10 * time.Millisecond,
		Log:               logr.Discard(),
		OpenLink:          func(string) (linkIO, error) { return link, nil },
	})
	if err != nil {
		t.Fatalf("NewNetWorker: %v", err)
	}

	go w.Run()
	t.Cleanup(func() {
		commands <- TerminateCommand{}
		w.Wait()
	})

	commands <- SetInterfaceCommand{Name: "a"}
	commands <- UpdateUsernameCommand{Username: "alice"}

	select {
	case <-observer.inbox:
	case <-time.After(time.Second):
		t.Fatalf("never observed the initial PresenceReq broadcast")
	}

	select {
	case frame := <-observer.inbox:
		t.Fatalf("worker broadcast again before reaching Ready: %d bytes", len(frame))
	case <-time.After(120 * time.Millisecond):
	}
}
