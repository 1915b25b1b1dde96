package arpchat

import (
	"net"
	"time"

	"github.com/go-logr/logr"
)

// Default timing constants. HEARTBEAT_INTERVAL < INACTIVE_TIMEOUT <
// OFFLINE_TIMEOUT must hold for any profile.
var (
	DefaultHeartbeatInterval = 1 * time.Second
	DefaultInactiveTimeout   = 5 * time.Second
	DefaultOfflineTimeout    = 15 * time.Second
)

// defaultRecvPoll is how long each loop iteration waits for an inbound
// frame before moving on to heartbeat bookkeeping.
const defaultRecvPoll = 20 * time.Millisecond

// workerState is the three-state machine a worker passes through between
// construction and steady-state presence.
type workerState int

const (
	stateNeedsUsername workerState = iota
	stateNeedsInitialPresence
	stateReady
)

// Command is the closed set of instructions the UI context sends to a
// NetWorker.
type Command interface{ isCommand() }

// SetInterfaceCommand binds the worker to a named network interface. Valid
// only once per worker lifetime.
type SetInterfaceCommand struct{ Name string }

// SetEtherTypeCommand changes the outbound ARP Protocol-Type selector.
type SetEtherTypeCommand struct{ EtherType EtherType }

// UpdateUsernameCommand sets (or changes) the local display name.
type UpdateUsernameCommand struct{ Username string }

// SendMessageCommand broadcasts a chat message on a channel.
type SendMessageCommand struct{ Channel, Text string }

// ReactionCommand broadcasts a single-scalar reaction to a prior message.
type ReactionCommand struct {
	Message PacketID
	Emoji   rune
}

// PauseHeartbeatCommand silences (or resumes) outbound presence heartbeats.
// The `/offline` and `/online` UI text commands translate to this.
type PauseHeartbeatCommand struct{ Pause bool }

// TerminateCommand asks the worker to disconnect and exit cleanly.
type TerminateCommand struct{}

func (SetInterfaceCommand) isCommand()   {}
func (SetEtherTypeCommand) isCommand()   {}
func (UpdateUsernameCommand) isCommand() {}
func (SendMessageCommand) isCommand()    {}
func (ReactionCommand) isCommand()       {}
func (PauseHeartbeatCommand) isCommand() {}
func (TerminateCommand) isCommand()      {}

// PresenceUpdateKind distinguishes the three flavors of PresenceUpdateEvent.
type PresenceUpdateKind int

const (
	// Boring is an ordinary heartbeat refresh or inactivity flag.
	Boring PresenceUpdateKind = iota
	// JoinOrReconnect marks a peer's first sighting, or its return from the
	// offline set.
	JoinOrReconnect
	// UsernameChange marks a peer announcing a new display name.
	UsernameChange
)

// Event is the closed set of notifications a NetWorker emits to the UI
// context.
type Event interface{ isEvent() }

// NewMessageEvent reports a chat message, either freshly sent locally
// (Local=true, emitted immediately on SendMessageCommand) or received over
// the wire (Local=false).
type NewMessageEvent struct {
	Author   PeerID
	Username string
	Channel  string
	Body     string
	Local    bool
}

// PresenceUpdateEvent reports a change in a peer's presence.
type PresenceUpdateEvent struct {
	Peer           PeerID
	Username       string
	Inactive       bool
	Kind           PresenceUpdateKind
	FormerUsername string // only meaningful when Kind == UsernameChange
}

// RemovePresenceEvent reports that a peer has gone offline or disconnected.
type RemovePresenceEvent struct {
	Peer     PeerID
	Username string
}

// ReactionEvent reports a reaction received for some prior message.
type ReactionEvent struct {
	Message PacketID
	Emoji   rune
}

// ErrorEvent reports a fatal condition; the worker exits immediately after
// emitting it.
type ErrorEvent struct{ Err *WorkerError }

func (NewMessageEvent) isEvent()     {}
func (PresenceUpdateEvent) isEvent() {}
func (RemovePresenceEvent) isEvent() {}
func (ReactionEvent) isEvent()       {}
func (ErrorEvent) isEvent()          {}

// linkIO is the contract NetWorker needs from a link adapter. *Link
// satisfies it; tests substitute an in-memory fake to simulate a shared
// broadcast domain between multiple workers.
type linkIO interface {
	Send(frame []byte) error
	Recv(timeout time.Duration) ([]byte, bool, error)
	MAC() net.HardwareAddr
	Close() error
}

// rosterEntry is one peer's last-known presence state.
type rosterEntry struct {
	LastHeard time.Time
	Username  string
}

// NetWorker owns the link adapter and all per-peer state, driving a
// single cooperative loop. It must only ever be driven from one
// goroutine (its own, via Run).
type NetWorker struct {
	commands <-chan Command
	events   chan<- Event

	localPeer     PeerID
	localUsername string

	openLink func(name string) (linkIO, error)
	link     linkIO
	etherType EtherType

	reassembler *reassembler
	roster      map[PeerID]*rosterEntry
	offline     map[PeerID]struct{}

	state          workerState
	pauseHeartbeat bool
	lastHeartbeat  time.Time

	heartbeatInterval time.Duration
	inactiveTimeout   time.Duration
	offlineTimeout    time.Duration
	recvPoll          time.Duration

	now func() time.Time
	log logr.Logger

	done chan struct{}
}

// NewNetWorkerOptions configures a NetWorker beyond its required queues.
// Zero values select the default timing and capacity constants.
type NewNetWorkerOptions struct {
	RecencyCapacity   int
	ReassemblyTTL     time.Duration
	HeartbeatInterval time.Duration
	InactiveTimeout   time.Duration
	OfflineTimeout    time.Duration
	RecvPoll          time.Duration
	Now               func() time.Time
	Log               logr.Logger

	// OpenLink overrides how a SetInterface command resolves to a linkIO.
	// Defaults to opening a real raw-socket Link. Tests substitute a fake
	// to run the state machine without privileged sockets.
	OpenLink func(name string) (linkIO, error)
}

// NewNetWorker constructs a worker in state NeedsUsername, with a freshly
// drawn PeerID. commands and events must be supplied by the caller (the UI
// context) as FIFO queues; the worker writes to events non-blockingly,
// dropping an event when the queue is full, so a slow or absent reader
// never stalls the worker loop.
func NewNetWorker(commands <-chan Command, events chan<- Event, opts NewNetWorkerOptions) (*NetWorker, error) {
	peer, err := newPeerID()
	if err != nil {
		return nil, err
	}

	w := &NetWorker{
		commands:      commands,
		events:        events,
		localPeer:     peer,
		reassembler:   newReassembler(opts.RecencyCapacity, opts.ReassemblyTTL),
		roster:        make(map[PeerID]*rosterEntry),
		offline:       make(map[PeerID]struct{}),
		state:         stateNeedsUsername,
		etherType:     Experimental1,
		now:           opts.Now,
		log:           opts.Log,
		done:          make(chan struct{}),
		openLink:      opts.OpenLink,
	}

	if w.now == nil {
		w.now = time.Now
	}
	w.heartbeatInterval = orDefault(opts.HeartbeatInterval, DefaultHeartbeatInterval)
	w.inactiveTimeout = orDefault(opts.InactiveTimeout, DefaultInactiveTimeout)
	w.offlineTimeout = orDefault(opts.OfflineTimeout, DefaultOfflineTimeout)
	w.recvPoll = orDefault(opts.RecvPoll, defaultRecvPoll)
	w.lastHeartbeat = w.now()
	if w.openLink == nil {
		w.openLink = func(name string) (linkIO, error) { return OpenLink(name, w.log) }
	}

	return w, nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// LocalPeer returns the worker's own PeerID.
func (w *NetWorker) LocalPeer() PeerID { return w.localPeer }

// Run drives the cooperative loop until a fatal error or TerminateCommand,
// emitting at most one ErrorEvent before returning. It is meant to be
// called on its own goroutine; Wait (or reading `done` becoming readable
// after Run returns) lets the caller join it.
func (w *NetWorker) Run() {
	defer close(w.done)
	defer func() {
		if w.link != nil {
			_ = w.link.Close()
		}
	}()

	for {
		stop, err := w.step()
		if err != nil {
			w.emitEvent(ErrorEvent{Err: asWorkerError(err)})
			return
		}
		if stop {
			return
		}
		if w.link == nil {
			// Avoid busy-spinning while waiting for SetInterface.
			time.Sleep(defaultRecvPoll)
		}
	}
}

// Wait blocks until Run has returned.
func (w *NetWorker) Wait() { <-w.done }

// step runs one iteration of the cooperative loop. It returns stop=true
// after a clean Terminate, or a non-nil err for any condition that should
// end the worker with an ErrorEvent.
func (w *NetWorker) step() (stop bool, err error) {
	if w.link == nil {
		select {
		case cmd := <-w.commands:
			if sc, ok := cmd.(SetInterfaceCommand); ok {
				return false, w.handleSetInterface(sc)
			}
			// Ignore every other command until an interface is set.
		default:
		}
		return false, nil
	}

	select {
	case cmd := <-w.commands:
		stop, err = w.handleCommand(cmd)
		if err != nil || stop {
			return stop, err
		}
	default:
	}

	frameBytes, ok, recvErr := w.link.Recv(w.recvPoll)
	if recvErr != nil {
		return false, recvErr
	}
	if ok {
		if frag, ok := decodeFragment(frameBytes); ok {
			if pkt, ok := w.reassembler.accept(frag); ok {
				if err := w.handlePacket(pkt); err != nil {
					return false, err
				}
			}
		}
	}

	if w.now().Sub(w.lastHeartbeat) >= w.heartbeatInterval {
		if err := w.heartbeatTick(); err != nil {
			return false, err
		}
		w.lastHeartbeat = w.now()
	}

	return false, nil
}

func (w *NetWorker) handleSetInterface(cmd SetInterfaceCommand) error {
	if w.link != nil {
		return newWorkerError(InterfaceAlreadySet, nil)
	}
	link, err := w.openLink(cmd.Name)
	if err != nil {
		return err
	}
	w.link = link
	return nil
}

func (w *NetWorker) handleCommand(cmd Command) (stop bool, err error) {
	switch c := cmd.(type) {
	case SetInterfaceCommand:
		return false, newWorkerError(InterfaceAlreadySet, nil)

	case SetEtherTypeCommand:
		w.etherType = c.EtherType
		return false, nil

	case UpdateUsernameCommand:
		w.localUsername = c.Username
		if w.state == stateNeedsUsername {
			if err := w.send(PresenceReqPacket{}); err != nil {
				return false, err
			}
			w.state = stateNeedsInitialPresence
		}
		return false, nil

	case SendMessageCommand:
		w.emitEvent(NewMessageEvent{
			Author:   w.localPeer,
			Username: w.localUsername,
			Channel:  c.Channel,
			Body:     c.Text,
			Local:    true,
		})
		pkt := MessagePacket{Author: w.localPeer, Channel: c.Channel, Body: c.Text}
		return false, w.send(pkt)

	case ReactionCommand:
		return false, w.send(ReactionPacket{Message: c.Message, Emoji: c.Emoji})

	case PauseHeartbeatCommand:
		w.pauseHeartbeat = c.Pause
		return false, nil

	case TerminateCommand:
		_ = w.send(DisconnectPacket{Peer: w.localPeer})
		return true, nil

	default:
		return false, nil
	}
}

func (w *NetWorker) handlePacket(pkt Packet) error {
	switch p := pkt.(type) {
	case MessagePacket:
		username := "unknown"
		if entry, ok := w.roster[p.Author]; ok {
			username = entry.Username
		}
		w.emitEvent(NewMessageEvent{
			Author:   p.Author,
			Username: username,
			Channel:  p.Channel,
			Body:     p.Body,
			Local:    false,
		})
		return nil

	case PresenceReqPacket:
		isJoin := w.state == stateNeedsInitialPresence
		return w.send(PresencePacket{Peer: w.localPeer, IsJoin: isJoin, Username: w.localUsername})

	case PresencePacket:
		existing, existed := w.roster[p.Peer]
		w.roster[p.Peer] = &rosterEntry{LastHeard: w.now(), Username: p.Username}

		if existed {
			if existing.Username != p.Username {
				w.emitEvent(PresenceUpdateEvent{
					Peer:           p.Peer,
					Username:       p.Username,
					Kind:           UsernameChange,
					FormerUsername: existing.Username,
				})
			}
		} else {
			_, wasOffline := w.offline[p.Peer]
			delete(w.offline, p.Peer)
			kind := Boring
			if p.IsJoin || wasOffline {
				kind = JoinOrReconnect
			}
			w.emitEvent(PresenceUpdateEvent{Peer: p.Peer, Username: p.Username, Kind: kind})
		}

		if p.Peer == w.localPeer {
			w.state = stateReady
		}
		return nil

	case DisconnectPacket:
		if entry, ok := w.roster[p.Peer]; ok {
			delete(w.roster, p.Peer)
			delete(w.offline, p.Peer)
			w.emitEvent(RemovePresenceEvent{Peer: p.Peer, Username: entry.Username})
		}
		return nil

	case ReactionPacket:
		w.emitEvent(ReactionEvent{Message: p.Message, Emoji: p.Emoji})
		return nil

	default:
		return nil
	}
}

func (w *NetWorker) heartbeatTick() error {
	w.reassembler.sweep()

	if w.state != stateReady {
		return nil
	}

	if !w.pauseHeartbeat {
		if err := w.send(PresencePacket{Peer: w.localPeer, IsJoin: false, Username: w.localUsername}); err != nil {
			return err
		}
	}

	var toRemove []PeerID
	for id, entry := range w.roster {
		elapsed := w.now().Sub(entry.LastHeard)
		switch {
		case elapsed > w.offlineTimeout:
			w.offline[id] = struct{}{}
			w.emitEvent(RemovePresenceEvent{Peer: id, Username: entry.Username})
			toRemove = append(toRemove, id)
		case elapsed > w.inactiveTimeout:
			w.emitEvent(PresenceUpdateEvent{Peer: id, Username: entry.Username, Inactive: true, Kind: Boring})
		}
	}
	for _, id := range toRemove {
		delete(w.roster, id)
	}

	return nil
}

// send serializes, fragments, encodes and transmits pkt as a sequence of
// frames, each carrying a fresh PacketID shared across all of its
// fragments.
func (w *NetWorker) send(pkt Packet) error {
	id, err := newPacketID()
	if err != nil {
		return newWorkerError(FrameBuildFailed, err)
	}

	frags, err := splitFragments(pkt.Kind(), id, serializePacket(pkt))
	if err != nil {
		return err
	}

	for _, f := range frags {
		frameBytes, err := encodeFragment(w.link.MAC(), w.etherType, f)
		if err != nil {
			return err
		}
		if err := w.link.Send(frameBytes); err != nil {
			return err
		}
	}
	return nil
}

// emitEvent delivers ev to the UI context's queue without blocking the
// loop: a full queue means a slow or absent reader, and the event is
// dropped rather than stalling packet processing.
func (w *NetWorker) emitEvent(ev Event) {
	select {
	case w.events <- ev:
	default:
		w.log.Info("dropping event, UI queue full", "event", ev)
	}
}

func asWorkerError(err error) *WorkerError {
	if we, ok := err.(*WorkerError); ok {
		return we
	}
	return newWorkerError(CaptureFailed, err)
}
