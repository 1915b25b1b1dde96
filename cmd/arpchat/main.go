// Command arpchat is a line-oriented console front end for the arpchat
// transport: it loads the on-disk configuration, opens a link on the
// chosen interface, and bridges a NetWorker's Command/Event queues to
// stdin/stdout.
package main

import (
	"bufio"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/go-logr/zapr"
	"go.uber.org/zap"

	"github.com/caser789/arpchat"
)

var (
	ifaceFlag    = flag.String("i", "", "network interface to use (overrides saved config)")
	usernameFlag = flag.String("u", "", "display name to announce (overrides saved config)")
	etherFlag    = flag.String("ether-type", "", "outbound ARP protocol-type: Experimental1, Experimental2, or IPv4")
	verboseFlag  = flag.Bool("v", false, "enable debug-level logging")
)

func main() {
	flag.Parse()

	zc := zap.NewProductionConfig()
	if *verboseFlag {
		zc.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	zl, err := zc.Build()
	if err != nil {
		log.Fatalf("arpchat: building logger: %v", err)
	}
	defer zl.Sync()
	logger := zapr.NewLogger(zl)

	cfg := arpchat.LoadConfig()
	if *ifaceFlag != "" {
		cfg.Interface = *ifaceFlag
	}
	if *usernameFlag != "" {
		cfg.Username = *usernameFlag
	}
	if *etherFlag != "" {
		cfg.EtherType = *etherFlag
	}

	if cfg.Interface == "" {
		ifaces, err := arpchat.Interfaces()
		if err != nil || len(ifaces) == 0 {
			logger.Error(err, "no usable network interface found")
			os.Exit(1)
		}
		cfg.Interface = ifaces[0].Name
	}

	etherType := arpchat.Experimental1
	if cfg.EtherType != "" {
		if et, ok := arpchat.ParseEtherType(cfg.EtherType); ok {
			etherType = et
		} else {
			logger.Info("unrecognized ether-type in config, falling back to Experimental1", "value", cfg.EtherType)
		}
	}

	commands := make(chan arpchat.Command, 16)
	events := make(chan arpchat.Event, 256)

	worker, err := arpchat.NewNetWorker(commands, events, arpchat.NewNetWorkerOptions{
		Log: logger,
	})
	if err != nil {
		logger.Error(err, "constructing worker")
		os.Exit(1)
	}

	go worker.Run()

	commands <- arpchat.SetInterfaceCommand{Name: cfg.Interface}
	commands <- arpchat.SetEtherTypeCommand{EtherType: etherType}
	if cfg.Username != "" {
		commands <- arpchat.UpdateUsernameCommand{Username: cfg.Username}
	}

	done := make(chan bool, 1)
	go printEvents(events, done)

	fmt.Printf("arpchat on %s (peer %s). Type /nick <name> to announce, /quit to leave.\n", cfg.Interface, worker.LocalPeer())
	runConsole(commands, &cfg)

	worker.Wait()
	close(events)
	fatal := <-done

	cfg.EtherType = etherType.Name()
	if err := arpchat.SaveConfig(cfg); err != nil {
		logger.Error(err, "saving configuration")
	}

	if fatal {
		os.Exit(1)
	}
}

// runConsole reads newline-delimited input from stdin, translating it into
// commands until EOF or a /quit line. It writes back into cfg so a /nick
// change during the session survives into the saved configuration.
func runConsole(commands chan<- arpchat.Command, cfg *arpchat.Config) {
	scanner := bufio.NewScanner(os.Stdin)
	channel := "general"

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			continue

		case line == "/quit":
			commands <- arpchat.TerminateCommand{}
			return

		case line == "/offline":
			commands <- arpchat.PauseHeartbeatCommand{Pause: true}

		case line == "/online":
			commands <- arpchat.PauseHeartbeatCommand{Pause: false}

		case strings.HasPrefix(line, "/nick "):
			name := strings.TrimSpace(strings.TrimPrefix(line, "/nick "))
			if name != "" {
				cfg.Username = name
				commands <- arpchat.UpdateUsernameCommand{Username: name}
			}

		case strings.HasPrefix(line, "/channel "):
			if c := strings.TrimSpace(strings.TrimPrefix(line, "/channel ")); c != "" {
				channel = c
			}

		case strings.HasPrefix(line, "/react "):
			fields := strings.SplitN(strings.TrimPrefix(line, "/react "), " ", 2)
			if len(fields) == 2 {
				if id, ok := parsePacketIDHex(fields[0]); ok {
					if r := []rune(fields[1]); len(r) > 0 {
						commands <- arpchat.ReactionCommand{Message: id, Emoji: r[0]}
					}
				}
			}

		default:
			commands <- arpchat.SendMessageCommand{Channel: channel, Text: line}
		}
	}
	commands <- arpchat.TerminateCommand{}
}

// parsePacketIDHex decodes the hex text a PacketID.String() produces.
func parsePacketIDHex(s string) (arpchat.PacketID, bool) {
	var id arpchat.PacketID
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(id) {
		return arpchat.PacketID{}, false
	}
	copy(id[:], b)
	return id, true
}

// printEvents renders every Event to stdout until the queue is closed. It
// sends true on done if it saw a fatal ErrorEvent, false otherwise, so the
// caller can report a nonzero exit status for an adapter failure.
func printEvents(events <-chan arpchat.Event, done chan<- bool) {
	fatal := false
	defer func() { done <- fatal }()
	for ev := range events {
		switch e := ev.(type) {
		case arpchat.NewMessageEvent:
			if e.Local {
				fmt.Printf("[%s/you] %s\n", e.Channel, e.Body)
			} else {
				fmt.Printf("[%s/%s] %s\n", e.Channel, e.Username, e.Body)
			}

		case arpchat.PresenceUpdateEvent:
			switch e.Kind {
			case arpchat.JoinOrReconnect:
				fmt.Printf("* %s joined\n", e.Username)
			case arpchat.UsernameChange:
				fmt.Printf("* %s is now known as %s\n", e.FormerUsername, e.Username)
			default:
				if e.Inactive {
					fmt.Printf("* %s is inactive\n", e.Username)
				}
			}

		case arpchat.RemovePresenceEvent:
			fmt.Printf("* %s left\n", e.Username)

		case arpchat.ReactionEvent:
			fmt.Printf("* reaction %c on %s\n", e.Emoji, e.Message)

		case arpchat.ErrorEvent:
			fmt.Fprintf(os.Stderr, "arpchat: %v\n", e.Err)
			fatal = true
			return
		}
	}
}
