package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/offmesh/offmesh/pkg/p2p"
	"github.com/offmesh/offmesh/pkg/session"
	"github.com/offmesh/offmesh/pkg/store"
)

var (
	flagPort       int
	flagName       string
	flagDir        string
	flagBackground bool
	flagVerbose    bool
)

var rootCmd = &cobra.Command{
	Use:  "offmesh",
	Long: "offmesh is an offline peer-to-peer chat for nearby devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

func init() {
	rootCmd.Flags().IntVarP(&flagPort, "port", "p", 0, "TCP listen port (0 picks a free one)")
	rootCmd.Flags().StringVarP(&flagName, "name", "n", "", "display name to advertise")
	rootCmd.Flags().StringVarP(&flagDir, "dir", "d", "", "data directory (default ~/.offmesh)")
	rootCmd.Flags().BoolVar(&flagBackground, "background", false, "start with the slower background sweep cadence")
	rootCmd.Flags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func run() error {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	if flagVerbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	key, err := store.LoadIdentity(flagDir)
	if err != nil {
		return fmt.Errorf("failed to load identity: %w", err)
	}

	profile, ok, err := store.LoadProfile(flagDir)
	if err != nil {
		return fmt.Errorf("failed to load profile: %w", err)
	}
	if !ok {
		profile = session.Profile{DisplayName: "anonymous", CreatedAt: time.Now().UTC()}
	}
	if flagName != "" {
		profile.DisplayName = flagName
	}
	if err := store.SaveProfile(profile, flagDir); err != nil {
		return fmt.Errorf("failed to save profile: %w", err)
	}

	threads, err := store.NewThreadManager(flagDir)
	if err != nil {
		return fmt.Errorf("failed to load threads: %w", err)
	}

	transport, err := p2p.New(flagPort, profile.DisplayName, key, logger)
	if err != nil {
		return err
	}

	coord := session.New(transport, profile, session.Config{Logger: logger})
	defer func() {
		if err := coord.Close(); err != nil {
			logger.WithError(err).Warn("error closing coordinator")
		}
	}()

	wireCallbacks(coord, threads)

	if flagBackground {
		coord.SetMode(session.Background)
	}
	coord.Start()

	fmt.Printf("🆔 Peer ID: %s\n", coord.Identity().ID)
	fmt.Printf("🌐 Listening on:\n")
	for _, addr := range transport.Host().Addrs() {
		fmt.Printf("   %s/p2p/%s\n", addr, coord.Identity().ID)
	}

	startCLI(coord, transport, threads)
	return nil
}

// wireCallbacks renders coordinator events and persists what arrives.
func wireCallbacks(coord *session.Coordinator, threads *store.ThreadManager) {
	coord.OnMessage(func(msg session.ChatMessage, from session.PeerIdentity) {
		name := displayName(coord, threads, from)
		fmt.Printf("\r💬 %s: %s\n> ", name, msg.Text)

		threads.Upsert(from.ID, name)
		if err := threads.AppendMessage(from.ID, &msg); err != nil {
			fmt.Printf("\r⚠️ Could not save message: %v\n> ", err)
		}
		if err := threads.Save(); err != nil {
			fmt.Printf("\r⚠️ Could not save threads: %v\n> ", err)
		}
	})

	coord.OnProfile(func(peer session.PeerIdentity, p session.Profile) {
		fmt.Printf("\r👤 %s is %s", peer.Short(), p.DisplayName)
		if p.StatusText != "" {
			fmt.Printf(" (%s)", p.StatusText)
		}
		fmt.Print("\n> ")
		threads.Upsert(peer.ID, p.DisplayName)
		if err := threads.Save(); err != nil {
			fmt.Printf("\r⚠️ Could not save threads: %v\n> ", err)
		}
	})

	coord.OnConnectionState(func(peer session.PeerIdentity, state session.ConnectionState) {
		switch state {
		case session.StateConnected:
			fmt.Printf("\r✅ Connected to %s\n> ", peer.Short())
		case session.StateDisconnected:
			fmt.Printf("\r🔌 Disconnected from %s\n> ", peer.Short())
		}
	})

	coord.OnMessageStatus(func(id string, status session.DeliveryStatus) {
		if status == session.StatusFailed {
			fmt.Print("\r❌ Message could not be delivered\n> ")
		}
	})
}

// displayName resolves the best-known name for a peer: cached profile,
// saved thread title, then the raw short ID.
func displayName(coord *session.Coordinator, threads *store.ThreadManager, peer session.PeerIdentity) string {
	if p, ok := coord.GetProfile(peer); ok && p.DisplayName != "" {
		return p.DisplayName
	}
	if t, ok := threads.Get(peer.ID); ok && t.Title != "" {
		return t.Title
	}
	return peer.Short()
}

func startCLI(coord *session.Coordinator, transport *p2p.Transport, threads *store.ThreadManager) {
	scanner := bufio.NewScanner(os.Stdin)

	fmt.Printf("\n🚀 OffMesh started, discovering nearby peers.\n")
	fmt.Printf("Commands:\n")
	fmt.Printf("  /peers                - List connected peers\n")
	fmt.Printf("  /name <display name>  - Change display name (drops connections)\n")
	fmt.Printf("  /status <text>        - Set profile status text\n")
	fmt.Printf("  /request <peerID>     - Ask a peer for its profile\n")
	fmt.Printf("  /history <peerID> [n] - Show last n saved messages (default 50)\n")
	fmt.Printf("  /connect <addr>       - Connect to a peer manually\n")
	fmt.Printf("  /background           - Switch to background sweep cadence\n")
	fmt.Printf("  /foreground           - Switch back to foreground cadence\n")
	fmt.Printf("  /quit                 - Exit\n")
	fmt.Printf("  <message>             - Broadcast to all connected peers\n")
	fmt.Print("> ")

	for scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			fmt.Print("> ")
			continue
		}

		switch {
		case input == "/quit":
			fmt.Println("👋 Goodbye!")
			return

		case input == "/peers":
			peers := coord.ConnectedPeers()
			if len(peers) == 0 {
				fmt.Println("👥 No peers connected")
			} else {
				fmt.Printf("👥 Connected peers (%d):\n", len(peers))
				for _, p := range peers {
					fmt.Printf("   %s (%s)\n", displayName(coord, threads, p), p.ID)
				}
			}

		case strings.HasPrefix(input, "/name "):
			name := strings.TrimSpace(input[6:])
			if err := coord.RebindIdentity(name); err != nil {
				fmt.Printf("❌ Failed to change name: %v\n", err)
				break
			}
			if err := store.SaveProfile(coord.OwnProfile(), flagDir); err != nil {
				fmt.Printf("⚠️ Could not save profile: %v\n", err)
			}
			fmt.Printf("✅ Now advertising as '%s' (existing connections dropped)\n", name)

		case strings.HasPrefix(input, "/status "):
			p := coord.OwnProfile()
			p.StatusText = strings.TrimSpace(input[8:])
			coord.SetProfile(p)
			if err := store.SaveProfile(p, flagDir); err != nil {
				fmt.Printf("⚠️ Could not save profile: %v\n", err)
			}
			coord.ShareProfile()
			fmt.Println("✅ Status updated")

		case strings.HasPrefix(input, "/request "):
			id := strings.TrimSpace(input[9:])
			peer, ok := findPeer(coord, id)
			if !ok {
				fmt.Println("❌ No connected peer with that ID")
				break
			}
			coord.RequestProfile(peer)

		case strings.HasPrefix(input, "/history "):
			parts := strings.Fields(input)
			if len(parts) < 2 {
				fmt.Println("Usage: /history <peerID> [count]")
				break
			}
			count := 50
			if len(parts) > 2 {
				n, err := strconv.Atoi(parts[2])
				if err != nil {
					fmt.Println("Invalid count, must be a number.")
					break
				}
				count = n
			}
			messages, err := threads.LoadRecentMessages(parts[1], count)
			if err != nil {
				fmt.Printf("⚠️ Could not load history: %v\n", err)
				break
			}
			fmt.Printf("--- History (%d messages) ---\n", len(messages))
			for _, msg := range messages {
				from := msg.From
				if len(from) > 12 {
					from = from[:12]
				}
				fmt.Printf("[%s] %s: %s\n", msg.Timestamp.Format("15:04"), from, msg.Text)
			}
			fmt.Println("--- End of history ---")

		case strings.HasPrefix(input, "/connect "):
			addr := strings.TrimSpace(input[9:])
			if err := transport.ConnectAddr(addr); err != nil {
				fmt.Printf("❌ Connection failed: %v\n", err)
			} else {
				fmt.Println("✅ Connected successfully")
			}

		case input == "/background":
			coord.SetMode(session.Background)
			fmt.Println("✅ Background mode")

		case input == "/foreground":
			coord.SetMode(session.Foreground)
			fmt.Println("✅ Foreground mode")

		default:
			peers := coord.ConnectedPeers()
			if len(peers) == 0 {
				fmt.Println("📭 No peers connected to broadcast message")
				break
			}
			msg := session.NewChatMessage(coord.Identity(), input)
			coord.Send(msg)
			for _, p := range peers {
				threads.Upsert(p.ID, displayName(coord, threads, p))
				if err := threads.AppendMessage(p.ID, &msg); err != nil {
					fmt.Printf("⚠️ Could not save message: %v\n", err)
				}
			}
			if err := threads.Save(); err != nil {
				fmt.Printf("⚠️ Could not save threads: %v\n", err)
			}
		}
		fmt.Print("> ")
	}
}

// findPeer matches a connected peer by full ID or unique prefix.
func findPeer(coord *session.Coordinator, id string) (session.PeerIdentity, bool) {
	for _, p := range coord.ConnectedPeers() {
		if p.ID == id || strings.HasPrefix(p.ID, id) {
			return p, true
		}
	}
	return session.PeerIdentity{}, false
}
