package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"

	"github.com/nyxmesh/corerelay/client"
	"github.com/nyxmesh/corerelay/config"
	"github.com/nyxmesh/corerelay/crypto/suite"
	"github.com/nyxmesh/corerelay/logging"
	"github.com/nyxmesh/corerelay/onion"
	"github.com/nyxmesh/corerelay/registry"
)

type globalFlags struct {
	RegistryEndpoint string
	IdentityKeyFile  string
	Hops             int
	KEMCiphertext    int
	PayloadLength    int
	DialTimeout      time.Duration
	IdleTimeout      time.Duration
}

func newRootCommand() *cobra.Command {
	var g globalFlags

	root := &cobra.Command{
		Use:   "relayctl",
		Short: "corerelay client tool",
		Long: `relayctl builds a circuit through the corerelay network and issues chat
operations against it: creating a chat, inviting members, sending and
fetching messages, and subscribing to a live feed.`,
	}
	root.PersistentFlags().StringVar(&g.RegistryEndpoint, "registry", "http://127.0.0.1:8080/registry", "registry endpoint to fetch the relay set from")
	root.PersistentFlags().StringVar(&g.IdentityKeyFile, "identity-key", "", "path to this caller's identity private key (generated if absent)")
	root.PersistentFlags().IntVar(&g.Hops, "hops", 3, "circuit hop count")
	root.PersistentFlags().IntVar(&g.KEMCiphertext, "kem-ciphertext-size", 1+32+1088, "hybrid KEM ciphertext size in bytes")
	root.PersistentFlags().IntVar(&g.PayloadLength, "payload-length", 2048, "forward payload capacity in bytes")
	root.PersistentFlags().DurationVar(&g.DialTimeout, "dial-timeout", 10*time.Second, "timeout for the initial circuit dial")
	root.PersistentFlags().DurationVar(&g.IdleTimeout, "idle-timeout", 5*time.Minute, "circuit idle timeout")

	root.AddCommand(newCreateChatCommand(&g))
	root.AddCommand(newInviteCommand(&g))
	root.AddCommand(newRemoveCommand(&g))
	root.AddCommand(newSendCommand(&g))
	root.AddCommand(newFetchCommand(&g))
	root.AddCommand(newSubscribeCommand(&g))

	return root
}

func main() {
	if err := fang.Execute(context.Background(), newRootCommand(), fang.WithVersion(versioninfo.Short())); err != nil {
		os.Exit(1)
	}
}

func newCreateChatCommand(g *globalFlags) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create-chat",
		Short: "create a chat with the caller as its sole root member",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := dialSession(cmd.Context(), g)
			if err != nil {
				return err
			}
			defer sess.Close()
			return sess.CreateChat(cmd.Context(), []byte(name))
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "chat name")
	cmd.MarkFlagRequired("name")
	return cmd
}

func newInviteCommand(g *globalFlags) *cobra.Command {
	var name, memberKeyHex string
	var permission uint8
	var nonce uint64
	cmd := &cobra.Command{
		Use:   "invite",
		Short: "add a member to a chat at a given permission level",
		RunE: func(cmd *cobra.Command, args []string) error {
			newPK, err := decodeSignPublicKey(memberKeyHex)
			if err != nil {
				return fmt.Errorf("relayctl: --member: %w", err)
			}
			sess, err := dialSession(cmd.Context(), g)
			if err != nil {
				return err
			}
			defer sess.Close()
			return sess.Invite(cmd.Context(), []byte(name), newPK, permission, nonce)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "chat name")
	cmd.Flags().StringVar(&memberKeyHex, "member", "", "hex-encoded identity public key of the member to invite")
	cmd.Flags().Uint8Var(&permission, "permission", 10, "permission level to grant the new member")
	cmd.Flags().Uint64Var(&nonce, "nonce", 1, "replay-protection nonce for this invite")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("member")
	return cmd
}

func newRemoveCommand(g *globalFlags) *cobra.Command {
	var name, memberKeyHex string
	var nonce uint64
	cmd := &cobra.Command{
		Use:   "remove",
		Short: "evict a member from a chat",
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := decodeSignPublicKey(memberKeyHex)
			if err != nil {
				return fmt.Errorf("relayctl: --member: %w", err)
			}
			sess, err := dialSession(cmd.Context(), g)
			if err != nil {
				return err
			}
			defer sess.Close()
			return sess.Remove(cmd.Context(), []byte(name), target, nonce)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "chat name")
	cmd.Flags().StringVar(&memberKeyHex, "member", "", "hex-encoded identity public key of the member to remove")
	cmd.Flags().Uint64Var(&nonce, "nonce", 1, "replay-protection nonce for this removal")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("member")
	return cmd
}

func decodeSignPublicKey(s string) (*suite.SignPublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	pk := new(suite.SignPublicKey)
	if err := pk.UnmarshalBinary(b); err != nil {
		return nil, err
	}
	return pk, nil
}

func newSendCommand(g *globalFlags) *cobra.Command {
	var name, payload string
	cmd := &cobra.Command{
		Use:   "send",
		Short: "append a message to a chat",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := dialSession(cmd.Context(), g)
			if err != nil {
				return err
			}
			defer sess.Close()
			reply, err := sess.SendMessage(cmd.Context(), []byte(name), []byte(payload))
			if err != nil {
				return err
			}
			fmt.Printf("appended at index %d, chain hash %s\n", reply.Index, hex.EncodeToString(reply.ChainHash[:]))
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "chat name")
	cmd.Flags().StringVar(&payload, "message", "", "message body")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("message")
	return cmd
}

func newFetchCommand(g *globalFlags) *cobra.Command {
	var name string
	var cursor uint64
	var limit int
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "fetch a page of a chat's log",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := dialSession(cmd.Context(), g)
			if err != nil {
				return err
			}
			defer sess.Close()
			entries, next, err := sess.FetchMessages(cmd.Context(), []byte(name), cursor, limit)
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Printf("[%d] %s\n", e.Index, string(e.Payload))
			}
			fmt.Printf("next cursor: %d\n", next)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "chat name")
	cmd.Flags().Uint64Var(&cursor, "cursor", 0, "starting index")
	cmd.Flags().IntVar(&limit, "limit", 64, "maximum entries to fetch")
	cmd.MarkFlagRequired("name")
	return cmd
}

func newSubscribeCommand(g *globalFlags) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "subscribe",
		Short: "print a chat's new entries as they arrive",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := dialSession(cmd.Context(), g)
			if err != nil {
				return err
			}
			defer sess.Close()
			sub, err := sess.Subscribe(cmd.Context(), []byte(name))
			if err != nil {
				return err
			}
			defer sub.Unsubscribe(cmd.Context())
			for entry := range sub.Entries {
				fmt.Printf("[%d] %s\n", entry.Index, string(entry.Payload))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "chat name")
	cmd.MarkFlagRequired("name")
	return cmd
}

// dialSession fetches the current registry snapshot, picks a random
// path through it, and opens a client.Session over the resulting
// circuit. The last record in the snapshot's iteration order is used as
// the exit hop; a real deployment would let the caller pick which chat
// holder to exit at, but any relay in a chat's replication group can
// forward the request on to a holder, so any live relay works as an
// entry/exit choice here.
func dialSession(ctx context.Context, g *globalFlags) (*client.Session, error) {
	backend, err := logging.New(os.Stderr, "warn")
	if err != nil {
		return nil, err
	}
	logger := backend.GetLogger("relayctl")

	reg, err := registry.New(g.RegistryEndpoint, time.Minute, logger)
	if err != nil {
		return nil, fmt.Errorf("relayctl: registry client: %w", err)
	}
	if err := reg.Start(ctx); err != nil {
		return nil, fmt.Errorf("relayctl: registry fetch: %w", err)
	}
	defer reg.Halt()

	records := reg.Snapshot().Records()
	if len(records) < 2 {
		return nil, fmt.Errorf("relayctl: registry has only %d relays, need at least 2", len(records))
	}

	candidates := make([]*onion.PathHop, 0, len(records))
	for _, r := range records {
		candidates = append(candidates, &onion.PathHop{Address: r.Address, KEMPublic: r.EncapsulationPK})
	}
	exit := candidates[len(candidates)-1]

	geo, err := onion.NewGeometry(g.Hops, g.KEMCiphertext, g.PayloadLength)
	if err != nil {
		return nil, fmt.Errorf("relayctl: geometry: %w", err)
	}

	keyFile := g.IdentityKeyFile
	if keyFile == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		keyFile = home + "/.corerelay/identity.private.key"
	}
	sk, err := config.LoadOrGenerateIdentityFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("relayctl: identity key: %w", err)
	}

	return client.Dial(ctx, geo, candidates, exit, g.Hops, g.IdleTimeout, g.DialTimeout, sk, logger)
}
