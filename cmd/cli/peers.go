package cli

// -----------------------------------------------------------------------------
// peers.go – peer management CLI
// -----------------------------------------------------------------------------
// Commands after RegisterPeers(root):
//   ~peers ~add <addr>      – dial and authenticate a peer
//   ~peers ~remove <device> – forget a peer
//   ~peers ~list            – list authenticated peers
//   ~peers ~discover        – pull LAN-discovered peers
// -----------------------------------------------------------------------------

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"aura-network/core"
)

func peersAdd(cmd *cobra.Command, args []string) error {
	a := currentAgent()
	if a == nil || a.Peers() == nil {
		return fmt.Errorf("not initialised")
	}
	if len(args) < 1 {
		return fmt.Errorf("usage: peers add <addr>")
	}
	device, err := a.Peers().AddPeer(args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "added peer %s\n", device)
	return nil
}

func peersRemove(cmd *cobra.Command, args []string) error {
	a := currentAgent()
	if a == nil || a.Peers() == nil {
		return fmt.Errorf("not initialised")
	}
	if len(args) < 1 {
		return fmt.Errorf("usage: peers remove <device-hex>")
	}
	raw, err := hex.DecodeString(args[0])
	if err != nil || len(raw) != 32 {
		return fmt.Errorf("device must be 32 hex bytes")
	}
	var device core.DeviceId
	copy(device[:], raw)
	a.Peers().RemovePeer(device)
	fmt.Fprintf(cmd.OutOrStdout(), "removed peer %s\n", device)
	return nil
}

func peersList(cmd *cobra.Command, _ []string) error {
	a := currentAgent()
	if a == nil || a.Peers() == nil {
		return fmt.Errorf("not initialised")
	}
	peers, err := a.Peers().ListPeers(context.Background())
	if err != nil {
		return err
	}
	for _, p := range peers {
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\ttrusted=%v\n", p.Device, p.Authority, p.Address, p.Trusted)
	}
	return nil
}

func peersDiscover(cmd *cobra.Command, _ []string) error {
	a := currentAgent()
	if a == nil || a.Peers() == nil {
		return fmt.Errorf("not initialised")
	}
	peers, err := a.Peers().DiscoverPeers(context.Background())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d peers visible\n", len(peers))
	return nil
}

// RegisterPeers attaches the peer commands to the root.
func RegisterPeers(root *cobra.Command) {
	cmd := &cobra.Command{
		Use:               "peers",
		Short:             "Peer management",
		PersistentPreRunE: agentInit,
	}
	cmd.AddCommand(&cobra.Command{Use: "add <addr>", Short: "Dial and authenticate a peer", RunE: peersAdd})
	cmd.AddCommand(&cobra.Command{Use: "remove <device>", Short: "Forget a peer", RunE: peersRemove})
	cmd.AddCommand(&cobra.Command{Use: "list", Short: "List authenticated peers", RunE: peersList})
	cmd.AddCommand(&cobra.Command{Use: "discover", Short: "Pull LAN-discovered peers", RunE: peersDiscover})
	root.AddCommand(cmd)
}
