package cli

// -----------------------------------------------------------------------------
// message.go – AMP messaging CLI
// -----------------------------------------------------------------------------
// Commands after RegisterMessaging(root):
//   ~msg ~open <context> [topic]                – open a channel
//   ~msg ~join <context> <channel-hex>          – join as self
//   ~msg ~send <context> <channel-hex> <text>   – send a message
//   ~msg ~close <context> <channel-hex>         – close a channel
// -----------------------------------------------------------------------------

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"aura-network/core"
)

func parseChannel(s string) (core.ChannelId, error) {
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != 16 {
		return core.ChannelId{}, fmt.Errorf("channel must be 16 hex bytes")
	}
	return core.ChannelIdFromBytes(raw), nil
}

func msgOpen(cmd *cobra.Command, args []string) error {
	a := currentAgent()
	if a == nil {
		return fmt.Errorf("not initialised")
	}
	if len(args) < 1 {
		return fmt.Errorf("usage: msg open <context> [topic]")
	}
	ctxID, err := core.ContextIdFromHex(args[0])
	if err != nil {
		return err
	}
	topic := ""
	if len(args) > 1 {
		topic = args[1]
	}
	ch, err := a.Channels().CreateChannel(context.Background(), ctxID, topic, 0)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s\n", ch)
	return nil
}

func msgJoin(cmd *cobra.Command, args []string) error {
	a := currentAgent()
	if a == nil {
		return fmt.Errorf("not initialised")
	}
	if len(args) < 2 {
		return fmt.Errorf("usage: msg join <context> <channel-hex>")
	}
	ctxID, err := core.ContextIdFromHex(args[0])
	if err != nil {
		return err
	}
	ch, err := parseChannel(args[1])
	if err != nil {
		return err
	}
	return a.Channels().JoinChannel(context.Background(), ctxID, ch, a.Config().Authority)
}

func msgSend(cmd *cobra.Command, args []string) error {
	a := currentAgent()
	if a == nil {
		return fmt.Errorf("not initialised")
	}
	if len(args) < 3 {
		return fmt.Errorf("usage: msg send <context> <channel-hex> <text>")
	}
	ctxID, err := core.ContextIdFromHex(args[0])
	if err != nil {
		return err
	}
	ch, err := parseChannel(args[1])
	if err != nil {
		return err
	}
	return a.Channels().SendMessage(context.Background(), ctxID, ch, []byte(args[2]))
}

func msgClose(cmd *cobra.Command, args []string) error {
	a := currentAgent()
	if a == nil {
		return fmt.Errorf("not initialised")
	}
	if len(args) < 2 {
		return fmt.Errorf("usage: msg close <context> <channel-hex>")
	}
	ctxID, err := core.ContextIdFromHex(args[0])
	if err != nil {
		return err
	}
	ch, err := parseChannel(args[1])
	if err != nil {
		return err
	}
	return a.Channels().CloseChannel(context.Background(), ctxID, ch)
}

// RegisterMessaging attaches the messaging commands to the root.
func RegisterMessaging(root *cobra.Command) {
	cmd := &cobra.Command{
		Use:               "msg",
		Short:             "AMP messaging",
		PersistentPreRunE: agentInit,
	}
	cmd.AddCommand(&cobra.Command{Use: "open <context> [topic]", Short: "Open a channel", RunE: msgOpen})
	cmd.AddCommand(&cobra.Command{Use: "join <context> <channel>", Short: "Join a channel", RunE: msgJoin})
	cmd.AddCommand(&cobra.Command{Use: "send <context> <channel> <text>", Short: "Send a message", RunE: msgSend})
	cmd.AddCommand(&cobra.Command{Use: "close <context> <channel>", Short: "Close a channel", RunE: msgClose})
	root.AddCommand(cmd)
}
