package cli

// -----------------------------------------------------------------------------
// invitation.go – invitation CLI
// -----------------------------------------------------------------------------
// Commands after RegisterInvitations(root):
//   ~invite ~contact <context> <receiver-hex> [petname] [message]
//   ~invite ~guardian <context> <receiver-hex> [message]
//   ~invite ~channel <context> <receiver-hex> <channel-name>
//   ~invite ~accept|decline|cancel <context> <id>
//   ~invite ~list <context>
//   ~invite ~export <context> <id>   – print the invitation as YAML
//   ~invite ~import <context>        – read an invitation YAML from stdin
// -----------------------------------------------------------------------------

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"aura-network/core"
)

func parseAuthority(s string) (core.AuthorityId, error) {
	var a core.AuthorityId
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != len(a) {
		return a, fmt.Errorf("authority must be 32 hex bytes")
	}
	copy(a[:], raw)
	return a, nil
}

func inviteService(args []string) (*core.InvitationService, []string, error) {
	a := currentAgent()
	if a == nil {
		return nil, nil, fmt.Errorf("not initialised")
	}
	if len(args) < 1 {
		return nil, nil, fmt.Errorf("missing context argument")
	}
	ctxID, err := core.ContextIdFromHex(args[0])
	if err != nil {
		return nil, nil, err
	}
	return a.Invitations(ctxID), args[1:], nil
}

func inviteContact(cmd *cobra.Command, args []string) error {
	svc, rest, err := inviteService(args)
	if err != nil {
		return err
	}
	if len(rest) < 1 {
		return fmt.Errorf("usage: invite contact <context> <receiver-hex> [petname] [message]")
	}
	receiver, err := parseAuthority(rest[0])
	if err != nil {
		return err
	}
	petname, message := "", ""
	if len(rest) > 1 {
		petname = rest[1]
	}
	if len(rest) > 2 {
		message = rest[2]
	}
	inv, err := svc.InviteAsContact(context.Background(), receiver, petname, message, 0)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", inv.InvitationID, inv.Status)
	return nil
}

func inviteGuardian(cmd *cobra.Command, args []string) error {
	svc, rest, err := inviteService(args)
	if err != nil {
		return err
	}
	if len(rest) < 1 {
		return fmt.Errorf("usage: invite guardian <context> <receiver-hex> [message]")
	}
	receiver, err := parseAuthority(rest[0])
	if err != nil {
		return err
	}
	message := ""
	if len(rest) > 1 {
		message = rest[1]
	}
	a := currentAgent()
	inv, err := svc.InviteAsGuardian(context.Background(), receiver, a.Config().Authority, message, 0)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", inv.InvitationID, inv.Status)
	return nil
}

func inviteChannel(cmd *cobra.Command, args []string) error {
	svc, rest, err := inviteService(args)
	if err != nil {
		return err
	}
	if len(rest) < 2 {
		return fmt.Errorf("usage: invite channel <context> <receiver-hex> <channel-name>")
	}
	receiver, err := parseAuthority(rest[0])
	if err != nil {
		return err
	}
	inv, err := svc.InviteToChannel(context.Background(), receiver, rest[1], "", 0)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", inv.InvitationID, inv.Status)
	return nil
}

func inviteTransition(action string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		svc, rest, err := inviteService(args)
		if err != nil {
			return err
		}
		if len(rest) < 1 {
			return fmt.Errorf("usage: invite %s <context> <id>", action)
		}
		var inv core.Invitation
		switch action {
		case "accept":
			inv, err = svc.Accept(context.Background(), rest[0])
		case "decline":
			inv, err = svc.Decline(context.Background(), rest[0])
		default:
			inv, err = svc.Cancel(context.Background(), rest[0])
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", inv.InvitationID, inv.Status)
		return nil
	}
}

func inviteList(cmd *cobra.Command, args []string) error {
	svc, _, err := inviteService(args)
	if err != nil {
		return err
	}
	pending, err := svc.ListPending(context.Background())
	if err != nil {
		return err
	}
	for _, inv := range pending {
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", inv.InvitationID, inv.Status, inv.Message)
	}
	return nil
}

func inviteExport(cmd *cobra.Command, args []string) error {
	svc, rest, err := inviteService(args)
	if err != nil {
		return err
	}
	if len(rest) < 1 {
		return fmt.Errorf("usage: invite export <context> <id>")
	}
	inv, err := svc.Get(context.Background(), rest[0])
	if err != nil {
		return err
	}
	raw, err := yaml.Marshal(inv)
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(raw)
	return err
}

func inviteImport(cmd *cobra.Command, args []string) error {
	a := currentAgent()
	if a == nil {
		return fmt.Errorf("not initialised")
	}
	if len(args) < 1 {
		return fmt.Errorf("usage: invite import <context>")
	}
	raw, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return err
	}
	var inv core.Invitation
	if err := yaml.Unmarshal(raw, &inv); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "imported %s from %s\n", inv.InvitationID, inv.Sender)
	return nil
}

// RegisterInvitations attaches the invitation commands to the root.
func RegisterInvitations(root *cobra.Command) {
	cmd := &cobra.Command{
		Use:               "invite",
		Short:             "Invitations",
		PersistentPreRunE: agentInit,
	}
	cmd.AddCommand(&cobra.Command{Use: "contact <context> <receiver> [petname] [message]", Short: "Invite a contact", RunE: inviteContact})
	cmd.AddCommand(&cobra.Command{Use: "guardian <context> <receiver> [message]", Short: "Invite a guardian", RunE: inviteGuardian})
	cmd.AddCommand(&cobra.Command{Use: "channel <context> <receiver> <name>", Short: "Invite to a channel", RunE: inviteChannel})
	cmd.AddCommand(&cobra.Command{Use: "accept <context> <id>", Short: "Accept an invitation", RunE: inviteTransition("accept")})
	cmd.AddCommand(&cobra.Command{Use: "decline <context> <id>", Short: "Decline an invitation", RunE: inviteTransition("decline")})
	cmd.AddCommand(&cobra.Command{Use: "cancel <context> <id>", Short: "Cancel an invitation", RunE: inviteTransition("cancel")})
	cmd.AddCommand(&cobra.Command{Use: "list <context>", Short: "List pending invitations", RunE: inviteList})
	cmd.AddCommand(&cobra.Command{Use: "export <context> <id>", Short: "Export an invitation as YAML", RunE: inviteExport})
	cmd.AddCommand(&cobra.Command{Use: "import <context>", Short: "Import an invitation YAML from stdin", RunE: inviteImport})
	root.AddCommand(cmd)
}
