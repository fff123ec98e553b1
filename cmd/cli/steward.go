package cli

// -----------------------------------------------------------------------------
// steward.go – steward (guardian) role management CLI
// -----------------------------------------------------------------------------
// Commands after RegisterSteward(root):
//   ~steward ~bind <context> <guardian-hex>  – bind a guardian to self
//   ~steward ~list <context>                 – list bound guardians
// -----------------------------------------------------------------------------

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"aura-network/core"
)

func stewardBind(cmd *cobra.Command, args []string) error {
	a := currentAgent()
	if a == nil {
		return fmt.Errorf("not initialised")
	}
	if len(args) < 2 {
		return fmt.Errorf("usage: steward bind <context> <guardian-hex>")
	}
	ctxID, err := core.ContextIdFromHex(args[0])
	if err != nil {
		return err
	}
	guardian, err := parseAuthority(args[1])
	if err != nil {
		return err
	}
	return a.Contexts().BindGuardian(context.Background(), ctxID, guardian, a.Config().Authority)
}

func stewardList(cmd *cobra.Command, args []string) error {
	a := currentAgent()
	if a == nil {
		return fmt.Errorf("not initialised")
	}
	if len(args) < 1 {
		return fmt.Errorf("usage: steward list <context>")
	}
	ctxID, err := core.ContextIdFromHex(args[0])
	if err != nil {
		return err
	}
	guardians, err := a.Contexts().ListGuardians(context.Background(), ctxID)
	if err != nil {
		return err
	}
	for _, g := range guardians {
		fmt.Fprintf(cmd.OutOrStdout(), "%s guards %s\n", g.Guardian, g.Subject)
	}
	return nil
}

// RegisterSteward attaches the steward commands to the root.
func RegisterSteward(root *cobra.Command) {
	cmd := &cobra.Command{
		Use:               "steward",
		Short:             "Guardian role management",
		PersistentPreRunE: agentInit,
	}
	cmd.AddCommand(&cobra.Command{Use: "bind <context> <guardian>", Short: "Bind a guardian", RunE: stewardBind})
	cmd.AddCommand(&cobra.Command{Use: "list <context>", Short: "List guardians", RunE: stewardList})
	root.AddCommand(cmd)
}
