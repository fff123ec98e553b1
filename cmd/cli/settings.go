package cli

// -----------------------------------------------------------------------------
// settings.go – settings CLI
// -----------------------------------------------------------------------------
// Commands after RegisterSettings(root):
//   ~settings ~get <key>
//   ~settings ~set <key> <value>
//   ~settings ~export          – dump the effective configuration as YAML
// -----------------------------------------------------------------------------

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

func settingsGet(cmd *cobra.Command, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: settings get <key>")
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%v\n", viper.Get(args[0]))
	return nil
}

func settingsSet(cmd *cobra.Command, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: settings set <key> <value>")
	}
	viper.Set(args[0], args[1])
	fmt.Fprintf(cmd.OutOrStdout(), "%s=%s\n", args[0], args[1])
	return nil
}

func settingsExport(cmd *cobra.Command, _ []string) error {
	raw, err := yaml.Marshal(viper.AllSettings())
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(raw)
	return err
}

// RegisterSettings attaches the settings commands to the root.
func RegisterSettings(root *cobra.Command) {
	cmd := &cobra.Command{Use: "settings", Short: "Runtime settings"}
	cmd.AddCommand(&cobra.Command{Use: "get <key>", Short: "Read a setting", RunE: settingsGet})
	cmd.AddCommand(&cobra.Command{Use: "set <key> <value>", Short: "Write a setting", RunE: settingsSet})
	cmd.AddCommand(&cobra.Command{Use: "export", Short: "Dump configuration as YAML", RunE: settingsExport})
	root.AddCommand(cmd)
}
