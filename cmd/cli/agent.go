package cli

// -----------------------------------------------------------------------------
// agent.go – agent lifecycle CLI
// -----------------------------------------------------------------------------
// Commands after RegisterAgent(root):
//   ~agent ~start           – boot the local agent
//   ~agent ~ping            – liveness probe
//   ~agent ~shutdown        – stop services
//   ~agent ~refresh-account – re-persist context journals
//   ~agent ~force-sync      – immediate sync of a context
// -----------------------------------------------------------------------------

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"aura-network/core"
)

// -----------------------------------------------------------------------------
// Globals & once-init
// -----------------------------------------------------------------------------

var (
	agentMu     sync.RWMutex
	agentNode   *core.AuraAgent
	agentStart  time.Time
)

func currentAgent() *core.AuraAgent {
	agentMu.RLock()
	defer agentMu.RUnlock()
	return agentNode
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func agentInit(cmd *cobra.Command, _ []string) error {
	if currentAgent() != nil {
		return nil
	}
	_ = godotenv.Load()

	if lvl := viper.GetString("logging.level"); lvl != "" {
		lv, err := logrus.ParseLevel(lvl)
		if err != nil {
			return err
		}
		logrus.SetLevel(lv)
	}

	cfg := core.DefaultAgentConfig()
	if v := viper.GetString("network.bind_address"); v != "" {
		cfg.BindAddress = v
	}
	if v := viper.GetString("storage.base_path"); v != "" {
		cfg.BasePath = v
	}
	cfg.LanDiscovery = core.LanDiscoveryConfig{
		Port:               viper.GetInt("lan_discovery.port"),
		AnnounceIntervalMs: viper.GetInt("lan_discovery.announce_interval_ms"),
		Enabled:            viper.GetBool("lan_discovery.enabled"),
		BindAddr:           viper.GetString("lan_discovery.bind_addr"),
		BroadcastAddr:      viper.GetString("lan_discovery.broadcast_addr"),
	}
	if cfg.LanDiscovery.Port == 0 {
		cfg.LanDiscovery = core.DefaultLanDiscoveryConfig()
	}

	var entropy [32]byte
	if seed := viper.GetString("agent.entropy"); seed != "" {
		raw, err := hex.DecodeString(seed)
		if err != nil || len(raw) != 32 {
			return fmt.Errorf("agent.entropy must be 32 hex bytes")
		}
		copy(entropy[:], raw)
	} else {
		entropy = [32]byte{1}
	}

	a, err := core.NewAgentBuilder().WithConfig(cfg).WithEntropy(entropy).BuildProduction()
	if err != nil {
		return err
	}
	agentMu.Lock()
	agentNode = a
	agentMu.Unlock()
	return nil
}

// -----------------------------------------------------------------------------
// Controllers
// -----------------------------------------------------------------------------

func agentStartRun(cmd *cobra.Command, _ []string) error {
	a := currentAgent()
	if a == nil {
		return fmt.Errorf("not initialised")
	}
	if err := a.StartServices(); err != nil {
		return err
	}
	agentStart = time.Now()
	fmt.Fprintf(cmd.OutOrStdout(), "agent started (authority %s)\n", a.Config().Authority)
	return nil
}

func agentPing(cmd *cobra.Command, _ []string) error {
	a := currentAgent()
	if a == nil {
		return fmt.Errorf("not initialised")
	}
	fmt.Fprintln(cmd.OutOrStdout(), a.Ping())
	return nil
}

func agentShutdown(cmd *cobra.Command, _ []string) error {
	a := currentAgent()
	if a == nil {
		return fmt.Errorf("not initialised")
	}
	a.Shutdown()
	fmt.Fprintln(cmd.OutOrStdout(), "agent stopped")
	return nil
}

func agentRefresh(cmd *cobra.Command, _ []string) error {
	a := currentAgent()
	if a == nil {
		return fmt.Errorf("not initialised")
	}
	return a.RefreshAccount(context.Background())
}

func agentForceSync(cmd *cobra.Command, args []string) error {
	a := currentAgent()
	if a == nil {
		return fmt.Errorf("not initialised")
	}
	if len(args) < 1 {
		return fmt.Errorf("usage: agent force-sync <context-hex>")
	}
	ctxID, err := core.ContextIdFromHex(args[0])
	if err != nil {
		return err
	}
	return a.ForceSync(context.Background(), ctxID, nil)
}

// -----------------------------------------------------------------------------
// Command wiring
// -----------------------------------------------------------------------------

// RegisterAgent attaches the agent commands to the root.
func RegisterAgent(root *cobra.Command) {
	cmd := &cobra.Command{
		Use:               "agent",
		Short:             "Local agent lifecycle",
		PersistentPreRunE: agentInit,
	}
	cmd.AddCommand(&cobra.Command{Use: "start", Short: "Boot the local agent", RunE: agentStartRun})
	cmd.AddCommand(&cobra.Command{Use: "ping", Short: "Liveness probe", RunE: agentPing})
	cmd.AddCommand(&cobra.Command{Use: "shutdown", Short: "Stop services", RunE: agentShutdown})
	cmd.AddCommand(&cobra.Command{Use: "refresh-account", Short: "Re-persist context journals", RunE: agentRefresh})
	cmd.AddCommand(&cobra.Command{Use: "force-sync <context-hex>", Short: "Sync a context now", RunE: agentForceSync})
	root.AddCommand(cmd)
}
