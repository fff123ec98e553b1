package main

// aura – node daemon and CLI front-end.
//
// Exit codes: 0 success, 2 invalid usage, 3 authorization denied, 4 timeout,
// 5 internal error.

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"aura-network/cmd/cli"
	"aura-network/core"
)

var (
	peerGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "aura_authenticated_peers",
		Help: "Number of authenticated transport peers.",
	})
	envelopeCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aura_envelopes_received_total",
		Help: "Envelopes received since start.",
	})
)

func main() {
	root := &cobra.Command{Use: "aura", SilenceUsage: true}
	root.AddCommand(daemonCmd())
	cli.RegisterAgent(root)
	cli.RegisterPeers(root)
	cli.RegisterInvitations(root)
	cli.RegisterMessaging(root)
	cli.RegisterSettings(root)
	cli.RegisterSteward(root)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "aura: %v\n", err)
		os.Exit(core.ExitCode(err))
	}
}

func daemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the Aura node daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := core.DefaultAgentConfig()
			if v := viper.GetString("network.bind_address"); v != "" {
				cfg.BindAddress = v
			}
			if v := viper.GetString("storage.base_path"); v != "" {
				cfg.BasePath = v
			}
			cfg.LanDiscovery.Enabled = viper.GetBool("lan_discovery.enabled")

			var entropy [32]byte
			copy(entropy[:], []byte(viper.GetString("agent.entropy")))
			agent, err := core.NewAgentBuilder().WithConfig(cfg).WithEntropy(entropy).BuildProduction()
			if err != nil {
				return err
			}
			if err := agent.StartServices(); err != nil {
				return err
			}
			defer agent.Shutdown()

			if addr := viper.GetString("middleware.status_address"); addr != "" {
				go serveStatus(addr, agent)
			}

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			<-sig
			logrus.Info("daemon shutting down")
			return nil
		},
	}
	return cmd
}

func serveStatus(addr string, agent *core.AuraAgent) {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		peers := 0
		if agent.Peers() != nil {
			if list, err := agent.Peers().ListPeers(req.Context()); err == nil {
				peers = len(list)
			}
		}
		peerGauge.Set(float64(peers))
		fmt.Fprintf(w, "authority=%s device=%s peers=%d\n",
			agent.Config().Authority, agent.Config().Device, peers)
	})
	if viper.GetBool("middleware.enable_metrics") {
		reg := prometheus.NewRegistry()
		reg.MustRegister(peerGauge, envelopeCounter)
		r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}
	logrus.Infof("status server on %s", addr)
	if err := http.ListenAndServe(addr, r); err != nil {
		logrus.Warnf("status server: %v", err)
	}
}
