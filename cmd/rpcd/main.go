package main

import (
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/contestmesh/rpcd/libs/log"
	"github.com/contestmesh/rpcd/mesh"
)

var (
	cfgFile    string
	serviceFl  string
	shardFl    uint32
	rosterFl   string
	adminAddrF string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "rpcd",
		Short: "Runs one node of the contest-mesh RPC runtime.",
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a rpcd.toml config file")
	root.AddCommand(newServeCmd())
	return root
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start a service node: listen for inbound peers, dial the roster, run the scheduler.",
		RunE:  runServe,
	}
	cmd.Flags().StringVar(&serviceFl, "name", "", "this node's service name")
	cmd.Flags().Uint32Var(&shardFl, "shard", 0, "this node's shard number")
	cmd.Flags().StringVar(&rosterFl, "roster", "", "path to the TOML service roster")
	cmd.Flags().StringVar(&adminAddrF, "admin-addr", "", "address to serve /metrics and /debug on, empty disables it")
	return cmd
}

func loadConfig() error {
	v := viper.New()
	v.SetEnvPrefix("RPCD")
	v.AutomaticEnv()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return err
		}
	}
	if serviceFl == "" {
		serviceFl = v.GetString("name")
	}
	if shardFl == 0 {
		shardFl = v.GetUint32("shard")
	}
	if rosterFl == "" {
		rosterFl = v.GetString("roster")
	}
	if adminAddrF == "" {
		adminAddrF = v.GetString("admin_addr")
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}
	if serviceFl == "" || rosterFl == "" {
		return fmt.Errorf("both --name and --roster are required")
	}

	logger := log.With(log.NewLogfmtLogger(os.Stdout), "service", serviceFl, "shard", shardFl)

	dir, err := mesh.LoadStaticDirectory(rosterFl)
	if err != nil {
		return fmt.Errorf("loading roster: %w", err)
	}

	coord := mesh.ServiceCoord{Name: serviceFl, Shard: shardFl}
	svc := mesh.NewService(coord, dir, logger)
	svc.UseMetrics(mesh.NewMetrics(prometheus.DefaultRegisterer))

	if adminAddrF != "" {
		svc.ServeAdmin(adminAddrF)
	}

	logger.Info("starting node")
	return svc.Run()
}
