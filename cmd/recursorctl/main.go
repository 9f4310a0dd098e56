// Command recursorctl is a one-shot query front-end over the resolver
// package: a thin cobra CLI, not part of the resolution engine itself.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/miekg/dns"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hollowroot/recursor"
)

var (
	cfgFile     string
	qtypeFlag   string
	cacheSize   int64
	probeRoots  bool
	queryDeadline time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "recursorctl [name]",
	Short: "Resolve a DNS name using the recursive resolver engine",
	Args:  cobra.ExactArgs(1),
	RunE:  runResolve,
}

func main() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml/json/toml)")
	rootCmd.Flags().StringVarP(&qtypeFlag, "type", "t", "A", "query type")
	rootCmd.Flags().Int64Var(&cacheSize, "cache-size", 0, "message cache capacity (0 = default)")
	rootCmd.Flags().BoolVar(&probeRoots, "probe-roots", false, "order root servers by RTT at startup")
	rootCmd.Flags().DurationVar(&queryDeadline, "deadline", 10*time.Second, "per-query deadline")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		_ = viper.ReadInConfig()
	}
}

func runResolve(cmd *cobra.Command, args []string) error {
	qtype, ok := dns.StringToType[qtypeFlag]
	if !ok {
		return fmt.Errorf("unknown query type %q", qtypeFlag)
	}

	cfg, err := resolver.LoadConfig(viper.GetViper())
	if err != nil {
		return err
	}
	if cacheSize > 0 {
		cfg.CacheSize = uint64(cacheSize)
	}
	cfg.ProbeRoots = cfg.ProbeRoots || probeRoots
	cfg.QueryDeadline = queryDeadline

	r, err := resolver.New(
		resolver.WithCacheSize(cfg.CacheSize),
		resolver.WithRootHints(cfg.RootHints),
		resolver.WithProbeRoots(cfg.ProbeRoots),
		resolver.WithQueryDeadline(cfg.QueryDeadline),
	)
	if err != nil {
		return fmt.Errorf("constructing resolver: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msg, err := r.Resolve(ctx, args[0], qtype)
	if err != nil {
		return err
	}
	fmt.Println(msg)
	return nil
}
