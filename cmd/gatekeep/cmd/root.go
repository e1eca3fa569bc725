// Package cmd provides the CLI commands for gatekeep.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sentinelops/gatekeep/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "gatekeep",
	Short: "Gatekeep - in-line governance gateway for MCP tool calls",
	Long: `Gatekeep sits between AI agents and upstream MCP servers.

Every proxied call is authenticated by agent access key, policy-resolved,
evaluated through an ordered guardrail pipeline on the way in and on the
way out, forwarded to the workspace's upstream, and audited.

Quick start:
  1. Create a config file: gatekeep.yaml
  2. Run: gatekeep serve

Configuration:
  Config is loaded from gatekeep.yaml in the current directory,
  $HOME/.gatekeep/, or /etc/gatekeep/.

  Environment variables can override config values with the GATEKEEP_ prefix.
  Example: GATEKEEP_SERVER_HTTP_ADDR=:9090

Commands:
  serve       Start the governance gateway
  hash-key    Generate a salted SHA-256 hash for an agent access key
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./gatekeep.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
