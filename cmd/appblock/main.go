// Package main is the CLI entry point for appblock.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version info (set via ldflags)
	Version   = "1.0.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

var (
	domainID   string
	action     string
	configPath string
	jsonOutput bool
	limit      int
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "appblock",
	Short: "Blocks applications listed in a managed policy",
	Long: `appblock watches application launches and enforces a block policy read
from a preference domain: blocked apps are killed, optionally deleted,
the user is alerted and every action is logged.

Install it as a service with:  sudo appblock install --domain com.example.BlockedApps`,
	Version:      Version,
	SilenceUsage: true,
	RunE:         runAction,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the enforcement engine in the foreground",
	Long:  `Runs the enforcement engine until interrupted. This is what the service supervisor starts.`,
	RunE:  runRun,
}

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install or update the service (requires root)",
	Long: `Copies this program to the fixed install location, writes the service
descriptor and starts it. Running it again is safe: an outdated installation
is replaced, a current one is left alone.`,
	RunE: runInstall,
}

var uninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Stop and remove the service (requires root)",
	RunE:  runUninstall,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show installation and policy status",
	RunE:  runStatus,
}

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Print the block rules currently in effect",
	RunE:  runRules,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent enforcement events",
	RunE:  runHistory,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Prints version, commit, and build time. Use --json for machine-readable output.`,
	Run:   runVersion,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&domainID, "domain", "d", "", "Preference domain holding the block policy")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: search the platform config dirs)")
	rootCmd.Flags().StringVarP(&action, "action", "a", "", "Action to perform: run, install or uninstall")

	rulesCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output rules as JSON")
	historyCmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of events to show")
	historyCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output events as JSON lines")
	versionCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(uninstallCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(rulesCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(versionCmd)
}

// runAction supports the flag form: appblock --action run --domain X.
func runAction(cmd *cobra.Command, args []string) error {
	switch action {
	case "":
		return cmd.Help()
	case "run":
		return runRun(cmd, args)
	case "install":
		return runInstall(cmd, args)
	case "uninstall":
		return runUninstall(cmd, args)
	default:
		return fmt.Errorf("unknown action %q (expected run, install or uninstall)", action)
	}
}

func requireDomain() error {
	if domainID == "" {
		return fmt.Errorf("--domain is required")
	}
	return nil
}

func runVersion(cmd *cobra.Command, args []string) {
	if jsonOutput {
		fmt.Printf(`{"version":"%s","commit":"%s","build_time":"%s"}`+"\n",
			Version, Commit, BuildTime)
	} else {
		fmt.Printf("appblock %s (commit: %s, built: %s)\n",
			Version, Commit, BuildTime)
	}
}
