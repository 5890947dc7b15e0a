package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const Version = "1.0.0"

var (
	cfgFile string
	verbose bool
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "komainu",
	Short: "Admission control and anti-abuse gateway",
	Long: `Komainu guards service entry points with sliding-window rate limiting,
a persistent block registry with violation escalation, additive transaction
risk scoring, and a privacy-preserving audit trail with burst anomaly
detection. It exposes an HTTP admission surface plus an authenticated
management API.`,
	Version: Version,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.SetVersionTemplate(`Komainu {{.Version}}
Admission control and anti-abuse gateway

License: MIT
Website: https://github.com/shizukutanaka/Komainu
`)
}
