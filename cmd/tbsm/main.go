// Command tbsm runs the contract settlement engine: an HTTP server, one-shot
// sweeps, and administrative operations against the configured store.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	os.Exit(Run(os.Args[1:], os.Stdout, os.Stderr))
}

// Run executes the command line and returns the exit code.
func Run(args []string, stdout, stderr io.Writer) int {
	root := rootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(stderr, "Error:", err)
		return 1
	}
	return 0
}

type globalFlags struct {
	configPath string
	logLevel   string
}

func rootCmd() *cobra.Command {
	var g globalFlags
	root := &cobra.Command{
		Use:           "tbsm",
		Short:         "Contract repayment scheduling and settlement engine",
		Version:       Version,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "YAML config file; environment variables override it")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "DEBUG, INFO, WARN or ERROR")

	root.AddCommand(
		serveCmd(&g),
		sweepCmd(&g),
		activateCmd(&g),
		insolventCmd(&g),
		waiveCmd(&g),
		seedCmd(&g),
		migrateCmd(&g),
	)
	return root
}

// timeFlag parses an optional RFC 3339 flag, defaulting to the current time.
func timeFlag(v string) (time.Time, error) {
	if v == "" {
		return time.Now().UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: want RFC 3339", v)
	}
	return t.UTC(), nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
