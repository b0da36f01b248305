// Package cli provides the command-line interface for hshell.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/treykane/hshell/internal/appconfig"
	"github.com/treykane/hshell/internal/logging"
	"github.com/treykane/hshell/internal/ui"
)

type rootFlags struct {
	logLevel string
	cfg      appconfig.Config
}

// NewRootCommand creates the root cobra command.
func NewRootCommand() *cobra.Command {
	rf := &rootFlags{}
	root := &cobra.Command{
		Use:           "hshell",
		Short:         "SSH connection and tunnel manager",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Load()
			if err != nil {
				return err
			}
			level := cfg.Log.Level
			if rf.logLevel != "" {
				level = rf.logLevel
			}
			logging.Setup(cmd.ErrOrStderr(), level, cfg.Log.Format)
			rf.cfg = cfg
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			// The dashboard owns the terminal; keep logs off it.
			logging.Setup(io.Discard, rf.cfg.Log.Level, rf.cfg.Log.Format)
			a, err := loadApp(rf.cfg)
			if err != nil {
				return err
			}
			recs, err := a.records()
			if err != nil {
				return err
			}
			reg, err := a.registry(recs, true)
			if err != nil {
				return a.userError(err)
			}
			return ui.Run(cmd.Context(), ui.Options{
				Backend:        reg,
				Encrypter:      a.box,
				History:        a.history,
				RefreshSeconds: rf.cfg.UI.RefreshSeconds,
				Redact:         rf.cfg.Security.RedactErrors,
			})
		},
	}
	root.PersistentFlags().StringVar(&rf.logLevel, "log-level", "", "override log level (debug, info, warn, error)")

	root.AddCommand(
		newServerCmd(rf),
		newImportCmd(rf),
		newExportCmd(rf),
		newUpCmd(rf),
		newServeCmd(rf),
		newExecCmd(rf),
		newShellCmd(rf),
		newEventsCmd(rf),
		newDoctorCmd(rf),
		newAuditCmd(rf),
		newKnownHostsCmd(rf),
		newBundleCmd(rf),
	)
	return root
}

// Execute runs the root command with a context cancelled on SIGINT/SIGTERM.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return NewRootCommand().ExecuteContext(ctx)
}

func (rf *rootFlags) app() (*app, error) {
	return loadApp(rf.cfg)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printWarnings(w io.Writer, warnings []string) {
	if len(warnings) == 0 {
		return
	}
	fmt.Fprintln(w, "warnings:")
	for _, warn := range warnings {
		fmt.Fprintf(w, "  - %s\n", warn)
	}
}
