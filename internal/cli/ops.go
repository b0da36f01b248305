package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/treykane/hshell/internal/doctor"
	"github.com/treykane/hshell/internal/events"
	"github.com/treykane/hshell/internal/registry"
	"github.com/treykane/hshell/internal/security"
)

func newEventsCmd(rf *rootFlags) *cobra.Command {
	var (
		server    string
		eventType string
		since     time.Duration
		limit     int
		jsonOut   bool
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show connection and tunnel lifecycle events",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rf.app()
			if err != nil {
				return err
			}
			q := events.Query{Server: server, EventType: eventType, Limit: limit}
			if since > 0 {
				q.Since = time.Now().Add(-since)
			}
			evts, err := a.events.Read(q)
			if err != nil {
				return err
			}
			if jsonOut {
				if evts == nil {
					evts = []events.Event{}
				}
				return writeJSON(cmd.OutOrStdout(), evts)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tSERVER\tTUNNEL\tEVENT\tKIND\tMESSAGE")
			for _, e := range evts {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					e.Timestamp.Local().Format(time.RFC3339), e.Server, dash(e.Tunnel), e.EventType, dash(e.Kind),
					security.RedactMessage(e.Message))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "filter by server name or id")
	cmd.Flags().StringVar(&eventType, "type", "", "filter by event type")
	cmd.Flags().DurationVar(&since, "since", 0, "only events newer than this (e.g. 1h)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of events (0 = all)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func newDoctorCmd(rf *rootFlags) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check configured servers and tunnels for problems",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rf.app()
			if err != nil {
				return err
			}
			recs, warnings, err := a.servers.Load()
			if err != nil {
				return err
			}
			report, err := doctor.Run(doctor.Input{
				Config:    a.cfg,
				Records:   recs,
				Warnings:  warnings,
				Decrypter: a.box,
			})
			if err != nil {
				return err
			}
			if jsonOut {
				if report.Issues == nil {
					report.Issues = []doctor.Issue{}
				}
				return writeJSON(cmd.OutOrStdout(), report)
			}
			if len(report.Issues) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no issues found")
				return nil
			}
			for _, i := range report.Issues {
				fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s %s: %s\n    -> %s\n", i.Severity, i.Check, i.Target, i.Message, i.Recommendation)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func newAuditCmd(rf *rootFlags) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Audit permissions of hshell data files and key files",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rf.app()
			if err != nil {
				return err
			}
			recs, err := a.records()
			if err != nil {
				return err
			}
			report, err := security.RunLocalAudit(a.cfg, recs)
			if err != nil {
				return err
			}
			if jsonOut {
				if report.Findings == nil {
					report.Findings = []security.Finding{}
				}
				return writeJSON(cmd.OutOrStdout(), report)
			}
			if len(report.Findings) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no findings")
				return nil
			}
			for _, f := range report.Findings {
				fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s: %s\n    -> %s\n", f.Severity, f.Target, f.Message, f.Recommendation)
			}
			if report.HasHigh() {
				return fmt.Errorf("audit found high severity issues")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func newKnownHostsCmd(rf *rootFlags) *cobra.Command {
	root := &cobra.Command{Use: "known-hosts", Short: "Inspect or forget pinned host keys"}
	list := &cobra.Command{
		Use:   "list",
		Short: "List hosts with a pinned key",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rf.app()
			if err != nil {
				return err
			}
			keys, err := a.hostKeys()
			if err != nil {
				return err
			}
			for _, h := range keys.Hosts() {
				fmt.Fprintln(cmd.OutOrStdout(), h)
			}
			return nil
		},
	}
	forget := &cobra.Command{
		Use:   "forget <host[:port]>",
		Short: "Forget the pinned key of a host so the next connect trusts it anew",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rf.app()
			if err != nil {
				return err
			}
			keys, err := a.hostKeys()
			if err != nil {
				return err
			}
			if err := keys.Remove(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "forgot %s\n", args[0])
			return nil
		},
	}
	root.AddCommand(list, forget)
	return root
}

func newBundleCmd(rf *rootFlags) *cobra.Command {
	root := &cobra.Command{Use: "bundle", Short: "Manage named groups of servers"}

	create := &cobra.Command{
		Use:   "create <name> <server>...",
		Short: "Create or replace a bundle",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rf.app()
			if err != nil {
				return err
			}
			recs, err := a.records()
			if err != nil {
				return err
			}
			// Store names so bundles survive a re-import that changes ids.
			reg := registry.New(recs, registry.Options{})
			var names []string
			for _, ref := range args[1:] {
				rec, err := reg.Resolve(ref)
				if err != nil {
					return err
				}
				ref := rec.ID
				if strings.TrimSpace(rec.Name) != "" {
					ref = rec.Name
				}
				names = append(names, ref)
			}
			if err := a.bundles.Create(args[0], names); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "bundle %s: %d server(s)\n", args[0], len(names))
			return nil
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List bundles",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rf.app()
			if err != nil {
				return err
			}
			defs, err := a.bundles.LoadAll()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSERVERS")
			for _, d := range defs {
				fmt.Fprintf(w, "%s\t%s\n", d.Name, strings.Join(d.Servers, ", "))
			}
			return w.Flush()
		},
	}

	del := &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rf.app()
			if err != nil {
				return err
			}
			if err := a.bundles.Delete(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted bundle %s\n", args[0])
			return nil
		},
	}

	run := &cobra.Command{
		Use:   "run <name>",
		Short: "Connect every server of a bundle and hold it open until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rf.app()
			if err != nil {
				return err
			}
			def, err := a.bundles.Get(args[0])
			if err != nil {
				return err
			}
			recs, err := a.records()
			if err != nil {
				return err
			}
			reg, err := a.registry(recs, false)
			if err != nil {
				return a.userError(err)
			}
			var ids []string
			for _, ref := range def.Servers {
				rec, err := reg.Resolve(ref)
				if err != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "[SKIP] %s: %v\n", ref, err)
					continue
				}
				ids = append(ids, rec.ID)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "bundle %s: connecting %d of %d server(s)\n", def.Name, len(ids), len(def.Servers))
			if len(ids) == 0 {
				return fmt.Errorf("bundle %s has no resolvable servers", def.Name)
			}
			return a.hold(cmd.Context(), cmd.OutOrStdout(), reg, ids)
		},
	}

	root.AddCommand(create, list, del, run)
	return root
}
