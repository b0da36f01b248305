package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/treykane/hshell/internal/config"
	"github.com/treykane/hshell/internal/history"
	"github.com/treykane/hshell/internal/model"
	"github.com/treykane/hshell/internal/registry"
	"github.com/treykane/hshell/internal/tunnel"
	"github.com/treykane/hshell/internal/util"
)

func newServerCmd(rf *rootFlags) *cobra.Command {
	root := &cobra.Command{Use: "server", Short: "Manage configured servers"}
	root.AddCommand(newServerListCmd(rf), newServerAddCmd(rf), newServerRemoveCmd(rf))
	return root
}

func newServerListCmd(rf *rootFlags) *cobra.Command {
	var (
		jsonOut bool
		recent  bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List configured servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rf.app()
			if err != nil {
				return err
			}
			recs, warnings, err := a.servers.Load()
			if err != nil {
				return err
			}
			lastUsed, err := a.history.LastUsed()
			if err != nil {
				return err
			}
			if recent {
				recs = history.SortRecent(recs, lastUsed)
			}
			for i := range recs {
				if recs[i].Password != "" {
					recs[i].Password = "********"
				}
			}
			if jsonOut {
				return writeJSON(cmd.OutOrStdout(), recs)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tTARGET\tAUTH\tTUNNELS\tLAST USED")
			for _, r := range recs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", r.DisplayName(), r.Target(), authKind(r), len(r.Tunnels), lastUsedString(lastUsed[r.ID]))
			}
			if err := w.Flush(); err != nil {
				return err
			}
			printWarnings(cmd.ErrOrStderr(), warnings)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	cmd.Flags().BoolVar(&recent, "recent", false, "sort by last successful connect")
	return cmd
}

func authKind(r model.ServerRecord) string {
	switch {
	case r.KeyPath != "":
		return "key"
	case r.Password != "":
		return "password"
	default:
		return "-"
	}
}

func lastUsedString(unix int64) string {
	if unix == 0 {
		return "-"
	}
	return time.Unix(unix, 0).Local().Format("2006-01-02 15:04")
}

type addFlags struct {
	name          string
	host          string
	port          int
	user          string
	key           string
	passwordStdin bool
	askPassword   bool
	tunnels       []string
}

func newServerAddCmd(rf *rootFlags) *cobra.Command {
	var f addFlags
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a server",
		Example: `  hshell server add --name db --host db.internal --user deploy --key ~/.ssh/id_ed25519 --tunnel pg=5432:localhost:5432
  echo "$PW" | hshell server add --name web --host 10.0.0.5 --user admin --password-stdin`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rf.app()
			if err != nil {
				return err
			}
			rec := model.ServerRecord{
				Name:     strings.TrimSpace(f.name),
				Host:     strings.TrimSpace(f.host),
				Port:     f.port,
				Username: strings.TrimSpace(f.user),
				KeyPath:  strings.TrimSpace(f.key),
			}
			for _, arg := range f.tunnels {
				spec, err := tunnel.ParseForwardArg(arg)
				if err != nil {
					return fmt.Errorf("--tunnel %q: %w", arg, err)
				}
				rec.Tunnels = append(rec.Tunnels, spec)
			}
			password, err := readPassword(cmd, f)
			if err != nil {
				return err
			}
			if password != "" {
				enc, err := a.box.Encrypt(password)
				if err != nil {
					return err
				}
				rec.Password = enc
			}
			if rec.KeyPath == "" && rec.Password == "" {
				return fmt.Errorf("a key file (--key) or a password (--password-stdin, --ask-password) is required")
			}

			recs, err := a.records()
			if err != nil {
				return err
			}
			reg := registry.New(recs, registry.Options{Store: a.servers, Logger: a.log})
			added, err := reg.Add(rec)
			if err != nil {
				return a.userError(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added %s (%s) id=%s\n", added.DisplayName(), added.Target(), added.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&f.name, "name", "", "display name")
	cmd.Flags().StringVar(&f.host, "host", "", "server host (required)")
	cmd.Flags().IntVar(&f.port, "port", model.DefaultSSHPort, "server port")
	cmd.Flags().StringVar(&f.user, "user", "", "login user (required)")
	cmd.Flags().StringVar(&f.key, "key", "", "private key file")
	cmd.Flags().BoolVar(&f.passwordStdin, "password-stdin", false, "read the password from stdin")
	cmd.Flags().BoolVar(&f.askPassword, "ask-password", false, "prompt for the password")
	cmd.Flags().StringArrayVar(&f.tunnels, "tunnel", nil, "tunnel [name=]localPort:remoteHost:remotePort (repeatable)")
	_ = cmd.MarkFlagRequired("host")
	_ = cmd.MarkFlagRequired("user")
	cmd.MarkFlagsMutuallyExclusive("password-stdin", "ask-password")
	return cmd
}

func readPassword(cmd *cobra.Command, f addFlags) (string, error) {
	switch {
	case f.passwordStdin:
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && err != io.EOF {
			return "", fmt.Errorf("read password: %w", err)
		}
		return strings.TrimRight(line, "\r\n"), nil
	case f.askPassword:
		fd := int(os.Stdin.Fd())
		if !term.IsTerminal(fd) {
			return "", fmt.Errorf("--ask-password needs a terminal; use --password-stdin")
		}
		fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return string(b), nil
	}
	return "", nil
}

func newServerRemoveCmd(rf *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "remove <server>",
		Aliases: []string{"rm"},
		Short:   "Remove a server by name or id",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rf.app()
			if err != nil {
				return err
			}
			recs, err := a.records()
			if err != nil {
				return err
			}
			reg := registry.New(recs, registry.Options{Store: a.servers, Logger: a.log})
			rec, err := reg.Resolve(args[0])
			if err != nil {
				return err
			}
			if err := reg.Delete(rec.ID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", rec.DisplayName())
			return nil
		},
	}
}

func newImportCmd(rf *rootFlags) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "import [ssh-config]",
		Short: "Import Host blocks with LocalForward from an OpenSSH client config",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rf.app()
			if err != nil {
				return err
			}
			path := ""
			if len(args) == 1 {
				path = args[0]
			} else if path, err = config.DefaultSSHConfigPath(); err != nil {
				return err
			}
			res, err := config.ImportSSHConfig(path)
			if err != nil {
				return err
			}
			existing, err := a.records()
			if err != nil {
				return err
			}
			seen := map[string]bool{}
			for _, r := range existing {
				seen[r.Target()] = true
			}
			var added []model.ServerRecord
			for _, r := range res.Records {
				if seen[r.Target()] {
					fmt.Fprintf(cmd.OutOrStdout(), "skip %s: %s already configured\n", r.DisplayName(), r.Target())
					continue
				}
				seen[r.Target()] = true
				added = append(added, r)
				fmt.Fprintf(cmd.OutOrStdout(), "import %s (%s) tunnels=%d\n", r.DisplayName(), r.Target(), len(r.Tunnels))
			}
			printWarnings(cmd.ErrOrStderr(), res.Warnings)
			if dryRun || len(added) == 0 {
				return nil
			}
			if err := a.servers.Save(append(existing, added...)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d server(s); add credentials with `hshell server add` or edit %s\n", len(added), a.servers.Path())
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be imported")
	return cmd
}

func newExportCmd(rf *rootFlags) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Print configured servers as OpenSSH Host blocks",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rf.app()
			if err != nil {
				return err
			}
			recs, err := a.records()
			if err != nil {
				return err
			}
			text := config.FormatSSHConfig(recs)
			if out == "" {
				_, err := io.WriteString(cmd.OutOrStdout(), text)
				return err
			}
			return os.WriteFile(out, []byte(text), 0o600)
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "write to file instead of stdout")
	return cmd
}

// resolveAll maps refs (names or ids) onto record ids.
func resolveAll(reg *registry.Registry, refs []string) ([]string, error) {
	ids := make([]string, 0, len(refs))
	for _, ref := range refs {
		rec, err := reg.Resolve(ref)
		if err != nil {
			return nil, err
		}
		ids = append(ids, rec.ID)
	}
	return ids, nil
}

func tunnelLine(t model.TunnelStatus) string {
	line := fmt.Sprintf("  %-16s %-21s -> %-26s %s", util.Truncate(t.Name, 16), t.Local, t.Remote, t.State)
	if t.LastError != "" {
		line += " (" + t.LastError + ")"
	}
	return line
}
