package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/3cpo-dev/kiln/internal/core"
	kssh "github.com/3cpo-dev/kiln/internal/ssh"
	"github.com/3cpo-dev/kiln/pkg/api"
)

var (
	nameStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B"))
	skipStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#E6A23C"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	statusWidth = 9
)

func statusText(s api.RunStatus) string {
	text := fmt.Sprintf("%-*s", statusWidth, s)
	switch s {
	case api.RunSucceeded:
		return okStyle.Render(text)
	case api.RunSkipped:
		return skipStyle.Render(text)
	default:
		return failStyle.Render(text)
	}
}

// Run tasks once
func newBuildCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build [task...]",
		Short: "Run tasks once, in dependency order",
		Long: "Run every task, or only the named ones. Without --with-deps the named tasks\n" +
			"read upstream output from disk instead of rebuilding it.",
		RunE: func(cmd *cobra.Command, args []string) error {
			withDeps, _ := cmd.Flags().GetBool("with-deps")
			cfg, err := loadProject(cmd)
			if err != nil {
				return err
			}
			store, err := core.NewStore(cfg.StatePath())
			if err != nil {
				return err
			}
			defer store.Close()
			o, err := core.NewOrchestrator(cfg, core.DefaultRegistry(), core.WithStore(store))
			if err != nil {
				return err
			}
			report, err := o.Build(cmd.Context(), args, withDeps)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, name := range report.Order {
				res := report.Results[name]
				fmt.Fprintf(out, "%s %s %s\n", statusText(res.Status), nameStyle.Render(name),
					dimStyle.Render(fmt.Sprintf("%d written, %d unchanged, %s", len(res.Outputs), len(res.Unchanged), res.Duration.Round(time.Millisecond))))
			}
			return report.Err()
		},
	}
	cmd.Flags().Bool("with-deps", false, "also run the upstream tasks of the named tasks")
	return cmd
}

// Run the lint chain
func newLintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lint [stage...]",
		Short: "Lint the output: markup, then style, then script; stops at the first failing stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadProject(cmd)
			if err != nil {
				return err
			}
			o, err := core.NewOrchestrator(cfg, core.DefaultRegistry())
			if err != nil {
				return err
			}
			return o.Lint(cmd.Context(), args, cmd.OutOrStdout())
		},
	}
}

// List declared tasks
func newTasksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tasks",
		Short: "List tasks in execution order",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadProject(cmd)
			if err != nil {
				return err
			}
			o, err := core.NewOrchestrator(cfg, core.DefaultRegistry())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, t := range o.Tasks() {
				fmt.Fprintf(out, "%s %s -> %s\n", nameStyle.Render(t.Name()), t.Spec.Transformer, t.Spec.Dest)
				if t.Spec.Description != "" {
					fmt.Fprintf(out, "  %s\n", dimStyle.Render(t.Spec.Description))
				}
				fmt.Fprintf(out, "  src:   %s\n", strings.Join(t.Spec.Src, " "))
				if len(t.Spec.Needs) > 0 {
					fmt.Fprintf(out, "  needs: %s\n", strings.Join(t.Spec.Needs, " "))
				}
				var flags []string
				if t.Spec.Incremental {
					flags = append(flags, "incremental")
				}
				if t.Spec.NoWatch {
					flags = append(flags, "no-watch")
				}
				if len(flags) > 0 {
					fmt.Fprintf(out, "  %s\n", dimStyle.Render(strings.Join(flags, ", ")))
				}
			}
			return nil
		},
	}
}

// Show the latest result of every task
func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the latest recorded result of every task",
		RunE: func(cmd *cobra.Command, args []string) error {
			recent, _ := cmd.Flags().GetInt("recent")
			cfg, err := loadProject(cmd)
			if err != nil {
				return err
			}
			store, err := core.NewStore(cfg.StatePath())
			if err != nil {
				return err
			}
			defer store.Close()

			var recs []core.BuildRecord
			if recent > 0 {
				recs, err = store.RecentBuilds(cmd.Context(), recent)
			} else {
				recs, err = store.LatestBuilds(cmd.Context())
			}
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(recs) == 0 {
				fmt.Fprintln(out, dimStyle.Render("no builds recorded yet"))
				return nil
			}
			for _, r := range recs {
				fmt.Fprintf(out, "%s %s %s\n", statusText(r.Status), nameStyle.Render(r.Task),
					dimStyle.Render(fmt.Sprintf("%s, %d written, took %s", humanize.Time(r.Started), r.Outputs, r.Duration)))
				if r.Error != "" {
					fmt.Fprintf(out, "  %s\n", failStyle.Render(r.Error))
				}
			}
			return nil
		},
	}
	cmd.Flags().Int("recent", 0, "list the N most recent runs instead of the latest per task")
	return cmd
}

// Push the output directory to the deploy host
func newDeployCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Upload changed output files over SFTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dryRun, _ := cmd.Flags().GetBool("dry-run")
			cfg, err := loadProject(cmd)
			if err != nil {
				return err
			}
			store, err := core.NewStore(cfg.StatePath())
			if err != nil {
				return err
			}
			defer store.Close()
			d := &core.Deployer{Config: cfg, Store: store}
			plan, err := d.Deploy(cmd.Context(), dryRun)
			if plan != nil {
				out := cmd.OutOrStdout()
				if dryRun {
					for _, f := range plan.Upload {
						fmt.Fprintf(out, "%s %s\n", f.Path, dimStyle.Render(humanize.Bytes(uint64(f.Size))))
					}
				}
				fmt.Fprintf(out, "%s: %d changed (%s), %d unchanged\n",
					nameStyle.Render(plan.Target), len(plan.Upload), humanize.Bytes(uint64(plan.Bytes)), plan.Unchanged)
			}
			return err
		},
	}
	cmd.Flags().Bool("dry-run", false, "list the files that would be uploaded")
	cmd.AddCommand(newKeygenCmd())
	cmd.AddCommand(newTrustCmd())
	return cmd
}

// Generate a deploy key
func newKeygenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an ed25519 deploy key",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("path")
			comment, _ := cmd.Flags().GetString("comment")
			if path == "" {
				home, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				path = filepath.Join(home, ".ssh", "kiln_ed25519")
			}
			pub, err := kssh.GenerateEd25519Keypair(path, comment)
			if err != nil {
				return err
			}
			log.Info().Str("path", path).Msg("Generated deploy key")
			fmt.Fprintln(cmd.OutOrStdout(), pub)
			return nil
		},
	}
	cmd.Flags().String("path", "", "private key path (default ~/.ssh/kiln_ed25519)")
	cmd.Flags().String("comment", "kiln-deploy", "public key comment")
	return cmd
}

// Record the deploy host's key
func newTrustCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trust <host-key>",
		Short: "Add the deploy host's public key (authorized_keys format) to known_hosts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadProject(cmd)
			if err != nil {
				return err
			}
			if cfg.Deploy.Host == "" {
				return fmt.Errorf("deploy.host is not set")
			}
			known := cfg.Deploy.KnownHosts
			if known == "" {
				home, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				known = filepath.Join(home, ".ssh", "known_hosts")
			}
			host := cfg.Deploy.Host
			if cfg.Deploy.Port != 22 {
				host = fmt.Sprintf("%s:%d", host, cfg.Deploy.Port)
			}
			if err := kssh.AppendAuthorizedKey(cfg.Abs(known), host, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "trusted %s in %s\n", host, known)
			return nil
		},
	}
}

// Write a starter config
func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default kiln.yaml and create the source directories",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			format, _ := cmd.Flags().GetString("format")
			name := "kiln.yaml"
			if format == "toml" {
				name = "kiln.toml"
			} else if format != "yaml" {
				return fmt.Errorf("unknown format %q", format)
			}
			path := filepath.Join(dir, name)
			if err := core.WriteDefaultConfig(path); err != nil {
				return err
			}
			for _, d := range []string{"src/ejs", "src/assets/data", "src/assets/scss", "src/assets/js", "src/assets/img"} {
				if err := os.MkdirAll(filepath.Join(dir, filepath.FromSlash(d)), 0o755); err != nil {
					return fmt.Errorf("create %s: %w", d, err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().String("format", "yaml", "config format: yaml or toml")
	return cmd
}

// Generate shell completion
func newCompletionCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "completion [bash|zsh|fish|powershell]",
		Short:     "Generate shell completion script",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"bash", "zsh", "fish", "powershell"},
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			root := cmd.Root()
			switch args[0] {
			case "bash":
				return root.GenBashCompletionV2(out, true)
			case "zsh":
				return root.GenZshCompletion(out)
			case "fish":
				return root.GenFishCompletion(out, true)
			case "powershell":
				return root.GenPowerShellCompletionWithDesc(out)
			default:
				return fmt.Errorf("unsupported shell %q", args[0])
			}
		},
	}
}
