package cli

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/r9s-ai/keyrelay/internal/config"
	"github.com/r9s-ai/keyrelay/internal/server"
)

var providerEnv = map[string]string{
	"gemini":     "GEMINI_API_KEY",
	"tmdb":       "TMDB_API_KEY",
	"openrouter": "OPENROUTER_API_KEY",
}

func newCheckCmd(cfgPath *string, out io.Writer) *cobra.Command {
	var strict bool
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the config and report which provider keys are set",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			missing := writeCheckReport(out, *cfgPath, cfg)
			if strict && missing > 0 {
				return fmt.Errorf("%d provider key(s) missing", missing)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&strict, "strict", false, "fail when any provider key is missing")
	return cmd
}

// writeCheckReport prints the effective settings. Key values are never
// printed, only whether they are set. It returns the number of missing keys.
func writeCheckReport(out io.Writer, cfgPath string, cfg *config.Config) int {
	r := lipgloss.NewRenderer(out)
	title := r.NewStyle().Bold(true)
	label := r.NewStyle().Width(12)
	ok := r.NewStyle().Foreground(lipgloss.Color("10"))
	bad := r.NewStyle().Foreground(lipgloss.Color("9"))
	faint := r.NewStyle().Faint(true)

	var b strings.Builder
	b.WriteString(title.Render("keyrelay config ok") + " " + faint.Render(cfgPath) + "\n")
	b.WriteString(label.Render("listen") + cfg.Server.Listen + "\n")
	b.WriteString(label.Render("upstream") + fmt.Sprintf("timeout=%s", cfg.UpstreamTimeout()) + "\n")
	b.WriteString(label.Render("metrics") + fmt.Sprintf("%t %s", cfg.MetricsEnabled(), cfg.Metrics.Path) + "\n")
	b.WriteString(label.Render("cors") + strings.Join(cfg.CORS.AllowOrigins, ",") + "\n")
	if cfg.TrafficDump.Enabled {
		b.WriteString(label.Render("dump") + cfg.TrafficDump.Dir + "\n")
	}
	b.WriteString("\n")

	configured := server.ConfiguredProviders(cfg)
	names := make([]string, 0, len(configured))
	for name := range configured {
		names = append(names, name)
	}
	sort.Strings(names)

	missing := 0
	for _, name := range names {
		if configured[name] {
			b.WriteString(label.Render(name) + ok.Render("configured") + "\n")
			continue
		}
		missing++
		b.WriteString(label.Render(name) + bad.Render("missing") + " " + faint.Render("set "+providerEnv[name]) + "\n")
	}
	_, _ = io.WriteString(out, b.String())
	return missing
}
