// Package cli implements the keyrelay command line.
package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/r9s-ai/keyrelay/internal/config"
	"github.com/r9s-ai/keyrelay/internal/server"
	"github.com/r9s-ai/keyrelay/internal/version"
)

// Run executes the CLI with args (without the program name). A .env file
// in the working directory is loaded first; real environment variables win.
func Run(args []string) error {
	_ = godotenv.Load()
	root := newRootCmd(os.Stdout)
	root.SetArgs(args)
	return root.Execute()
}

func newRootCmd(out io.Writer) *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:           "keyrelay",
		Short:         "Relay browser calls to Gemini, TMDB and OpenRouter with server-held keys",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		// serve is the default
		RunE: func(cmd *cobra.Command, args []string) error {
			return server.Run(cfgPath)
		},
	}
	cmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", config.DefaultPath, "config yaml path")
	cmd.SetOut(out)

	cmd.AddCommand(
		newServeCmd(&cfgPath),
		newCheckCmd(&cfgPath, out),
		newVersionCmd(out),
	)
	return cmd
}

func newServeCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return server.Run(*cfgPath)
		},
	}
}

func newVersionCmd(out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(out, version.Get().String())
			return err
		},
	}
}
