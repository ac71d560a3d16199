package commands

import (
	"errors"
	"fmt"
	"os"
	"time"

	"zipfiles/pkg/client"
	"zipfiles/pkg/server"
	"zipfiles/pkg/types"

	"github.com/spf13/cobra"
)

// 这些命令只和远端服务通信，不需要本地 App
const remoteAnnotation = "remote"

var (
	fetchServer string
	fetchOutput string
	fetchAuth   string
	healthAddr  string
)

var fetchCmd = &cobra.Command{
	Use:         "fetch <id>...",
	Short:       "Download an archive of the given ids from a running server",
	Args:        cobra.MinimumNArgs(1),
	Annotations: map[string]string{remoteAnnotation: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client.New(fetchServer, "")
		if err != nil {
			return err
		}
		defer c.Close()

		ids := make([]types.FileID, len(args))
		for i, a := range args {
			ids[i] = types.FileID(a)
		}

		out, err := os.Create(fetchOutput)
		if err != nil {
			return err
		}
		defer out.Close()

		start := time.Now()
		res, err := c.Download(cmdContext(cmd), ids, fetchAuth, out)
		var apiErr *client.APIError
		switch {
		case errors.As(err, &apiErr):
			_ = os.Remove(fetchOutput)
			for _, id := range apiErr.MissingFiles {
				fmt.Fprintf(cmd.ErrOrStderr(), "❌ %s: not found\n", id)
			}
			for _, se := range apiErr.SourceErrors() {
				fmt.Fprintf(cmd.ErrOrStderr(), "❌ %s\n", se.Error())
			}
			return err
		case err != nil:
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "📦 %s: %d bytes in %s\n", fetchOutput, res.Bytes, time.Since(start).Round(time.Millisecond))
		for _, se := range res.Errors {
			fmt.Fprintf(cmd.OutOrStdout(), "⚠️  skipped %s\n", se.Error())
		}
		if res.ErrorCount > len(res.Errors) {
			fmt.Fprintf(cmd.OutOrStdout(), "⚠️  ... and %d more\n", res.ErrorCount-len(res.Errors))
		}
		return nil
	},
}

var healthCmd = &cobra.Command{
	Use:         "health",
	Short:       "Query the gRPC health endpoint of a running server",
	Args:        cobra.NoArgs,
	Annotations: map[string]string{remoteAnnotation: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client.New("", healthAddr)
		if err != nil {
			return err
		}
		defer c.Close()

		st, err := c.Health(cmdContext(cmd), server.ServiceName)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), st.String())
		return nil
	},
}

func init() {
	fetchCmd.Flags().StringVar(&fetchServer, "server", "http://localhost:8080", "server base URL")
	fetchCmd.Flags().StringVarP(&fetchOutput, "output", "o", "files.zip", "output file")
	fetchCmd.Flags().StringVar(&fetchAuth, "auth", "", "Authorization header forwarded to remote sources")

	healthCmd.Flags().StringVar(&healthAddr, "grpc", "localhost:9090", "gRPC health address")

	rootCmd.AddCommand(fetchCmd, healthCmd)
}
