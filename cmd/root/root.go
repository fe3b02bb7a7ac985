package root

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	rget "github.com/replicate/rget/pkg"
	"github.com/replicate/rget/pkg/cli"
	"github.com/replicate/rget/pkg/client"
	"github.com/replicate/rget/pkg/config"
	"github.com/replicate/rget/pkg/optname"
)

const rootLongDesc = `
rget

RGet is a resumable, multi-connection HTTP downloader. Before fetching it probes the origin for the size of the file,
for byte range support and, when a previous attempt left data on disk, for whether the server copy changed since.

Files that are large enough and served with range support are split into segments that are fetched in parallel and
written in place. Progress of every segment is kept in a small sidecar file next to the download (<name>.tmp), so an
interrupted download picks up where it stopped the next time the same URL is fetched into the same place. A file that
is already complete and unchanged on the server is not fetched again.

Small files, servers without range support and responses of unknown length are fetched with a single request.
`

func GetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rget [flags] <url> [save-name]",
		Short: "rget",
		Long:  rootLongDesc,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return config.PersistentStartupProcessFlags()
		},
		RunE:    runRootCMD,
		Args:    cobra.RangeArgs(1, 2),
		Example: `  rget -o /data/models https://example.com/weights.safetensors`,
	}
	cmd.SetUsageTemplate(cli.UsageTemplate)
	err := config.AddRootPersistentFlags(cmd)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	return cmd
}

func runRootCMD(cmd *cobra.Command, args []string) error {
	// After we run through the PreRun functions we want to silence usage from being printed
	// on all errors
	cmd.SilenceUsage = true

	urlString := args[0]
	saveName := ""
	if len(args) > 1 {
		saveName = args[1]
	}

	cfg, clientOpts, err := config.GetDownloaderConfig()
	if err != nil {
		return err
	}
	log.Info().Str("url", urlString).
		Str("save_path", cfg.DefaultSavePath).
		Int("max_threads", cfg.MaxThreads).
		Int64("minimum_segment_size", cfg.MinSegmentSize).
		Msg("Initiating")

	var progressOut io.Writer
	if !viper.GetBool(optname.Quiet) {
		progressOut = os.Stderr
	}
	return rootExecute(cmd.Context(), cfg, clientOpts, urlString, saveName, progressOut)
}

// rootExecute is the main function of the program and encapsulates the general logic
// returns any/all errors to the caller. Progress is rendered to progressOut unless it is nil.
func rootExecute(ctx context.Context, cfg rget.Config, clientOpts client.Options, urlString, saveName string, progressOut io.Writer) error {
	downloader := rget.New(cfg, client.New(clientOpts))

	var progress *cli.Progress
	if progressOut != nil {
		description := saveName
		if description == "" {
			description = path.Base(urlString)
		}
		progress = cli.NewProgress(progressOut, description)
	}

	for status, err := range downloader.Download(ctx, urlString, saveName, "") {
		if err != nil {
			return err
		}
		if progress != nil {
			if err := progress.Update(status); err != nil {
				log.Debug().Err(err).Msg("Progress")
			}
		}
	}
	if progress != nil {
		return progress.Finish()
	}
	return nil
}
