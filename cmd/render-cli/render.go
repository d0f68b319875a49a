package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-render-service/internal/app"
	"github.com/book-expert/voice-render-service/internal/config"
	"github.com/book-expert/voice-render-service/internal/core"
	"github.com/book-expert/voice-render-service/internal/tts/ttsutils"
	"github.com/spf13/cobra"
)

// Flag names.
const (
	flagText    = "text"
	flagFile    = "file"
	flagProfile = "profile"
	flagOutput  = "output"
)

// Flag descriptions.
const (
	flagTextDesc    = "Text to convert to speech"
	flagFileDesc    = "File containing the text to convert to speech"
	flagProfileDesc = "Voice profile id (defaults to the configured profile)"
	flagOutputDesc  = "Output file path (.wav); defaults to the renders directory"
)

// Error and log messages.
const (
	errEitherTextOrFile  = "either --text or --file must be provided"
	errCannotSpecifyBoth = "cannot specify both --text and --file"
	logRendered          = "Rendered %s with profile %s: %s (%s, %s)\n"
)

var (
	errMissingInput     = errors.New(errEitherTextOrFile)
	errConflictingInput = errors.New(errCannotSpecifyBoth)
)

type renderOptions struct {
	text    string
	file    string
	profile string
	output  string
}

func newRenderCommand(root *rootOptions) *cobra.Command {
	opts := &renderOptions{}

	cmd := &cobra.Command{
		Use:     "render",
		Short:   "Render text to a WAV file on this machine",
		Example: `render-cli render --text "Xin chào các bạn." --profile tina`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			text, err := readInput(opts)
			if err != nil {
				return err
			}

			cfg, log, err := setup(root)
			if err != nil {
				return err
			}
			defer log.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return renderLocally(ctx, cmd, cfg, log, text, opts)
		},
	}

	cmd.Flags().StringVar(&opts.text, flagText, "", flagTextDesc)
	cmd.Flags().StringVar(&opts.file, flagFile, "", flagFileDesc)
	cmd.Flags().StringVar(&opts.profile, flagProfile, "", flagProfileDesc)
	cmd.Flags().StringVarP(&opts.output, flagOutput, "o", "", flagOutputDesc)

	return cmd
}

// readInput returns the text to render from exactly one of --text and --file.
func readInput(opts *renderOptions) (string, error) {
	switch {
	case opts.text == "" && opts.file == "":
		return "", errMissingInput
	case opts.text != "" && opts.file != "":
		return "", errConflictingInput
	case opts.text != "":
		return opts.text, nil
	}

	data, err := os.ReadFile(opts.file)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", opts.file, err)
	}

	return string(data), nil
}

func renderLocally(
	ctx context.Context,
	cmd *cobra.Command,
	cfg *config.Config,
	log *logger.Logger,
	text string,
	opts *renderOptions,
) error {
	pipeline, err := app.NewPipeline(cfg, log)
	if err != nil {
		return err
	}

	defer func() {
		closeErr := pipeline.Close()
		if closeErr != nil {
			log.Error("failed to close metrics store: %v", closeErr)
		}
	}()

	stopOnSignal := context.AfterFunc(ctx, func() { pipeline.Processor.Stop() })
	defer stopOnSignal()

	result, err := pipeline.Processor.Render(ctx, core.RenderRequest{Text: text, ProfileID: opts.profile})
	if err != nil {
		log.Error("render failed: %v", err)

		return fmt.Errorf("render failed (%s): %w", core.Kind(err), err)
	}

	outputPath, err := exportArtifact(result.AudioPath, opts.output)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), logRendered,
		result.JobID,
		result.ProfileID,
		outputPath,
		ttsutils.FormatDuration(result.DurationSeconds),
		ttsutils.FormatFileSize(result.SizeBytes),
	)

	return nil
}

// exportArtifact copies the rendered file to output when one was requested.
// The original stays in the renders directory, where history points.
func exportArtifact(audioPath, output string) (string, error) {
	if output == "" {
		return audioPath, nil
	}

	err := ttsutils.CopyFile(audioPath, output)
	if err != nil {
		return "", err
	}

	return output, nil
}
