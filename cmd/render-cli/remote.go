package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/book-expert/voice-render-service/internal/app"
	"github.com/book-expert/voice-render-service/internal/worker"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
)

const (
	flagTimeout = "timeout"
	flagPage    = "page"
	flagPerPage = "per-page"
	flagID      = "id"

	defaultRequestTimeout = 10 * time.Second
)

// errRemote is returned when the service answers with an error reply.
var errRemote = errors.New("service returned an error")

func newStatusCommand(root *rootOptions) *cobra.Command {
	return newRequestCommand(root, "status", "Show the job the service is running",
		func(subjects worker.Subjects) string { return subjects.Status }, nil)
}

func newStopCommand(root *rootOptions) *cobra.Command {
	return newRequestCommand(root, "stop", "Ask the service to stop the running job",
		func(subjects worker.Subjects) string { return subjects.Stop }, nil)
}

func newGPUCommand(root *rootOptions) *cobra.Command {
	return newRequestCommand(root, "gpu", "Show the service's GPU telemetry",
		func(subjects worker.Subjects) string { return subjects.GPU }, nil)
}

func newHistoryCommand(root *rootOptions) *cobra.Command {
	query := &worker.HistoryQuery{}

	cmd := newRequestCommand(root, "history", "List completed renders, or show one with --id",
		func(subjects worker.Subjects) string { return subjects.History },
		func() any { return query })

	cmd.Flags().IntVar(&query.Page, flagPage, 1, "Page number, starting at 1")
	cmd.Flags().IntVar(&query.PerPage, flagPerPage, 10, "Renders per page")
	cmd.Flags().StringVar(&query.ID, flagID, "", "Show a single render")

	return cmd
}

// newRequestCommand builds a subcommand that sends one request to the
// service and prints the JSON reply.
func newRequestCommand(
	root *rootOptions,
	use, short string,
	subject func(worker.Subjects) string,
	payload func() any,
) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := setup(root)
			if err != nil {
				return err
			}
			defer log.Close()

			var body any
			if payload != nil {
				body = payload()
			}

			reply, err := request(cfg.NATS.URL, subject(app.Subjects(cfg)), body, timeout)
			if err != nil {
				log.Error("%s request failed: %v", use, err)

				return err
			}

			return printReply(cmd.OutOrStdout(), reply)
		},
	}

	cmd.Flags().DurationVar(&timeout, flagTimeout, defaultRequestTimeout, "How long to wait for a reply")

	return cmd
}

func request(url, subject string, payload any, timeout time.Duration) (*nats.Msg, error) {
	natsConnection, err := nats.Connect(url, nats.Name("render-cli"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	defer natsConnection.Close()

	var data []byte

	if payload != nil {
		data, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	reply, err := natsConnection.Request(subject, data, timeout)
	if err != nil {
		return nil, fmt.Errorf("no reply on %s: %w", subject, err)
	}

	kind := reply.Header.Get(worker.HeaderErrorKind)
	if kind != "" {
		var errorReply worker.ErrorReply

		_ = json.Unmarshal(reply.Data, &errorReply)

		return nil, fmt.Errorf("%w (%s): %s", errRemote, kind, errorReply.Error)
	}

	return reply, nil
}

func printReply(out io.Writer, reply *nats.Msg) error {
	var decoded any

	err := json.Unmarshal(reply.Data, &decoded)
	if err != nil {
		return fmt.Errorf("failed to decode reply: %w", err)
	}

	pretty, err := json.MarshalIndent(decoded, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to format reply: %w", err)
	}

	_, err = fmt.Fprintln(out, string(pretty))

	return err
}
