package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/book-expert/voice-render-service/internal/worker"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadInput(t *testing.T) {
	t.Parallel()

	file := filepath.Join(t.TempDir(), "page.txt")
	require.NoError(t, os.WriteFile(file, []byte("Xin chào từ tệp."), 0o600))

	testCases := []struct {
		name    string
		opts    renderOptions
		want    string
		wantErr error
	}{
		{name: "text flag", opts: renderOptions{text: "Xin chào."}, want: "Xin chào."},
		{name: "file flag", opts: renderOptions{file: file}, want: "Xin chào từ tệp."},
		{name: "neither", opts: renderOptions{}, wantErr: errMissingInput},
		{name: "both", opts: renderOptions{text: "a", file: file}, wantErr: errConflictingInput},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			got, err := readInput(&testCase.opts)
			if testCase.wantErr != nil {
				require.ErrorIs(t, err, testCase.wantErr)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, testCase.want, got)
		})
	}

	_, err := readInput(&renderOptions{file: filepath.Join(t.TempDir(), "missing.txt")})
	require.Error(t, err)
}

func TestRootCommand_Layout(t *testing.T) {
	t.Parallel()

	root := newRootCommand()

	for _, name := range []string{"render", "status", "stop", "gpu", "history"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err)
		assert.Equal(t, name, cmd.Name())
	}

	history, _, err := root.Find([]string{"history"})
	require.NoError(t, err)
	assert.NotNil(t, history.Flags().Lookup(flagPerPage))
	assert.NotNil(t, history.Flags().Lookup(flagID))
	assert.NotNil(t, root.PersistentFlags().Lookup(flagConfig))
}

func TestRenderCommand_RequiresInput(t *testing.T) {
	t.Parallel()

	root := newRootCommand()
	root.SetArgs([]string{"render"})
	root.SetOut(&bytes.Buffer{})

	require.ErrorIs(t, root.Execute(), errMissingInput)
}

func TestExportArtifact_KeepsRenderedFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	rendered := filepath.Join(dir, "renders", "job.wav")
	require.NoError(t, os.MkdirAll(filepath.Dir(rendered), 0o755))
	require.NoError(t, os.WriteFile(rendered, []byte("RIFF"), 0o600))

	path, err := exportArtifact(rendered, "")
	require.NoError(t, err)
	assert.Equal(t, rendered, path)

	output := filepath.Join(dir, "out", "page.wav")

	path, err = exportArtifact(rendered, output)
	require.NoError(t, err)
	assert.Equal(t, output, path)
	assert.FileExists(t, rendered, "history still points at the rendered file")

	data, err := os.ReadFile(output)
	require.NoError(t, err)
	assert.Equal(t, []byte("RIFF"), data)
}

// startService answers the query subjects the way the worker does.
func startService(t *testing.T) string {
	t.Helper()

	opts := test.DefaultTestOptions
	opts.Port = -1
	natsServer := test.RunServer(&opts)
	t.Cleanup(natsServer.Shutdown)

	conn, err := nats.Connect(natsServer.ClientURL())
	require.NoError(t, err)
	t.Cleanup(conn.Close)

	_, err = conn.Subscribe("tts.render.status", func(msg *nats.Msg) {
		_ = msg.Respond([]byte(`{"is_rendering":false,"state":"IDLE"}`))
	})
	require.NoError(t, err)

	_, err = conn.Subscribe("tts.render.history", func(msg *nats.Msg) {
		_ = msg.Respond(msg.Data)
	})
	require.NoError(t, err)

	_, err = conn.Subscribe("tts.gpu.status", func(msg *nats.Msg) {
		header := nats.Header{}
		header.Set(worker.HeaderErrorKind, "internal")

		data, _ := json.Marshal(worker.ErrorReply{Error: "telemetry offline", Kind: "internal"})
		_ = msg.RespondMsg(&nats.Msg{Data: data, Header: header})
	})
	require.NoError(t, err)

	require.NoError(t, conn.Flush())

	return natsServer.ClientURL()
}

func writeConfig(t *testing.T, natsURL string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "render.toml")
	content := fmt.Sprintf("[nats]\nurl = %q\n\n[paths]\nbase_logs_dir = %q\n", natsURL, filepath.Join(dir, "logs"))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer

	root := newRootCommand()
	root.SetArgs(args)
	root.SetOut(&out)

	err := root.Execute()

	return out.String(), err
}

func TestRemoteCommands(t *testing.T) {
	t.Parallel()

	configPath := writeConfig(t, startService(t))

	out, err := execute(t, "status", "--config", configPath)
	require.NoError(t, err)
	assert.Contains(t, out, `"state": "IDLE"`)

	out, err = execute(t, "history", "--config", configPath, "--page", "2", "--per-page", "5")
	require.NoError(t, err)

	var query worker.HistoryQuery
	require.NoError(t, json.Unmarshal([]byte(out), &query))
	assert.Equal(t, worker.HistoryQuery{Page: 2, PerPage: 5}, query)

	_, err = execute(t, "gpu", "--config", configPath)
	require.ErrorIs(t, err, errRemote)
	assert.Contains(t, err.Error(), "telemetry offline")

	_, err = execute(t, "stop", "--config", configPath, "--timeout", "200ms")
	require.Error(t, err, "no responder is subscribed to the stop subject")
}
