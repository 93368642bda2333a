package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/execution-hub/otrun/internal/domain/run"
	"github.com/execution-hub/otrun/internal/testutil/fakerobot"
)

const heatTemplate = `metadata = {"apiLevel": "2.15"}

def run(protocol):
    module = protocol.load_module("temperature module gen2", 1)
    module.set_temperature(celsius={{ .temperature }})
    protocol.delay(seconds={{ .delay_seconds }})
`

func writeSequence(t *testing.T, dir, body string) string {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "heat.py.tmpl"), []byte(heatTemplate), 0o600))
	path := filepath.Join(dir, "sequence.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const twoItems = `name: heat-ramp
items:
  - name: scriptA
    template: heat.py.tmpl
    params: {temperature: 20, delay_seconds: 30}
  - name: scriptB
    template: heat.py.tmpl
    params: {temperature: 25, delay_seconds: 30}
`

func execute(t *testing.T, stdin io.Reader, args ...string) (string, string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := newRootCommand(stdin, &out, &errOut)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), errOut.String(), err
}

func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("ROBOT_URL", "")
	t.Setenv("LOG_LEVEL", "error")
	return dir
}

func TestRun_Succeeds(t *testing.T) {
	dir := isolate(t)
	fake := fakerobot.New(t)
	path := writeSequence(t, dir, twoItems)

	out, _, err := execute(t, strings.NewReader(""), "run", path, "--robot", fake.URL, "--poll-interval", "5ms")

	require.NoError(t, err)
	assert.Contains(t, out, "run-1")
	assert.Contains(t, out, "run-2")
	assert.Contains(t, out, `sequence "heat-ramp" succeeded (2 items)`)

	uploads := fake.Uploads()
	require.Len(t, uploads, 2)
	assert.Equal(t, "scriptA.py", uploads[0].Filename)
	assert.Contains(t, uploads[0].Content, "celsius=20")
	assert.Contains(t, uploads[1].Content, "celsius=25")
	assert.Contains(t, uploads[1].Content, "seconds=30")
}

func TestRun_FailsOnFirstFailedItem(t *testing.T) {
	dir := isolate(t)
	fake := fakerobot.New(t)
	fake.SetStatuses(0, "running", "failed")
	fake.SetRunErrors(0, `[{"errorType":"ThermalModuleError"}]`)
	path := writeSequence(t, dir, twoItems)

	out, _, err := execute(t, strings.NewReader(""), "run", path, "--robot", fake.URL, "--poll-interval", "5ms")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "item 0 (scriptA) ended with status failed")
	assert.Contains(t, err.Error(), "ThermalModuleError")
	assert.Contains(t, out, "failed")
	assert.Len(t, fake.Uploads(), 1)
}

func TestRun_PromptsBeforeResuming(t *testing.T) {
	dir := isolate(t)
	fake := fakerobot.New(t)
	fake.SetStatuses(0, "running", "paused", "running", "succeeded")
	path := writeSequence(t, dir, `name: one
items:
  - name: scriptA
    template: heat.py.tmpl
    params: {temperature: 20, delay_seconds: 1}
`)

	_, errOut, err := execute(t, strings.NewReader("\n"), "run", path, "--robot", fake.URL, "--poll-interval", "5ms")

	require.NoError(t, err)
	assert.Contains(t, errOut, "run run-1 is paused")
	require.Len(t, fake.Runs(), 1)
	assert.Equal(t, []string{"play", "play"}, fake.Runs()[0].Actions)
}

func TestRun_AutoResume(t *testing.T) {
	dir := isolate(t)
	fake := fakerobot.New(t)
	fake.SetStatuses(0, "blocked-by-open-door", "succeeded")
	path := writeSequence(t, dir, `name: one
items:
  - content: "print('hi')"
`)

	_, _, err := execute(t, strings.NewReader(""), "run", path, "--robot", fake.URL, "--poll-interval", "5ms", "--auto-resume")

	require.NoError(t, err)
	assert.Equal(t, []string{"play", "play"}, fake.Runs()[0].Actions)
}

func TestRun_ClosedStdinStopsPausedRun(t *testing.T) {
	dir := isolate(t)
	fake := fakerobot.New(t)
	fake.SetStatuses(0, "paused")
	path := writeSequence(t, dir, `name: one
items:
  - content: "print('hi')"
`)

	_, _, err := execute(t, strings.NewReader(""), "run", path, "--robot", fake.URL, "--poll-interval", "5ms")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "read operator input")
}

func TestRun_RobotFromEnvFile(t *testing.T) {
	dir := isolate(t)
	fake := fakerobot.New(t)
	path := writeSequence(t, dir, twoItems)
	envFile := filepath.Join(dir, "robot.env")
	t.Setenv("POLL_INTERVAL", "")
	require.NoError(t, os.Unsetenv("ROBOT_URL"))
	require.NoError(t, os.Unsetenv("POLL_INTERVAL"))
	require.NoError(t, os.WriteFile(envFile, []byte("ROBOT_URL="+fake.URL+"\nPOLL_INTERVAL=5ms\n"), 0o600))

	_, _, err := execute(t, strings.NewReader(""), "run", path, "--env-file", envFile)

	require.NoError(t, err)
	assert.Len(t, fake.Runs(), 2)
}

func TestRun_NeedsRobotURL(t *testing.T) {
	dir := isolate(t)
	path := writeSequence(t, dir, twoItems)

	_, _, err := execute(t, strings.NewReader(""), "run", path)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "no robot URL")
}

func TestRender(t *testing.T) {
	dir := isolate(t)
	writeSequence(t, dir, twoItems)

	out, _, err := execute(t, nil, "render", filepath.Join(dir, "heat.py.tmpl"), "-p", "temperature=37.5", "--param", "delay_seconds=60")

	require.NoError(t, err)
	assert.Contains(t, out, "set_temperature(celsius=37.5)")
	assert.Contains(t, out, "protocol.delay(seconds=60)")

	_, _, err = execute(t, nil, "render", filepath.Join(dir, "heat.py.tmpl"), "-p", "temperature=37.5")
	require.Error(t, err, "missing delay_seconds")
}

func TestParseParams(t *testing.T) {
	got, err := parseParams([]string{"volume=20", " temp = 4.5 "})
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"volume": 20, "temp": 4.5}, got)

	for _, bad := range []string{"volume", "=3", "volume=lots"} {
		_, err := parseParams([]string{bad})
		assert.Error(t, err, bad)
	}
}

func TestPing(t *testing.T) {
	isolate(t)
	fake := fakerobot.New(t)

	out, _, err := execute(t, nil, "ping", "--robot", fake.URL)

	require.NoError(t, err)
	assert.Contains(t, out, "fake-ot2 (OT-2 Standard)")
}

func TestPromptIntervention_IgnoresLinesWhileNotPaused(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	var out bytes.Buffer
	p := newPromptIntervention(pr, &out)
	h := run.Handle{ID: "run-1"}

	first := make(chan error, 1)
	go func() { first <- p.WaitForResume(context.Background(), h) }()
	_, err := pw.Write([]byte("\n"))
	require.NoError(t, err)
	require.NoError(t, <-first)

	// An Enter typed between pauses must not resume the next one.
	_, err = pw.Write([]byte("\n"))
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, p.WaitForResume(ctx, h), context.DeadlineExceeded)

	second := make(chan error, 1)
	go func() { second <- p.WaitForResume(context.Background(), h) }()
	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.waiter != nil
	}, time.Second, time.Millisecond)
	_, err = pw.Write([]byte("\n"))
	require.NoError(t, err)
	require.NoError(t, <-second)

	require.NoError(t, pw.Close())
	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.err != nil
	}, time.Second, time.Millisecond)
	assert.ErrorIs(t, p.WaitForResume(context.Background(), h), io.ErrUnexpectedEOF)
	assert.Equal(t, 3, strings.Count(out.String(), "press Enter"))
}
