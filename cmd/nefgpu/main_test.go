package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fxnlabs/nefgpu/fixtures"
	"github.com/fxnlabs/nefgpu/internal/config"
	"github.com/fxnlabs/nefgpu/internal/probe"
	"github.com/fxnlabs/nefgpu/internal/server"
	"github.com/fxnlabs/nefgpu/pkg/nefgpu"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"
)

func runApp(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	err := app.Run(append([]string{"nefgpu"}, args...))
	return out.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestInitCommand(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "missing.yaml")

	_, err := runApp(t, "--config", missing, "init", "--dir", dir, "--example", "channel")
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, fixtures.ConfigTemplate, data)
	data, err = os.ReadFile(filepath.Join(dir, "network.yaml"))
	require.NoError(t, err)
	assert.Equal(t, fixtures.ChannelNetwork, data)

	_, err = runApp(t, "--config", missing, "init", "--dir", dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	_, err = runApp(t, "--config", missing, "init", "--dir", dir, "--force")
	require.NoError(t, err)
	data, err = os.ReadFile(filepath.Join(dir, "network.yaml"))
	require.NoError(t, err)
	assert.Equal(t, fixtures.IntegratorNetwork, data)

	_, err = runApp(t, "--config", missing, "init", "--dir", dir, "--example", "nope")
	assert.Error(t, err)
}

func TestDevicesCommand(t *testing.T) {
	path := writeConfig(t, "logger:\n  verbosity: error\ndevices:\n  cpu: 3\n  disableCuda: true\n")

	out, err := runApp(t, "--config", path, "devices", "--no-banner")
	require.NoError(t, err)
	assert.Contains(t, out, "Backend: cpu")
	assert.Contains(t, out, "Devices: 3")
	assert.Contains(t, out, "[2]")
}

func TestInvalidConfig(t *testing.T) {
	_, err := runApp(t, "--config", "../../fixtures/tests/invalid_config/config.yaml", "devices")
	assert.Error(t, err)
}

func TestRunCommand(t *testing.T) {
	dir := t.TempDir()
	_, err := runApp(t, "--config", filepath.Join(dir, "missing.yaml"), "init", "--dir", dir, "--example", "integrator")
	require.NoError(t, err)

	configPath := filepath.Join(dir, "config.yaml")
	_, err = runApp(t, "--config", configPath, "run", "--duration", "0.02")
	require.NoError(t, err)

	f, err := os.Open(filepath.Join(dir, "probes.jsonl"))
	require.NoError(t, err)
	defer f.Close()

	var samples []probe.Sample
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		var s probe.Sample
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &s))
		samples = append(samples, s)
	}
	require.NoError(t, scanner.Err())
	require.Len(t, samples, 20)
	assert.InDelta(t, 0.001, samples[0].Time, 1e-7)
	assert.InDelta(t, 0.02, samples[19].Time, 1e-6)
	require.Len(t, samples[19].Values["integrator.X"], 1)
	assert.Contains(t, samples[19].Spikes, "integrator")

	_, err = runApp(t, "--config", configPath, "run", "--network", filepath.Join(dir, "absent.yaml"))
	assert.Error(t, err)
}

func TestServe(t *testing.T) {
	dir := t.TempDir()
	networkPath := filepath.Join(dir, "network.yaml")
	require.NoError(t, os.WriteFile(networkPath, fixtures.ChannelNetwork, 0o644))

	cfg := &config.Config{}
	cfg.Defaults()
	cfg.Devices.CPU = 2
	cfg.Devices.DisableCUDA = true
	cfg.Server.ListenPort = 0
	e := &env{configPath: filepath.Join(dir, "config.yaml"), cfg: cfg, log: zap.NewNop()}

	var (
		hs      *httpServer
		session *nefgpu.Session
	)
	app := fxtest.New(t,
		serveOptions(e, networkPath, true, 0),
		fx.Populate(&hs, &session),
	)
	app.RequireStart()

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+hs.Addr()+"/stream", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + hs.Addr() + "/status")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var status server.Status
		if err := json.NewDecoder(resp.Body).Decode(&status); err != nil || status.Simulation == nil {
			return false
		}
		return status.Simulation.Steps >= 50 && status.StreamClients == 1
	}, 10*time.Second, 20*time.Millisecond)

	var sample probe.Sample
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, conn.ReadJSON(&sample))
	assert.Len(t, sample.Values["b.square"], 1)

	app.RequireStop()
	assert.Equal(t, "killed", session.Controller().State().String())
	assert.Error(t, session.Kill())
}

func TestResolvePath(t *testing.T) {
	assert.Equal(t, filepath.Join("conf", "net.yaml"), resolvePath("conf/config.yaml", "net.yaml"))
	assert.Equal(t, "/abs/net.yaml", resolvePath("conf/config.yaml", "/abs/net.yaml"))
	assert.Equal(t, "", resolvePath("conf/config.yaml", ""))
	assert.True(t, strings.HasSuffix(resolvePath("config.yaml", "net.yaml"), "net.yaml"))
}
