package resource_manager

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"ai-serving/core/executor"
	"ai-serving/core/models"
	"ai-serving/core/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const echoModel = `from model.aiserving import Status, update_progress


def preprocess(*paths):
    values = []
    for i, path in enumerate(paths):
        with open(path) as f:
            values.append(f.read().strip())
        update_progress(Status.PREPROCESSING, i + 1, len(paths))
    return values


def inference(values):
    if 'boom' in values:
        raise RuntimeError('model not loaded')
    return values


def postprocess(values, path):
    with open(path, 'w') as f:
        f.write(','.join(values))
`

// templateProvisioner lays out a runtime with the shipped worker templates and a small model
type templateProvisioner struct {
	root   string
	python string
}

func (p *templateProvisioner) Provision(_ context.Context, model *models.Model) (*Environment, error) {
	root := filepath.Join(p.root, model.ID)
	env := &Environment{
		ModelID:      model.ID,
		Root:         root,
		ModelDir:     filepath.Join(root, "model"),
		Python:       p.python,
		EntryPoint:   filepath.Join(root, "init.py"),
		SocketPath:   filepath.Join(root, socketName),
		ProgressPath: filepath.Join(root, progressName),
		ErrorPath:    filepath.Join(root, errorName),
	}
	if err := os.MkdirAll(env.ModelDir, 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(env.ModelDir, "main.py"), []byte(echoModel), 0o644); err != nil {
		return nil, err
	}
	if err := writeTemplates(env); err != nil {
		return nil, err
	}
	return env, nil
}

func TestWorkerTemplateServesStages(t *testing.T) {
	python, err := exec.LookPath("python3")
	if err != nil {
		t.Skip("python3 not installed")
	}

	// Unix socket paths are short; t.TempDir can exceed the limit
	root, err := os.MkdirTemp("", "ais")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(root) })

	s := NewSupervisor(stubModels{}, &templateProvisioner{root: root, python: python}, SupervisorConfig{StopGrace: 5 * time.Second}, nil)
	t.Cleanup(func() { s.StopAll(context.Background()) })

	ctx := context.Background()
	h, err := s.EnsureRunning(ctx, "echo")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, err := os.Stat(h.Env.SocketPath)
		return err == nil
	}, 30*time.Second, 20*time.Millisecond, "worker never opened its socket")

	cfg := executor.DefaultClientConfig()
	cfg.BaseDelay = 10 * time.Millisecond
	client := executor.NewClient(cfg, nil)
	ep := h.Env.Endpoint()

	inputs := t.TempDir()
	var paths []string
	for i, v := range []string{"3", "4"} {
		path := filepath.Join(inputs, string(rune('a'+i)))
		require.NoError(t, os.WriteFile(path, []byte(v), 0o644))
		paths = append(paths, path)
	}

	encoded, err := client.Preprocess(ctx, ep, paths)
	require.NoError(t, err)
	outputs, err := client.Inference(ctx, ep, encoded)
	require.NoError(t, err)
	resultPath, err := client.Postprocess(ctx, ep, outputs)
	require.NoError(t, err)
	t.Cleanup(func() { os.Remove(resultPath) })

	result, err := os.ReadFile(resultPath)
	require.NoError(t, err)
	assert.Equal(t, "3,4", string(result))

	progress, err := os.ReadFile(h.Env.ProgressPath)
	require.NoError(t, err)
	assert.Equal(t, "preprocessing:2:2\n", string(progress))

	// A failing stage reports the exception message, not a traceback
	boom := filepath.Join(inputs, "boom")
	require.NoError(t, os.WriteFile(boom, []byte("boom"), 0o644))
	encoded, err = client.Preprocess(ctx, ep, []string{boom})
	require.NoError(t, err)
	_, err = client.Inference(ctx, ep, encoded)
	var protoErr *protocol.ProtocolError
	require.True(t, errors.As(err, &protoErr), "got %v", err)
	assert.Equal(t, "model not loaded", protoErr.Message)

	// The worker keeps serving after a stage error
	_, err = client.Preprocess(ctx, ep, paths)
	require.NoError(t, err)
}
