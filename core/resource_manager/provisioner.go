package resource_manager

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"

	"ai-serving/core/executor"
	"ai-serving/core/models"
	"ai-serving/storage"
)

//go:embed templates/init.py templates/aiserving.py
var templates embed.FS

const (
	socketName   = "worker.sock"
	progressName = "progress.txt"
	errorName    = "error.txt"
	markerName   = ".provisioned"
)

// Provisioning steps reported in ProvisioningError
const (
	StepEnvironment = "environment"
	StepFetch       = "fetch"
	StepUnpack      = "unpack"
	StepSetup       = "setup"
	StepDependency  = "dependencies"
	StepTemplates   = "templates"
)

// ProvisioningError reports which step of building a model environment failed
type ProvisioningError struct {
	ModelID string
	Step    string
	Err     error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("provisioning model %s failed at %s: %v", e.ModelID, e.Step, e.Err)
}

func (e *ProvisioningError) Unwrap() error {
	return e.Err
}

// Environment is the on-disk runtime of one model
type Environment struct {
	ModelID      string
	Root         string
	ModelDir     string
	Python       string
	EntryPoint   string
	SocketPath   string
	ProgressPath string
	ErrorPath    string
}

// Endpoint returns the RPC address of the environment's worker
func (e *Environment) Endpoint() executor.Endpoint {
	return executor.Endpoint{SocketPath: e.SocketPath, ErrorPath: e.ErrorPath}
}

// CommandRunner runs one provisioning command to completion
type CommandRunner interface {
	Run(ctx context.Context, dir, name string, args ...string) error
}

type execRunner struct {
	logger *slog.Logger
}

func (r execRunner) Run(ctx context.Context, dir, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	r.logger.Debug("running provisioning command", "dir", dir, "command", name, "args", args)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, tail(output.String(), 2048))
	}
	return nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		return s[len(s)-n:]
	}
	return s
}

// ProvisionerConfig holds the provisioner settings
type ProvisionerConfig struct {
	RuntimeRoot  string
	PythonBin    string
	BasePackages []string
}

// Provisioner builds an isolated Python environment per model from its packaged artifact
type Provisioner struct {
	store  storage.ObjectStore
	cfg    ProvisionerConfig
	runner CommandRunner
	logger *slog.Logger
}

// NewProvisioner creates a new provisioner
func NewProvisioner(store storage.ObjectStore, cfg ProvisionerConfig, logger *slog.Logger) *Provisioner {
	if cfg.PythonBin == "" {
		cfg.PythonBin = "python3"
	}
	if cfg.BasePackages == nil {
		cfg.BasePackages = []string{"numpy"}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Provisioner{
		store:  store,
		cfg:    cfg,
		runner: execRunner{logger: logger},
		logger: logger,
	}
}

// EnvironmentFor returns the environment layout of a model without touching the disk
func (p *Provisioner) EnvironmentFor(modelID string) *Environment {
	root := filepath.Join(p.cfg.RuntimeRoot, "venvs", "model_"+modelID)
	return &Environment{
		ModelID:      modelID,
		Root:         root,
		ModelDir:     filepath.Join(root, "model"),
		Python:       filepath.Join(root, "bin", "python"),
		EntryPoint:   filepath.Join(root, "init.py"),
		SocketPath:   filepath.Join(root, socketName),
		ProgressPath: filepath.Join(root, progressName),
		ErrorPath:    filepath.Join(root, errorName),
	}
}

// Provision builds the environment of a model, or returns it as-is when a previous run completed
func (p *Provisioner) Provision(ctx context.Context, model *models.Model) (*Environment, error) {
	env := p.EnvironmentFor(model.ID)
	fail := func(step string, err error) (*Environment, error) {
		return nil, &ProvisioningError{ModelID: model.ID, Step: step, Err: err}
	}

	if _, err := os.Stat(filepath.Join(env.Root, markerName)); err == nil {
		return env, nil
	}

	if model.ModulePath == "" {
		return fail(StepFetch, errors.New("model has no uploaded artifact"))
	}

	p.logger.Info("provisioning model environment", "model_id", model.ID, "root", env.Root)

	if _, err := os.Stat(env.Python); err != nil {
		if err := os.MkdirAll(filepath.Dir(env.Root), 0755); err != nil {
			return fail(StepEnvironment, err)
		}
		if err := p.runner.Run(ctx, filepath.Dir(env.Root), p.cfg.PythonBin, "-m", "venv", env.Root); err != nil {
			return fail(StepEnvironment, err)
		}
	}
	if err := os.MkdirAll(env.Root, 0755); err != nil {
		return fail(StepEnvironment, err)
	}

	// A partial unpack from an interrupted run is discarded
	if err := os.RemoveAll(env.ModelDir); err != nil {
		return fail(StepUnpack, err)
	}

	archivePath := filepath.Join(env.Root, path.Base(model.ModulePath))
	if err := storage.FetchToFile(ctx, p.store, model.ModulePath, archivePath); err != nil {
		return fail(StepFetch, err)
	}
	err := unpackArchive(archivePath, model.ModulePath, env.ModelDir)
	os.Remove(archivePath)
	if err != nil {
		return fail(StepUnpack, err)
	}

	if err := p.installModel(ctx, env); err != nil {
		return fail(StepSetup, err)
	}

	if len(p.cfg.BasePackages) > 0 {
		args := append([]string{"-m", "pip", "install"}, p.cfg.BasePackages...)
		if err := p.runner.Run(ctx, env.Root, env.Python, args...); err != nil {
			return fail(StepDependency, err)
		}
	}

	if err := writeTemplates(env); err != nil {
		return fail(StepTemplates, err)
	}

	if err := os.WriteFile(filepath.Join(env.Root, markerName), []byte(model.ModulePath+"\n"), 0644); err != nil {
		return fail(StepTemplates, err)
	}

	p.logger.Info("model environment ready", "model_id", model.ID)
	return env, nil
}

// installModel runs the package's own setup script, or installs its requirements
func (p *Provisioner) installModel(ctx context.Context, env *Environment) error {
	setupPath := filepath.Join(env.ModelDir, "setup")
	if info, err := os.Stat(setupPath); err == nil {
		if err := os.Chmod(setupPath, info.Mode().Perm()|0100); err != nil {
			return err
		}
		return p.runner.Run(ctx, env.ModelDir, "bash", "-c", ". ../bin/activate && ./setup")
	}

	if _, err := os.Stat(filepath.Join(env.ModelDir, "requirements.txt")); err == nil {
		return p.runner.Run(ctx, env.ModelDir, env.Python, "-m", "pip", "install", "-r", "requirements.txt")
	}
	return nil
}

func writeTemplates(env *Environment) error {
	targets := map[string]string{
		"templates/aiserving.py": filepath.Join(env.ModelDir, "aiserving.py"),
		"templates/init.py":      env.EntryPoint,
	}
	for name, target := range targets {
		data, err := templates.ReadFile(name)
		if err != nil {
			return err
		}
		if err := os.WriteFile(target, data, 0644); err != nil {
			return err
		}
	}
	return nil
}
