// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package backend binds the host server's request/response contract to an execution engine
// running TensorFlow models.
//
// A Model is created once per loaded model with NewModel: it checks the model configuration,
// optionally completes it from the model signature (auto-complete), and keeps a HandleCache of
// the executables loaded for each device. Each Instance of the model acquires an executable
// from the cache and runs execution cycles with ProcessRequests: the inputs of all requests
// are assembled into batched tensors, the engine runs once, and the outputs are sliced back
// into the responses.
package backend

import (
	"context"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/tfbridge/tfbridge/pkg/config"
	"github.com/tfbridge/tfbridge/pkg/engine"
	"github.com/tfbridge/tfbridge/pkg/status"
	"github.com/tfbridge/tfbridge/pkg/support/fsutil"
)

// ModelOptions configure NewModel.
type ModelOptions struct {
	// Config is the model configuration as persisted by the host. It is not modified.
	Config *config.ModelConfig

	// RepositoryPath is the directory of the model in the model repository, and Version the
	// version directory inside it holding the artifact.
	RepositoryPath string
	Version        int64

	// Engine used to load and run the model.
	Engine engine.Engine

	// Backend configuration shared by all models.
	Backend config.BackendConfig

	// AutoComplete the configuration from the model signature (signature-rich format only).
	AutoComplete bool

	// BatchOutputKinds adds support for batch output kinds, see BatchOutputShapeFunc.
	BatchOutputKinds map[string]BatchOutputShapeFunc

	// Metrics, optional.
	Metrics *Metrics
}

// Model is a validated, loadable model. It owns the executables loaded for its instances.
type Model struct {
	name             string
	cfg              *config.ModelConfig
	format           engine.Format
	path             string
	engine           engine.Engine
	backend          config.BackendConfig
	params           config.ModelParameters
	accelerators     config.Accelerators
	batchOutputKinds map[string]BatchOutputShapeFunc
	metrics          *Metrics
	cache            *HandleCache
}

// ModelFormat returns the artifact format of the configuration's platform.
//
// An empty platform is accepted with the "tensorflow" backend: the artifact file name then
// decides the format.
func ModelFormat(cfg *config.ModelConfig) (engine.Format, error) {
	switch cfg.Platform {
	case config.PlatformGraphDef:
		return engine.GraphDef, nil
	case config.PlatformSavedModel:
		return engine.SavedModel, nil
	case "":
		if cfg.Backend == "" || cfg.Backend == "tensorflow" {
			if strings.HasSuffix(cfg.DefaultModelFilename, ".graphdef") {
				return engine.GraphDef, nil
			}
			return engine.SavedModel, nil
		}
	}
	return engine.SavedModel, status.Errorf(status.ConfigurationInvalid,
		"platform '%s' (backend '%s') not supported by TensorFlow backend for model '%s'",
		cfg.Platform, cfg.Backend, cfg.Name)
}

// ArtifactPath returns the path of the model artifact: <repository>/<version>/<filename>.
func ArtifactPath(cfg *config.ModelConfig, format engine.Format, repositoryPath string, version int64) string {
	filename := cfg.DefaultModelFilename
	if filename == "" {
		filename = config.DefaultSavedModelFilename
		if format == engine.GraphDef {
			filename = config.DefaultGraphDefFilename
		}
	}
	return filepath.Join(repositoryPath, strconv.FormatInt(version, 10), filename)
}

// NewModel runs the load sequence of a model: platform and artifact checks, auto-complete (if
// requested), datatype validation and parsing of the parameters and optimization settings.
//
// Executables are only loaded (and validated against the configuration) when instances are created.
func NewModel(opts ModelOptions) (*Model, error) {
	if opts.Config == nil || opts.Engine == nil {
		return nil, status.Errorf(status.Internal, "NewModel requires a configuration and an engine")
	}
	cfg := opts.Config.Clone()
	format, err := ModelFormat(cfg)
	if err != nil {
		return nil, err
	}
	m := &Model{
		name:             cfg.Name,
		format:           format,
		path:             ArtifactPath(cfg, format, opts.RepositoryPath, opts.Version),
		engine:           opts.Engine,
		backend:          opts.Backend,
		batchOutputKinds: map[string]BatchOutputShapeFunc{config.BatchScatterWithInputShape: ScatterWithInputShape},
		metrics:          opts.Metrics,
	}
	for kind, fn := range opts.BatchOutputKinds {
		m.batchOutputKinds[kind] = fn
	}

	exists, err := fsutil.FileExists(m.path)
	if err != nil {
		return nil, status.WithKind(status.Internal, err)
	}
	if !exists {
		return nil, status.Errorf(status.NotFound, "unable to find '%s' for model '%s'", m.path, m.name)
	}

	if opts.AutoComplete {
		if cfg, err = m.autoComplete(cfg); err != nil {
			return nil, err
		}
	}
	if err = cfg.ValidateDataTypes(); err != nil {
		return nil, err
	}
	if err = cfg.ValidateDims(); err != nil {
		return nil, err
	}
	for _, bo := range cfg.BatchOutputs {
		if _, found := m.batchOutputKinds[bo.Kind]; !found {
			return nil, status.Errorf(status.ConfigurationInvalid, "unsupported batch output kind '%s' for model '%s'",
				bo.Kind, m.name)
		}
	}
	for _, bi := range cfg.BatchInputs {
		if err = checkBatchInput(cfg, bi); err != nil {
			return nil, err
		}
	}
	if m.params, err = cfg.ParseModelParameters(); err != nil {
		return nil, err
	}
	if m.accelerators, err = cfg.ParseAccelerators(); err != nil {
		return nil, err
	}
	m.cfg = cfg
	m.cache = NewHandleCache(m.name, m.loadExecutable, m.metrics)
	klog.V(1).Infof("model '%s' (%s) ready to load from %s, max_batch_size=%d", m.name, format, m.path, cfg.MaxBatchSize)
	return m, nil
}

// autoComplete loads the model on CPU to read its signature and completes cfg.
func (m *Model) autoComplete(cfg *config.ModelConfig) (*config.ModelConfig, error) {
	if m.format != engine.SavedModel {
		klog.V(1).Infof("model '%s': %s models are not auto-completed", m.name, m.format)
		return cfg, nil
	}
	options := engine.LoadOptions{
		Device:               engine.NoGPU,
		InputDevice:          engine.NoGPU,
		AllowSoftPlacement:   m.backend.AllowSoftPlacement,
		AllowGPUMemoryGrowth: m.backend.AllowGPUMemoryGrowth,
		GPUMemoryFraction:    m.backend.GPUMemoryFraction,
	}
	exec, err := m.engine.Load(m.name, m.path, m.format, options)
	if err != nil {
		return nil, status.Wrapf(status.Internal, err,
			"unable to auto-complete model configuration for '%s', failed to load model", m.name)
	}
	defer exec.Finalize()
	return AutoComplete(cfg, exec, m.backend)
}

// loadOptions returns the engine options to load the model on device.
func (m *Model) loadOptions(device engine.DeviceNum) engine.LoadOptions {
	options := engine.LoadOptions{
		Device:               device,
		InputDevice:          engine.NoGPU,
		AllowSoftPlacement:   m.backend.AllowSoftPlacement,
		AllowGPUMemoryGrowth: m.backend.AllowGPUMemoryGrowth,
		GPUMemoryFraction:    m.backend.GPUMemoryFraction,
		NumIntraThreads:      m.params.NumIntraThreads,
		NumInterThreads:      m.params.NumInterThreads,
		UsePerSessionThreads: m.params.UsePerSessionThreads,
		GraphTag:             m.params.GraphTag,
		SignatureDef:         m.params.SignatureDef,
	}
	options.GraphLevel, options.HasGraphLevel = m.cfg.GraphLevel()
	accel := m.accelerators
	if device == engine.NoGPU {
		if accel.TensorRT != nil || accel.GPUIO || accel.AutoMixedPrecision {
			klog.Warningf("model '%s': GPU execution accelerators are ignored for instances on CPU", m.name)
		}
		return options
	}
	options.TensorRT = accel.TensorRT
	options.AutoMixedPrecision = accel.AutoMixedPrecision
	if accel.GPUIO && device >= 0 {
		options.InputDevice = device
	}
	return options
}

// loadExecutable is the LoadFunc of the model's HandleCache.
func (m *Model) loadExecutable(device engine.DeviceNum, path string) (engine.Executable, *Signature, error) {
	exec, err := m.engine.Load(m.name, path, m.format, m.loadOptions(device))
	if err != nil {
		return nil, nil, status.Wrapf(status.Internal, err, "unable to load model '%s' on %s", m.name, device)
	}
	sig, err := Validate(m.cfg, exec)
	if err != nil {
		exec.Finalize()
		return nil, nil, err
	}
	return exec, sig, nil
}

// Name of the model.
func (m *Model) Name() string { return m.name }

// Config returns a copy of the configuration, as completed by the load sequence.
func (m *Model) Config() *config.ModelConfig { return m.cfg.Clone() }

// Format of the model artifact.
func (m *Model) Format() engine.Format { return m.format }

// ArtifactPath returns the path of the model artifact.
func (m *Model) ArtifactPath() string { return m.path }

// Parameters returns the parsed model parameters.
func (m *Model) Parameters() config.ModelParameters { return m.params }

// Cache returns the cache of the executables of the model.
func (m *Model) Cache() *HandleCache { return m.cache }

// InstanceOptions configure Model.NewInstance.
type InstanceOptions struct {
	// Name of the instance, for logging.
	Name string

	// Kind is one of config.KindCPU, config.KindGPU, config.KindModel or config.KindAuto.
	// KindAuto selects GPU DeviceID if the engine has it, CPU otherwise.
	Kind string

	// DeviceID is the GPU index for KindGPU.
	DeviceID int

	// Copier moves data between request/response buffers and tensors. Defaults to HostCopier.
	Copier Copier

	// Stats receives the statistics of each cycle. Optional.
	Stats StatsReporter
}

// instanceDevice returns the device where an instance of the given kind runs.
func (m *Model) instanceDevice(opts InstanceOptions) (engine.DeviceNum, error) {
	switch opts.Kind {
	case config.KindCPU:
		return engine.NoGPU, nil
	case config.KindModel:
		return engine.ModelDevice, nil
	case config.KindGPU:
		if opts.DeviceID < 0 {
			return 0, status.Errorf(status.ConfigurationInvalid, "invalid GPU %d for instance '%s' of model '%s'",
				opts.DeviceID, opts.Name, m.name)
		}
		return engine.DeviceNum(opts.DeviceID), nil
	case config.KindAuto, "":
		if opts.DeviceID >= 0 && opts.DeviceID < m.engine.NumDevices() {
			return engine.DeviceNum(opts.DeviceID), nil
		}
		return engine.NoGPU, nil
	}
	return 0, status.Errorf(status.Unsupported, "instance kind '%s' not supported for model '%s'", opts.Kind, m.name)
}

// NewInstance creates an instance of the model, acquiring an executable for its device.
func (m *Model) NewInstance(opts InstanceOptions) (*Instance, error) {
	device, err := m.instanceDevice(opts)
	if err != nil {
		return nil, err
	}
	handle, err := m.cache.Acquire(device, m.path, m.params.MaxSessionShareCount)
	if err != nil {
		return nil, err
	}
	inst := newInstance(m, handle, opts)
	klog.V(1).Infof("model '%s': created instance '%s' on %s", m.name, inst.name, device)
	return inst, nil
}

// NewInstances creates the instances concurrently. If any fails, the ones created are
// finalized and the first error is returned.
func (m *Model) NewInstances(ctx context.Context, opts []InstanceOptions) ([]*Instance, error) {
	instances := make([]*Instance, len(opts))
	g, ctx := errgroup.WithContext(ctx)
	for ii, o := range opts {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			inst, err := m.NewInstance(o)
			if err != nil {
				return err
			}
			instances[ii] = inst
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, inst := range instances {
			if inst != nil {
				inst.Finalize()
			}
		}
		return nil, err
	}
	return instances, nil
}

// Finalize releases all the executables of the model. Instances cannot be used afterward.
func (m *Model) Finalize() {
	m.cache.Finalize()
	klog.V(1).Infof("model '%s' finalized", m.name)
}
