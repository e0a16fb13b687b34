// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// tfbridge_check loads a model from a model repository the way the inference server would, and
// reports the completed configuration and the validated signature.
//
// Optionally, it replays synthetic requests through the model instances.
//
// Usage:
//
//	tfbridge_check -config=<config.json> [-autocomplete] [-replay=<cycles>] <model repository directory>
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/janpfeifer/must"
	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/klog/v2"

	"github.com/tfbridge/tfbridge/pkg/backend"
	"github.com/tfbridge/tfbridge/pkg/backend/backendtest"
	"github.com/tfbridge/tfbridge/pkg/config"
	"github.com/tfbridge/tfbridge/pkg/engine"
	_ "github.com/tfbridge/tfbridge/pkg/engine/simengine"
	"github.com/tfbridge/tfbridge/pkg/support/fsutil"
	"github.com/tfbridge/tfbridge/pkg/support/xslices"
)

var (
	flagConfig = flag.String("config", "", "Model configuration file (JSON, or YAML if it ends in .yaml/.yml). "+
		"Defaults to config.json in the model directory.")
	flagVersion = flag.Int64("version", 1, "Version of the model to load.")
	flagEngine  = flag.String("engine", "sim", fmt.Sprintf("Execution engine and its configuration, "+
		"e.g. \"sim:gpus=2\". Registered engines: %v", engine.Registered()))
	flagBackendConfig = flag.String("backend_config", "", "Comma-separated backend settings (key=value), "+
		"as given by the server command line, e.g. \"default-max-batch-size=8,allow-soft-placement=true\".")
	flagAutoComplete = flag.Bool("autocomplete", false, "Auto-complete the configuration from the model signature.")
	flagShowConfig   = flag.Bool("show_config", false, "Print the completed configuration as JSON.")

	flagGPUs = xslices.Flag("gpus", nil, "Comma-separated GPU ids: one instance is created per GPU. "+
		"If empty, -cpu_instances are created.", strconv.Atoi)
	flagCPUInstances = flag.Int("cpu_instances", 1, "Number of CPU instances, if -gpus is not set.")

	flagReplay           = flag.Int("replay", 0, "Number of execution cycles of synthetic requests to replay.")
	flagRequestsPerCycle = flag.Int("requests_per_cycle", 2, "Number of requests per cycle in replay.")
	flagBatch            = flag.Int("batch", 1, "Batch size of each synthetic request, if the model supports batching.")
	flagParallelism      = flag.Int("parallelism", 0, "Number of instances replaying at the same time. "+
		"0 uses one per CPU, -1 is unlimited.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	args := flag.Args()
	if len(args) != 1 {
		klog.Errorf("Expected exactly one model directory, got %d arguments. See 'tfbridge_check -help'.", len(args))
		os.Exit(1)
	}
	modelDir := must.M1(fsutil.ReplaceTildeInDir(args[0]))
	if err := run(modelDir); err != nil {
		klog.Fatalf("tfbridge_check failed: %+v", err)
	}
}

func run(modelDir string) error {
	cfg, err := readConfig(modelDir)
	if err != nil {
		return err
	}
	backendCfg, err := config.ParseBackendConfig(parseKeyValues(*flagBackendConfig))
	if err != nil {
		return err
	}
	eng, err := engine.NewWithConfig(*flagEngine)
	if err != nil {
		return err
	}
	defer eng.Finalize()

	registry := prometheus.NewRegistry()
	model, err := backend.NewModel(backend.ModelOptions{
		Config:         cfg,
		RepositoryPath: modelDir,
		Version:        *flagVersion,
		Engine:         eng,
		Backend:        backendCfg,
		AutoComplete:   *flagAutoComplete,
		Metrics:        backend.NewMetrics(registry),
	})
	if err != nil {
		return err
	}
	defer model.Finalize()
	reportModel(model, eng)
	if *flagShowConfig {
		fmt.Println(string(must.M1(config.Encode(model.Config()))))
	}

	opts := instanceOptions()
	recorders := make([]*backendtest.StatsRecorder, len(opts))
	for ii := range opts {
		recorders[ii] = &backendtest.StatsRecorder{}
		opts[ii].Stats = recorders[ii]
	}
	instances, err := model.NewInstances(context.Background(), opts)
	if err != nil {
		return err
	}
	defer func() {
		for _, inst := range instances {
			inst.Finalize()
		}
	}()
	reportSignature(instances[0].Handle().Signature())
	reportInstances(model, instances)

	if *flagReplay > 0 {
		result := replay(model, instances, recorders, *flagReplay, *flagRequestsPerCycle)
		reportReplay(result, registry)
	}
	return nil
}

// readConfig reads the model configuration given by -config, or config.json in modelDir.
func readConfig(modelDir string) (*config.ModelConfig, error) {
	path := *flagConfig
	if path == "" {
		path = filepath.Join(modelDir, "config.json")
	}
	path, err := fsutil.ReplaceTildeInDir(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Decode(data, config.FormatForPath(path))
	if err != nil {
		return nil, err
	}
	if cfg.Name == "" {
		cfg.Name = filepath.Base(modelDir)
	}
	return cfg, nil
}

func parseKeyValues(list string) map[string]string {
	values := make(map[string]string)
	for _, part := range strings.Split(list, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			if key != "" {
				klog.Warningf("ignoring backend setting %q without a value", key)
			}
			continue
		}
		values[key] = value
	}
	return values
}

func instanceOptions() []backend.InstanceOptions {
	var opts []backend.InstanceOptions
	for _, gpu := range *flagGPUs {
		opts = append(opts, backend.InstanceOptions{Name: fmt.Sprintf("gpu_%d", gpu), Kind: config.KindGPU, DeviceID: gpu})
	}
	if len(opts) == 0 {
		for ii := range max(*flagCPUInstances, 1) {
			opts = append(opts, backend.InstanceOptions{Name: fmt.Sprintf("cpu_%d", ii), Kind: config.KindCPU})
		}
	}
	return opts
}
