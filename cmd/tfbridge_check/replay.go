// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/tfbridge/tfbridge/internal/workerspool"
	"github.com/tfbridge/tfbridge/pkg/backend"
	"github.com/tfbridge/tfbridge/pkg/backend/backendtest"
	"github.com/tfbridge/tfbridge/pkg/config"
	"github.com/tfbridge/tfbridge/pkg/core/dtypes"
	"github.com/tfbridge/tfbridge/pkg/core/shapes"
	"github.com/tfbridge/tfbridge/pkg/core/tensors"
	"github.com/tfbridge/tfbridge/pkg/support/xslices"
)

// instanceReplay holds the replay results of one instance.
type instanceReplay struct {
	name                              string
	cycles, requests, failures, items int
	compute                           time.Duration
}

type replayResult struct {
	instances []instanceReplay
	firstErr  error
}

// controlKinds are the sequence controls the replay feeds, when the model binds them.
var controlKinds = []string{
	config.ControlSequenceStart,
	config.ControlSequenceEnd,
	config.ControlSequenceReady,
	config.ControlSequenceCorrID,
}

// replay runs numCycles execution cycles of requestsPerCycle synthetic requests on every instance.
// Instances run in parallel, limited by -parallelism.
func replay(model *backend.Model, instances []*backend.Instance, recorders []*backendtest.StatsRecorder,
	numCycles, requestsPerCycle int) *replayResult {
	cfg := model.Config()
	batch := 1
	if cfg.MaxBatchSize > 0 {
		batch = max(1, min(*flagBatch, cfg.MaxBatchSize/max(requestsPerCycle, 1)))
	}
	outputNames := xslices.Map(cfg.Outputs, func(o config.Output) string { return o.Name })

	bar := progressbar.NewOptions(numCycles*len(instances),
		progressbar.OptionSetDescription("Replaying"),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("cycles"),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
	)

	pool := workerspool.New()
	switch {
	case *flagParallelism < 0:
		pool.SetMaxParallelism(-1)
	case *flagParallelism > 0:
		pool.SetMaxParallelism(*flagParallelism)
	}

	result := &replayResult{instances: make([]instanceReplay, len(instances))}
	var mu sync.Mutex
	for idx, inst := range instances {
		pool.WaitToStart(func() {
			cycles, err := syntheticCycles(cfg, numCycles, requestsPerCycle, batch, outputNames)
			if err != nil {
				_ = bar.Add(numCycles)
				mu.Lock()
				defer mu.Unlock()
				result.instances[idx] = instanceReplay{name: inst.Name()}
				if result.firstErr == nil {
					result.firstErr = err
				}
				return
			}
			var allRequests []*backendtest.Request
			for _, cycleRequests := range cycles {
				requests := make([]backend.Request, len(cycleRequests))
				for ii, r := range cycleRequests {
					requests[ii] = r
				}
				allRequests = append(allRequests, cycleRequests...)
				inst.ProcessRequests(requests)
				_ = bar.Add(1)
			}

			stats := instanceReplay{name: inst.Name(), cycles: numCycles}
			for _, batchStats := range recorders[idx].Batches() {
				stats.items += batchStats.BatchSize
				stats.compute += batchStats.ComputeDuration()
			}
			stats.requests = len(recorders[idx].Requests())
			stats.failures = recorders[idx].Failures()
			var firstErr error
			for _, r := range allRequests {
				if resp := r.Response(); resp != nil && resp.Err() != nil {
					firstErr = errors.WithMessagef(resp.Err(), "request %s on instance %s", r.ID(), inst.Name())
					break
				}
			}
			mu.Lock()
			defer mu.Unlock()
			result.instances[idx] = stats
			if result.firstErr == nil {
				result.firstErr = firstErr
			}
		})
	}
	pool.Wait()
	_ = bar.Finish()
	fmt.Println()
	return result
}

// syntheticCycles creates the requests of numCycles cycles, building the cycles in parallel.
func syntheticCycles(cfg *config.ModelConfig, numCycles, requestsPerCycle, batch int,
	outputNames []string) ([][]*backendtest.Request, error) {
	type built struct {
		requests []*backendtest.Request
		err      error
	}
	cycleIDs := make([]int, numCycles)
	for ii := range cycleIDs {
		cycleIDs[ii] = ii
	}
	results := xslices.MapParallel(cycleIDs, func(cycle int) built {
		requests := make([]*backendtest.Request, 0, requestsPerCycle)
		for range requestsPerCycle {
			r, err := syntheticRequest(cfg, cycle, batch, outputNames)
			if err != nil {
				return built{err: errors.WithMessagef(err, "synthetic request of cycle %d", cycle)}
			}
			requests = append(requests, r)
		}
		return built{requests: requests}
	})
	cycles := make([][]*backendtest.Request, numCycles)
	for ii, b := range results {
		if b.err != nil {
			return nil, b.err
		}
		cycles[ii] = b.requests
	}
	return cycles, nil
}

// syntheticRequest creates a request with batch items for every configured input and bound
// sequence control. Wildcard dimensions are set to 1, except ragged inputs, whose element count
// varies with the cycle.
func syntheticRequest(cfg *config.ModelConfig, cycle, batch int, outputNames []string) (*backendtest.Request, error) {
	var inputs []*backendtest.Input
	for idx, in := range cfg.Inputs {
		dims := make([]int64, 0, len(in.Dims)+1)
		if cfg.MaxBatchSize > 0 {
			dims = append(dims, int64(batch))
		}
		for _, d := range in.Dims {
			if d < 0 {
				d = 1
				if in.AllowRaggedBatch {
					d = int64(1 + (cycle+idx)%3)
				}
			}
			dims = append(dims, d)
		}
		input, err := syntheticInput(in.Name, dtypes.FromConfigName(in.DataType), dims, cycle)
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, input)
	}
	for _, kind := range controlKinds {
		control, found, err := cfg.SequenceControl(kind)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		dims := []int64{1}
		if cfg.MaxBatchSize > 0 {
			dims = []int64{int64(batch), 1}
		}
		input, err := syntheticInput(control.TensorName, control.DType, dims, cycle)
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, input)
	}
	return backendtest.NewRequest(outputNames, inputs...), nil
}

func syntheticInput(name string, dtype dtypes.DType, dims []int64, cycle int) (*backendtest.Input, error) {
	if !dtype.IsValid() {
		return nil, errors.Errorf("input %q has an invalid data type", name)
	}
	shape := shapes.Make(dtype, dims...)
	if dtype == dtypes.String {
		elements := make([]string, shape.Size())
		for ii := range elements {
			elements[ii] = fmt.Sprintf("cycle-%d-%d", cycle, ii)
		}
		return backendtest.StringsInput(name, dims, elements...), nil
	}
	t, err := tensors.New(name, shape, tensors.Host)
	if err != nil {
		return nil, err
	}
	values := make([]float64, shape.Size())
	for ii := range values {
		values[ii] = float64((cycle + ii) % 8)
	}
	if err := t.SetFloat64s(values); err != nil {
		return nil, err
	}
	buf, err := t.Buffer()
	if err != nil {
		return nil, err
	}
	klog.V(3).Infof("synthetic input %q: %s", name, shape)
	return backendtest.NewInput(name, dtype, dims, buf), nil
}
