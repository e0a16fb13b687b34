// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/klog/v2"

	"github.com/tfbridge/tfbridge/pkg/backend"
	"github.com/tfbridge/tfbridge/pkg/core/dtypes"
	"github.com/tfbridge/tfbridge/pkg/core/shapes"
	"github.com/tfbridge/tfbridge/pkg/engine"
	"github.com/tfbridge/tfbridge/pkg/support/xslices"
)

var (
	titleStyle     = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
	failedRowStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "9", Dark: "9"}).
			Bold(true).
			PaddingLeft(1).PaddingRight(1)
)

// newPlainTable creates a table with alternating row styles. Columns take the alignments given,
// and the last alignment is used for the remaining columns.
// Rows for which failed returns true are highlighted. failed can be nil.
func newPlainTable(failed func(row int) bool, alignments ...lipgloss.Position) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if row < 0 {
				return headerRowStyle
			}
			switch {
			case failed != nil && failed(row):
				s = failedRowStyle
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			alignment := lipgloss.Left
			if col < len(alignments) {
				alignment = alignments[col]
			} else if len(alignments) > 0 {
				alignment = alignments[len(alignments)-1]
			}
			return s.Align(alignment)
		})
}

func dimsString(dims []int64) string {
	parts := xslices.Map(dims, func(d int64) string {
		if d < 0 {
			return "?"
		}
		return strconv.FormatInt(d, 10)
	})
	return "[" + strings.Join(parts, ", ") + "]"
}

// itemBytes is the size of one batch item of a tensor, or "variable" if it can't be known before a request.
func itemBytes(dataType string, dims []int64) string {
	dtype := dtypes.FromConfigName(dataType)
	if !dtype.IsValid() || dtype.IsVariableSize() {
		return "variable"
	}
	shape := shapes.Make(dtype, dims...)
	if shape.HasWildcard() {
		return "variable"
	}
	return humanize.Bytes(uint64(shape.Memory()))
}

func reportModel(model *backend.Model, eng engine.Engine) {
	cfg := model.Config()
	fmt.Println(titleStyle.Render(fmt.Sprintf("Model %q", model.Name())))
	summary := newPlainTable(nil, lipgloss.Right, lipgloss.Left)
	summary.Row("Format", model.Format().String())
	summary.Row("Artifact", model.ArtifactPath())
	summary.Row("Engine", fmt.Sprintf("%s (%s), %d GPU(s)", eng.Name(), eng.Description(), eng.NumDevices()))
	batching := "disabled"
	if cfg.MaxBatchSize > 0 {
		batching = fmt.Sprintf("max batch size %s", humanize.Comma(int64(cfg.MaxBatchSize)))
	}
	summary.Row("Batching", batching)
	if cfg.SequenceBatching != nil {
		summary.Row("Sequence controls", strconv.Itoa(len(cfg.SequenceBatching.ControlInputs)))
	}
	summary.Row("Instances per executable", strconv.Itoa(model.Parameters().MaxSessionShareCount))
	fmt.Println(summary.Render())

	fmt.Println(titleStyle.Render("Tensors"))
	tensors := newPlainTable(nil, lipgloss.Left, lipgloss.Left, lipgloss.Left, lipgloss.Left, lipgloss.Right)
	tensors.Headers("Kind", "Name", "Data Type", "Dims", "Bytes per Item")
	for _, in := range cfg.Inputs {
		dims := dimsString(in.Dims)
		if in.Reshape != nil {
			dims += " → " + dimsString(in.Reshape.Shape)
		}
		if in.AllowRaggedBatch {
			dims += " (ragged)"
		}
		tensors.Row("input", in.Name, in.DataType, dims, itemBytes(in.DataType, in.Dims))
	}
	for _, bi := range cfg.BatchInputs {
		tensors.Row("batch input", strings.Join(bi.TargetNames, ","), bi.DataType, bi.Kind, "variable")
	}
	for _, out := range cfg.Outputs {
		dims := dimsString(out.Dims)
		if out.Reshape != nil {
			dims += " → " + dimsString(out.Reshape.Shape)
		}
		tensors.Row("output", out.Name, out.DataType, dims, itemBytes(out.DataType, out.Dims))
	}
	for _, bo := range cfg.BatchOutputs {
		tensors.Row("batch output", strings.Join(bo.TargetNames, ","), "", bo.Kind, "variable")
	}
	fmt.Println(tensors.Render())
}

func reportSignature(sig *backend.Signature) {
	fmt.Println(titleStyle.Render("Validated Signature"))
	table := newPlainTable(nil, lipgloss.Left)
	table.Headers("Kind", "Name", "In-Model Name", "Model Shape")
	addRows := func(kind string, descs map[string]engine.TensorDescriptor, inModelName func(string) string) {
		for _, name := range xslices.SortedKeys(descs) {
			shape := "unknown rank"
			if d := descs[name]; d.Rank() > 0 {
				shape = d.Shape.String()
			}
			table.Row(kind, name, inModelName(name), shape)
		}
	}
	addRows("input", sig.Inputs, sig.InModelInputName)
	addRows("output", sig.Outputs, sig.InModelOutputName)
	fmt.Println(table.Render())
}

func reportInstances(model *backend.Model, instances []*backend.Instance) {
	fmt.Println(titleStyle.Render("Instances"))
	table := newPlainTable(nil, lipgloss.Left, lipgloss.Left, lipgloss.Right)
	table.Headers("Name", "Device", "Sharing Executable")
	for _, inst := range instances {
		table.Row(inst.Name(), inst.Device().String(), strconv.Itoa(model.Cache().Shares(inst.Device())))
	}
	fmt.Println(table.Render())
	fmt.Printf("%d executable(s) loaded for %d instance(s)\n", model.Cache().Len(), len(instances))
}

func reportReplay(result *replayResult, registry *prometheus.Registry) {
	fmt.Println(titleStyle.Render("Replay"))
	failed := func(row int) bool { return row < len(result.instances) && result.instances[row].failures > 0 }
	table := newPlainTable(failed, lipgloss.Left, lipgloss.Right)
	table.Headers("Instance", "Cycles", "Requests", "Failures", "Items", "Compute Time")
	for _, stats := range result.instances {
		table.Row(stats.name,
			humanize.Comma(int64(stats.cycles)),
			humanize.Comma(int64(stats.requests)),
			humanize.Comma(int64(stats.failures)),
			humanize.Comma(int64(stats.items)),
			stats.compute.String())
	}
	fmt.Println(table.Render())
	if result.firstErr != nil {
		fmt.Printf("First failure: %v\n", result.firstErr)
	}

	families, err := registry.Gather()
	if err != nil {
		klog.Warningf("failed to gather metrics: %v", err)
		return
	}
	fmt.Println(titleStyle.Render("Metrics"))
	metrics := newPlainTable(nil, lipgloss.Left, lipgloss.Left, lipgloss.Right)
	metrics.Headers("Metric", "Labels", "Value")
	for _, family := range families {
		for _, m := range family.GetMetric() {
			var labels []string
			for _, l := range m.GetLabel() {
				labels = append(labels, l.GetName()+"="+l.GetValue())
			}
			var value string
			switch {
			case m.GetCounter() != nil:
				value = humanize.Ftoa(m.GetCounter().GetValue())
			case m.GetGauge() != nil:
				value = humanize.Ftoa(m.GetGauge().GetValue())
			case m.GetHistogram() != nil:
				h := m.GetHistogram()
				value = fmt.Sprintf("%s samples, sum %s", humanize.Comma(int64(h.GetSampleCount())), humanize.Ftoa(h.GetSampleSum()))
			}
			metrics.Row(family.GetName(), strings.Join(labels, ","), value)
		}
	}
	fmt.Println(metrics.Render())
}
