package main

import (
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/nnserve/exectask/config"
	"github.com/nnserve/exectask/dataflow"
	"github.com/nnserve/exectask/device"
	"github.com/nnserve/exectask/exectask"
	"github.com/nnserve/exectask/kernel"
	"github.com/nnserve/exectask/resource"
)

// NewProbeCmd returns the "probe" subcommand: it builds one ExecTask
// against an in-memory GPU device and a no-op kernel, drives it through
// estimate -> reserve -> prepare -> run -> finish, and prints the
// outcome, as a smoke test a developer can run against a fresh build.
func NewProbeCmd() *cobra.Command {
	var deviceOrdinal int
	var capacityBytes float64

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Run one synthetic operator through the engine end to end",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProbe(deviceOrdinal, capacityBytes)
		},
	}
	cmd.Flags().IntVar(&deviceOrdinal, "device", 0, "GPU ordinal to probe against")
	cmd.Flags().Float64Var(&capacityBytes, "capacity", 1<<30, "simulated device memory capacity, in bytes")
	return cmd
}

func runProbe(ordinal int, capacityBytes float64) error {
	spec := resource.DeviceSpec{Kind: resource.GPU, Ordinal: ordinal}
	tag := resource.Tag{Kind: resource.Memory, Device: spec}

	cfg := config.Load()
	mon := resource.NewMonitor(resource.Map{tag: capacityBytes})

	node := &dataflow.Node{ID: "probe-node", Name: "probe_op", NumOutputs: 1}

	devReg := device.NewMapRegistry("probe", nil, device.NewDevice(spec.String(), spec))
	kReg := kernel.NewMapRegistry(func(n *dataflow.Node, dev resource.DeviceSpec) (*kernel.OpKernel, error) {
		return &kernel.OpKernel{
			ID: n.ID, NodeID: n.ID, Device: dev,
			Fn: func(octx *kernel.OpContext) error {
				if err := octx.ResourceCtx.Charge(tag, 4096); err != nil {
					return err
				}
				octx.Outputs[0] = dataflow.Value{Name: "probe-output"}
				return nil
			},
		}, nil
	})

	task := exectask.NewExecTask(exectask.Config{
		Node:           node,
		DeviceRegistry: devReg,
		KernelRegistry: kReg,
		MaxFailures:    cfg.MaxFailures,
	})

	estimate := task.EstimatedUsage(spec)
	fmt.Printf("estimated usage: %v\n", estimate)

	ticket, err := mon.Reserve(resource.Map{tag: 4096})
	if err != nil {
		return fmt.Errorf("reserve: %w", err)
	}

	ctx := &resource.Context{Spec: spec, Ticket: ticket, Monitor: mon}
	if !task.Prepare(ctx) {
		mon.Free(ticket)
		return fmt.Errorf("prepare: node has no kernel for %s", spec)
	}

	done := make(chan error, 1)
	task.Run(exectask.Callbacks{
		Launched: func() { fmt.Println("kernel launched") },
		Done:     func(err error) { done <- err },
		MemFailure: func() {
			done <- fmt.Errorf("probe: unexpected RESOURCE_EXHAUSTED")
		},
	})

	if err := <-done; err != nil {
		return fmt.Errorf("run: %w", err)
	}

	snap := mon.Snapshot()
	printLedger(snap)
	return nil
}

// printLedger renders snap as a table, the same way the teacher's "ollama
// list" subcommand renders model metadata with tablewriter rather than
// hand-aligned Printf columns.
func printLedger(snap resource.Snapshot) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"tag", "available"})
	for tag, qty := range snap.Available {
		table.Append([]string{tag.String(), fmt.Sprintf("%.0f", qty)})
	}
	table.Render()
	fmt.Printf("outstanding reservations: %d\n", snap.OutstandingN)
}
