package main

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/gomlx/gohip/driver"
	"github.com/gomlx/gohip/pi"
	"github.com/gomlx/gohip/sim"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

var stressCmd = &cobra.Command{
	Use:   "stress",
	Short: "Submit kernels to one queue from many goroutines",
	Long: `stress starts --workers goroutines sharing one queue. Each worker owns a sub-buffer of a
counters buffer, and enqueues --launches "increment" kernels on it, each waiting on the previous
one. Every --barrier-every launches the worker enqueues a barrier, and every --marker-every it
waits on a marker of all the work enqueued so far.

At the end the counters are checked, and the use of the streams of the queue is printed.`,
	RunE: runStress,
}

func init() {
	flags := stressCmd.Flags()
	flags.Int("workers", 8, "number of goroutines enqueuing work")
	flags.Int("launches", 100, "kernel launches per worker")
	flags.Int("width", 256, "values incremented by each launch")
	flags.Int("barrier-every", 0, "enqueue a barrier every given number of launches (0 for never)")
	flags.Int("marker-every", 0, "wait on a marker every given number of launches (0 for never)")
	bindFlags(flags, "workers", "launches", "width", "barrier-every", "marker-every")
	rootCmd.AddCommand(stressCmd)
}

// stressConfig holds the parameters of runStress.
type stressConfig struct {
	workers, launches, width  int
	barrierEvery, markerEvery int
}

func runStress(cmd *cobra.Command, _ []string) error {
	cfg := stressConfig{
		workers:      viper.GetInt("workers"),
		launches:     viper.GetInt("launches"),
		width:        viper.GetInt("width"),
		barrierEvery: viper.GetInt("barrier-every"),
		markerEvery:  viper.GetInt("marker-every"),
	}
	if cfg.workers < 1 || cfg.launches < 1 || cfg.width < 1 {
		return errors.Errorf("invalid --workers=%d, --launches=%d or --width=%d", cfg.workers, cfg.launches, cfg.width)
	}
	device, drv, err := getDevice()
	if err != nil {
		return err
	}
	ctx, err := device.CreateContext(pi.ContextUserDefined)
	if err != nil {
		return err
	}
	defer releaseAll(ctx)
	q, err := newQueue(ctx)
	if err != nil {
		return err
	}
	defer releaseAll(q)
	program, err := buildProgram(ctx)
	if err != nil {
		return err
	}
	defer releaseAll(program)

	start := time.Now()
	counters, err := stress(cmd, q, program, cfg)
	if err != nil {
		return err
	}
	elapsed := time.Since(start)
	for ii, count := range counters {
		if count != uint32(cfg.launches) {
			return errors.Errorf("counter #%d is %d, wanted %d", ii, count, cfg.launches)
		}
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%d workers x %d launches in %s: counters ok\n", cfg.workers, cfg.launches, elapsed)
	return printStreamUsage(cmd, q, drv)
}

// stress runs the workers and returns the counters, cfg.width per worker.
func stress(cmd *cobra.Command, q *pi.Queue, program *pi.Program, cfg stressConfig) ([]uint32, error) {
	ctx := q.Context()
	rowBytes := 4 * cfg.width
	counters, err := ctx.CreateBuffer(pi.MemCopyHostPtr, cfg.workers*rowBytes, make([]byte, cfg.workers*rowBytes))
	if err != nil {
		return nil, err
	}
	defer releaseAll(counters)

	g, gCtx := errgroup.WithContext(cmd.Context())
	for worker := range cfg.workers {
		g.Go(func() error {
			row, err := counters.CreateSubBuffer(pi.MemReadWrite, worker*rowBytes, rowBytes)
			if err != nil {
				return err
			}
			defer releaseAll(row)
			k, err := program.CreateKernel("increment")
			if err != nil {
				return err
			}
			defer releaseAll(k)
			if err = k.SetMemArg(0, row); err != nil {
				return err
			}

			var last *pi.Event
			defer func() {
				if last != nil {
					releaseAll(last)
				}
			}()
			for launch := range cfg.launches {
				if err := gCtx.Err(); err != nil {
					return err
				}
				var waitList []*pi.Event
				if last != nil {
					waitList = []*pi.Event{last}
				}
				ev, err := q.EnqueueKernelLaunch(k, 1, nil, []int{cfg.width}, nil, waitList)
				if err != nil {
					return errors.WithMessagef(err, "worker %d, launch %d", worker, launch)
				}
				if last != nil {
					releaseAll(last)
				}
				last = ev
				if cfg.barrierEvery > 0 && (launch+1)%cfg.barrierEvery == 0 {
					barrier, err := q.EnqueueBarrier(nil)
					if err != nil {
						return errors.WithMessagef(err, "worker %d, barrier after launch %d", worker, launch)
					}
					releaseAll(barrier)
				}
				if cfg.markerEvery > 0 && (launch+1)%cfg.markerEvery == 0 {
					marker, err := q.EnqueueMarker(nil)
					if err != nil {
						return errors.WithMessagef(err, "worker %d, marker after launch %d", worker, launch)
					}
					err = marker.Wait()
					releaseAll(marker)
					if err != nil {
						return err
					}
				}
			}
			return last.Wait()
		})
	}
	if err = g.Wait(); err != nil {
		return nil, err
	}
	if err = q.Finish(); err != nil {
		return nil, err
	}

	data := make([]byte, cfg.workers*rowBytes)
	readEv, err := q.EnqueueMemBufferRead(counters, true, 0, data, nil)
	if err != nil {
		return nil, err
	}
	releaseAll(readEv)
	values := make([]uint32, cfg.workers*cfg.width)
	for ii := range values {
		values[ii] = binary.NativeEndian.Uint32(data[4*ii:])
	}
	return values, nil
}

// printStreamUsage prints the operations issued to each stream of the queue.
func printStreamUsage(cmd *cobra.Command, q *pi.Queue, drv *sim.Driver) error {
	out := cmd.OutOrStdout()
	streamIdx := 0
	err := q.ForEachStream(func(s driver.Stream) error {
		counts := make(map[sim.OpKind]int)
		for _, op := range drv.StreamLog(s) {
			counts[op.Kind]++
		}
		fmt.Fprintf(out, "  stream #%-3d kernels=%-6d waits=%-6d records=%-6d copies=%d\n", streamIdx,
			counts[sim.OpKernel], counts[sim.OpWaitEvent], counts[sim.OpRecordEvent],
			counts[sim.OpMemcpyHtoD]+counts[sim.OpMemcpyDtoH]+counts[sim.OpMemcpyDtoD])
		streamIdx++
		return nil
	})
	klog.V(1).Infof("Alive: %d queues, %d events, %d memory objects, %d kernels",
		pi.QueuesAlive(), pi.EventsAlive(), pi.MemObjectsAlive(), pi.KernelsAlive())
	return err
}
