package main

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/chewxy/math32"
	"github.com/gomlx/gohip/pi"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the scale and saxpy kernels and check their results",
	Long: `run launches a chain of "scale" kernels over a buffer of uint32, each launch waiting on the
previous one, optionally skipping the first values with a global offset. Then it runs "saxpy"
over float32 buffers and reads the result by mapping the buffer.

With --profiling the duration of each command is printed.`,
	RunE: runKernels,
}

func init() {
	flags := runCmd.Flags()
	flags.Int("size", 1024, "number of values of the buffers")
	flags.Int("offset", 0, "global offset of the scale launches")
	flags.Uint32("factor", 3, "factor of the scale launches")
	flags.Int("repeat", 4, "number of chained scale launches")
	flags.Float32("alpha", 2.5, "alpha of the saxpy launch")
	bindFlags(flags, "size", "offset", "factor", "repeat", "alpha")
	rootCmd.AddCommand(runCmd)
}

func runKernels(cmd *cobra.Command, _ []string) error {
	size, offset, repeat := viper.GetInt("size"), viper.GetInt("offset"), viper.GetInt("repeat")
	if size <= 0 || offset < 0 || offset >= size || repeat < 1 {
		return errors.Errorf("invalid --size=%d, --offset=%d or --repeat=%d", size, offset, repeat)
	}
	device, _, err := getDevice()
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

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Device: %s\nQueue: %s\n", device, q)
	if err = runScale(out, q, program, size, offset, viper.GetUint32("factor"), repeat); err != nil {
		return err
	}
	return runSaxpy(out, q, program, size, float32(viper.GetFloat64("alpha")))
}

func runScale(out io.Writer, q *pi.Queue, program *pi.Program, size, offset int, factor uint32, repeat int) error {
	ctx := q.Context()
	values := make([]uint32, size)
	for ii := range values {
		values[ii] = uint32(ii)
	}
	buf, err := ctx.CreateBuffer(pi.MemCopyHostPtr, 4*size, uint32sToBytes(values))
	if err != nil {
		return err
	}
	defer releaseAll(buf)
	k, err := program.CreateKernel("scale")
	if err != nil {
		return err
	}
	defer releaseAll(k)
	if err = k.SetMemArg(0, buf); err != nil {
		return err
	}
	if err = pi.SetScalarArg(k, 1, factor); err != nil {
		return err
	}

	var events []*pi.Event
	defer func() { releaseAll(events...) }()
	var waitList []*pi.Event
	for range repeat {
		ev, err := q.EnqueueKernelLaunch(k, 1, []int{offset}, []int{size - offset}, nil, waitList)
		if err != nil {
			return err
		}
		events = append(events, ev)
		waitList = []*pi.Event{ev}
	}
	result := make([]byte, 4*size)
	readEv, err := q.EnqueueMemBufferRead(buf, true, 0, result, waitList)
	if err != nil {
		return err
	}
	events = append(events, readEv)

	total := uint32(1)
	for range repeat {
		total *= factor
	}
	for ii := range size {
		want := uint32(ii)
		if ii >= offset {
			want *= total
		}
		if got := binary.NativeEndian.Uint32(result[4*ii:]); got != want {
			return errors.Errorf("scale: value #%d is %d, wanted %d", ii, got, want)
		}
	}
	fmt.Fprintf(out, "scale: %d launches over %d values (offset %d) ok\n", repeat, size-offset, offset)
	return printProfile(out, events)
}

func runSaxpy(out io.Writer, q *pi.Queue, program *pi.Program, size int, alpha float32) error {
	ctx := q.Context()
	xs, ys := make([]float32, size), make([]float32, size)
	for ii := range xs {
		xs[ii] = float32(ii) / 2
		ys[ii] = 1
	}
	x, err := ctx.CreateBuffer(pi.MemCopyHostPtr, 4*size, float32sToBytes(xs))
	if err != nil {
		return err
	}
	defer releaseAll(x)
	y, err := ctx.CreateBuffer(pi.MemReadWrite, 4*size, nil)
	if err != nil {
		return err
	}
	defer releaseAll(y)
	k, err := program.CreateKernel("saxpy")
	if err != nil {
		return err
	}
	defer releaseAll(k)
	if err = k.SetMemArg(0, x); err != nil {
		return err
	}
	if err = k.SetMemArg(1, y); err != nil {
		return err
	}
	if err = pi.SetScalarArg(k, 2, alpha); err != nil {
		return err
	}

	var events []*pi.Event
	defer func() { releaseAll(events...) }()
	writeEv, err := q.EnqueueMemBufferWrite(y, false, 0, float32sToBytes(ys), nil)
	if err != nil {
		return err
	}
	events = append(events, writeEv)
	launchEv, err := q.EnqueueKernelLaunch(k, 1, nil, []int{size}, nil, []*pi.Event{writeEv})
	if err != nil {
		return err
	}
	events = append(events, launchEv)
	mapped, mapEv, err := q.EnqueueMemBufferMap(y, true, pi.MapRead, 0, 4*size, []*pi.Event{launchEv})
	if err != nil {
		return err
	}
	events = append(events, mapEv)
	for ii := range size {
		got := math.Float32frombits(binary.NativeEndian.Uint32(mapped[4*ii:]))
		want := ys[ii] + alpha*xs[ii]
		if math32.Abs(got-want) > 1e-5*max(1, math32.Abs(want)) {
			return errors.Errorf("saxpy: value #%d is %g, wanted %g", ii, got, want)
		}
	}
	unmapEv, err := q.EnqueueMemUnmap(y, mapped, nil)
	if err != nil {
		return err
	}
	events = append(events, unmapEv)
	if err = unmapEv.Wait(); err != nil {
		return err
	}
	fmt.Fprintf(out, "saxpy: %d values ok\n", size)
	return printProfile(out, events)
}

// printProfile prints the duration of the events, if their queue is profiling.
func printProfile(out io.Writer, events []*pi.Event) error {
	if len(events) == 0 || !events[0].Queue().IsProfiling() {
		return nil
	}
	if err := pi.WaitForEvents(events...); err != nil {
		return err
	}
	for ii, ev := range events {
		start, err := ev.StartTime()
		if err != nil {
			return err
		}
		end, err := ev.EndTime()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "  #%d %-16s stream token %-20d %8dns\n", ii, ev.CommandType(), ev.StreamToken(), end-start)
	}
	return nil
}
