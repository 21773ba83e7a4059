package pi

import (
	"encoding/binary"
	"testing"

	"github.com/gomlx/gohip/driver"
	"github.com/gomlx/gohip/sim"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

// simDriver is registered as the "sim" platform for all tests.
var simDriver = sim.New(sim.DefaultConfig())

func init() {
	klog.InitFlags(nil)
	must.M(RegisterDriver("sim", simDriver))
	simDriver.RegisterKernel("scale", scaleKernel)
	simDriver.RegisterKernel("scale"+offsetFunctionSuffix, scaleKernel)
	simDriver.RegisterKernel("noop", func(*sim.Launch) error { return nil })
}

// scaleKernel multiplies the uint32 values of the buffer in parameter 0 by the factor in parameter 1,
// starting at the implicit offset.
func scaleKernel(l *sim.Launch) error {
	ptr, err := l.PtrParam(0)
	if err != nil {
		return err
	}
	factor, err := l.Uint32Param(1)
	if err != nil {
		return err
	}
	start := int(l.ImplicitOffset(2)[0])
	end := start + l.GlobalSize(0)
	mem, err := l.Memory(ptr, 4*end)
	if err != nil {
		return err
	}
	for ii := start; ii < end; ii++ {
		binary.NativeEndian.PutUint32(mem[4*ii:], factor*binary.NativeEndian.Uint32(mem[4*ii:]))
	}
	return nil
}

type errTester[T any] struct {
	value T
	err   error
}

// capture is a shortcut to test that there is no error and return the value.
func capture[T any](value T, err error) errTester[T] {
	return errTester[T]{value, err}
}

func (e errTester[T]) Test(t *testing.T) T {
	require.NoError(t, e.err)
	return e.value
}

func getTestDevice(t *testing.T) *Device {
	platform := capture(GetPlatform("sim")).Test(t)
	require.NotEmpty(t, platform.Devices())
	return platform.Devices()[0]
}

func newTestContext(t *testing.T) *Context {
	return capture(getTestDevice(t).CreateContext(ContextUserDefined)).Test(t)
}

func release[T interface{ Release() (uint32, error) }](t *testing.T, objs ...T) {
	for _, obj := range objs {
		_, err := obj.Release()
		require.NoError(t, err)
	}
}

// buildTestProgram builds a program with the given functions, all of which must be registered in
// simDriver.
func buildTestProgram(t *testing.T, ctx *Context, functions ...sim.FunctionSpec) *Program {
	image := sim.EncodeModule(sim.ModuleSpec{Target: sim.Target, Functions: functions})
	p := capture(ctx.CreateProgramWithBinary(image)).Test(t)
	require.NoError(t, p.Build("-O2"))
	return p
}

func requireResult(t *testing.T, want Result, err error) {
	require.Error(t, err)
	require.Equalf(t, want, ResultOf(err), "unexpected result for error %+v", err)
}

func uint32sToBytes(values ...uint32) []byte {
	b := make([]byte, 0, 4*len(values))
	for _, v := range values {
		b = binary.NativeEndian.AppendUint32(b, v)
	}
	return b
}

func bytesToUint32s(b []byte) []uint32 {
	values := make([]uint32, len(b)/4)
	for ii := range values {
		values[ii] = binary.NativeEndian.Uint32(b[4*ii:])
	}
	return values
}

func TestPlatform(t *testing.T) {
	p1 := capture(GetPlatform("sim")).Test(t)
	p2 := capture(GetPlatform("sim")).Test(t)
	require.Same(t, p1, p2)
	require.Contains(t, AvailableDrivers(), "sim")
	require.Equal(t, "sim", p1.Name())
	major, _ := p1.Version()
	require.Positive(t, major)
	require.NoError(t, p1.Attributes().Validate())
	require.Contains(t, p1.String(), "sim")

	_, err := GetPlatform("not-registered")
	require.Error(t, err)
	require.Error(t, RegisterDriver("sim", sim.New(sim.DefaultConfig())))
	require.Error(t, RegisterDriver("nil-driver", nil))
}

func TestDevice(t *testing.T) {
	d := getTestDevice(t)
	config := sim.DefaultConfig()
	require.Equal(t, config.MaxThreadsPerBlock, d.MaxThreadsPerBlock())
	require.Equal(t, config.MaxBlockDim, d.MaxBlockDim())
	require.Equal(t, config.MaxSharedMemPerBlock, d.MaxSharedMemPerBlock())
	require.Equal(t, config.WarpSize, d.WarpSize())
	require.NotEmpty(t, d.Name())
	attrs := d.Attributes()
	require.NoError(t, attrs.Validate())
	maxWorkGroup, found := attrs.Int64("max_work_group_size")
	require.True(t, found)
	require.Equal(t, int64(config.MaxThreadsPerBlock), maxWorkGroup)

	// The platform's reference is never released.
	count := d.ReferenceCount()
	require.Equal(t, count+1, d.Retain())
	require.Equal(t, count, capture(d.Release()).Test(t))
	for range count + 2 {
		_, err := d.Release()
		require.NoError(t, err)
	}
	require.Equal(t, uint32(1), d.ReferenceCount())
	for range count - 1 {
		d.Retain()
	}
}

func TestResultOf(t *testing.T) {
	require.Equal(t, Success, ResultOf(nil))
	require.Equal(t, InvalidValue, ResultOf(newError(InvalidValue, "bad")))
	require.Equal(t, InvalidValue, ResultOf(errors.WithMessage(newError(InvalidValue, "bad"), "context")))
	require.Equal(t, OutOfResources, ResultOf(driver.NewError("MemAlloc", driver.ErrorOutOfMemory, "")))
	require.Equal(t, DriverFailure, ResultOf(driver.NewError("StreamCreate", driver.ErrorUnknown, "")))
	require.Equal(t, DriverFailure, ResultOf(errors.New("something else")))
	require.Equal(t, "InvalidKernelArgs", InvalidKernelArgs.String())
}
