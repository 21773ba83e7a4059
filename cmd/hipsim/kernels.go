package main

import (
	"encoding/binary"
	"math"

	"github.com/gomlx/gohip/pi"
	"github.com/gomlx/gohip/sim"
	"github.com/pkg/errors"
)

// kernelFunctions is the module of the programs built by hipsim.
var kernelFunctions = []sim.FunctionSpec{
	{Name: "scale", NumParams: 2},
	{Name: "scale_with_offset", NumParams: 3},
	{Name: "saxpy", NumParams: 3},
	{Name: "increment", NumParams: 1},
}

func registerKernels(drv *sim.Driver) {
	drv.RegisterKernel("scale", scaleKernel)
	drv.RegisterKernel("scale_with_offset", scaleKernel)
	drv.RegisterKernel("saxpy", saxpyKernel)
	drv.RegisterKernel("increment", incrementKernel)
}

// buildProgram builds the hipsim kernels for the context.
func buildProgram(ctx *pi.Context) (*pi.Program, error) {
	image := sim.EncodeModule(sim.ModuleSpec{Target: sim.Target, Functions: kernelFunctions})
	program, err := ctx.CreateProgramWithBinary(image)
	if err != nil {
		return nil, err
	}
	if err = program.Build(""); err != nil {
		releaseAll(program)
		return nil, err
	}
	return program, nil
}

// scaleKernel: x[i] *= factor, for i in [offset, offset+global), with x uint32.
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
	x, err := l.Memory(ptr, 4*end)
	if err != nil {
		return err
	}
	for ii := start; ii < end; ii++ {
		binary.NativeEndian.PutUint32(x[4*ii:], factor*binary.NativeEndian.Uint32(x[4*ii:]))
	}
	return nil
}

// saxpyKernel: y[i] += a * x[i], with x and y float32.
func saxpyKernel(l *sim.Launch) error {
	xPtr, err := l.PtrParam(0)
	if err != nil {
		return err
	}
	yPtr, err := l.PtrParam(1)
	if err != nil {
		return err
	}
	a, err := l.Float32Param(2)
	if err != nil {
		return err
	}
	n := l.GlobalSize(0)
	x, err := l.Memory(xPtr, 4*n)
	if err != nil {
		return err
	}
	y, err := l.Memory(yPtr, 4*n)
	if err != nil {
		return err
	}
	for ii := range n {
		xv := math.Float32frombits(binary.NativeEndian.Uint32(x[4*ii:]))
		yv := math.Float32frombits(binary.NativeEndian.Uint32(y[4*ii:]))
		binary.NativeEndian.PutUint32(y[4*ii:], math.Float32bits(yv+a*xv))
	}
	return nil
}

// incrementKernel: x[i]++, with x uint32.
func incrementKernel(l *sim.Launch) error {
	ptr, err := l.PtrParam(0)
	if err != nil {
		return err
	}
	n := l.GlobalSize(0)
	x, err := l.Memory(ptr, 4*n)
	if err != nil {
		return errors.WithMessagef(err, "increment of %d values", n)
	}
	for ii := range n {
		binary.NativeEndian.PutUint32(x[4*ii:], binary.NativeEndian.Uint32(x[4*ii:])+1)
	}
	return nil
}

func uint32sToBytes(values []uint32) []byte {
	b := make([]byte, 0, 4*len(values))
	for _, v := range values {
		b = binary.NativeEndian.AppendUint32(b, v)
	}
	return b
}

func float32sToBytes(values []float32) []byte {
	b := make([]byte, 0, 4*len(values))
	for _, v := range values {
		b = binary.NativeEndian.AppendUint32(b, math.Float32bits(v))
	}
	return b
}
