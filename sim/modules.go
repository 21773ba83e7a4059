package sim

import (
	"fmt"
	"strings"

	"github.com/gomlx/gohip/driver"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
	"k8s.io/klog/v2"
)

// ModuleSpec describes the contents of a module image.
//
// Images are encoded in the protocol buffer wire format, equivalent to the messages:
//
//	message Module { repeated Function functions = 1; string target = 2; }
//	message Function { string name = 1; int64 num_params = 2; }
type ModuleSpec struct {
	// Target architecture. Empty means any.
	Target    string
	Functions []FunctionSpec
}

// FunctionSpec describes one function of a module.
type FunctionSpec struct {
	Name string

	// NumParams is the minimum number of parameters a launch must provide.
	NumParams int
}

const (
	moduleFunctionsField protowire.Number = 1
	moduleTargetField    protowire.Number = 2
	functionNameField    protowire.Number = 1
	functionParamsField  protowire.Number = 2
)

// EncodeModule returns the image of the module, to be given to Driver.ModuleLoadData.
func EncodeModule(spec ModuleSpec) []byte {
	var image []byte
	for _, fn := range spec.Functions {
		var fnBytes []byte
		fnBytes = protowire.AppendTag(fnBytes, functionNameField, protowire.BytesType)
		fnBytes = protowire.AppendString(fnBytes, fn.Name)
		fnBytes = protowire.AppendTag(fnBytes, functionParamsField, protowire.VarintType)
		fnBytes = protowire.AppendVarint(fnBytes, uint64(fn.NumParams))
		image = protowire.AppendTag(image, moduleFunctionsField, protowire.BytesType)
		image = protowire.AppendBytes(image, fnBytes)
	}
	if spec.Target != "" {
		image = protowire.AppendTag(image, moduleTargetField, protowire.BytesType)
		image = protowire.AppendString(image, spec.Target)
	}
	return image
}

// DecodeModule parses a module image created with EncodeModule.
func DecodeModule(image []byte) (spec ModuleSpec, err error) {
	if len(image) == 0 {
		err = errors.New("empty module image")
		return
	}
	for len(image) > 0 {
		num, typ, n := protowire.ConsumeTag(image)
		if n < 0 {
			err = errors.Wrap(protowire.ParseError(n), "invalid module image")
			return
		}
		image = image[n:]
		switch {
		case num == moduleFunctionsField && typ == protowire.BytesType:
			fnBytes, n := protowire.ConsumeBytes(image)
			if n < 0 {
				err = errors.Wrap(protowire.ParseError(n), "invalid function in module image")
				return
			}
			image = image[n:]
			var fn FunctionSpec
			fn, err = decodeFunction(fnBytes)
			if err != nil {
				return
			}
			spec.Functions = append(spec.Functions, fn)
		case num == moduleTargetField && typ == protowire.BytesType:
			target, n := protowire.ConsumeString(image)
			if n < 0 {
				err = errors.Wrap(protowire.ParseError(n), "invalid target in module image")
				return
			}
			image = image[n:]
			spec.Target = target
		default:
			n = protowire.ConsumeFieldValue(num, typ, image)
			if n < 0 {
				err = errors.Wrapf(protowire.ParseError(n), "invalid field %d in module image", num)
				return
			}
			image = image[n:]
		}
	}
	return
}

func decodeFunction(b []byte) (fn FunctionSpec, err error) {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			err = errors.Wrap(protowire.ParseError(n), "invalid function")
			return
		}
		b = b[n:]
		switch {
		case num == functionNameField && typ == protowire.BytesType:
			name, n := protowire.ConsumeString(b)
			if n < 0 {
				err = errors.Wrap(protowire.ParseError(n), "invalid function name")
				return
			}
			b = b[n:]
			fn.Name = name
		case num == functionParamsField && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				err = errors.Wrap(protowire.ParseError(n), "invalid function num_params")
				return
			}
			b = b[n:]
			fn.NumParams = int(v)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				err = errors.Wrapf(protowire.ParseError(n), "invalid field %d in function", num)
				return
			}
			b = b[n:]
		}
	}
	if fn.Name == "" {
		err = errors.New("function with no name in module image")
	}
	return
}

// KernelFunc implements a simulated kernel. It runs once per launch (not per thread), when the
// stream reaches the launch.
type KernelFunc func(launch *Launch) error

// RegisterKernel registers the implementation of the kernel with the given name. Modules can only
// be loaded if all their functions have been registered.
func (d *Driver) RegisterKernel(name string, fn KernelFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.kernels[name] = fn
}

func (d *Driver) kernel(name string) (KernelFunc, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn, found := d.kernels[name]
	return fn, found
}

type module struct {
	ctx       driver.Context
	spec      ModuleSpec
	functions map[string]driver.Function
}

type function struct {
	module *module
	spec   FunctionSpec
	impl   KernelFunc
}

func truncateLog(log string, maxSize int) string {
	if maxSize > 0 && len(log) > maxSize {
		return log[:maxSize]
	}
	return log
}

// ModuleLoadData implements driver.Driver.
func (d *Driver) ModuleLoadData(ctx driver.Context, image []byte, opts *driver.JITOptions) (driver.Module, error) {
	const op = "ModuleLoadData"
	if _, err := d.context(op, ctx); err != nil {
		return 0, err
	}
	if opts == nil {
		opts = &driver.JITOptions{}
	}
	fail := func(status driver.Status, format string, args ...any) (driver.Module, error) {
		msg := fmt.Sprintf(format, args...)
		opts.ErrorLog = truncateLog(msg, opts.MaxLogSize)
		return 0, errors.WithStack(driver.NewError(op, status, "%s", msg))
	}
	if err := d.injectedFailure(op); err != nil {
		opts.ErrorLog = truncateLog(err.Error(), opts.MaxLogSize)
		return 0, err
	}
	spec, err := DecodeModule(image)
	if err != nil {
		return fail(driver.ErrorInvalidImage, "%v", err)
	}
	if spec.Target != "" && spec.Target != Target {
		return fail(driver.ErrorInvalidImage, "module built for target %q, device is %q", spec.Target, Target)
	}

	m := &module{ctx: ctx, spec: spec, functions: make(map[string]driver.Function, len(spec.Functions))}
	var undefined []string
	fns := make([]*function, 0, len(spec.Functions))
	for _, fnSpec := range spec.Functions {
		impl, found := d.kernel(fnSpec.Name)
		if !found {
			undefined = append(undefined, fnSpec.Name)
			continue
		}
		fns = append(fns, &function{module: m, spec: fnSpec, impl: impl})
	}
	if len(undefined) > 0 {
		return fail(driver.ErrorInvalidImage, "undefined kernels: %s", strings.Join(undefined, ", "))
	}
	for _, fn := range fns {
		m.functions[fn.spec.Name] = driver.Function(d.functions.register(fn))
	}
	handle := driver.Module(d.modules.register(m))
	opts.InfoLog = truncateLog(fmt.Sprintf("loaded %d functions for target %s (options %q)", len(fns), Target, opts.Options), opts.MaxLogSize)
	klog.V(2).Infof("sim: loaded module %#x with %d functions", uintptr(handle), len(fns))
	return handle, nil
}

// ModuleUnload implements driver.Driver.
func (d *Driver) ModuleUnload(m driver.Module) error {
	mod, found := d.modules.unregister(uintptr(m))
	if !found {
		return errors.WithStack(driver.NewError("ModuleUnload", driver.ErrorInvalidHandle, "unknown module handle %#x", uintptr(m)))
	}
	for _, fn := range mod.functions {
		d.functions.unregister(uintptr(fn))
	}
	return nil
}

// ModuleGetFunction implements driver.Driver.
func (d *Driver) ModuleGetFunction(m driver.Module, name string) (driver.Function, error) {
	mod, found := d.modules.lookup(uintptr(m))
	if !found {
		return 0, errors.WithStack(driver.NewError("ModuleGetFunction", driver.ErrorInvalidHandle, "unknown module handle %#x", uintptr(m)))
	}
	fn, found := mod.functions[name]
	if !found {
		return 0, errors.WithStack(driver.NewError("ModuleGetFunction", driver.ErrorNotFound, "function %q not found in module", name))
	}
	return fn, nil
}

// ModulesAlive returns the number of loaded modules.
func (d *Driver) ModulesAlive() int {
	return d.modules.count()
}
