package pi

import (
	"fmt"
	"slices"
	"sync"

	"github.com/gomlx/gohip/driver"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// MaxLogSize is the maximum size of the build logs of a Program. Longer logs are truncated.
const MaxLogSize = 8192

// BuildStatus of a Program.
type BuildStatus int

const (
	BuildNone BuildStatus = iota
	BuildError
	BuildSuccess
	BuildInProgress
)

var buildStatusNames = []string{"None", "Error", "Success", "InProgress"}

// String implements fmt.Stringer.
func (s BuildStatus) String() string {
	if s >= 0 && int(s) < len(buildStatusNames) {
		return buildStatusNames[s]
	}
	return fmt.Sprintf("BuildStatus(%d)", int(s))
}

// Program holds a device binary and, once built, the module loaded from it.
//
// Build failures don't fail the program: they are reported by BuildStatus and BuildLog.
type Program struct {
	refCount

	ctx    *Context
	binary []byte

	// muBuild serializes builds. mu is only held briefly, so the status and logs can be queried
	// while a build is in progress.
	muBuild sync.Mutex

	mu           sync.Mutex
	module       driver.Module
	status       BuildStatus
	buildOptions string
	errorLog     string
	infoLog      string
}

// CreateProgramWithBinary creates a program from a device binary. It is not loaded until Build
// is called.
func (c *Context) CreateProgramWithBinary(binary []byte) (*Program, error) {
	if len(binary) == 0 {
		return nil, newError(InvalidValue, "empty program binary")
	}
	p := &Program{ctx: c, binary: slices.Clone(binary)}
	p.init()
	c.Retain()
	return p, nil
}

// Build loads the program's module with the given options.
//
// On failure, the build status is set to BuildError and the logs hold the reason, and a
// BuildProgramFailure error is returned.
func (p *Program) Build(options string) error {
	p.muBuild.Lock()
	defer p.muBuild.Unlock()
	p.mu.Lock()
	if p.status == BuildSuccess {
		p.mu.Unlock()
		return newError(InvalidOperation, "program already built")
	}
	p.status = BuildInProgress
	p.buildOptions = options
	p.mu.Unlock()

	opts := &driver.JITOptions{Options: options, MaxLogSize: MaxLogSize}
	module, err := p.ctx.drv.ModuleLoadData(p.ctx.native, p.binary, opts)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.errorLog = truncateLog(opts.ErrorLog, MaxLogSize)
	p.infoLog = truncateLog(opts.InfoLog, MaxLogSize)
	if err != nil {
		p.status = BuildError
		klog.V(1).Infof("Failed to build program: %v", err)
		return errors.WithMessagef(newError(BuildProgramFailure, "%s", p.errorLog), "%v", err)
	}
	p.module = module
	p.status = BuildSuccess
	return nil
}

// Retain increments the reference count and returns the new count.
func (p *Program) Retain() uint32 {
	return p.retain("Program")
}

// Release decrements the reference count and returns the new count. At 0 the module is
// unloaded and the context released.
func (p *Program) Release() (uint32, error) {
	count := p.release("Program")
	if count > 0 {
		return count, nil
	}
	var err error
	p.mu.Lock()
	if p.module != 0 {
		if err = p.ctx.drv.ModuleUnload(p.module); err != nil {
			err = errors.WithMessagef(err, "failed to unload program module")
		}
		p.module = 0
	}
	p.mu.Unlock()
	_, errCtx := p.ctx.Release()
	return 0, firstError(err, errCtx)
}

// Context of the program.
func (p *Program) Context() *Context {
	return p.ctx
}

// BuildStatus returns the status of the last build.
func (p *Program) BuildStatus() BuildStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// BuildLog returns the error log of the last build.
func (p *Program) BuildLog() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.errorLog
}

// InfoLog returns the informational log of the last build.
func (p *Program) InfoLog() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.infoLog
}

// BuildOptions returns the options given to the last build.
func (p *Program) BuildOptions() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buildOptions
}

// Binary returns the device binary of the program.
func (p *Program) Binary() []byte {
	return p.binary
}

// builtModule returns the loaded module, or an InvalidProgramExecutable error if the program was
// not successfully built.
func (p *Program) builtModule() (driver.Module, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status != BuildSuccess {
		return 0, newError(InvalidProgramExecutable, "program build status is %s", p.status)
	}
	return p.module, nil
}
