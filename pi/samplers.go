package pi

import (
	"fmt"
)

// FilterMode of a sampler.
type FilterMode uint32

const (
	FilterNearest FilterMode = iota
	FilterLinear
)

// AddressingMode of a sampler: how out of range coordinates are handled.
type AddressingMode uint32

const (
	AddressNone AddressingMode = iota
	AddressClampToEdge
	AddressClamp
	AddressRepeat
	AddressMirroredRepeat
)

var addressingModeNames = []string{"None", "ClampToEdge", "Clamp", "Repeat", "MirroredRepeat"}

// String implements fmt.Stringer.
func (m AddressingMode) String() string {
	if int(m) < len(addressingModeNames) {
		return addressingModeNames[m]
	}
	return fmt.Sprintf("AddressingMode(%d)", uint32(m))
}

// Bit layout of the sampler properties passed to kernels:
//
//	| addressing (bits 4..2) | filter (bit 1) | normalized coordinates (bit 0) |
const (
	samplerNormalizedBit   = 0
	samplerFilterBit       = 1
	samplerAddressingShift = 2
	samplerAddressingMask  = 0b111
)

// Sampler describes how kernels read images. It is passed to kernels as a 32 bits value holding
// its properties.
type Sampler struct {
	refCount

	ctx   *Context
	props uint32
}

// SamplerConfig is created with Context.NewSampler, configured and then executed with Done.
type SamplerConfig struct {
	ctx        *Context
	normalized bool
	filter     FilterMode
	addressing AddressingMode
}

// NewSampler returns the configuration of a new sampler, by default with normalized
// coordinates, FilterNearest and AddressClamp.
func (c *Context) NewSampler() *SamplerConfig {
	return &SamplerConfig{ctx: c, normalized: true, filter: FilterNearest, addressing: AddressClamp}
}

// NormalizedCoords sets whether the coordinates are normalized to [0, 1].
func (cfg *SamplerConfig) NormalizedCoords(normalized bool) *SamplerConfig {
	cfg.normalized = normalized
	return cfg
}

// WithFilter sets the filter mode.
func (cfg *SamplerConfig) WithFilter(filter FilterMode) *SamplerConfig {
	cfg.filter = filter
	return cfg
}

// WithAddressing sets the addressing mode.
func (cfg *SamplerConfig) WithAddressing(addressing AddressingMode) *SamplerConfig {
	cfg.addressing = addressing
	return cfg
}

// Done creates the sampler.
func (cfg *SamplerConfig) Done() (*Sampler, error) {
	if cfg.filter > FilterLinear {
		return nil, newError(InvalidValue, "invalid sampler filter mode %d", cfg.filter)
	}
	if cfg.addressing > AddressMirroredRepeat {
		return nil, newError(InvalidValue, "invalid sampler addressing mode %d", cfg.addressing)
	}
	var props uint32
	if cfg.normalized {
		props |= 1 << samplerNormalizedBit
	}
	props |= uint32(cfg.filter) << samplerFilterBit
	props |= uint32(cfg.addressing) << samplerAddressingShift
	s := &Sampler{ctx: cfg.ctx, props: props}
	s.init()
	cfg.ctx.Retain()
	return s, nil
}

// Retain increments the reference count and returns the new count.
func (s *Sampler) Retain() uint32 {
	return s.retain("Sampler")
}

// Release decrements the reference count and returns the new count. At 0 the context is released.
func (s *Sampler) Release() (uint32, error) {
	count := s.release("Sampler")
	if count > 0 {
		return count, nil
	}
	_, err := s.ctx.Release()
	return 0, err
}

// Context of the sampler.
func (s *Sampler) Context() *Context {
	return s.ctx
}

// Properties returns the packed properties passed to kernels.
func (s *Sampler) Properties() uint32 {
	return s.props
}

// NormalizedCoords returns whether coordinates are normalized.
func (s *Sampler) NormalizedCoords() bool {
	return s.props&(1<<samplerNormalizedBit) != 0
}

// Filter returns the filter mode.
func (s *Sampler) Filter() FilterMode {
	return FilterMode((s.props >> samplerFilterBit) & 1)
}

// Addressing returns the addressing mode.
func (s *Sampler) Addressing() AddressingMode {
	return AddressingMode((s.props >> samplerAddressingShift) & samplerAddressingMask)
}
