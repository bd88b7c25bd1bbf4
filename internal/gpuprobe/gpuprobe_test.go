package gpuprobe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyNoContext(t *testing.T) {
	t.Parallel()

	info := DefaultTables().Classify(Report{ContextOK: false, Renderer: "NVIDIA GeForce RTX 3080"})
	assert.False(t, info.Supported)
	assert.Equal(t, ReasonNoAcceleration, info.FallbackReason)
}

func TestClassifySoftwareRendererOverridesContextSuccess(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		rep  Report
	}{
		{"swiftshader", Report{ContextOK: true, Renderer: "Google SwiftShader"}},
		{"llvmpipe", Report{ContextOK: true, Renderer: "llvmpipe (LLVM 15.0.7, 256 bits)"}},
		{"vm renderer", Report{ContextOK: true, Renderer: "VMware SVGA 3D"}},
		{"angle software", Report{ContextOK: true, Renderer: "ANGLE (Software Adapter)"}},
		{"software vendor", Report{ContextOK: true, Renderer: "Generic", Vendor: "VirtualBox Graphics"}},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			info := DefaultTables().Classify(tc.rep)
			assert.False(t, info.Supported)
			assert.Equal(t, ReasonSoftwareRenderer, info.FallbackReason)
		})
	}
}

func TestClassifyMatchesCaseInsensitively(t *testing.T) {
	t.Parallel()

	info := DefaultTables().Classify(Report{ContextOK: true, Renderer: "GOOGLE SWIFTSHADER"})
	assert.False(t, info.Supported)

	info = DefaultTables().Classify(Report{ContextOK: true, Renderer: "INTEL(R) HD GRAPHICS 620"})
	assert.True(t, info.Supported)
	assert.Equal(t, ReasonWeakGPU, info.FallbackReason)
}

func TestClassifyWeakRendererStaysSupported(t *testing.T) {
	t.Parallel()

	info := DefaultTables().Classify(Report{ContextOK: true, Renderer: "Mali-T628 MP6"})
	assert.True(t, info.Supported)
	assert.Equal(t, ReasonWeakGPU, info.FallbackReason)
}

func TestClassifyHealthyRenderer(t *testing.T) {
	t.Parallel()

	info := DefaultTables().Classify(Report{
		ContextOK: true,
		Renderer:  "NVIDIA GeForce RTX 3080/PCIe/SSE2",
		Vendor:    "NVIDIA Corporation",
	})
	assert.True(t, info.Supported)
	assert.Empty(t, info.FallbackReason)
}

func TestSelectStrategy(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		info Info
		want Strategy
	}{
		{"unsupported", Info{Supported: false}, GPUFailure},
		{"weak", Info{Supported: true, FallbackReason: ReasonWeakGPU}, WeakGPU},
		// Even a healthy GPU lands on CPU_ONLY; acceleration must be
		// earned by the model actually loading, not assumed.
		{"healthy", Info{Supported: true}, CPUOnly},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, SelectStrategy(tc.info))
		})
	}
}

func TestConfigForProfiles(t *testing.T) {
	t.Parallel()

	weak := ConfigFor(WeakGPU)
	assert.False(t, weak.UseCPU)
	assert.Equal(t, 20, weak.TargetFPS)
	assert.InDelta(t, 0.75, weak.ResolutionScale, 1e-9)
	assert.True(t, weak.ReduceDetectionFrequency)
	assert.True(t, weak.EnableFrameSkipping)

	for _, s := range []Strategy{GPUFailure, CPUOnly} {
		cfg := ConfigFor(s)
		assert.True(t, cfg.UseCPU, string(s))
		assert.Equal(t, 15, cfg.TargetFPS, string(s))
		assert.InDelta(t, 0.5, cfg.ResolutionScale, 1e-9, string(s))
	}
}

func TestTablesWithOverrides(t *testing.T) {
	t.Parallel()

	tables := DefaultTables().WithOverrides([]string{"Custom Soft Renderer"}, nil)

	info := tables.Classify(Report{ContextOK: true, Renderer: "custom soft renderer v2"})
	assert.False(t, info.Supported)
	assert.Equal(t, ReasonSoftwareRenderer, info.FallbackReason)

	// The built-in software list was replaced, the weak list was not.
	info = tables.Classify(Report{ContextOK: true, Renderer: "Google SwiftShader"})
	assert.True(t, info.Supported)

	info = tables.Classify(Report{ContextOK: true, Renderer: "PowerVR Rogue GE8320"})
	require.True(t, info.Supported)
	assert.Equal(t, ReasonWeakGPU, info.FallbackReason)
}
