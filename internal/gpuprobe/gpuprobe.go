// Package gpuprobe classifies a client's graphics capability once at
// session start and picks the initial processing strategy. The renderer
// heuristics are lookup tables, treated as versioned configuration data,
// not scattered conditionals. This is a one-shot decision; continuous
// adaptation afterwards belongs to the quality controller.
package gpuprobe

import "strings"

// Strategy is the initial processing strategy for a client.
type Strategy string

const (
	GPUFailure Strategy = "GPU_FAILURE"
	WeakGPU    Strategy = "WEAK_GPU"
	CPUOnly    Strategy = "CPU_ONLY"
)

// Fallback reasons recorded on Info.
const (
	ReasonNoAcceleration   = "no acceleration"
	ReasonSoftwareRenderer = "software renderer"
	ReasonWeakGPU          = "weak gpu"
)

// Report is what the browser tells us about its throwaway probe context.
type Report struct {
	ContextOK  bool   `json:"contextOk"`
	Renderer   string `json:"renderer"`
	Vendor     string `json:"vendor"`
	ModelReady bool   `json:"modelReady"`
}

// Info is the classified capability result.
type Info struct {
	Supported      bool
	Renderer       string
	Vendor         string
	FallbackReason string
}

// Config is the fixed resource profile attached to a strategy.
type Config struct {
	UseCPU                   bool
	ReduceDetectionFrequency bool
	TargetFPS                int
	ResolutionScale          float64
	EnableFrameSkipping      bool
}

// Renderer strings that mean no real acceleration exists even when a
// context nominally came up. Matched case-insensitively as substrings.
var softwareRenderers = []string{
	"swiftshader",
	"llvmpipe",
	"softpipe",
	"software rasterizer",
	"microsoft basic render",
	"mesa offscreen",
	"virtualbox",
	"vmware svga",
	"parallels",
	"angle (software",
}

// Renderer strings for weak or integrated accelerators that work but
// cannot sustain the full pipeline.
var weakRenderers = []string{
	"intel(r) hd graphics",
	"intel(r) uhd graphics",
	"intel hd graphics",
	"intel gma",
	"mali-4",
	"mali-t6",
	"adreno (tm) 3",
	"adreno (tm) 4",
	"powervr",
	"videocore",
}

// Tables holds the heuristic lists; override entries come from tuning.
type Tables struct {
	Software []string
	Weak     []string
}

// DefaultTables returns the built-in heuristic lists.
func DefaultTables() Tables {
	return Tables{Software: softwareRenderers, Weak: weakRenderers}
}

// WithOverrides replaces non-empty lists from configuration.
func (t Tables) WithOverrides(software, weak []string) Tables {
	if len(software) > 0 {
		t.Software = software
	}
	if len(weak) > 0 {
		t.Weak = weak
	}
	return t
}

func matchesAny(s string, needles []string) bool {
	s = strings.ToLower(s)
	for _, n := range needles {
		if n != "" && strings.Contains(s, strings.ToLower(n)) {
			return true
		}
	}
	return false
}

// Classify turns a raw client report into capability info. A software or
// virtual renderer forces unsupported regardless of nominal context
// success.
func (t Tables) Classify(r Report) Info {
	info := Info{Renderer: r.Renderer, Vendor: r.Vendor}

	if !r.ContextOK {
		info.FallbackReason = ReasonNoAcceleration
		return info
	}
	if matchesAny(r.Renderer, t.Software) || matchesAny(r.Vendor, t.Software) {
		info.FallbackReason = ReasonSoftwareRenderer
		return info
	}

	info.Supported = true
	if matchesAny(r.Renderer, t.Weak) {
		info.FallbackReason = ReasonWeakGPU
	}
	return info
}

// SelectStrategy maps capability info to a strategy. Anything not
// positively confirmed weak-or-better lands on CPU_ONLY; the system never
// assumes best case.
func SelectStrategy(info Info) Strategy {
	if !info.Supported {
		return GPUFailure
	}
	if info.FallbackReason == ReasonWeakGPU {
		return WeakGPU
	}
	return CPUOnly
}

// ConfigFor returns the fixed resource profile for a strategy. GPU_FAILURE
// and CPU_ONLY run lower than WEAK_GPU.
func ConfigFor(s Strategy) Config {
	switch s {
	case WeakGPU:
		return Config{
			UseCPU:                   false,
			ReduceDetectionFrequency: true,
			TargetFPS:                20,
			ResolutionScale:          0.75,
			EnableFrameSkipping:      true,
		}
	case GPUFailure:
		return Config{
			UseCPU:                   true,
			ReduceDetectionFrequency: true,
			TargetFPS:                15,
			ResolutionScale:          0.5,
			EnableFrameSkipping:      true,
		}
	default:
		return Config{
			UseCPU:                   true,
			ReduceDetectionFrequency: true,
			TargetFPS:                15,
			ResolutionScale:          0.5,
			EnableFrameSkipping:      true,
		}
	}
}
