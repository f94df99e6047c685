package gpu

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gogpu/naga"
	"github.com/openfluke/webgpu/wgpu"

	"github.com/andersio/Upscale/nn"
)

// DefaultWorkgroupSize is the edge of the square 2D workgroups.
const DefaultWorkgroupSize = 8

// ValidateWGSL checks a shader with naga before it reaches the driver.
// Features naga has not implemented yet are left for the driver to judge.
func ValidateWGSL(label, src string) error {
	if _, err := naga.Compile(src); err != nil {
		msg := err.Error()
		if strings.Contains(msg, "not yet implemented") || strings.Contains(msg, "not supported") {
			slogger().Debug("gpu: naga skipped shader", "label", label, "reason", msg)
			return nil
		}
		return fmt.Errorf("%w: %s: %v", ErrShaderCompile, label, err)
	}
	return nil
}

// compilePipeline validates src and builds a compute pipeline with an
// automatic bind group layout.
func compilePipeline(ctx *Context, label, src string) (*wgpu.ComputePipeline, error) {
	if err := ValidateWGSL(label, src); err != nil {
		return nil, err
	}
	mod, err := ctx.Device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          label + "_Shader",
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: src},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrShaderCompile, label, err)
	}
	defer mod.Release()

	pipeline, err := ctx.Device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label:   label + "_Pipe",
		Compute: wgpu.ProgrammableStageDescriptor{Module: mod, EntryPoint: "main"},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrShaderCompile, label, err)
	}
	slogger().Debug("gpu: pipeline compiled", "label", label, "bytes", len(src))
	return pipeline, nil
}

// activationWGSL returns an activate() function for act.
func activationWGSL(act nn.Activation) string {
	switch act.Type {
	case nn.ActivationLeakyReLU:
		return fmt.Sprintf(`
fn activate(v: f32) -> f32 {
    if (v > 0.0) {
        return v;
    }
    return v * %s;
}`, wgslFloat(act.Leak))
	case nn.ActivationTanh:
		return `
fn activate(v: f32) -> f32 {
    return tanh(v);
}`
	default:
		return `
fn activate(v: f32) -> f32 {
    return v;
}`
	}
}

// wgslFloat formats v as an abstract float literal.
func wgslFloat(v float32) string {
	s := strconv.FormatFloat(float64(v), 'g', -1, 32)
	if !strings.ContainsAny(s, ".eEn") {
		s += ".0"
	}
	return s
}

func groups(n, size int) uint32 {
	return uint32((n + size - 1) / size)
}

func wgSize(n int) int {
	if n < 1 {
		return DefaultWorkgroupSize
	}
	return n
}
