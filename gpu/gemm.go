package gpu

import (
	"fmt"
	"sync"

	"github.com/openfluke/webgpu/wgpu"
	"github.com/pkg/errors"
)

// GEMM multiplies row-major float32 matrices on the device: C[M,N] = A[M,K] * B[K,N].
// Pipelines are compiled per shape and cached; training reuses a handful of
// shapes so the cache stays small.
type GEMM struct {
	WorkgroupX uint32

	mu        sync.Mutex
	pipelines map[[3]int]*gemmPipeline
}

type gemmPipeline struct {
	pipeline *wgpu.ComputePipeline
	layout   *wgpu.BindGroupLayout
	groups   uint32
}

// NewGEMM returns a kernel cache using the given 1D workgroup size.
func NewGEMM(workgroupX uint32) *GEMM {
	if workgroupX == 0 {
		workgroupX = 64
	}
	return &GEMM{
		WorkgroupX: workgroupX,
		pipelines:  make(map[[3]int]*gemmPipeline),
	}
}

// GenerateShader returns the WGSL for one output element per invocation.
func (g *GEMM) GenerateShader(m, k, n int) string {
	return fmt.Sprintf(`
		@group(0) @binding(0) var<storage, read> a : array<f32>;
		@group(0) @binding(1) var<storage, read> b : array<f32>;
		@group(0) @binding(2) var<storage, read_write> c : array<f32>;

		@compute @workgroup_size(%d)
		fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
			let idx = gid.x;
			let m = %du;
			let k = %du;
			let n = %du;

			if (idx >= m * n) {
				return;
			}

			let row = idx / n;
			let col = idx %% n;

			var sum: f32 = 0.0;
			for (var i: u32 = 0u; i < k; i++) {
				sum += a[row * k + i] * b[i * n + col];
			}
			c[idx] = sum;
		}
	`, g.WorkgroupX, m, k, n)
}

func (g *GEMM) compile(c *Context, m, k, n int) (*gemmPipeline, error) {
	key := [3]int{m, k, n}
	if p, ok := g.pipelines[key]; ok {
		return p, nil
	}

	label := fmt.Sprintf("GEMM_%dx%dx%d", m, k, n)
	module, err := c.Device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          label + "_Shader",
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: g.GenerateShader(m, k, n)},
	})
	if err != nil {
		return nil, errors.Wrap(err, "shader compile")
	}
	defer module.Release()

	bgl, err := c.Device.CreateBindGroupLayout(&wgpu.BindGroupLayoutDescriptor{
		Label: label + "_BGL",
		Entries: []wgpu.BindGroupLayoutEntry{
			{Binding: 0, Visibility: wgpu.ShaderStageCompute, Buffer: wgpu.BufferBindingLayout{Type: wgpu.BufferBindingTypeReadOnlyStorage}},
			{Binding: 1, Visibility: wgpu.ShaderStageCompute, Buffer: wgpu.BufferBindingLayout{Type: wgpu.BufferBindingTypeReadOnlyStorage}},
			{Binding: 2, Visibility: wgpu.ShaderStageCompute, Buffer: wgpu.BufferBindingLayout{Type: wgpu.BufferBindingTypeStorage}},
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "create bgl")
	}

	pipelineLayout, err := c.Device.CreatePipelineLayout(&wgpu.PipelineLayoutDescriptor{
		Label:            label + "_Layout",
		BindGroupLayouts: []*wgpu.BindGroupLayout{bgl},
	})
	if err != nil {
		return nil, errors.Wrap(err, "create pipeline layout")
	}

	pipeline, err := c.Device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label:  label + "_Pipe",
		Layout: pipelineLayout,
		Compute: wgpu.ProgrammableStageDescriptor{
			Module:     module,
			EntryPoint: "main",
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "pipeline create")
	}

	p := &gemmPipeline{
		pipeline: pipeline,
		layout:   bgl,
		groups:   (uint32(m*n) + g.WorkgroupX - 1) / g.WorkgroupX,
	}
	g.pipelines[key] = p
	return p, nil
}

// MatMul runs one multiplication and reads the result back.
func (g *GEMM) MatMul(a, b []float32, m, k, n int) ([]float32, error) {
	if len(a) != m*k || len(b) != k*n {
		return nil, errors.Errorf("gemm: bad operand lengths %d, %d for %dx%dx%d", len(a), len(b), m, k, n)
	}

	c, err := GetContext()
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	p, err := g.compile(c, m, k, n)
	if err != nil {
		return nil, err
	}

	usage := wgpu.BufferUsageStorage | wgpu.BufferUsageCopyDst
	aBuf, err := NewFloatBuffer(c, "GEMM_A", a, usage)
	if err != nil {
		return nil, err
	}
	defer aBuf.Destroy()

	bBuf, err := NewFloatBuffer(c, "GEMM_B", b, usage)
	if err != nil {
		return nil, err
	}
	defer bBuf.Destroy()

	cBuf, err := c.Device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "GEMM_C",
		Size:  uint64(m * n * 4),
		Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create output buffer")
	}
	defer cBuf.Destroy()

	bindGroup, err := c.Device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:  "GEMM_Bind",
		Layout: p.layout,
		Entries: []wgpu.BindGroupEntry{
			{Binding: 0, Buffer: aBuf, Size: aBuf.GetSize()},
			{Binding: 1, Buffer: bBuf, Size: bBuf.GetSize()},
			{Binding: 2, Buffer: cBuf, Size: cBuf.GetSize()},
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "create bind group")
	}
	defer bindGroup.Release()

	enc, err := c.Device.CreateCommandEncoder(nil)
	if err != nil {
		return nil, errors.Wrap(err, "create command encoder")
	}
	pass := enc.BeginComputePass(nil)
	pass.SetPipeline(p.pipeline)
	pass.SetBindGroup(0, bindGroup, nil)
	pass.DispatchWorkgroups(p.groups, 1, 1)
	pass.End()

	cmd, err := enc.Finish(nil)
	if err != nil {
		return nil, errors.Wrap(err, "finish command")
	}
	c.Queue.Submit(cmd)

	return ReadBuffer(c, cBuf, m*n)
}

// Release drops every cached pipeline.
func (g *GEMM) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for key, p := range g.pipelines {
		p.pipeline.Release()
		delete(g.pipelines, key)
	}
}
