package compute

import (
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"github.com/openfluke/scdag/detector"
	"github.com/openfluke/scdag/gpu"
)

// DefaultMinWork is the multiply-add count below which the upload/readback
// cost outweighs the device, so products stay on the CPU.
const DefaultMinWork = 1 << 18

// WebGPU offloads large matrix products to the GPU and keeps special
// functions on the CPU. After the first device error it stays on the CPU
// for the rest of the run.
type WebGPU struct {
	CPU
	Report  *detector.Report
	MinWork int

	gemm     *gpu.GEMM
	log      *logrus.Entry
	disabled bool
}

// NewWebGPU builds the backend from a detector report.
func NewWebGPU(rep *detector.Report, log *logrus.Entry) *WebGPU {
	return &WebGPU{
		Report:  rep,
		MinWork: DefaultMinWork,
		gemm:    gpu.NewGEMM(rep.Recommended.WorkgroupX),
		log:     log,
	}
}

func (w *WebGPU) Name() string { return "webgpu" }

func (w *WebGPU) MatMul(a, b mat.Matrix) *mat.Dense {
	m, k := a.Dims()
	k2, n := b.Dims()
	if k != k2 {
		panic(mat.ErrShape)
	}
	if w.disabled || m*k*n < w.MinWork || !w.Report.Fits(m*k+k*n+m*n) {
		return w.CPU.MatMul(a, b)
	}

	out, err := w.gemm.MatMul(toFloat32(a), toFloat32(b), m, k, n)
	if err != nil {
		w.log.WithError(err).Warn("GPU matmul failed, staying on CPU")
		w.disabled = true
		return w.CPU.MatMul(a, b)
	}
	return fromFloat32(out, m, n)
}

// Release frees cached device pipelines.
func (w *WebGPU) Release() {
	w.gemm.Release()
}

func toFloat32(a mat.Matrix) []float32 {
	r, c := a.Dims()
	out := make([]float32, r*c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out[i*c+j] = float32(a.At(i, j))
		}
	}
	return out
}

func fromFloat32(data []float32, r, c int) *mat.Dense {
	d := make([]float64, len(data))
	for i, v := range data {
		d[i] = float64(v)
	}
	return mat.NewDense(r, c, d)
}
