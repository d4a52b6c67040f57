package attention

import (
	"github.com/rs/zerolog"

	"github.com/halcyon-ml/attn/pkg/tensor"
)

// Recorder receives named diagnostic tensors. Calls are fire-and-forget:
// the engine's output never depends on what a recorder does with them.
type Recorder interface {
	Record(name string, t *tensor.Tensor)
}

// NopRecorder discards every record.
type NopRecorder struct{}

func (NopRecorder) Record(string, *tensor.Tensor) {}

// LogRecorder writes a debug line per recorded tensor with its shape and
// summary statistics.
type LogRecorder struct {
	Logger zerolog.Logger
}

func (r LogRecorder) Record(name string, t *tensor.Tensor) {
	if len(t.Data) == 0 {
		return
	}
	minV, maxV := t.Data[0], t.Data[0]
	sum := float64(0)
	for _, v := range t.Data {
		if v < minV {
			minV = v
		}
		if v > maxV {
			maxV = v
		}
		sum += float64(v)
	}
	r.Logger.Debug().
		Str("tensor", name).
		Ints("shape", t.Shape).
		Float32("min", minV).
		Float32("max", maxV).
		Float64("mean", sum/float64(len(t.Data))).
		Msg("recorded tensor")
}
