package attention

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/halcyon-ml/attn/pkg/tensor"
)

// parameterSlots lists the engine's parameters in a fixed serialization
// order. Optional biases are written behind a presence flag.
func (m *MultiHeadAttention) parameterSlots() []struct {
	name string
	t    **tensor.Tensor
} {
	return []struct {
		name string
		t    **tensor.Tensor
	}{
		{"query.weight", &m.Query.Weight},
		{"query.bias", &m.Query.Bias},
		{"key.weight", &m.Key.Weight},
		{"key.bias", &m.Key.Bias},
		{"value.weight", &m.Value.Weight},
		{"value.bias", &m.Value.Bias},
		{"out.weight", &m.OutWeight},
		{"out.bias", &m.OutBias},
	}
}

// SaveState serializes every parameter tensor to w.
func (m *MultiHeadAttention) SaveState(w io.Writer) error {
	for _, slot := range m.parameterSlots() {
		present := uint8(0)
		if *slot.t != nil {
			present = 1
		}
		if err := binary.Write(w, binary.LittleEndian, present); err != nil {
			return fmt.Errorf("save %s: %w", slot.name, err)
		}
		if present == 0 {
			continue
		}
		if err := tensor.WriteBinary(w, *slot.t); err != nil {
			return fmt.Errorf("save %s: %w", slot.name, err)
		}
	}
	return nil
}

// LoadState restores parameters written by SaveState. The stored layout
// must match the engine's: same bias presence, same shapes.
func (m *MultiHeadAttention) LoadState(r io.Reader) error {
	for _, slot := range m.parameterSlots() {
		var present uint8
		if err := binary.Read(r, binary.LittleEndian, &present); err != nil {
			return fmt.Errorf("load %s: %w", slot.name, err)
		}
		if (present == 1) != (*slot.t != nil) {
			return fmt.Errorf("load %s: stored layout does not match engine configuration", slot.name)
		}
		if present == 0 {
			continue
		}
		loaded, err := tensor.ReadBinary(r)
		if err != nil {
			return fmt.Errorf("load %s: %w", slot.name, err)
		}
		if !loaded.ShapeEquals(*slot.t) {
			return &tensor.ShapeError{Op: "load " + slot.name, Want: (*slot.t).Shape, Got: loaded.Shape}
		}
		*slot.t = loaded
	}
	return nil
}

// SaveStateFile writes the parameter set to path.
func (m *MultiHeadAttention) SaveStateFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()
	if err := m.SaveState(f); err != nil {
		return err
	}
	return f.Close()
}

// LoadStateFile restores the parameter set from path.
func (m *MultiHeadAttention) LoadStateFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	return m.LoadState(f)
}
