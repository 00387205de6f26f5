package policy

import (
	"encoding/binary"
	"io"
	"math"
	"os"
	"path/filepath"

	"prism/internal/errors"
)

// Checkpoint layout, all big-endian:
//
//	magic "PRWQ" | version uint16 | layer count uint32 | records...
//
// Each record is a uint32 byte length followed by the payload: input size
// uint32, output size uint32, weights float64[out*in], biases float64[out].
// The shapes are self-describing so a checkpoint survives backend swaps.
const (
	checkpointMagic   = "PRWQ"
	checkpointVersion = uint16(1)

	// maxCheckpointLayers bounds decode allocations against corrupt headers.
	maxCheckpointLayers = 64
)

// EncodeWeights writes layers to w in checkpoint format.
func EncodeWeights(w io.Writer, layers []LayerWeights) error {
	if _, err := w.Write([]byte(checkpointMagic)); err != nil {
		return errors.Wrap(errors.KindInternal, err, "write checkpoint magic")
	}
	if err := binary.Write(w, binary.BigEndian, checkpointVersion); err != nil {
		return errors.Wrap(errors.KindInternal, err, "write checkpoint version")
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(layers))); err != nil {
		return errors.Wrap(errors.KindInternal, err, "write checkpoint layer count")
	}

	for i, layer := range layers {
		payload := make([]byte, 8+8*(len(layer.W)+len(layer.B)))
		binary.BigEndian.PutUint32(payload[0:4], uint32(layer.InputSize))
		binary.BigEndian.PutUint32(payload[4:8], uint32(layer.OutputSize))
		offset := 8
		for _, v := range layer.W {
			binary.BigEndian.PutUint64(payload[offset:offset+8], math.Float64bits(v))
			offset += 8
		}
		for _, v := range layer.B {
			binary.BigEndian.PutUint64(payload[offset:offset+8], math.Float64bits(v))
			offset += 8
		}
		if err := binary.Write(w, binary.BigEndian, uint32(len(payload))); err != nil {
			return errors.Wrap(errors.KindInternal, err, "write layer %d length", i)
		}
		if _, err := w.Write(payload); err != nil {
			return errors.Wrap(errors.KindInternal, err, "write layer %d payload", i)
		}
	}
	return nil
}

// DecodeWeights reads a checkpoint produced by EncodeWeights.
func DecodeWeights(r io.Reader) ([]LayerWeights, error) {
	magic := make([]byte, len(checkpointMagic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, errors.Wrap(errors.KindValidation, err, "read checkpoint magic")
	}
	if string(magic) != checkpointMagic {
		return nil, errors.Validationf("bad checkpoint magic %q", magic)
	}

	var version uint16
	if err := binary.Read(r, binary.BigEndian, &version); err != nil {
		return nil, errors.Wrap(errors.KindValidation, err, "read checkpoint version")
	}
	if version != checkpointVersion {
		return nil, errors.Validationf("checkpoint version %d not supported, want %d", version, checkpointVersion)
	}

	var layerCount uint32
	if err := binary.Read(r, binary.BigEndian, &layerCount); err != nil {
		return nil, errors.Wrap(errors.KindValidation, err, "read checkpoint layer count")
	}
	if layerCount == 0 || layerCount > maxCheckpointLayers {
		return nil, errors.Validationf("checkpoint layer count %d out of range", layerCount)
	}

	layers := make([]LayerWeights, 0, layerCount)
	for li := uint32(0); li < layerCount; li++ {
		var payloadLen uint32
		if err := binary.Read(r, binary.BigEndian, &payloadLen); err != nil {
			return nil, errors.Wrap(errors.KindValidation, err, "read layer %d length", li)
		}
		payload := make([]byte, payloadLen)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, errors.Wrap(errors.KindValidation, err, "read layer %d payload", li)
		}
		if payloadLen < 16 {
			return nil, errors.Validationf("layer %d payload too short: %d bytes", li, payloadLen)
		}

		in := binary.BigEndian.Uint32(payload[0:4])
		out := binary.BigEndian.Uint32(payload[4:8])
		want := 8 + 8*(in*out+out)
		if uint32(len(payload)) != want {
			return nil, errors.Validationf("layer %d payload is %d bytes, want %d for %dx%d",
				li, len(payload), want, out, in)
		}

		layer := LayerWeights{
			InputSize:  int(in),
			OutputSize: int(out),
			W:          make([]float64, in*out),
			B:          make([]float64, out),
		}
		offset := 8
		for i := range layer.W {
			layer.W[i] = math.Float64frombits(binary.BigEndian.Uint64(payload[offset : offset+8]))
			offset += 8
		}
		for i := range layer.B {
			layer.B[i] = math.Float64frombits(binary.BigEndian.Uint64(payload[offset : offset+8]))
			offset += 8
		}
		layers = append(layers, layer)
	}
	return layers, nil
}

// SaveWeightsFile writes a checkpoint atomically: temp file in the target
// directory, then rename.
func SaveWeightsFile(path string, layers []LayerWeights) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrap(errors.KindInternal, err, "create checkpoint dir %s", dir)
	}
	tmp, err := os.CreateTemp(dir, ".prism-checkpoint-*")
	if err != nil {
		return errors.Wrap(errors.KindInternal, err, "create checkpoint temp file")
	}
	defer os.Remove(tmp.Name())

	if err := EncodeWeights(tmp, layers); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(errors.KindInternal, err, "close checkpoint temp file")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errors.Wrap(errors.KindInternal, err, "replace checkpoint %s", path)
	}
	return nil
}

// LoadWeightsFile reads a checkpoint from disk.
func LoadWeightsFile(path string) ([]LayerWeights, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(errors.KindValidation, err, "open checkpoint %s", path)
	}
	defer f.Close()
	return DecodeWeights(f)
}
