package policy

import (
	"math"
	"math/rand"

	"prism/internal/errors"
)

// gradientClipNorm caps the global gradient norm per update step.
const gradientClipNorm = 5.0

// LayerWeights holds one dense layer in backend-neutral form. W is row-major
// with one row per output neuron, so W[o*InputSize+i] connects input i to
// output o.
type LayerWeights struct {
	InputSize  int
	OutputSize int
	W          []float64
	B          []float64
}

// clone deep-copies the layer.
func (l LayerWeights) clone() LayerWeights {
	out := LayerWeights{InputSize: l.InputSize, OutputSize: l.OutputSize}
	out.W = append([]float64(nil), l.W...)
	out.B = append([]float64(nil), l.B...)
	return out
}

// Network is a feed-forward Q-value approximator: ReLU hidden layers, linear
// output. Implementations are not safe for concurrent use; the agent
// serializes access.
type Network interface {
	// Predict returns one Q-value row per input state.
	Predict(states [][]float64) [][]float64
	// Fit runs minibatch gradient descent toward targets and returns the
	// final-epoch weighted MSE. sampleWeights may be nil for uniform weight.
	Fit(states, targets [][]float64, sampleWeights []float64, epochs, batchSize int) float64
	// Weights snapshots all layers, backend-neutral.
	Weights() []LayerWeights
	// SetWeights replaces all layers; shapes must match the architecture.
	SetWeights(layers []LayerWeights) error
	InputSize() int
	OutputSize() int
}

// Backend names understood by NewNetwork.
const (
	BackendGonum  = "gonum"
	BackendNative = "native"
)

// NewNetwork builds a Q-network with Xavier-initialized weights. The same
// seed and architecture produce identical initial weights on both backends.
func NewNetwork(backend string, inputSize int, hidden []int, outputSize int, lr float64, rng *rand.Rand) (Network, error) {
	if inputSize <= 0 || outputSize <= 0 {
		return nil, errors.Validationf("network needs positive input/output sizes")
	}
	for _, h := range hidden {
		if h <= 0 {
			return nil, errors.Validationf("hidden layer sizes must be positive, got %v", hidden)
		}
	}
	if lr <= 0 {
		return nil, errors.Validationf("learning rate must be positive, got %g", lr)
	}

	layers := xavierLayers(layerSizes(inputSize, hidden, outputSize), rng)
	switch backend {
	case BackendNative:
		return newNativeNetwork(layers, lr, rng), nil
	case BackendGonum:
		return newGonumNetwork(layers, lr, rng), nil
	default:
		return nil, errors.Validationf("unknown network backend %q", backend)
	}
}

func layerSizes(inputSize int, hidden []int, outputSize int) []int {
	sizes := make([]int, 0, len(hidden)+2)
	sizes = append(sizes, inputSize)
	sizes = append(sizes, hidden...)
	return append(sizes, outputSize)
}

// xavierLayers draws uniform Xavier/Glorot weights, biases zero. Draw order
// is fixed so a seed fully determines the result.
func xavierLayers(sizes []int, rng *rand.Rand) []LayerWeights {
	layers := make([]LayerWeights, 0, len(sizes)-1)
	for l := 0; l < len(sizes)-1; l++ {
		in, out := sizes[l], sizes[l+1]
		limit := math.Sqrt(6 / float64(in+out))
		layer := LayerWeights{
			InputSize:  in,
			OutputSize: out,
			W:          make([]float64, in*out),
			B:          make([]float64, out),
		}
		for i := range layer.W {
			layer.W[i] = (rng.Float64()*2 - 1) * limit
		}
		layers = append(layers, layer)
	}
	return layers
}

// checkShapes verifies replacement layers match the existing architecture.
func checkShapes(current, replacement []LayerWeights) error {
	if len(replacement) != len(current) {
		return errors.Validationf("weight layers = %d, want %d", len(replacement), len(current))
	}
	for i, layer := range replacement {
		want := current[i]
		if layer.InputSize != want.InputSize || layer.OutputSize != want.OutputSize {
			return errors.Validationf("layer %d is %dx%d, want %dx%d",
				i, layer.OutputSize, layer.InputSize, want.OutputSize, want.InputSize)
		}
		if len(layer.W) != layer.InputSize*layer.OutputSize || len(layer.B) != layer.OutputSize {
			return errors.Validationf("layer %d weight/bias lengths inconsistent", i)
		}
	}
	return nil
}

// nativeNetwork is the dependency-free backend: plain slices and loops.
type nativeNetwork struct {
	layers []LayerWeights
	lr     float64
	rng    *rand.Rand
}

func newNativeNetwork(layers []LayerWeights, lr float64, rng *rand.Rand) *nativeNetwork {
	return &nativeNetwork{layers: layers, lr: lr, rng: rng}
}

func (n *nativeNetwork) InputSize() int  { return n.layers[0].InputSize }
func (n *nativeNetwork) OutputSize() int { return n.layers[len(n.layers)-1].OutputSize }

func (n *nativeNetwork) Weights() []LayerWeights {
	out := make([]LayerWeights, len(n.layers))
	for i, layer := range n.layers {
		out[i] = layer.clone()
	}
	return out
}

func (n *nativeNetwork) SetWeights(layers []LayerWeights) error {
	if err := checkShapes(n.layers, layers); err != nil {
		return err
	}
	n.layers = make([]LayerWeights, len(layers))
	for i, layer := range layers {
		n.layers[i] = layer.clone()
	}
	return nil
}

// forward computes activations for one state. Returned slices hold the
// pre-activation sums (z) and post-activation values (a) per layer; a[0] is
// the input itself.
func (n *nativeNetwork) forward(state []float64) (zs, as [][]float64) {
	as = append(as, state)
	current := state
	for li, layer := range n.layers {
		z := make([]float64, layer.OutputSize)
		for o := 0; o < layer.OutputSize; o++ {
			sum := layer.B[o]
			row := layer.W[o*layer.InputSize : (o+1)*layer.InputSize]
			for i, x := range current {
				sum += row[i] * x
			}
			z[o] = sum
		}
		zs = append(zs, z)

		a := z
		if li < len(n.layers)-1 {
			a = make([]float64, len(z))
			for i, v := range z {
				if v > 0 {
					a[i] = v
				}
			}
		}
		as = append(as, a)
		current = a
	}
	return zs, as
}

func (n *nativeNetwork) Predict(states [][]float64) [][]float64 {
	out := make([][]float64, len(states))
	for i, state := range states {
		_, as := n.forward(state)
		prediction := as[len(as)-1]
		out[i] = append([]float64(nil), prediction...)
	}
	return out
}

func (n *nativeNetwork) Fit(states, targets [][]float64, sampleWeights []float64, epochs, batchSize int) float64 {
	if len(states) == 0 || epochs <= 0 {
		return 0
	}
	if batchSize <= 0 || batchSize > len(states) {
		batchSize = len(states)
	}

	lastLoss := 0.0
	for epoch := 0; epoch < epochs; epoch++ {
		order := n.rng.Perm(len(states))
		epochLoss := 0.0
		for start := 0; start < len(order); start += batchSize {
			end := start + batchSize
			if end > len(order) {
				end = len(order)
			}
			epochLoss += n.step(states, targets, sampleWeights, order[start:end])
		}
		lastLoss = epochLoss / float64(len(states))
	}
	return lastLoss
}

// step runs one minibatch update and returns the summed weighted sample loss.
func (n *nativeNetwork) step(states, targets [][]float64, sampleWeights []float64, batch []int) float64 {
	gradW := make([][]float64, len(n.layers))
	gradB := make([][]float64, len(n.layers))
	for li, layer := range n.layers {
		gradW[li] = make([]float64, len(layer.W))
		gradB[li] = make([]float64, len(layer.B))
	}

	loss := 0.0
	scale := 1 / float64(len(batch))
	for _, idx := range batch {
		weight := 1.0
		if sampleWeights != nil {
			weight = sampleWeights[idx]
		}
		zs, as := n.forward(states[idx])
		prediction := as[len(as)-1]

		// Output delta: weighted MSE derivative.
		delta := make([]float64, len(prediction))
		for o := range prediction {
			diff := prediction[o] - targets[idx][o]
			loss += weight * diff * diff / float64(len(prediction))
			delta[o] = 2 * weight * diff / float64(len(prediction))
		}

		for li := len(n.layers) - 1; li >= 0; li-- {
			layer := n.layers[li]
			input := as[li]
			for o := 0; o < layer.OutputSize; o++ {
				gradB[li][o] += delta[o] * scale
				base := o * layer.InputSize
				for i := 0; i < layer.InputSize; i++ {
					gradW[li][base+i] += delta[o] * input[i] * scale
				}
			}
			if li == 0 {
				break
			}
			prev := make([]float64, layer.InputSize)
			for i := 0; i < layer.InputSize; i++ {
				if zs[li-1][i] <= 0 { // ReLU gate
					continue
				}
				sum := 0.0
				for o := 0; o < layer.OutputSize; o++ {
					sum += layer.W[o*layer.InputSize+i] * delta[o]
				}
				prev[i] = sum
			}
			delta = prev
		}
	}

	clipGradients(gradW, gradB)
	for li := range n.layers {
		for i := range n.layers[li].W {
			n.layers[li].W[i] -= n.lr * gradW[li][i]
		}
		for i := range n.layers[li].B {
			n.layers[li].B[i] -= n.lr * gradB[li][i]
		}
	}
	return loss
}

// clipGradients rescales all gradients when their global L2 norm exceeds the
// clip threshold.
func clipGradients(gradW, gradB [][]float64) {
	sum := 0.0
	for li := range gradW {
		for _, g := range gradW[li] {
			sum += g * g
		}
		for _, g := range gradB[li] {
			sum += g * g
		}
	}
	norm := math.Sqrt(sum)
	if norm <= gradientClipNorm || norm == 0 {
		return
	}
	factor := gradientClipNorm / norm
	for li := range gradW {
		for i := range gradW[li] {
			gradW[li][i] *= factor
		}
		for i := range gradB[li] {
			gradB[li][i] *= factor
		}
	}
}
