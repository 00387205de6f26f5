package policy

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// gonumNetwork is the default backend. Same math as the native backend,
// expressed as dense matrix operations so batches go through BLAS.
type gonumNetwork struct {
	ws  []*mat.Dense    // layer weights, out x in
	bs  []*mat.VecDense // layer biases
	lr  float64
	rng *rand.Rand
}

func newGonumNetwork(layers []LayerWeights, lr float64, rng *rand.Rand) *gonumNetwork {
	n := &gonumNetwork{lr: lr, rng: rng}
	for _, layer := range layers {
		n.ws = append(n.ws, mat.NewDense(layer.OutputSize, layer.InputSize, append([]float64(nil), layer.W...)))
		n.bs = append(n.bs, mat.NewVecDense(layer.OutputSize, append([]float64(nil), layer.B...)))
	}
	return n
}

func (n *gonumNetwork) InputSize() int {
	_, cols := n.ws[0].Dims()
	return cols
}

func (n *gonumNetwork) OutputSize() int {
	rows, _ := n.ws[len(n.ws)-1].Dims()
	return rows
}

func (n *gonumNetwork) Weights() []LayerWeights {
	out := make([]LayerWeights, len(n.ws))
	for li, w := range n.ws {
		rows, cols := w.Dims()
		layer := LayerWeights{
			InputSize:  cols,
			OutputSize: rows,
			W:          append([]float64(nil), w.RawMatrix().Data...),
			B:          append([]float64(nil), n.bs[li].RawVector().Data...),
		}
		out[li] = layer
	}
	return out
}

func (n *gonumNetwork) SetWeights(layers []LayerWeights) error {
	if err := checkShapes(n.Weights(), layers); err != nil {
		return err
	}
	for li, layer := range layers {
		n.ws[li] = mat.NewDense(layer.OutputSize, layer.InputSize, append([]float64(nil), layer.W...))
		n.bs[li] = mat.NewVecDense(layer.OutputSize, append([]float64(nil), layer.B...))
	}
	return nil
}

// forward runs a batch through the network. zs holds pre-activation sums per
// layer; as holds activations with as[0] being the input matrix.
func (n *gonumNetwork) forward(x *mat.Dense) (zs, as []*mat.Dense) {
	as = append(as, x)
	current := x
	for li, w := range n.ws {
		z := new(mat.Dense)
		z.Mul(current, w.T())
		bias := n.bs[li]
		z.Apply(func(_, j int, v float64) float64 { return v + bias.AtVec(j) }, z)
		zs = append(zs, z)

		a := z
		if li < len(n.ws)-1 {
			a = new(mat.Dense)
			a.Apply(func(_, _ int, v float64) float64 { return math.Max(0, v) }, z)
		}
		as = append(as, a)
		current = a
	}
	return zs, as
}

func statesToDense(states [][]float64, cols int) *mat.Dense {
	x := mat.NewDense(len(states), cols, nil)
	for i, state := range states {
		x.SetRow(i, state)
	}
	return x
}

func (n *gonumNetwork) Predict(states [][]float64) [][]float64 {
	if len(states) == 0 {
		return nil
	}
	_, as := n.forward(statesToDense(states, n.InputSize()))
	prediction := as[len(as)-1]

	out := make([][]float64, len(states))
	for i := range states {
		row := make([]float64, n.OutputSize())
		mat.Row(row, i, prediction)
		out[i] = row
	}
	return out
}

func (n *gonumNetwork) Fit(states, targets [][]float64, sampleWeights []float64, epochs, batchSize int) float64 {
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
func (n *gonumNetwork) step(states, targets [][]float64, sampleWeights []float64, batch []int) float64 {
	k := len(batch)
	x := mat.NewDense(k, n.InputSize(), nil)
	t := mat.NewDense(k, n.OutputSize(), nil)
	weights := make([]float64, k)
	for row, idx := range batch {
		x.SetRow(row, states[idx])
		t.SetRow(row, targets[idx])
		weights[row] = 1
		if sampleWeights != nil {
			weights[row] = sampleWeights[idx]
		}
	}

	zs, as := n.forward(x)
	prediction := as[len(as)-1]
	outputs := float64(n.OutputSize())

	loss := 0.0
	delta := new(mat.Dense)
	delta.Sub(prediction, t)
	delta.Apply(func(i, _ int, v float64) float64 {
		loss += weights[i] * v * v / outputs
		return 2 * weights[i] * v / outputs
	}, delta)

	gradWs := make([]*mat.Dense, len(n.ws))
	gradBs := make([]*mat.VecDense, len(n.ws))
	scale := 1 / float64(k)
	for li := len(n.ws) - 1; li >= 0; li-- {
		gw := new(mat.Dense)
		gw.Mul(delta.T(), as[li])
		gw.Scale(scale, gw)
		gradWs[li] = gw

		rows, _ := n.ws[li].Dims()
		gb := mat.NewVecDense(rows, nil)
		for o := 0; o < rows; o++ {
			sum := 0.0
			for row := 0; row < k; row++ {
				sum += delta.At(row, o)
			}
			gb.SetVec(o, sum*scale)
		}
		gradBs[li] = gb

		if li == 0 {
			break
		}
		prev := new(mat.Dense)
		prev.Mul(delta, n.ws[li])
		z := zs[li-1]
		prev.Apply(func(i, j int, v float64) float64 {
			if z.At(i, j) <= 0 { // ReLU gate
				return 0
			}
			return v
		}, prev)
		delta = prev
	}

	n.applyClipped(gradWs, gradBs)
	return loss
}

// applyClipped rescales gradients to the global clip norm, then applies the
// gradient step.
func (n *gonumNetwork) applyClipped(gradWs []*mat.Dense, gradBs []*mat.VecDense) {
	sum := 0.0
	for li := range gradWs {
		fro := mat.Norm(gradWs[li], 2)
		sum += fro * fro
		bn := mat.Norm(gradBs[li], 2)
		sum += bn * bn
	}
	norm := math.Sqrt(sum)
	factor := 1.0
	if norm > gradientClipNorm && norm > 0 {
		factor = gradientClipNorm / norm
	}

	for li := range n.ws {
		step := new(mat.Dense)
		step.Scale(n.lr*factor, gradWs[li])
		n.ws[li].Sub(n.ws[li], step)

		biasStep := mat.NewVecDense(gradBs[li].Len(), nil)
		biasStep.ScaleVec(n.lr*factor, gradBs[li])
		n.bs[li].SubVec(n.bs[li], biasStep)
	}
}
