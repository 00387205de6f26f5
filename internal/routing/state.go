package routing

import (
	"math"

	"prism/internal/errors"
)

// StateSize is the fixed dimensionality of a routing state vector:
// 1 complexity + 8 context one-hot + 3 resource weights + 5 provider health
// + 5 provider success + 1 preference strength.
const StateSize = 23

const weightSumEpsilon = 1e-6

// State is the feature snapshot the learned policy observes for one request.
// All features live in [0,1]; the resource weights sum to 1.
type State struct {
	Complexity         float64
	Context            ContextType
	CostWeight         float64
	TimeWeight         float64
	QualityWeight      float64
	ProviderHealth     [NumProviders]float64
	ProviderSuccess    [NumProviders]float64
	PreferenceStrength float64
}

// Vector flattens the state into the fixed StateSize layout consumed by the
// Q-network. The slot order is part of the checkpoint contract.
func (s *State) Vector() []float64 {
	vec := make([]float64, 0, StateSize)
	vec = append(vec, s.Complexity)

	oneHot := make([]float64, len(ContextTypes))
	oneHot[s.Context.Index()] = 1
	vec = append(vec, oneHot...)

	vec = append(vec, s.CostWeight, s.TimeWeight, s.QualityWeight)
	vec = append(vec, s.ProviderHealth[:]...)
	vec = append(vec, s.ProviderSuccess[:]...)
	vec = append(vec, s.PreferenceStrength)
	return vec
}

// Validate checks feature ranges and the resource weight budget.
func (s *State) Validate() error {
	inUnit := func(name string, v float64) error {
		if math.IsNaN(v) || v < 0 || v > 1 {
			return errors.Validationf("state %s must be in [0,1], got %g", name, v)
		}
		return nil
	}

	if err := inUnit("complexity", s.Complexity); err != nil {
		return err
	}
	for _, check := range []struct {
		name  string
		value float64
	}{
		{"cost_weight", s.CostWeight},
		{"time_weight", s.TimeWeight},
		{"quality_weight", s.QualityWeight},
		{"preference_strength", s.PreferenceStrength},
	} {
		if err := inUnit(check.name, check.value); err != nil {
			return err
		}
	}
	sum := s.CostWeight + s.TimeWeight + s.QualityWeight
	if math.Abs(sum-1) > weightSumEpsilon {
		return errors.Validationf("state resource weights must sum to 1, got %g", sum)
	}
	for i := range s.ProviderHealth {
		if err := inUnit("provider_health", s.ProviderHealth[i]); err != nil {
			return err
		}
		if err := inUnit("provider_success", s.ProviderSuccess[i]); err != nil {
			return err
		}
	}
	return nil
}

// StateFromVector reconstructs a state from its flattened form. Inverse of
// Vector for valid inputs.
func StateFromVector(vec []float64) (*State, error) {
	if len(vec) != StateSize {
		return nil, errors.Validationf("state vector must have %d dims, got %d", StateSize, len(vec))
	}
	s := &State{Complexity: vec[0]}

	contextIdx := -1
	for i := 0; i < len(ContextTypes); i++ {
		if vec[1+i] == 1 {
			if contextIdx >= 0 {
				return nil, errors.Validationf("state vector has multiple context slots set")
			}
			contextIdx = i
		}
	}
	if contextIdx < 0 {
		return nil, errors.Validationf("state vector has no context slot set")
	}
	s.Context = ContextTypes[contextIdx]

	base := 1 + len(ContextTypes)
	s.CostWeight = vec[base]
	s.TimeWeight = vec[base+1]
	s.QualityWeight = vec[base+2]
	base += 3
	for i := 0; i < NumProviders; i++ {
		s.ProviderHealth[i] = vec[base+i]
		s.ProviderSuccess[i] = vec[base+NumProviders+i]
	}
	s.PreferenceStrength = vec[StateSize-1]

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}
