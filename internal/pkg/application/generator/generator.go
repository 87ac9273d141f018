package generator

import (
	"fmt"
	"math/rand"
)

// Source is the random source a generator draws its innovations from.
// *rand.Rand satisfies it.
type Source interface {
	NormFloat64() float64
	Float64() float64
}

// Generator produces the next value of a synthetic signal. Implementations keep
// internal state and must not be shared between goroutines.
type Generator interface {
	Next(spikeProbability float64) float64
}

const (
	KindARIMA111 string = "arima111"
	KindAR1      string = "ar1"
	KindMA1      string = "ma1"
)

const spikeFactor float64 = 100

func New(kind string, src Source) (Generator, error) {
	switch kind {
	case "", KindARIMA111:
		return NewARIMA111(src), nil
	case KindAR1:
		return NewAR1(src), nil
	case KindMA1:
		return NewMA1(src), nil
	}

	return nil, fmt.Errorf("unknown generator kind %q", kind)
}

func Valid(kind string) bool {
	_, err := New(kind, rand.New(rand.NewSource(0)))
	return err == nil
}

func spike(src Source, p, v float64) float64 {
	if p > src.Float64() {
		return v * spikeFactor
	}
	return v
}

type arima111 struct {
	src Source

	constant float64
	phi      float64
	sigma    float64
	theta0   float64
	theta1   float64

	presentValue  float64
	previousError float64
}

// NewARIMA111 returns an ARMA(1,1) process with drift. The spike returned with
// probability p is never fed back into the state.
func NewARIMA111(src Source) Generator {
	return &arima111{
		src:           src,
		constant:      -1,
		phi:           0.5,
		sigma:         1,
		theta0:        1,
		theta1:        0.5,
		previousError: 0.7,
	}
}

func (g *arima111) Next(p float64) float64 {
	presentError := g.sigma * g.src.NormFloat64()

	g.presentValue = g.constant + g.phi*g.presentValue + g.sigma*g.src.NormFloat64() +
		g.theta0 + presentError + g.theta1*g.previousError
	g.previousError = presentError

	return spike(g.src, p, g.presentValue)
}

type ar1 struct {
	src Source

	constant float64
	phi      float64
	sigma    float64

	presentValue float64
}

func NewAR1(src Source) Generator {
	return &ar1{
		src:      src,
		constant: 1,
		phi:      0.5,
		sigma:    1,
	}
}

func (g *ar1) Next(p float64) float64 {
	g.presentValue = g.constant + g.phi*g.presentValue + g.sigma*g.src.NormFloat64()
	return spike(g.src, p, g.presentValue)
}

type ma1 struct {
	src Source

	theta0 float64
	theta1 float64
	sigma  float64

	previousError float64
}

func NewMA1(src Source) Generator {
	return &ma1{
		src:           src,
		theta0:        1,
		theta1:        0.5,
		sigma:         1,
		previousError: 0.3,
	}
}

func (g *ma1) Next(p float64) float64 {
	presentError := g.sigma * g.src.NormFloat64()

	y := g.theta0 + presentError + g.theta1*g.previousError
	g.previousError = presentError

	return spike(g.src, p, y)
}
