package generator

import (
	"math"
	"math/rand"
	"testing"

	"github.com/matryer/is"
)

type scriptedSource struct {
	norms   []float64
	uniform float64
}

func (s *scriptedSource) NormFloat64() float64 {
	n := s.norms[0]
	s.norms = s.norms[1:]
	return n
}

func (s *scriptedSource) Float64() float64 {
	return s.uniform
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestThatARIMA111FollowsTheStateUpdate(t *testing.T) {
	is := is.New(t)

	src := &scriptedSource{norms: []float64{0.2, 0.4, 0.1, -0.3}, uniform: 0.5}
	g := NewARIMA111(src)

	is.True(almostEqual(g.Next(0), 0.95))  // -1 + 0.4 + 1 + 0.2 + 0.5*0.7
	is.True(almostEqual(g.Next(0), 0.375)) // -1 + 0.5*0.95 - 0.3 + 1 + 0.1 + 0.5*0.2
}

func TestThatSpikeDoesNotFeedBackIntoState(t *testing.T) {
	is := is.New(t)

	src := &scriptedSource{norms: []float64{0.2, 0.4, 0.1, -0.3}, uniform: 0.5}
	g := NewARIMA111(src)

	is.True(almostEqual(g.Next(1), 95))    // spike scales the present value
	is.True(almostEqual(g.Next(0), 0.375)) // next value computed from the unscaled state
}

func TestThatZeroSpikeProbabilityNeverSpikes(t *testing.T) {
	is := is.New(t)

	spiky := NewARIMA111(rand.New(rand.NewSource(7)))
	plain := NewARIMA111(rand.New(rand.NewSource(7)))

	for i := 0; i < 1000; i++ {
		is.Equal(spiky.Next(0), plain.Next(0))
	}
}

func TestThatCertainSpikeProbabilityAlwaysSpikes(t *testing.T) {
	is := is.New(t)

	for _, kind := range []string{KindARIMA111, KindAR1, KindMA1} {
		spiky, err := New(kind, rand.New(rand.NewSource(3)))
		is.NoErr(err)
		plain, err := New(kind, rand.New(rand.NewSource(3)))
		is.NoErr(err)

		for i := 0; i < 100; i++ {
			is.True(almostEqual(spiky.Next(1), plain.Next(0)*spikeFactor)) // every value is a spike
		}
	}
}

func TestThatReplayingTheSameSourceYieldsTheSameSeries(t *testing.T) {
	is := is.New(t)

	a := NewARIMA111(rand.New(rand.NewSource(42)))
	b := NewARIMA111(rand.New(rand.NewSource(42)))

	for i := 0; i < 100; i++ {
		is.Equal(a.Next(0.01), b.Next(0.01))
	}
}

func TestAR1AndMA1(t *testing.T) {
	is := is.New(t)

	ar := NewAR1(&scriptedSource{norms: []float64{0.5, 0.5}, uniform: 0.5})
	is.True(almostEqual(ar.Next(0), 1.5))
	is.True(almostEqual(ar.Next(0), 2.25))

	ma := NewMA1(&scriptedSource{norms: []float64{0.5, -1}, uniform: 0.5})
	is.True(almostEqual(ma.Next(0), 1.65))
	is.True(almostEqual(ma.Next(0), 0.25))
}

func TestThatUnknownKindIsRejected(t *testing.T) {
	is := is.New(t)

	_, err := New("garch", rand.New(rand.NewSource(1)))
	is.True(err != nil)
	is.True(!Valid("garch"))
	is.True(Valid(""))
}
