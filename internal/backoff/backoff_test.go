package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExponential_Doubles(t *testing.T) {
	p := Exponential{Base: time.Second, Max: time.Minute}

	assert.Equal(t, 1*time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 32*time.Second, p.Delay(6))
}

func TestExponential_Capped(t *testing.T) {
	p := Exponential{Base: 10 * time.Second, Max: 60 * time.Second}

	// 10s * 2^9 = 5120s, capped
	assert.Equal(t, 60*time.Second, p.Delay(10))
	assert.Equal(t, 60*time.Second, p.Delay(1000))
}

func TestExponential_AttemptLessThanOne(t *testing.T) {
	p := DefaultExponential()
	assert.Equal(t, p.Base, p.Delay(0))
	assert.Equal(t, p.Base, p.Delay(-3))
}

func TestExponential_NonDecreasing(t *testing.T) {
	p := Exponential{Base: 250 * time.Millisecond, Max: 5 * time.Minute}

	prev := time.Duration(0)
	for attempts := 0; attempts < 200; attempts++ {
		d := p.Delay(attempts)
		assert.GreaterOrEqual(t, d, prev, "attempts=%d", attempts)
		prev = d
	}
}

func TestConstant(t *testing.T) {
	assert.Equal(t, 5*time.Second, Constant(5*time.Second).Delay(7))
	assert.Equal(t, time.Duration(0), Constant(-time.Second).Delay(1))
}
