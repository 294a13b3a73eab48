// Copyright 2024 The flight Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package intercept

import (
	"context"
	"errors"
	"net/http"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/gogama/flight/request"
)

func TestDefaultPolicy(t *testing.T) {
	t.Run("Decider", func(t *testing.T) {
		s := []int{429, 502, 503, 504}
		rejected := errors.New("response validation failed")
		for i := 0; i < DefaultTimes; i++ {
			assert.True(t, DefaultPolicy.Decide(testRequest(t, i, &http.Response{StatusCode: s[i%len(s)]}), rejected))
			assert.True(t, DefaultPolicy.Decide(testRequest(t, i, nil), syscall.ECONNRESET))
		}
		assert.False(t, DefaultPolicy.Decide(testRequest(t, DefaultTimes, nil), syscall.ETIMEDOUT))
	})
	t.Run("Waiter", func(t *testing.T) {
		m := []int{50, 100, 200, 400, 800, 1600}
		total := time.Duration(0)
		for i, max := range m {
			w := DefaultPolicy.Wait(testRequest(t, i, nil))
			total += w
			assert.GreaterOrEqual(t, w, time.Duration(0))
			assert.LessOrEqual(t, w, time.Duration(max)*time.Millisecond)
		}
		assert.Greater(t, total, time.Duration(0))
	})
	t.Run("Retrier", func(t *testing.T) {
		d := DefaultPolicy.Retry(testRequest(t, 0, nil), syscall.ECONNRESET)
		assert.True(t, d.ShouldRetry())
		delay, has := d.Delay()
		assert.True(t, has)
		assert.GreaterOrEqual(t, delay, time.Duration(0))
		assert.LessOrEqual(t, delay, 50*time.Millisecond)
		d = DefaultPolicy.Retry(testRequest(t, DefaultTimes, nil), syscall.ECONNRESET)
		assert.False(t, d.ShouldRetry())
		assert.Nil(t, d.ReplacementError())
	})
	t.Run("Adapter", func(t *testing.T) {
		wire, err := http.NewRequest("GET", "http://example.com", nil)
		assert.NoError(t, err)
		adapted, err := DefaultPolicy.Adapt(context.Background(), wire)
		assert.NoError(t, err)
		assert.Same(t, wire, adapted)
	})
}

func TestNever(t *testing.T) {
	assert.False(t, Never.Decide(testRequest(t, 0, nil), syscall.ETIMEDOUT))
	d := Never.Retry(testRequest(t, 0, nil), syscall.ETIMEDOUT)
	assert.False(t, d.ShouldRetry())
	assert.Nil(t, d.ReplacementError())
}

func TestNewPolicy(t *testing.T) {
	p := &countingPolicy{}
	t.Run("Bad Args", func(t *testing.T) {
		assert.PanicsWithValue(t, "flight/intercept: nil decider", func() { NewPolicy(nil, p) })
		assert.PanicsWithValue(t, "flight/intercept: nil waiter", func() { NewPolicy(p, nil) })
	})
	t.Run("Normal", func(t *testing.T) {
		P := NewPolicy(p, p)
		r := testRequest(t, 0, nil)
		assert.True(t, P.Decide(r, nil))
		assert.Equal(t, 1, p.d)
		assert.Equal(t, time.Second, P.Wait(r))
		assert.Equal(t, 1, p.w)
		decision := P.Retry(r, errors.New("some error"))
		assert.True(t, decision.ShouldRetry())
		delay, has := decision.Delay()
		assert.True(t, has)
		assert.Equal(t, time.Second, delay)
		assert.Equal(t, 2, p.d)
		assert.Equal(t, 2, p.w)
	})
}

type countingPolicy struct {
	d int
	w int
}

func (p *countingPolicy) Decide(_ *request.Request, _ error) bool {
	p.d++
	return true
}

func (p *countingPolicy) Wait(_ *request.Request) time.Duration {
	p.w++
	return time.Second
}
