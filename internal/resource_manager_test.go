package internal

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestResourceGroupClosesInReverse(t *testing.T) {
	var order []string
	closer := func(name string, err error) Resource {
		return ResourceFunc(func() error {
			order = append(order, name)
			return err
		})
	}

	rg := NewResourceGroup()
	rg.Add("socket", closer("socket", nil))
	rg.Add("db", closer("db", errors.New("db close failed")))
	rg.Add("api", closer("api", nil))
	rg.Add("nil", nil)
	assert.Equal(t, 3, rg.Len())

	err := rg.Close()
	assert.EqualError(t, err, "db close failed")
	assert.Equal(t, []string{"api", "db", "socket"}, order)
	assert.Equal(t, 0, rg.Len())

	assert.NoError(t, rg.Close())
	assert.Len(t, order, 3)
}

func TestResourceGroupAddAfterClose(t *testing.T) {
	rg := NewResourceGroup()
	assert.NoError(t, rg.Close())

	closed := false
	rg.Add("late", ResourceFunc(func() error {
		closed = true
		return nil
	}))
	assert.True(t, closed)
	assert.Equal(t, 0, rg.Len())
}

func TestCloseWithTimeout(t *testing.T) {
	assert.NoError(t, CloseWithTimeout(ResourceFunc(func() error { return nil }), time.Second))
	assert.NoError(t, CloseWithTimeout(nil, time.Second))

	release := make(chan struct{})
	defer close(release)
	slow := ResourceFunc(func() error {
		<-release
		return nil
	})
	assert.ErrorContains(t, CloseWithTimeout(slow, 10*time.Millisecond), "timeout")
}

func TestHttpServerResourceNil(t *testing.T) {
	r := &HttpServerResource{}
	assert.NoError(t, r.Close())
	assert.Equal(t, "HttpServer(nil)", r.String())
}
