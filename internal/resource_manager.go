package internal

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-logr/logr"
)

// Resource is any resource that needs to be managed and cleaned up
type Resource interface {
	Close() error
}

// ResourceFunc adapts a shutdown function to Resource.
type ResourceFunc func() error

func (f ResourceFunc) Close() error { return f() }

// ResourceGroup closes resources together, last added first.
type ResourceGroup struct {
	resources []namedResource
	mutex     sync.Mutex
	closed    bool
	logger    logr.Logger
}

type namedResource struct {
	name string
	r    Resource
}

// NewResourceGroup creates a new resource group
func NewResourceGroup() *ResourceGroup {
	return &ResourceGroup{logger: NewLogger("resources")}
}

// Add adds a resource to the group. Adding to a closed group closes the
// resource immediately.
func (rg *ResourceGroup) Add(name string, r Resource) {
	if r == nil {
		return
	}

	rg.mutex.Lock()
	defer rg.mutex.Unlock()

	if rg.closed {
		if err := r.Close(); err != nil {
			rg.logger.Error(err, "error closing resource", "resource", name)
		}
		return
	}

	rg.resources = append(rg.resources, namedResource{name: name, r: r})
}

// Len returns the number of open resources.
func (rg *ResourceGroup) Len() int {
	rg.mutex.Lock()
	defer rg.mutex.Unlock()
	return len(rg.resources)
}

// Close closes all resources in the group and returns the last error.
func (rg *ResourceGroup) Close() error {
	rg.mutex.Lock()
	defer rg.mutex.Unlock()

	if rg.closed {
		return nil
	}
	rg.closed = true

	var lastErr error
	for i := len(rg.resources) - 1; i >= 0; i-- {
		res := rg.resources[i]
		if err := res.r.Close(); err != nil {
			rg.logger.Error(err, "error closing resource", "resource", res.name)
			lastErr = err
			continue
		}
		rg.logger.V(1).Info("resource closed", "resource", res.name)
	}
	rg.resources = nil

	return lastErr
}

// CloseWithLogging closes a resource and logs any error
func CloseWithLogging(r io.Closer, name string) {
	if r == nil {
		return
	}

	if err := r.Close(); err != nil {
		NewLogger("resources").Error(err, "error closing resource", "resource", name)
	}
}

// CloseWithTimeout closes a resource with a timeout
func CloseWithTimeout(r io.Closer, timeout time.Duration) error {
	if r == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ch := make(chan error, 1)
	go func() {
		ch <- r.Close()
	}()

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return fmt.Errorf("resource close timeout: %w", ctx.Err())
	}
}

// HttpServerResource is a resource wrapper for http.Server
type HttpServerResource struct {
	Server *http.Server
}

// Close gracefully shuts down the HTTP server
func (r *HttpServerResource) Close() error {
	if r.Server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	NewLogger("resources").Info("shutting down http server", "address", r.Server.Addr)
	return r.Server.Shutdown(ctx)
}

// String returns a descriptive string for this resource
func (r *HttpServerResource) String() string {
	if r.Server == nil {
		return "HttpServer(nil)"
	}
	return fmt.Sprintf("HttpServer(%s)", r.Server.Addr)
}
