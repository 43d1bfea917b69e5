package worker

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/GoCodeAlone/enclave/boundary"
	"github.com/GoCodeAlone/enclave/permission"
)

func acquireServing(t *testing.T, p *Pool, pluginID string) *Handle {
	t.Helper()
	h, err := p.Acquire(context.Background(), pluginID, testEntrySource, testHooks(), &permission.Set{})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Serve(ctx)
	return h
}

func TestServe_HookRoundTrip(t *testing.T) {
	t.Parallel()

	p, err := NewPool(testPoolConfig(1, 1), nil, nil, nil)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	h := acquireServing(t, p, "p1")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	out, err := Invoke(ctx, h.Channel(), "job-received", map[string]any{"job": "j1"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if out["handled"] != true || out["job"] != "j1" {
		t.Errorf("hook result = %v", out)
	}
}

func TestServe_HookErrorCrossesBoundary(t *testing.T) {
	t.Parallel()

	p, err := NewPool(testPoolConfig(1, 1), nil, nil, nil)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	h := acquireServing(t, p, "p1")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// "unload" is not declared by the test plugin.
	_, err = Invoke(ctx, h.Channel(), "unload", nil)
	if err == nil || !strings.Contains(err.Error(), "unload") {
		t.Fatalf("expected hook error across boundary, got %v", err)
	}
}

func TestServe_ShutdownAck(t *testing.T) {
	t.Parallel()

	p, err := NewPool(testPoolConfig(1, 1), nil, nil, nil)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	h := acquireServing(t, p, "p1")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := Shutdown(ctx, h.Channel()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	// The serve loop has exited; further invocations never get a response.
	short, cancelShort := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancelShort()
	if _, err := Invoke(short, h.Channel(), "load", nil); err == nil {
		t.Fatal("invocation answered after shutdown")
	}
}

func TestRecoverableReceiveErr(t *testing.T) {
	t.Parallel()

	key := make([]byte, 32)
	open, err := boundary.NewChannel("p1", key, boundary.DefaultConfig(), nil, nil)
	if err != nil {
		t.Fatalf("NewChannel: %v", err)
	}
	closed, err := boundary.NewChannel("p1", key, boundary.DefaultConfig(), nil, nil)
	if err != nil {
		t.Fatalf("NewChannel: %v", err)
	}
	_ = closed.Close()

	tests := []struct {
		name string
		ch   *boundary.Channel
		err  error
		want bool
	}{
		{"schema failure on open channel", open, &boundary.ChannelError{Code: boundary.ErrSchema}, true},
		{"decrypt failure on open channel", open, &boundary.ChannelError{Code: boundary.ErrDecrypt}, true},
		{"closed-channel error", open, &boundary.ChannelError{Code: boundary.ErrClosed}, false},
		{"oversized frame", open, &boundary.ChannelError{Code: boundary.ErrTooLarge}, false},
		{"context cancellation", open, context.Canceled, false},
		{"strict mode closed the channel", closed, &boundary.ChannelError{Code: boundary.ErrSchema}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := recoverableReceiveErr(tt.ch, tt.err); got != tt.want {
				t.Errorf("recoverableReceiveErr(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
