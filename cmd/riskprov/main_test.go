package main

import (
	"context"
	"errors"
	"testing"
	"time"
)

type procFunc func(recv, work context.Context) error

func (f procFunc) Run(recv, work context.Context) error { return f(recv, work) }

// untilStopped receives until recv is done, like a healthy procedure.
var untilStopped = procFunc(func(recv, _ context.Context) error {
	<-recv.Done()
	return nil
})

func TestServeStopsOnFirstFailure(t *testing.T) {
	broken := errors.New("topic is shut down")
	failing := procFunc(func(context.Context, context.Context) error { return broken })

	done := make(chan error, 1)
	go func() { done <- serve(context.Background(), context.Background(), untilStopped, failing) }()

	select {
	case err := <-done:
		if !errors.Is(err, broken) {
			t.Errorf("serve() = %v; want %v", err, broken)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("serve() kept running after a procedure failed")
	}
}

func TestServeStopsWhenSignalled(t *testing.T) {
	recv, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(recv, context.Background(), untilStopped, untilStopped) }()
	stop()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("serve() = %v; want nil", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("serve() did not stop")
	}
}
