package bus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/kstaniek/go-ampio-server/internal/socketcan"
)

type fakeController struct {
	state        socketcan.BusState
	recoverCalls atomic.Int32
	startCalls   atomic.Int32
	failRecovers int32
}

func (f *fakeController) State() (socketcan.BusState, error) { return f.state, nil }

func (f *fakeController) Recover() error {
	n := f.recoverCalls.Add(1)
	if n <= f.failRecovers {
		return errBoom
	}
	f.state = socketcan.BusStateErrorActive
	return nil
}

func (f *fakeController) StartController() error {
	f.startCalls.Add(1)
	f.state = socketcan.BusStateErrorActive
	return nil
}

var errBoom = errBoomType{}

type errBoomType struct{}

func (errBoomType) Error() string { return "boom" }

func fastBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = 5 * time.Millisecond
	b.MaxElapsedTime = 0
	return b
}

func TestSupervisor_RecoversFromBusOff(t *testing.T) {
	ctrl := &fakeController{state: socketcan.BusStateBusOff}
	sup := New(ctrl, WithInterval(5*time.Millisecond))
	sup.newBackOff = fastBackOff

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	done := make(chan struct{})
	go func() { sup.Run(ctx); close(done) }()

	deadline := time.Now().Add(400 * time.Millisecond)
	for time.Now().Before(deadline) && ctrl.recoverCalls.Load() == 0 {
		time.Sleep(2 * time.Millisecond)
	}
	if ctrl.recoverCalls.Load() == 0 {
		t.Fatalf("expected Recover to be called")
	}
	cancel()
	<-done
}

func TestSupervisor_RestartsStoppedController(t *testing.T) {
	ctrl := &fakeController{state: socketcan.BusStateStopped}
	sup := New(ctrl, WithInterval(5*time.Millisecond))
	sup.newBackOff = fastBackOff

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	done := make(chan struct{})
	go func() { sup.Run(ctx); close(done) }()

	deadline := time.Now().Add(250 * time.Millisecond)
	for time.Now().Before(deadline) && ctrl.startCalls.Load() == 0 {
		time.Sleep(2 * time.Millisecond)
	}
	if ctrl.startCalls.Load() == 0 {
		t.Fatalf("expected StartController to be called")
	}
	cancel()
	<-done
}

func TestSupervisor_RetriesFailedRecovery(t *testing.T) {
	ctrl := &fakeController{state: socketcan.BusStateBusOff, failRecovers: 2}
	sup := New(ctrl, WithInterval(5*time.Millisecond))
	sup.newBackOff = fastBackOff

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() { sup.Run(ctx); close(done) }()

	deadline := time.Now().Add(800 * time.Millisecond)
	for time.Now().Before(deadline) && ctrl.recoverCalls.Load() <= 2 {
		time.Sleep(2 * time.Millisecond)
	}
	if ctrl.recoverCalls.Load() <= 2 {
		t.Fatalf("expected more than 2 recovery attempts, got %d", ctrl.recoverCalls.Load())
	}
	cancel()
	<-done
}
