package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/voicelink/internal/observe"
	"github.com/MrWong99/voicelink/pkg/transport"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// countingSpawn returns a SendFunc that counts starts and blocks until its
// context ends.
func countingSpawn(started *atomic.Int32) SendFunc {
	return func(ctx context.Context) error {
		started.Add(1)
		<-ctx.Done()
		return ctx.Err()
	}
}

func newController(t *testing.T, spawn SendFunc) *Controller {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	c := NewController(spawn,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithMetrics(m),
	)
	t.Cleanup(c.Stop)
	return c
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met within 2s")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestController_InitialState(t *testing.T) {
	t.Parallel()
	c := newController(t, func(context.Context) error { return nil })
	if c.State() != transport.StateNew {
		t.Errorf("State = %v, want NEW", c.State())
	}
	select {
	case <-c.Done():
		t.Error("Done closed before any state change")
	default:
	}
}

func TestController_ConnectedSpawnsExactlyOnce(t *testing.T) {
	t.Parallel()
	var started atomic.Int32
	c := newController(t, countingSpawn(&started))

	c.HandleState(transport.StateConnecting)
	if started.Load() != 0 {
		t.Fatal("send task started before connected")
	}
	c.HandleState(transport.StateConnected)
	c.HandleState(transport.StateConnected)
	c.HandleState(transport.StateConnected)

	waitFor(t, func() bool { return started.Load() >= 1 })
	time.Sleep(20 * time.Millisecond)
	if n := started.Load(); n != 1 {
		t.Errorf("send task started %d times, want 1", n)
	}
	if c.State() != transport.StateConnected {
		t.Errorf("State = %v, want CONNECTED", c.State())
	}
}

func TestController_TerminalStatesEmitFatalOnce(t *testing.T) {
	t.Parallel()
	for _, terminal := range []transport.State{
		transport.StateDisconnected,
		transport.StateClosed,
		transport.StateFailed,
	} {
		t.Run(terminal.String(), func(t *testing.T) {
			t.Parallel()
			var started atomic.Int32
			c := newController(t, countingSpawn(&started))

			c.HandleState(transport.StateConnected)
			c.HandleState(terminal)
			c.HandleState(transport.StateClosed)
			c.HandleState(transport.StateConnected)

			select {
			case ferr := <-c.Fatal():
				if ferr.State != terminal {
					t.Errorf("fatal state = %v, want %v", ferr.State, terminal)
				}
				if ferr.Cause != nil {
					t.Errorf("fatal cause = %v, want nil", ferr.Cause)
				}
			case <-time.After(2 * time.Second):
				t.Fatal("no fatal error delivered")
			}
			select {
			case extra := <-c.Fatal():
				t.Errorf("second fatal error delivered: %v", extra)
			case <-time.After(20 * time.Millisecond):
			}
			select {
			case <-c.Done():
			default:
				t.Error("Done not closed after terminal state")
			}
			if c.State() != terminal {
				t.Errorf("State = %v, want %v (later events ignored)", c.State(), terminal)
			}
			if n := started.Load(); n > 1 {
				t.Errorf("send task started %d times", n)
			}
		})
	}
}

func TestController_TerminalCancelsSendTask(t *testing.T) {
	t.Parallel()
	stopped := make(chan struct{})
	c := newController(t, func(ctx context.Context) error {
		<-ctx.Done()
		close(stopped)
		return ctx.Err()
	})

	c.HandleState(transport.StateConnected)
	c.HandleState(transport.StateDisconnected)

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("send task was not cancelled")
	}
}

func TestController_TerminalBeforeConnected(t *testing.T) {
	t.Parallel()
	var started atomic.Int32
	c := newController(t, countingSpawn(&started))

	c.HandleState(transport.StateConnecting)
	c.HandleState(transport.StateFailed)

	ferr := <-c.Fatal()
	if ferr.State != transport.StateFailed {
		t.Errorf("fatal state = %v, want FAILED", ferr.State)
	}
	if started.Load() != 0 {
		t.Error("send task should never start")
	}
}

func TestController_SendTaskFailureIsFatal(t *testing.T) {
	t.Parallel()
	boom := errors.New("capture device vanished")
	c := newController(t, func(context.Context) error { return boom })

	c.HandleState(transport.StateConnected)

	select {
	case ferr := <-c.Fatal():
		if !errors.Is(ferr, boom) {
			t.Errorf("fatal error %v should wrap the send error", ferr)
		}
		if ferr.State != transport.StateConnected {
			t.Errorf("fatal state = %v, want CONNECTED", ferr.State)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no fatal error delivered")
	}
}

func TestController_SendTaskCleanExitIsNotFatal(t *testing.T) {
	t.Parallel()
	c := newController(t, func(context.Context) error { return nil })
	c.HandleState(transport.StateConnected)

	select {
	case ferr := <-c.Fatal():
		t.Fatalf("unexpected fatal error: %v", ferr)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestController_StopWaitsForSendTask(t *testing.T) {
	t.Parallel()
	var exited atomic.Bool
	c := newController(t, func(ctx context.Context) error {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		exited.Store(true)
		return nil
	})
	c.HandleState(transport.StateConnected)
	waitFor(t, func() bool { return c.State() == transport.StateConnected })

	c.Stop()
	if !exited.Load() {
		t.Error("Stop returned before the send task exited")
	}
	select {
	case ferr := <-c.Fatal():
		t.Errorf("Stop should not emit a fatal error, got %v", ferr)
	default:
	}
	c.Stop()
}

func TestController_ConcurrentStateChanges(t *testing.T) {
	t.Parallel()
	var started atomic.Int32
	c := newController(t, countingSpawn(&started))

	var wg sync.WaitGroup
	for range 16 {
		wg.Go(func() { c.HandleState(transport.StateConnected) })
	}
	wg.Wait()
	c.HandleState(transport.StateClosed)

	<-c.Fatal()
	if n := started.Load(); n > 1 {
		t.Errorf("send task started %d times, want at most 1", n)
	}
}

func TestController_RecordsStateMetrics(t *testing.T) {
	t.Parallel()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, _ := observe.NewMetrics(mp)

	c := NewController(func(ctx context.Context) error { <-ctx.Done(); return nil },
		WithMetrics(m), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	c.HandleState(transport.StateConnecting)
	c.HandleState(transport.StateConnected)
	c.Stop()

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "voicelink.session.transitions" {
				continue
			}
			for _, dp := range met.Data.(metricdata.Sum[int64]).DataPoints {
				total += dp.Value
			}
		}
	}
	if total != 2 {
		t.Errorf("transitions = %d, want 2", total)
	}
}

func TestFatalSessionError_Message(t *testing.T) {
	t.Parallel()
	plain := &FatalSessionError{State: transport.StateDisconnected}
	if plain.Error() != "session: ended in state DISCONNECTED" {
		t.Errorf("Error() = %q", plain.Error())
	}
	wrapped := &FatalSessionError{State: transport.StateConnected, Cause: io.ErrClosedPipe}
	if !errors.Is(wrapped, io.ErrClosedPipe) {
		t.Error("Unwrap should expose the cause")
	}
}
