package watch

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"strings"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func listen(t *testing.T) *Listener {
	t.Helper()
	t.Setenv("LISTEN_PID", "")
	l, err := Listen("127.0.0.1:0", testLogger())
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	t.Cleanup(func() {
		_ = l.Close()
	})
	return l
}

func awaitAsync(l *Listener, ctx context.Context) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- l.Await(ctx)
	}()
	return done
}

func TestAwait_NonEmptyPayload(t *testing.T) {
	l := listen(t)
	done := awaitAsync(l, context.Background())

	if err := Send(context.Background(), l.Addr().String(), "hello"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Await returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Await did not return after signal")
	}
}

func TestAwait_IgnoresEmptyConnections(t *testing.T) {
	l := listen(t)
	done := awaitAsync(l, context.Background())

	// Connect and hang up without sending anything
	conn, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	_ = conn.Close()

	select {
	case err := <-done:
		t.Fatalf("Await returned on an empty connection: %v", err)
	case <-time.After(200 * time.Millisecond):
	}

	if err := Send(context.Background(), l.Addr().String(), "x"); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Await returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Await did not return after signal")
	}
}

func TestAwait_ReturnsOncePerSignal(t *testing.T) {
	l := listen(t)
	done := awaitAsync(l, context.Background())

	if err := Send(context.Background(), l.Addr().String(), "hello"); err != nil {
		t.Fatal(err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Await returned %v", err)
	}

	// A second wait needs a second signal
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := l.Await(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected the second Await to time out, got %v", err)
	}
}

func TestAwait_LongPayload(t *testing.T) {
	l := listen(t)
	done := awaitAsync(l, context.Background())

	if err := Send(context.Background(), l.Addr().String(), strings.Repeat("z", 1000)); err != nil {
		t.Fatal(err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Await returned %v", err)
	}
}

func TestAwait_ContextCancelled(t *testing.T) {
	l := listen(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := awaitAsync(l, ctx)

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Await ignored cancellation")
	}
}

func TestAwait_ListenerClosed(t *testing.T) {
	l := listen(t)
	done := awaitAsync(l, context.Background())

	time.Sleep(50 * time.Millisecond)
	_ = l.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrListenerClosed) {
			t.Errorf("expected ErrListenerClosed, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Await did not return after Close")
	}
}

func TestListen_SecondPipelineFails(t *testing.T) {
	l := listen(t)

	if _, err := Listen(l.Addr().String(), testLogger()); err == nil {
		t.Error("expected bind error while another listener holds the port")
	}
}

func TestSend_NoListener(t *testing.T) {
	l := listen(t)
	addr := l.Addr().String()
	_ = l.Close()

	if err := Send(context.Background(), addr, "hello"); err == nil {
		t.Error("expected error when nothing listens")
	}
}
