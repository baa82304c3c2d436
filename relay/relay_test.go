package relay

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestChannelRoundTrip(t *testing.T) {
	ch := NewChannel()
	ctx := context.Background()

	done := make(chan []byte, 1)
	go func() {
		call, err := ch.Submit(ctx, []byte("ping"))
		if err != nil {
			t.Error(err)
			return
		}
		resp, err := call.Await(ctx)
		if err != nil {
			t.Error(err)
			return
		}
		done <- resp
	}()

	var call *Call
	for {
		var ok bool
		if call, ok = ch.TakePending(); ok {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if string(call.Request) != "ping" {
		t.Errorf("expected ping, got %s", call.Request)
	}
	if err := ch.Fulfill([]byte("pong")); err != nil {
		t.Fatal(err)
	}
	select {
	case resp := <-done:
		if string(resp) != "pong" {
			t.Errorf("expected pong, got %s", resp)
		}
	case <-time.After(time.Second):
		t.Fatal("reply never delivered")
	}
}

func TestTakePendingEmpty(t *testing.T) {
	ch := NewChannel()
	if _, ok := ch.TakePending(); ok {
		t.Error("expected no pending call")
	}
}

// A second Submit must block until the first call is both taken and
// fulfilled, never overwrite or drop it.
func TestSecondSubmitBlocks(t *testing.T) {
	ch := NewChannel()
	ctx := context.Background()

	first, err := ch.Submit(ctx, []byte("first"))
	if err != nil {
		t.Fatal(err)
	}

	second := make(chan struct{})
	go func() {
		call, err := ch.Submit(ctx, []byte("second"))
		if err != nil {
			t.Error(err)
			return
		}
		close(second)
		if _, ok := ch.TakePending(); !ok {
			t.Error("second call not pending after submit returned")
			return
		}
		_ = ch.Fulfill([]byte("ok"))
		_, _ = call.Await(ctx)
	}()

	select {
	case <-second:
		t.Fatal("second submit returned while first call outstanding")
	case <-time.After(50 * time.Millisecond):
	}

	// Taking the first call alone must not unblock the second submit.
	if _, ok := ch.TakePending(); !ok {
		t.Fatal("first call not pending")
	}
	select {
	case <-second:
		t.Fatal("second submit returned before first call fulfilled")
	case <-time.After(50 * time.Millisecond):
	}

	if err := ch.Fulfill([]byte("done")); err != nil {
		t.Fatal(err)
	}
	if resp, err := first.Await(ctx); err != nil || string(resp) != "done" {
		t.Fatalf("first call: got %q, %v", resp, err)
	}
	select {
	case <-second:
	case <-time.After(time.Second):
		t.Fatal("second submit still blocked after first fulfilled")
	}
}

func TestFulfillNoneAwaiting(t *testing.T) {
	ch := NewChannel()
	if err := ch.Fulfill([]byte("orphan")); err != ErrNoneAwaiting {
		t.Errorf("expected ErrNoneAwaiting, got %v", err)
	}
}

func TestSubmitClosed(t *testing.T) {
	ch := NewChannel()
	ch.Close()
	if _, err := ch.Submit(context.Background(), []byte("late")); err != ErrClosed {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestSubmitContextCancelled(t *testing.T) {
	ch := NewChannel()
	ctx := context.Background()
	if _, err := ch.Submit(ctx, []byte("first")); err != nil {
		t.Fatal(err)
	}
	cancelCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := ch.Submit(cancelCtx, []byte("second")); err != context.DeadlineExceeded {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}
}

func TestServerPoll(t *testing.T) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatal(err)
	}
	ch := NewChannel()
	srv := httptest.NewServer(NewServer(ch, logger).Handler())
	defer srv.Close()
	ctx := context.Background()

	// polling with nothing queued returns an empty body
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if len(body) != 0 {
		t.Errorf("expected empty body, got %q", body)
	}

	result := make(chan []byte, 1)
	go func() {
		call, err := ch.Submit(ctx, []byte(`{"command":"get_open_window"}`))
		if err != nil {
			t.Error(err)
			return
		}
		r, err := call.Await(ctx)
		if err != nil {
			t.Error(err)
			return
		}
		result <- r
	}()

	var got []byte
	deadline := time.Now().Add(time.Second)
	for len(got) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("command never handed out")
		}
		resp, err := http.Get(srv.URL)
		if err != nil {
			t.Fatal(err)
		}
		got, _ = io.ReadAll(resp.Body)
		_ = resp.Body.Close()
	}
	if string(got) != `{"command":"get_open_window"}` {
		t.Errorf("unexpected command body %q", got)
	}

	resp, err = http.Post(srv.URL, "text/plain", strings.NewReader(`{"Ok":"History"}`))
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()

	select {
	case r := <-result:
		if string(r) != `{"Ok":"History"}` {
			t.Errorf("unexpected result %q", r)
		}
	case <-time.After(time.Second):
		t.Fatal("result never delivered")
	}
}

func TestServerMethodNotAllowed(t *testing.T) {
	logger := zap.NewNop()
	srv := httptest.NewServer(NewServer(NewChannel(), logger).Handler())
	defer srv.Close()
	req, err := http.NewRequest(http.MethodDelete, srv.URL, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", resp.StatusCode)
	}
	if allow := resp.Header.Get("Allow"); allow != "GET, POST" {
		t.Errorf("expected Allow: GET, POST, got %q", allow)
	}
}
