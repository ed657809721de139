package restsession

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/matrixspace/fabric/locator"
)

func locatorFor(t *testing.T, srv *httptest.Server) locator.ConnectionLocator {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatal(err)
	}
	return locator.ConnectionLocator{Host: u.Hostname(), Port: port}
}

func TestSendPostDeliversReplyPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		body, _ := io.ReadAll(r.Body)
		w.Write([]byte("echo:" + string(body)))
	}))
	defer srv.Close()

	dialer := NewDialer(nil, nil)
	sess, err := dialer.Dial(context.Background(), "rest", locatorFor(t, srv), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Close()

	if err := sess.Send(context.Background(), 7, []byte("hello")); err != nil {
		t.Fatal(err)
	}

	select {
	case rep := <-sess.Replies():
		if rep.CorrelationID != 7 || string(rep.Payload) != "echo:hello" || !rep.Final {
			t.Fatalf("unexpected reply: %+v", rep)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reply")
	}
}

func TestSendGetUsesQueryMethodWhenConfigured(t *testing.T) {
	var sawMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawMethod = r.Method
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	loc := locatorFor(t, srv)
	loc.Properties = map[string]string{"use_get": "true"}

	dialer := NewDialer(nil, nil)
	sess, err := dialer.Dial(context.Background(), "rest", loc, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Close()

	if err := sess.Send(context.Background(), 1, nil); err != nil {
		t.Fatal(err)
	}

	select {
	case <-sess.Replies():
		if sawMethod != http.MethodGet {
			t.Fatalf("expected GET, got %s", sawMethod)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reply")
	}
}
