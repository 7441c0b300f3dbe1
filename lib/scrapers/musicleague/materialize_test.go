package musicleague

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"leaguevault/lib/telemetry"

	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, server *httptest.Server) *Client {
	client, err := NewClient(context.Background(), ClientOptions{
		BaseUrl: server.URL,
	})
	require.NoError(t, err)
	return client
}

// serves a page that reveals more items on every request, like a
// scroll-triggered lazy list
func lazyPageHandler(total, perRequest int) http.HandlerFunc {
	served := 0
	return func(w http.ResponseWriter, r *http.Request) {
		served += perRequest
		if served > total {
			served = total
		}
		var b strings.Builder
		b.WriteString("<html><body>")
		for i := 0; i < served; i++ {
			fmt.Fprintf(&b, `<div class="item">item %d</div>`, i)
		}
		b.WriteString("</body></html>")
		w.Write([]byte(b.String()))
	}
}

func TestMaterializeSettles(t *testing.T) {
	cleanup := telemetry.SetupForTesting("test:materialize")
	defer cleanup()

	server := httptest.NewServer(lazyPageHandler(10, 4))
	defer server.Close()

	m := Materializer{
		Client:     newTestClient(t, server),
		MaxCycles:  20,
		SettleWait: time.Millisecond,
	}

	page, err := m.Materialize(context.Background(), "/", "div.item")
	require.NoError(t, err)
	require.Equal(t, 10, page.Count)
	require.False(t, page.Partial)
	require.False(t, page.Empty())
	require.Equal(t, 10, page.Doc.Find("div.item").Length())
}

func TestMaterializeEmptyPage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html><body><p>nothing here</p></body></html>"))
	}))
	defer server.Close()

	m := Materializer{
		Client:     newTestClient(t, server),
		MaxCycles:  5,
		SettleWait: time.Millisecond,
	}

	page, err := m.Materialize(context.Background(), "/", "div.item")
	require.NoError(t, err)
	require.True(t, page.Empty())
	require.False(t, page.Partial)
}

func TestMaterializePartialAtMaxCycles(t *testing.T) {
	// grows by one item forever
	server := httptest.NewServer(lazyPageHandler(1<<30, 1))
	defer server.Close()

	m := Materializer{
		Client:     newTestClient(t, server),
		MaxCycles:  4,
		SettleWait: time.Millisecond,
	}

	page, err := m.Materialize(context.Background(), "/", "div.item")
	require.NoError(t, err)
	require.True(t, page.Partial)
	require.Equal(t, 4, page.Count)
}

func TestMaterializeBadStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	m := Materializer{
		Client:     newTestClient(t, server),
		MaxCycles:  3,
		SettleWait: time.Millisecond,
	}

	_, err := m.Materialize(context.Background(), "/", "div.item")
	require.Error(t, err)
}

func TestMaterializeCancelled(t *testing.T) {
	server := httptest.NewServer(lazyPageHandler(1<<30, 1))
	defer server.Close()

	m := Materializer{
		Client:     newTestClient(t, server),
		MaxCycles:  1000,
		SettleWait: time.Second,
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*100)
	defer cancel()

	_, err := m.Materialize(ctx, "/", "div.item")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
