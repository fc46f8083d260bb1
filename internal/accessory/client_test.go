package accessory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/thermd/internal/device"
)

const accessoriesJSON = `{"accessories":[{"aid":2,"services":[
	{"iid":1,"type":"3E","characteristics":[
		{"iid":2,"type":"30","perms":["pr"],"value":"RU0000012345"},
		{"iid":3,"type":"23","perms":["pr"],"value":"Living Room"}]},
	{"iid":8,"type":"4A","characteristics":[
		{"iid":9,"type":"11","perms":["pr","ev"],"value":21.5},
		{"iid":10,"type":"35","perms":["pr","pw","ev"],"value":20},
		{"iid":11,"type":"10","perms":["pr","ev"],"value":45}]}]}]}`

func testLink(t *testing.T, h http.Handler) *HTTPLink {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewHTTPLink(srv.URL, time.Second, EventStreamConfig{MinBackoff: 10 * time.Millisecond, MaxBackoff: 20 * time.Millisecond, Multiplier: 2, MaxReconnects: 2})
}

func TestHTTPLinkAccessoriesAndIndex(t *testing.T) {
	link := testLink(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/accessories", r.URL.Path)
		w.Header().Set("Content-Type", "application/hap+json")
		io.WriteString(w, accessoriesJSON)
	}))

	accs, err := link.Accessories(context.Background())
	require.NoError(t, err)
	require.Len(t, accs, 1)

	info := accs[0].Info()
	assert.Equal(t, "RU0000012345", info.Serial)
	assert.Equal(t, "Living Room", info.Name)
	assert.True(t, accs[0].HasService("0000004A-0000-1000-8000-0026BB765291"))

	idx := NewIndex(accs)
	assert.Equal(t, []Key{{2, 9}, {2, 10}, {2, 11}}, idx.Monitored())
	assert.Equal(t, []Key{{2, 11}}, idx.Priority())

	f, ok := idx.Field(Key{2, 10})
	require.True(t, ok)
	assert.Equal(t, device.FieldTargetTemperature, f)

	_, ok = idx.Field(Key{2, 2})
	assert.False(t, ok, "serial number is not a tracked field")

	k, ok := idx.KeyFor(2, device.FieldHumidity)
	require.True(t, ok)
	assert.Equal(t, Key{2, 11}, k)
}

func TestHTTPLinkGetCharacteristics(t *testing.T) {
	link := testLink(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2.9,2.10", r.URL.Query().Get("id"))
		w.Header().Set("Content-Type", "application/hap+json")
		w.WriteHeader(http.StatusMultiStatus)
		io.WriteString(w, `{"characteristics":[{"aid":2,"iid":9,"value":21.5},{"aid":2,"iid":10,"status":-70402}]}`)
	}))

	values, err := link.GetCharacteristics(context.Background(), []Key{{2, 9}, {2, 10}})
	require.NoError(t, err)
	assert.Equal(t, map[Key]any{{2, 9}: 21.5}, values)
}

func TestHTTPLinkPutAndSubscribe(t *testing.T) {
	var mu sync.Mutex
	var bodies []string
	link := testLink(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		data, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(data))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))

	require.NoError(t, link.PutCharacteristics(context.Background(), []Write{{Key: Key{2, 10}, Value: 22.5}}))
	require.NoError(t, link.Subscribe(context.Background(), []Key{{2, 9}}))

	require.Len(t, bodies, 2)
	assert.JSONEq(t, `{"characteristics":[{"aid":2,"iid":10,"value":22.5}]}`, bodies[0])
	assert.JSONEq(t, `{"characteristics":[{"aid":2,"iid":9,"ev":true}]}`, bodies[1])
}

func TestHTTPLinkPutReportsCharacteristicStatus(t *testing.T) {
	link := testLink(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/hap+json")
		w.WriteHeader(http.StatusMultiStatus)
		io.WriteString(w, `{"characteristics":[{"aid":2,"iid":10,"status":-70404}]}`)
	}))

	err := link.PutCharacteristics(context.Background(), []Write{{Key: Key{2, 10}, Value: 40}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "-70404")
}

func TestEventStreamDeliversUpdates(t *testing.T) {
	link := testLink(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": hello\n\n")
		payload, _ := json.Marshal(map[string]any{
			"characteristics": []map[string]any{{"aid": 2, "iid": 9, "value": 22.0}},
		})
		fmt.Fprintf(w, "data: %s\n\n", payload)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan []Update, 1)
	done := make(chan error, 1)
	go func() {
		done <- link.Listen(ctx, func(u []Update) { got <- u })
	}()

	select {
	case u := <-got:
		require.Len(t, u, 1)
		assert.Equal(t, Key{2, 9}, u[0].Key)
		assert.Equal(t, 22.0, u[0].Value)
	case <-time.After(2 * time.Second):
		t.Fatal("no update delivered")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("listen did not stop")
	}
}

func TestEventStreamMaxReconnects(t *testing.T) {
	link := testLink(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := link.Listen(ctx, func([]Update) {})
	assert.ErrorIs(t, err, ErrMaxReconnectsExceeded)
}

func TestParseKeyAndNumeric(t *testing.T) {
	k, err := ParseKey("3.14")
	require.NoError(t, err)
	assert.Equal(t, Key{3, 14}, k)
	assert.Equal(t, "3.14", k.String())

	_, err = ParseKey("3")
	assert.Error(t, err)

	v, ok := Numeric(true)
	assert.True(t, ok)
	assert.Equal(t, 1.0, v)
	_, ok = Numeric(map[string]any{})
	assert.False(t, ok)
}
