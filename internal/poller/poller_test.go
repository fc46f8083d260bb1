package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/thermd/internal/accessory"
)

type fakeReader struct {
	mu      sync.Mutex
	batches [][]accessory.Key
	failOn  int // 1-based batch number that fails, 0 = none
	values  map[accessory.Key]any
}

func (r *fakeReader) GetCharacteristics(_ context.Context, keys []accessory.Key) (map[accessory.Key]any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, keys)
	if r.failOn == len(r.batches) {
		return nil, errors.New("timeout")
	}
	out := map[accessory.Key]any{}
	for _, k := range keys {
		if v, ok := r.values[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

type fakeKeys struct {
	priority, monitored []accessory.Key
}

func (k fakeKeys) Priority() []accessory.Key  { return k.priority }
func (k fakeKeys) Monitored() []accessory.Key { return k.monitored }

func keys(n int) []accessory.Key {
	out := make([]accessory.Key, n)
	for i := range out {
		out[i] = accessory.Key{AID: 1, IID: int64(i + 1)}
	}
	return out
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newScheduler(r Reader, ks KeySource, observe ObserveFunc) (*Scheduler, *clock) {
	c := &clock{t: time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)}
	s := New(r, ks, observe, DefaultConfig(), nil)
	s.now = c.now
	return s, c
}

func TestTickCadences(t *testing.T) {
	all := keys(20)
	reader := &fakeReader{}
	s, c := newScheduler(reader, fakeKeys{priority: all[:2], monitored: all}, func(context.Context, []accessory.Update) {})
	ctx := context.Background()

	s.Tick(ctx)
	// fast: 1 batch of 2, slow: 2 batches (15 + 5)
	require.Len(t, reader.batches, 3)
	assert.Len(t, reader.batches[0], 2)
	assert.Len(t, reader.batches[1], 15)
	assert.Len(t, reader.batches[2], 5)

	c.t = c.t.Add(30 * time.Second)
	s.Tick(ctx)
	assert.Len(t, reader.batches, 3, "nothing due")

	c.t = c.t.Add(30 * time.Second)
	s.Tick(ctx)
	assert.Len(t, reader.batches, 4, "fast cadence due at 60s")

	c.t = c.t.Add(60 * time.Second)
	s.Tick(ctx)
	assert.Len(t, reader.batches, 7, "both due at 120s")
}

func TestFailedBatchIsSkipped(t *testing.T) {
	all := keys(30)
	reader := &fakeReader{failOn: 1, values: map[accessory.Key]any{all[20]: 21.5, all[29]: nil}}
	var got []accessory.Update
	s, _ := newScheduler(reader, fakeKeys{monitored: all}, func(_ context.Context, u []accessory.Update) {
		got = append(got, u...)
	})

	s.Tick(context.Background())

	require.Len(t, reader.batches, 2, "second batch still read after first failed")
	require.Len(t, got, 2)
	assert.Equal(t, accessory.Update{Key: all[20], Value: 21.5}, got[0])
	assert.Nil(t, got[1].Value, "nil values are forwarded; the tracker discards them")
}

func TestRunRejectsSecondCall(t *testing.T) {
	s := New(&fakeReader{}, fakeKeys{}, func(context.Context, []accessory.Update) {}, Config{Tick: time.Hour}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, s.Running, time.Second, time.Millisecond)
	assert.ErrorIs(t, s.Run(ctx), ErrAlreadyRunning)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("poller did not stop")
	}
	assert.False(t, s.Running())
}

type panicKeys struct{}

func (panicKeys) Priority() []accessory.Key  { panic("index corrupted") }
func (panicKeys) Monitored() []accessory.Key { return nil }

func TestTickPanicIsRecovered(t *testing.T) {
	s := New(&fakeReader{}, panicKeys{}, func(context.Context, []accessory.Update) {}, DefaultConfig(), nil)
	assert.False(t, s.safeTick(context.Background()))
}
