package server

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/oldmanfleming/smoldb/client"
	"github.com/oldmanfleming/smoldb/protocol"
	"github.com/oldmanfleming/smoldb/storage"
	"github.com/oldmanfleming/smoldb/storage/bitcask"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// startTestServer runs a server over a fresh bitcask store and returns its
// address.
func startTestServer(t *testing.T, opts Options) string {
	t.Helper()

	bcOpts := bitcask.DefaultOptions()
	bcOpts.SegmentSize = 4 * 1024
	st, err := bitcask.Open(log.NewNopLogger(), prometheus.NewRegistry(), t.TempDir(), bcOpts)
	require.NoError(t, err)

	return startTestServerWith(t, st, opts)
}

// startTestServerWith runs a server over the given backend and takes over
// closing it.
func startTestServerWith(t *testing.T, st storage.Storage, opts Options) string {
	t.Helper()

	srv := New(log.NewNopLogger(), prometheus.NewRegistry(), st, opts)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.Equal(t, ErrServerClosed, srv.Serve(lis))
	}()

	t.Cleanup(func() {
		srv.Shutdown()
		<-done
		require.NoError(t, st.Close())
	})

	return lis.Addr().String()
}

func TestEndToEnd(t *testing.T) {
	addr := startTestServer(t, Options{})

	c := client.New(log.NewNopLogger(), addr, 1)
	defer c.Close()
	ctx := context.Background()

	// Two commands over the same pooled connection.
	require.NoError(t, c.Set(ctx, "a", []byte("1")))
	v, ok, err := c.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("1"), v)

	// A miss is a negative result, never an error.
	_, ok, err = c.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Remove(ctx, "a"))
	err = c.Remove(ctx, "a")
	assert.True(t, errors.Is(err, storage.ErrKeyNotFound))

	require.NoError(t, c.Set(ctx, "b", []byte("2")))
	require.NoError(t, c.Set(ctx, "c", []byte("3")))
	keys, err := c.List(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"b", "c"}, keys)
}

func TestConcurrentClients(t *testing.T) {
	addr := startTestServer(t, Options{})

	c := client.New(log.NewNopLogger(), addr, 4)
	defer c.Close()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("key%d", i)
			if !assert.NoError(t, c.Set(ctx, key, []byte(fmt.Sprintf("value%d", i)))) {
				return
			}
			v, ok, err := c.Get(ctx, key)
			assert.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, []byte(fmt.Sprintf("value%d", i)), v)
		}(i)
	}
	wg.Wait()
}

func TestLastWriterWins(t *testing.T) {
	addr := startTestServer(t, Options{})

	c := client.New(log.NewNopLogger(), addr, 2)
	defer c.Close()
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, value := range []string{"v1", "v2"} {
		wg.Add(1)
		go func(value string) {
			defer wg.Done()
			assert.NoError(t, c.Set(ctx, "k", []byte(value)))
		}(value)
	}
	wg.Wait()

	// Whichever write the engine ordered last must be returned whole,
	// never a mix of the two.
	v, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, []string{"v1", "v2"}, string(v))
}

func TestMalformedFrameClosesConnection(t *testing.T) {
	addr := startTestServer(t, Options{})

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	// A frame header declaring an implausible payload length.
	header := binary.BigEndian.AppendUint32(nil, protocol.MaxFrameSize+1)
	_, err = conn.Write(header)
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	assert.Equal(t, io.EOF, err, "expected the server to close the connection")
}

func TestEngineErrorsDoNotCloseConnection(t *testing.T) {
	addr := startTestServer(t, Options{})

	c := client.New(log.NewNopLogger(), addr, 1)
	defer c.Close()
	ctx := context.Background()

	// An engine-level failure comes back as a typed response and the
	// same connection keeps serving.
	err := c.Remove(ctx, "missing")
	assert.True(t, errors.Is(err, storage.ErrKeyNotFound))

	require.NoError(t, c.Set(ctx, "still", []byte("alive")))
	v, ok, err := c.Get(ctx, "still")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("alive"), v)
}

// oversizedKeys reports more bytes of keys than one frame can carry.
type oversizedKeys struct{ storage.Storage }

func (oversizedKeys) ListKeys() []string {
	keys := make([]string, 17)
	for i := range keys {
		keys[i] = strings.Repeat("k", 1<<20)
	}
	return keys
}

func TestOversizedListResponse(t *testing.T) {
	bcOpts := bitcask.DefaultOptions()
	st, err := bitcask.Open(log.NewNopLogger(), prometheus.NewRegistry(), t.TempDir(), bcOpts)
	require.NoError(t, err)
	addr := startTestServerWith(t, oversizedKeys{st}, Options{})

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	reader := bufio.NewReader(conn)

	// A response too large to frame comes back as a typed error, not a
	// dropped connection.
	require.NoError(t, protocol.WriteRequest(conn, &protocol.Request{Op: protocol.OpList}))
	resp, err := protocol.ReadResponse(reader)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusError, resp.Status)

	// The same connection keeps serving.
	require.NoError(t, protocol.WriteRequest(conn, &protocol.Request{Op: protocol.OpSet, Key: "still", Value: []byte("alive")}))
	resp, err = protocol.ReadResponse(reader)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusOK, resp.Status)
}

func TestMaxConnections(t *testing.T) {
	addr := startTestServer(t, Options{MaxConnections: 1})

	c := client.New(log.NewNopLogger(), addr, 1)
	defer c.Close()
	ctx := context.Background()

	// Sequential exchanges on a single bounded connection still work.
	for i := 0; i < 10; i++ {
		require.NoError(t, c.Set(ctx, fmt.Sprintf("key%d", i), []byte("v")))
	}
	keys, err := c.List(ctx)
	require.NoError(t, err)
	assert.Len(t, keys, 10)
}
