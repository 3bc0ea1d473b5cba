package probe

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const probeURL = "http://probe.invalid/ip?format=json"

func ipServer(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"ip":"203.0.113.7"}`)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestProbeHTTPProxy(t *testing.T) {
	var hits atomic.Int32
	srv := ipServer(t, &hits)
	endpoint := srv.Listener.Addr().String()

	p := New(probeURL, 2*time.Second)
	res := p.Probe(context.Background(), endpoint, MethodHTTP)
	require.True(t, res.OK(), "%v", res.Err)
	assert.Equal(t, netip.MustParseAddr("203.0.113.7"), res.IP)
	assert.Equal(t, MethodHTTP, res.Via)
	assert.Equal(t, endpoint, res.Endpoint)
}

func TestProbeDedupesPerEndpoint(t *testing.T) {
	var hits atomic.Int32
	srv := ipServer(t, &hits)
	endpoint := srv.Listener.Addr().String()
	p := New(probeURL, 2*time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := p.Probe(context.Background(), endpoint, MethodHTTP)
			assert.True(t, res.OK())
		}()
	}
	wg.Wait()
	p.Probe(context.Background(), endpoint, MethodHTTP)

	assert.EqualValues(t, 1, hits.Load())
}

// socks5Server accepts unauthenticated CONNECT requests and relays every
// connection to upstream regardless of the requested destination.
func socks5Server(t *testing.T, upstream string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 262)
				// greeting: VER NMETHODS METHODS...
				if _, err := io.ReadFull(c, buf[:2]); err != nil {
					return
				}
				if _, err := io.ReadFull(c, buf[:buf[1]]); err != nil {
					return
				}
				c.Write([]byte{5, 0})
				// request: VER CMD RSV ATYP
				if _, err := io.ReadFull(c, buf[:4]); err != nil {
					return
				}
				switch buf[3] {
				case 1:
					io.ReadFull(c, buf[:4+2])
				case 3:
					io.ReadFull(c, buf[:1])
					io.ReadFull(c, buf[:int(buf[0])+2])
				case 4:
					io.ReadFull(c, buf[:16+2])
				}
				up, err := net.Dial("tcp", upstream)
				if err != nil {
					c.Write([]byte{5, 1, 0, 1, 0, 0, 0, 0, 0, 0})
					return
				}
				defer up.Close()
				reply := []byte{5, 0, 0, 1, 127, 0, 0, 1, 0, 0}
				binary.BigEndian.PutUint16(reply[8:], 1)
				c.Write(reply)
				go io.Copy(up, c)
				io.Copy(c, up)
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func TestProbeSOCKS5(t *testing.T) {
	var hits atomic.Int32
	srv := ipServer(t, &hits)
	endpoint := socks5Server(t, srv.Listener.Addr().String())

	p := New(probeURL, 2*time.Second)
	res := p.Probe(context.Background(), endpoint, MethodSOCKS5)
	require.True(t, res.OK(), "%v", res.Err)
	assert.Equal(t, MethodSOCKS5, res.Via)
	assert.Equal(t, "203.0.113.7", res.IP.String())
}

func TestProbeTimeoutDowngradesToFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	t.Cleanup(func() {
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	})
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			// hold the connection open and never answer
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()

	p := New(probeURL, 300*time.Millisecond)
	start := time.Now()
	res := p.Probe(context.Background(), ln.Addr().String(), MethodHTTP)

	assert.False(t, res.OK())
	assert.Error(t, res.Err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestProbeConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	res := New(probeURL, time.Second).Probe(context.Background(), addr, MethodSOCKS5)
	assert.False(t, res.OK())
	assert.ErrorContains(t, res.Err, "socks5")
	assert.ErrorContains(t, res.Err, "http")
}

func TestParseIPResponse(t *testing.T) {
	for body, want := range map[string]string{
		`{"ip":"198.51.100.4"}`:     "198.51.100.4",
		"2001:db8::1\n":             "2001:db8::1",
		`{"ip":"::ffff:192.0.2.1"}`: "192.0.2.1",
	} {
		got, err := ParseIPResponse([]byte(body))
		require.NoError(t, err, body)
		assert.Equal(t, want, got.String())
	}

	_, err := ParseIPResponse([]byte("<html>blocked</html>"))
	assert.Error(t, err)
}
