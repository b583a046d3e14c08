package wire

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/sourcegraph/ursa/db"
)

func newTestServer(t *testing.T) (addr string, stop func()) {
	t.Helper()
	dir := t.TempDir()
	database, err := db.New(dir, "testdb", zap.NewNop())
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := NewServer(ln, database, Options{MaxWorkers: 4})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Serve(ctx); err != nil {
			t.Logf("serve exited: %v", err)
		}
	}()

	return ln.Addr().String(), func() {
		cancel()
		<-done
	}
}

func sendCommand(t *testing.T, addr, cmd string) map[string]interface{} {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(cmd)); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	var out map[string]interface{}
	if err := json.Unmarshal([]byte(line), &out); err != nil {
		t.Fatalf("unmarshal response %q: %v", line, err)
	}
	return out
}

func TestServerPing(t *testing.T) {
	addr, stop := newTestServer(t)
	defer stop()

	resp := sendCommand(t, addr, "ping;")
	if resp["type"] != "ping" {
		t.Fatalf("expected type ping, got %v", resp)
	}
}

func TestServerConfigSetAndGet(t *testing.T) {
	addr, stop := newTestServer(t)
	defer stop()

	setResp := sendCommand(t, addr, `config set "merge_max_datasets" 4;`)
	if setResp["type"] != "config" {
		t.Fatalf("expected config response, got %v", setResp)
	}

	getResp := sendCommand(t, addr, `config get "merge_max_datasets";`)
	result, ok := getResp["result"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected result map, got %v", getResp)
	}
	if result["merge_max_datasets"] != float64(4) {
		t.Fatalf("expected merge_max_datasets=4, got %v", result)
	}
}

func TestServerStatus(t *testing.T) {
	addr, stop := newTestServer(t)
	defer stop()

	resp := sendCommand(t, addr, "status;")
	if resp["type"] != "status" {
		t.Fatalf("expected type status, got %v", resp)
	}
}

func TestServerSelectOnEmptyDatabase(t *testing.T) {
	addr, stop := newTestServer(t)
	defer stop()

	resp := sendCommand(t, addr, `select "foo";`)
	if resp["type"] != "select" {
		t.Fatalf("expected type select, got %v", resp)
	}
}

func TestServerUnknownIteratorReturnsError(t *testing.T) {
	addr, stop := newTestServer(t)
	defer stop()

	resp := sendCommand(t, addr, `iterator "nope" pop 10;`)
	if resp["type"] != "error" {
		t.Fatalf("expected type error, got %v", resp)
	}
}

func TestDefaultAddrIsParseable(t *testing.T) {
	if _, _, err := net.SplitHostPort(DefaultAddr); err != nil {
		t.Fatalf("DefaultAddr %q should be host:port: %v", DefaultAddr, err)
	}
}
