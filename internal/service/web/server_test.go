package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portbridge/internal/core/forwarder"
	"portbridge/internal/shared/config"
)

type staticProvider struct {
	report StatusReport
}

func (p *staticProvider) Status() StatusReport { return p.report }

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func startTestServer(t *testing.T, cfg config.WebConf, provider StatusProvider) (*Hub, int) {
	t.Helper()
	hub := NewHub()
	go hub.Run()

	var wg sync.WaitGroup
	srv := StartServer(&wg, cfg, provider, hub)
	require.NotNil(t, srv)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
		hub.Stop()
		wg.Wait()
	})
	return hub, cfg.Port
}

func TestStartServer_DisabledWithoutPort(t *testing.T) {
	var wg sync.WaitGroup
	srv := StartServer(&wg, config.WebConf{Port: 0}, &staticProvider{}, NewHub())
	assert.Nil(t, srv)
}

func TestStatusEndpoint(t *testing.T) {
	provider := &staticProvider{report: StatusReport{
		Listeners:      []ListenerStatus{{Protocol: "vmess", BindAddr: "0.0.0.0:10001", State: "accepting"}},
		Backends:       []BackendStatus{{Backend: "203.0.113.5:10001", Status: "up", ConsecutivePass: 3}},
		ActiveSessions: 2,
	}}
	_, port := startTestServer(t, config.WebConf{Port: freePort(t)}, provider)

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/api/status", port))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var report StatusReport
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	assert.Equal(t, provider.report, report)
}

func TestStatusEndpoint_BasicAuth(t *testing.T) {
	cfg := config.WebConf{Port: freePort(t), User: "admin", Password: "secret"}
	_, port := startTestServer(t, cfg, &staticProvider{})
	url := fmt.Sprintf("http://127.0.0.1:%d/api/status", port)

	resp, err := http.Get(url)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	req.SetBasicAuth("admin", "secret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHub_BroadcastWithoutClientsDoesNotBlock(t *testing.T) {
	hub := NewHub() // Run not started: nothing consumes the channel
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			hub.BroadcastHealthTransition(HealthTransition{Backend: "203.0.113.5:10001", From: "up", To: "down"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked with no connected clients")
	}
}

func TestHub_StopEndsRunLoop(t *testing.T) {
	hub := NewHub()
	runDone := make(chan struct{})
	go func() {
		hub.Run()
		close(runDone)
	}()

	hub.Stop()
	select {
	case <-runDone:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}
	assert.NotPanics(t, func() { hub.Stop() })
}

func TestHub_StopClosesClients(t *testing.T) {
	hub, port := startTestServer(t, config.WebConf{Port: freePort(t)}, &staticProvider{})

	ws, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://127.0.0.1:%d/ws", port), nil)
	require.NoError(t, err)
	defer ws.Close()
	require.Eventually(t, func() bool { return hub.clientCount() == 1 }, time.Second, 10*time.Millisecond)

	hub.Stop()

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = ws.ReadMessage()
	assert.Error(t, err, "client connection should be closed by Stop")
	require.Eventually(t, func() bool { return hub.clientCount() == 0 }, time.Second, 10*time.Millisecond)
}

func TestHub_DropsClientOnWriteError(t *testing.T) {
	hub, port := startTestServer(t, config.WebConf{Port: freePort(t)}, &staticProvider{})

	ws, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://127.0.0.1:%d/ws", port), nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hub.clientCount() == 1 }, time.Second, 10*time.Millisecond)

	// Tear the client down abruptly; broadcasts must evict it rather
	// than wedge the loop.
	ws.Close()
	require.Eventually(t, func() bool {
		hub.BroadcastHealthTransition(HealthTransition{Backend: "203.0.113.5:10001", From: "up", To: "down"})
		return hub.clientCount() == 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestWebsocketPush(t *testing.T) {
	hub, port := startTestServer(t, config.WebConf{Port: freePort(t)}, &staticProvider{})

	ws, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://127.0.0.1:%d/ws", port), nil)
	require.NoError(t, err)
	defer ws.Close()

	// Registration goes through a channel; give the hub a beat.
	time.Sleep(50 * time.Millisecond)

	hub.BroadcastSessionSummary(forwarder.Summary{
		SessionID: "abc",
		Protocol:  "trojan",
		Reason:    forwarder.ReasonClosed,
		BytesUp:   1000,
		BytesDown: 1000,
	})

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	require.NoError(t, ws.ReadJSON(&msg))
	assert.Equal(t, "session_summary", msg.Type)

	data, err := json.Marshal(msg.Data)
	require.NoError(t, err)
	var sum forwarder.Summary
	require.NoError(t, json.Unmarshal(data, &sum))
	assert.Equal(t, "abc", sum.SessionID)
	assert.Equal(t, uint64(1000), sum.BytesUp)
}
