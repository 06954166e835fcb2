package cosync

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"
)

func TestWsPeer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	startTime := time.UnixMilli(1_000_000)
	server := newTestNode(t, ctx, startTime)
	c := newTestNode(t, ctx, startTime.Add(time.Hour))

	settings := DefaultWsTransportSettings()
	settings.ReconnectTimeout = 50 * time.Millisecond
	settings.PingTimeout = 100 * time.Millisecond

	srv := httptest.NewServer(NewWsPeerHandler(ctx, server, settings))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	// unauthenticated connections are refused
	_, response, err := websocket.DefaultDialer.Dial(url, nil)
	assert.NotEqual(t, err, nil)
	assert.Equal(t, response.StatusCode, http.StatusUnauthorized)

	_, err = c.CreateAccount(ctx, "carol")
	assert.Equal(t, err, nil)
	group, err := c.CreateGroup(ctx)
	assert.Equal(t, err, nil)
	coList, err := c.CreateList(group, nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, coList.Append("x"), nil)

	go ConnectWsPeer(ctx, c, "server", url, settings)
	assert.Equal(t, waitFor(5*time.Second, func() bool {
		return len(c.SyncManager().ServerPeerIds()) == 1
	}), true)

	uploadCtx, uploadCancel := context.WithTimeout(ctx, 5*time.Second)
	defer uploadCancel()
	assert.Equal(t, c.WaitForUploadIntoPeer(uploadCtx, "server", coList.Id()), nil)

	serverList := server.availableCore(coList.Id())
	assert.NotEqual(t, serverList, nil)
	assert.Equal(t, serverList.KnownState().Covers(coList.Core().KnownState()), true)
	assert.Equal(t, len(server.SyncManager().PeerIds()), 1)
}
