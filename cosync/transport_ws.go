package cosync

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

type WsTransportSettings struct {
	HandshakeTimeout    time.Duration
	PingTimeout         time.Duration
	WriteTimeout        time.Duration
	ReadTimeout         time.Duration
	ReconnectTimeout    time.Duration
	MaxReconnectTimeout time.Duration
	TokenTtl            time.Duration
}

func DefaultWsTransportSettings() *WsTransportSettings {
	return &WsTransportSettings{
		HandshakeTimeout:    5 * time.Second,
		PingTimeout:         1 * time.Second,
		WriteTimeout:        5 * time.Second,
		ReadTimeout:         15 * time.Second,
		ReconnectTimeout:    1 * time.Second,
		MaxReconnectTimeout: 30 * time.Second,
		TokenTtl:            1 * time.Hour,
	}
}

// a transport over one websocket connection
// an empty binary frame is a ping
type wsTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	label    string
	ws       *websocket.Conn
	settings *WsTransportSettings
	log      LogFunction

	send    chan []byte
	receive chan []byte
}

func NewWsTransport(ctx context.Context, label string, ws *websocket.Conn, settings *WsTransportSettings) Transport {
	cancelCtx, cancel := context.WithCancel(ctx)
	transport := &wsTransport{
		ctx:      cancelCtx,
		cancel:   cancel,
		label:    label,
		ws:       ws,
		settings: settings,
		log:      SubLogFn(LogLevelDebug, LogFn(LogLevelDebug, "ws"), label),
		send:     make(chan []byte, TransportBufferSize),
		receive:  make(chan []byte, TransportBufferSize),
	}
	go HandleError(transport.writeLoop, cancel)
	go HandleError(transport.readLoop, cancel)
	go HandleError(func() {
		<-cancelCtx.Done()
		ws.Close()
	})
	return transport
}

func (self *wsTransport) writeLoop() {
	defer self.cancel()

	for {
		select {
		case <-self.ctx.Done():
			return
		case message := <-self.send:
			self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := self.ws.WriteMessage(websocket.BinaryMessage, message); err != nil {
				// a websocket deadline timeout cannot be recovered
				glog.Infof("[ws]%s-> error = %s\n", self.label, err)
				return
			}
			self.log("->")
		case <-time.After(self.settings.PingTimeout):
			self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := self.ws.WriteMessage(websocket.BinaryMessage, make([]byte, 0)); err != nil {
				return
			}
		}
	}
}

func (self *wsTransport) readLoop() {
	defer self.cancel()

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := self.ws.ReadMessage()
		if err != nil {
			glog.Infof("[ws]%s<- error = %s\n", self.label, err)
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			if 0 == len(message) {
				// ping
				self.log("ping<-")
				continue
			}
			select {
			case <-self.ctx.Done():
				return
			case self.receive <- message:
				self.log("<-")
			}
		default:
			self.log("other=%d<-", messageType)
		}
	}
}

func (self *wsTransport) Send(ctx context.Context, message []byte) error {
	select {
	case <-self.ctx.Done():
		return ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	case self.send <- message:
		return nil
	}
}

func (self *wsTransport) Receive() <-chan []byte {
	return self.receive
}

func (self *wsTransport) Done() <-chan struct{} {
	return self.ctx.Done()
}

func (self *wsTransport) Close() {
	self.cancel()
}

func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// dials a websocket peer and authenticates with a token for the node's current account
func DialWsTransport(ctx context.Context, node *LocalNode, url string, settings *WsTransportSettings) (Transport, error) {
	token, err := node.PeerToken(settings.TokenTtl)
	if err != nil {
		return nil, err
	}
	dialer := &websocket.Dialer{
		HandshakeTimeout: settings.HandshakeTimeout,
	}
	header := http.Header{}
	header.Set("Authorization", fmt.Sprintf("Bearer %s", token))
	ws, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return NewWsTransport(ctx, url, ws, settings), nil
}

// keeps `url` connected as a server peer of `node` until `ctx` is done
func ConnectWsPeer(ctx context.Context, node *LocalNode, peerId PeerId, url string, settings *WsTransportSettings) {
	defer node.RemovePeer(peerId)

	for attempt := 0; ; {
		transport, err := DialWsTransport(ctx, node, url, settings)
		if err != nil {
			timeout := Backoff(attempt, settings.ReconnectTimeout, settings.MaxReconnectTimeout)
			attempt += 1
			glog.Infof("[ws]connect %s error = %s (retry in %s)\n", url, err, timeout)
			select {
			case <-ctx.Done():
				return
			case <-time.After(timeout):
				continue
			}
		}
		attempt = 0

		glog.Infof("[ws]connected %s as %s\n", url, peerId)
		node.AddPeer(peerId, PeerRoleServer, transport)
		select {
		case <-ctx.Done():
			transport.Close()
			return
		case <-transport.Done():
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(settings.ReconnectTimeout):
		}
	}
}

// accepts websocket clients of `node`. Each connection is a client peer
func NewWsPeerHandler(ctx context.Context, node *LocalNode, settings *WsTransportSettings) http.Handler {
	upgrader := &websocket.Upgrader{
		HandshakeTimeout: settings.HandshakeTimeout,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := node.VerifyPeerToken(r.Context(), bearerToken(r))
		if err != nil {
			glog.Infof("[ws]auth error = %s\n", err)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			glog.Infof("[ws]upgrade error = %s\n", err)
			return
		}

		peerId := PeerId(fmt.Sprintf("%s/%s", claims.Member(), NewId()))
		transport := NewWsTransport(ctx, string(peerId), ws, settings)
		glog.Infof("[ws]accepted %s\n", peerId)
		node.AddPeer(peerId, PeerRoleClient, transport)
	})
}
