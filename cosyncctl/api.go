package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bringyour/cosync/cosync"
)

// the http surface of `serve`: the websocket sync endpoint plus read only inspection
type Api struct {
	node   *cosync.LocalNode
	server *http.Server
}

func startApi(ctx context.Context, node *cosync.LocalNode, addr string, errorCallback func(err error)) *Api {
	api := &Api{
		node: node,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	// websocket sync peers
	router.GET("/sync", gin.WrapH(cosync.NewWsPeerHandler(ctx, node, cosync.DefaultWsTransportSettings())))
	router.GET("/status", func(c *gin.Context) { api.status(c) })
	router.GET("/values", func(c *gin.Context) { api.values(c) })
	router.GET("/values/:id", func(c *gin.Context) { api.value(c) })

	api.server = &http.Server{
		Addr:    addr,
		Handler: router,
	}

	go func() {
		if err := api.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errorCallback(err)
		}
	}()

	return api
}

func (self *Api) stopApi() {
	// wait max 5 secs to finish pending requests
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := self.server.Shutdown(ctx); err != nil {
		fmt.Printf("Server forced to shutdown: %s\n", err)
	}
}

func (self *Api) status(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version":  CosyncCtlVersion,
		"agent_id": self.node.AgentId(),
		"peer_ids": self.node.SyncManager().PeerIds(),
	})
}

func (self *Api) values(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"ids": self.node.ValueStore().AvailableIds(),
	})
}

func (self *Api) value(c *gin.Context) {
	id, err := cosync.ParseCoValueId(c.Param("id"))
	if err != nil {
		c.String(http.StatusBadRequest, fmt.Sprintf("%d Bad Request - %s", http.StatusBadRequest, err))
		return
	}
	core := self.node.ValueStore().Core(id)
	if core == nil {
		c.String(http.StatusNotFound, fmt.Sprintf("%d Not Found - %s", http.StatusNotFound, id))
		return
	}

	view := core.View()
	out := gin.H{
		"id":         id,
		"header":     core.Header(),
		"known":      core.KnownState().Sessions,
		"load_state": view.LoadState().String(),
	}
	// the server only holds read keys it was given, so content may be partial
	if marshaler, ok := view.(json.Marshaler); ok {
		if content, err := marshaler.MarshalJSON(); err == nil {
			out["content"] = json.RawMessage(content)
		}
	}
	c.JSON(http.StatusOK, out)
}
