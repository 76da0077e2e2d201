package gateway

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"IMCore/middleware"
	"IMCore/tools/safe"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// MountWS 挂 /ws 升级入口；升级成功后连接交给网关主循环
func (gw *Gateway) MountWS(r *gin.Engine) {
	r.GET("/ws", gw.handleWS)
}

func (gw *Gateway) handleWS(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		gw.log.Warnf("ws upgrade from %s: %v", c.ClientIP(), err)
		return
	}
	safe.Go(func() { gw.HandleConn(NewWSTransport(ws)) })
}

// RunWS 独立起 WS 监听；阻塞到 ListenAndServe 返回
func (gw *Gateway) RunWS() error {
	r := gin.New()
	r.Use(gin.Recovery(), middleware.Origin(nil))
	gw.MountWS(r)
	addr := fmt.Sprintf(":%d", gw.cfg.WSPort)
	gw.log.Infof("ws listening on %s", addr)
	return r.Run(addr)
}
