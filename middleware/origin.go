package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Origin 升级前的来源校验；allowed 为空放行全部（内网部署的常态）。
// 真正的身份鉴别在连接建立后的质询应答里做，这里只挡明显的跨站升级。
func Origin(allowed []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodGet && c.Request.URL.Path == "/ws" && len(allowed) > 0 {
			origin := c.GetHeader("Origin")
			ok := false
			for _, a := range allowed {
				if a == "*" || strings.EqualFold(a, origin) {
					ok = true
					break
				}
			}
			if !ok {
				c.AbortWithStatus(http.StatusForbidden)
				return
			}
		}
		c.Next()
	}
}
