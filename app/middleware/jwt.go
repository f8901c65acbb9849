package middleware

import (
	"net/http"
	"strings"
	"time"

	"media-flow/app/auth"
	"media-flow/app/config"

	"github.com/gin-gonic/gin"
	gocache "github.com/patrickmn/go-cache"
)

// JWTAuth JWT认证中间件。已验证的令牌结果短期缓存，避免每个请求都做签名校验
func JWTAuth(cfg *config.Config) gin.HandlerFunc {
	jwtService := auth.NewJWTService(cfg)
	claimsCache := gocache.New(5*time.Minute, 10*time.Minute)

	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"code":    401,
				"message": "Authorization header is required",
			})
			c.Abort()
			return
		}

		// 检查Bearer前缀
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"code":    401,
				"message": "Authorization header format must be Bearer {token}",
			})
			c.Abort()
			return
		}

		token := parts[1]

		// 缓存命中直接放行
		if cached, ok := claimsCache.Get(token); ok {
			claims := cached.(*auth.Claims)
			if time.Until(claims.ExpiresAt.Time) > 0 {
				c.Set("user_id", claims.UserID)
				c.Set("username", claims.Username)
				c.Next()
				return
			}
			claimsCache.Delete(token)
		}

		claims, err := jwtService.ValidateToken(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{
				"code":    401,
				"message": "Invalid token: " + err.Error(),
			})
			c.Abort()
			return
		}

		// 缓存有效令牌，过期时间不超过令牌本身的剩余有效期
		ttl := 5 * time.Minute
		if remain := time.Until(claims.ExpiresAt.Time); remain < ttl {
			ttl = remain
		}
		claimsCache.Set(token, claims, ttl)

		// 将用户信息存储到上下文中
		c.Set("user_id", claims.UserID)
		c.Set("username", claims.Username)
		c.Next()
	}
}
