// Package httpapi hosts the static frontend and the announcement relay. It
// replaces the original static file server and gives remote devices a way to
// reach the same broadcast substrate.
package httpapi

import (
	"context"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/egemennuss/zerenn/internal/config"
	"github.com/egemennuss/zerenn/internal/domain"
	"github.com/egemennuss/zerenn/internal/presence"
)

func genClientToken() string {
	return uuid.NewString()
}

func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, store *presence.Store, relay *Relay) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	cookies := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("ZerenSessions", cookies))
	r.Use(ClientTokenMiddleware())

	r.Static("/static", cfg.StaticPath)
	// The frontend handles the ?room=CODE query itself; every entry point
	// gets the same page.
	r.GET("/", func(c *gin.Context) {
		c.File(cfg.StaticPath + "/index.html")
	})

	log.Info().Str("module", "httpapi").Str("static", cfg.StaticPath).Msg("router setup")

	api := r.Group("/api")

	api.GET("/rooms/:code/participants", func(c *gin.Context) {
		code, err := domain.NormalizeRoomCode(c.Param("code"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid room code"})
			return
		}
		records := store.Scan(c.Request.Context(), string(code))
		c.JSON(http.StatusOK, gin.H{
			"room":         code,
			"participants": records,
			"count":        len(records),
		})
	})

	api.GET("/rooms/:code/link", func(c *gin.Context) {
		code, err := domain.NormalizeRoomCode(c.Param("code"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid room code"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"link": domain.RoomLink(cfg.BaseURL, code)})
	})

	api.GET("/ws/announce", func(c *gin.Context) {
		log.Info().Str("module", "httpapi").Str("sid", c.GetString("client_token")).Msg("relay endpoint hit")
		relay.Handle(ctx, c)
	})

	return r
}
