package api

import (
	"github.com/gin-gonic/gin"

	"github.com/mosaic-hq/provisio"
	"github.com/mosaic-hq/provisio/api/middleware"
	"github.com/mosaic-hq/provisio/config"
)

type Api struct {
	provisio *provisio.Provisio
	router   *gin.Engine
}

func (a Api) Router() *gin.Engine {
	router := a.router
	router.POST("/projects", a.CreateProject)
	router.GET("/projects/:id", a.GetProject)
	router.GET("/projects", a.GetAllProjects)
	router.DELETE("/projects/:id", a.DeleteProject)

	router.POST("/projects/:id/provision", a.ProvisionProject)
	router.PUT("/projects/:id/sync-status", a.UpdateSyncStatus)
	return a.router
}

func NewAPI(p *provisio.Provisio) *Api {
	gin.SetMode(gin.ReleaseMode)
	conf, err := config.Fetch()
	if err != nil {
		return nil
	}
	r := gin.Default()
	if conf.Server.Secure {
		r.Use(middleware.SecretKeyAuthMiddleware())
	}
	r.Use(middleware.RateLimitMiddleware(conf))

	r.GET("/", func(c *gin.Context) {
		c.JSON(200, "server running...")
	})

	return &Api{provisio: p, router: r}
}
