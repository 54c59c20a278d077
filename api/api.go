package api

import (
	"github.com/gin-gonic/gin"

	"github.com/hoverpay/topup"
	"github.com/hoverpay/topup/api/middleware"
	"github.com/hoverpay/topup/config"
)

type Api struct {
	engine *topup.Engine
	router *gin.Engine
}

func (a Api) Router() *gin.Engine {
	router := a.router
	router.POST("/recharges", a.SubmitRecharge)
	router.GET("/recharges/:id", a.GetTransaction)
	router.POST("/recharges/:id/confirm", a.ConfirmReceipt)
	router.POST("/recharges/:id/dispute", a.DisputeReceipt)

	router.GET("/offers/:region", a.GetOfferings)
	return a.router
}

func NewAPI(e *topup.Engine) *Api {
	gin.SetMode(gin.ReleaseMode)
	conf, err := config.Fetch()
	if err != nil {
		return nil
	}
	r := gin.Default()
	r.Use(middleware.RateLimitMiddleware(conf))
	if conf.Server.Secure {
		r.Use(middleware.SecretKeyAuthMiddleware())
	}

	r.GET("/", func(c *gin.Context) {
		c.JSON(200, "server running...")
	})

	return &Api{engine: e, router: r}
}
