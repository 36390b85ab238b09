// Package httpapi serves the optional debug/stats endpoints of a running
// index: counters, posting introspection and ad-hoc JSON search. It is
// local operator tooling, not a data-plane surface.
package httpapi

import (
	"errors"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/edirooss/spfresh/internal/index/engine"
	"github.com/edirooss/spfresh/internal/index/vectors"
	"github.com/edirooss/spfresh/internal/storage/posting"
)

// ZapLogger is the request-logging middleware shared by every route.
func ZapLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		latency := time.Since(start)
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}

		var errs []error
		for _, ge := range c.Errors {
			if ge.Err != nil {
				errs = append(errs, ge.Err)
			}
		}
		joinedErr := errors.Join(errs...)

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Duration("latency", latency),
		}
		if joinedErr != nil {
			fields = append(fields, zap.Error(joinedErr))
		}

		switch {
		case status >= 500:
			log.Error("request", fields...)
		case status >= 400:
			log.Warn("request", fields...)
		default:
			log.Info("request", fields...)
		}
	}
}

type searchReq struct {
	Query []float64 `json:"query" binding:"required"`
	K     int       `json:"k" binding:"required,min=1"`
}

type postingRecord struct {
	Vid     uint32 `json:"vid"`
	Version uint8  `json:"version"`
	Live    bool   `json:"live"`
}

// Routes builds the gin engine over a running index.
func Routes[T vectors.Element](e *engine.Engine[T], log *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	// CORS (dev only)
	if os.Getenv("ENV") == "dev" {
		r.Use(cors.New(cors.Config{
			AllowOrigins: []string{"http://localhost:5173"},
			AllowMethods: []string{"GET", "POST", "OPTIONS"},
			AllowHeaders: []string{"Content-Type"},
			MaxAge:       12 * time.Hour,
		}))
	}

	r.Use(ZapLogger(log))

	r.GET("/api/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})

	r.GET("/api/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, e.Stats())
	})

	r.GET("/api/routing", func(c *gin.Context) {
		c.JSON(http.StatusOK, e.Router().Bindings())
	})

	r.GET("/api/postings/:pid", func(c *gin.Context) {
		pid64, err := strconv.ParseUint(c.Param("pid"), 10, 32)
		if err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusBadRequest, gin.H{"message": "invalid pid"})
			return
		}
		pid := uint32(pid64)

		blob, err := e.Store().Get(pid)
		if err != nil {
			if errors.Is(err, posting.ErrNotFound) {
				_ = c.Error(err)
				c.JSON(http.StatusNotFound, gin.H{"message": posting.ErrNotFound.Error()})
				return
			}
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
			return
		}
		recs, err := vectors.DecodePosting[T](blob, e.Dim())
		if err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
			return
		}
		out := make([]postingRecord, 0, len(recs))
		for _, rec := range recs {
			out = append(out, postingRecord{
				Vid:     rec.Vid,
				Version: rec.Version,
				Live:    e.Versions().Live(rec.Vid, rec.Version),
			})
		}
		c.JSON(http.StatusOK, gin.H{"pid": pid, "records": out})
	})

	r.POST("/api/search", func(c *gin.Context) {
		var req searchReq
		if err := c.ShouldBindJSON(&req); err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
			return
		}
		query := make([]T, len(req.Query))
		for i, v := range req.Query {
			query[i] = T(v)
		}
		results, err := e.Search(query, req.K)
		if err != nil {
			if errors.Is(err, engine.ErrDimensionMismatch) || errors.Is(err, engine.ErrEmptyIndex) {
				_ = c.Error(err)
				c.JSON(http.StatusUnprocessableEntity, gin.H{"message": err.Error()})
				return
			}
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"results": results})
	})

	return r
}
