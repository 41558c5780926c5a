package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"paper-ingest/config"
	"paper-ingest/ledger"
	"paper-ingest/manuscript"
	"paper-ingest/models"
	"paper-ingest/problem"
	"paper-ingest/services"
)

// Handlers bündelt die Abhängigkeiten der HTTP-Routen.
type Handlers struct {
	Ingestions  services.Ingester
	Ingestibles *services.IngestibleService
	Ledger      ledger.Ledger
	Logger      *zap.Logger
}

func APIKeyAuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.APISecretKey == "" {
			c.Next()
			return
		}
		apiKey := c.GetHeader("X-API-KEY")
		if apiKey != cfg.APISecretKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, problem.APIError{
				Title:  "Unauthorized: Invalid API Key",
				Status: http.StatusUnauthorized,
			})
			return
		}
		c.Next()
	}
}

// NewRouter baut den gin-Router mit allen Routen.
func NewRouter(cfg *config.Config, h *Handlers) *gin.Engine {
	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(APIKeyAuthMiddleware(cfg))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	setupIngestionRoutes(router, h)
	setupIngestibleRoutes(router, h)
	setupRevisionRoutes(router, h)
	setupWorkRoutes(router, h)
	return router
}

// respondError schreibt den Fehler als APIError. Serverfehler werden geloggt.
func respondError(c *gin.Context, log *zap.Logger, err error) {
	body := problem.FromError(err)
	if body.Status >= http.StatusInternalServerError {
		log.Error("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.AbortWithStatusJSON(body.Status, body)
}

func badRequest(c *gin.Context, format string, args ...any) {
	body := problem.FromError(problem.NewClientError(format, args...))
	c.AbortWithStatusJSON(body.Status, body)
}

func setupIngestionRoutes(router *gin.Engine, h *Handlers) {
	rg := router.Group("/ingestions")
	rg.POST("", func(c *gin.Context) {
		fh, err := c.FormFile("archive")
		if err != nil {
			badRequest(c, "multipart field 'archive' is required")
			return
		}
		var revision *int
		if raw := c.PostForm("revision"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil {
				badRequest(c, "revision must be a number, got %q", raw)
				return
			}
			revision = &n
		}

		f, err := fh.Open()
		if err != nil {
			badRequest(c, "cannot read uploaded archive")
			return
		}
		defer f.Close()

		res, err := h.Ingestions.Ingest(c.Request.Context(), services.IngestRequest{
			Name:     fh.Filename,
			Body:     f,
			Revision: revision,
		})
		if err != nil {
			respondError(c, h.Logger, err)
			return
		}
		c.JSON(http.StatusCreated, res)
	})
}

func setupIngestibleRoutes(router *gin.Engine, h *Handlers) {
	rg := router.Group("/ingestibles")
	rg.GET("", func(c *gin.Context) {
		names, err := h.Ingestibles.List()
		if err != nil {
			respondError(c, h.Logger, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ingestibles": names})
	})
	rg.POST("/:name", func(c *gin.Context) {
		res, err := h.Ingestibles.Ingest(c.Request.Context(), c.Param("name"))
		if err != nil {
			respondError(c, h.Logger, err)
			return
		}
		c.JSON(http.StatusCreated, res)
	})
}

type stateRequest struct {
	DOI      string `json:"doi" binding:"required"`
	Revision int    `json:"revision" binding:"required,min=1"`
	State    string `json:"state" binding:"required"`
}

func setupRevisionRoutes(router *gin.Engine, h *Handlers) {
	rg := router.Group("/articles/revisions")
	rg.GET("", func(c *gin.Context) {
		doi := manuscript.NormalizeDOI(c.Query("doi"))
		rev, err := strconv.Atoi(c.Query("revision"))
		if doi == "" || err != nil {
			badRequest(c, "query parameters 'doi' and numeric 'revision' are required")
			return
		}
		view, err := h.Ledger.Revision(c.Request.Context(), doi, rev)
		if err != nil {
			respondError(c, h.Logger, err)
			return
		}
		c.JSON(http.StatusOK, view)
	})
	rg.GET("/list", func(c *gin.Context) {
		doi := manuscript.NormalizeDOI(c.Query("doi"))
		if doi == "" {
			badRequest(c, "query parameter 'doi' is required")
			return
		}
		rows, err := h.Ledger.Revisions(c.Request.Context(), doi)
		if err != nil {
			respondError(c, h.Logger, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"doi": doi, "revisions": rows})
	})
	rg.PATCH("/state", func(c *gin.Context) {
		var req stateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request body: %v", err)
			return
		}
		state, err := models.ParsePublicationState(req.State)
		if err != nil {
			badRequest(c, "%v", err)
			return
		}
		doi := manuscript.NormalizeDOI(req.DOI)
		if err := h.Ledger.SetState(c.Request.Context(), doi, req.Revision, state); err != nil {
			respondError(c, h.Logger, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"doi": doi, "revision": req.Revision, "state": state})
	})
}

func setupWorkRoutes(router *gin.Engine, h *Handlers) {
	router.GET("/works/:id/files", func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			badRequest(c, "invalid work id")
			return
		}
		files, err := h.Ledger.Files(c.Request.Context(), uint(id))
		if err != nil {
			respondError(c, h.Logger, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"work_id": id, "files": files})
	})
}
