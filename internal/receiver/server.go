// Package receiver implements the companion server that accepts image
// counts and uploads from photosync agents.
package receiver

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/imagecount/photosync/internal/config"
	"github.com/imagecount/photosync/internal/metrics"
)

// collisionLayout is appended to a file name that already exists.
const collisionLayout = "20060102_150405"

var statusExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".gif":  true,
	".bmp":  true,
}

// Server represents the receiver HTTP server.
type Server struct {
	fs     afero.Fs
	dir    string
	logger *zap.SugaredLogger
	router *gin.Engine
	now    func() time.Time

	reported atomic.Int64
	saveMu   sync.Mutex
}

// New creates a receiver that stores uploads below cfg.UploadDir on fs.
func New(cfg config.ReceiverConfig, fs afero.Fs, logger *zap.SugaredLogger) (*Server, error) {
	if err := fs.MkdirAll(cfg.UploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload directory %s: %w", cfg.UploadDir, err)
	}

	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		fs:     fs,
		dir:    cfg.UploadDir,
		logger: logger,
		router: gin.New(),
		now:    time.Now,
	}

	s.setupRoutes()
	return s, nil
}

// Router returns the gin router.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// ReportedCount returns the last image count an agent reported.
func (s *Server) ReportedCount() int64 {
	return s.reported.Load()
}

func (s *Server) setupRoutes() {
	s.router.Use(gin.Recovery())
	s.router.Use(s.loggingMiddleware())

	s.router.GET("/health", s.healthHandler)

	s.router.POST("/update_count", s.updateCountHandler)
	s.router.GET("/get_count", s.getCountHandler)
	s.router.POST("/upload_image", s.uploadImageHandler)
	s.router.GET("/status", s.statusHandler)
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		s.logger.Debugw("Request completed",
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"method", c.Request.Method,
			"duration", time.Since(start),
		)
	}
}

func (s *Server) healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "photosync-receiver",
	})
}

func (s *Server) updateCountHandler(c *gin.Context) {
	var req CountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(fmt.Sprintf("Invalid request body: %v", err)))
		return
	}
	if req.Count == nil {
		c.JSON(http.StatusBadRequest, errorResponse("No count provided"))
		return
	}

	s.reported.Store(*req.Count)
	s.logger.Infow("Received new image count", "count", *req.Count, "remote", c.ClientIP())

	c.JSON(http.StatusOK, gin.H{
		"status": "success",
		"count":  *req.Count,
	})
}

func (s *Server) getCountHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"count": s.reported.Load(),
	})
}

func (s *Server) uploadImageHandler(c *gin.Context) {
	header, err := c.FormFile("image")
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("No image file in request"))
		return
	}

	name := filepath.Base(filepath.Clean("/" + header.Filename))
	if header.Filename == "" || name == "/" || name == "." {
		c.JSON(http.StatusBadRequest, errorResponse("No selected file"))
		return
	}

	src, err := header.Open()
	if err != nil {
		s.logger.Errorw("Failed to open upload", "filename", header.Filename, "error", err)
		c.JSON(http.StatusInternalServerError, errorResponse(err.Error()))
		return
	}
	defer func() { _ = src.Close() }()

	data, err := io.ReadAll(src)
	if err != nil {
		s.logger.Errorw("Failed to read upload", "filename", header.Filename, "error", err)
		c.JSON(http.StatusInternalServerError, errorResponse(err.Error()))
		return
	}

	path, err := s.save(name, data)
	if err != nil {
		s.logger.Errorw("Failed to save image", "filename", name, "error", err)
		c.JSON(http.StatusInternalServerError, errorResponse(err.Error()))
		return
	}

	size := int64(len(data))
	contentType := mimetype.Detect(data).String()
	metrics.RecordReceivedImage(size)
	s.logger.Infow("Saved image",
		"path", path,
		"size_kb", fmt.Sprintf("%.2f", float64(size)/1024),
		"content_type", contentType,
	)

	c.JSON(http.StatusOK, UploadResponse{
		Status:      "success",
		Message:     "Image uploaded successfully",
		FilePath:    path,
		Size:        size,
		ContentType: contentType,
	})
}

// save writes data under the upload directory. An existing file is never
// overwritten; the new file gets a timestamp suffix instead.
func (s *Server) save(name string, data []byte) (string, error) {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	path := filepath.Join(s.dir, name)
	exists, err := afero.Exists(s.fs, path)
	if err != nil {
		return "", err
	}
	if exists {
		ext := filepath.Ext(name)
		base := strings.TrimSuffix(name, ext)
		stamp := s.now().Format(collisionLayout)

		path = filepath.Join(s.dir, fmt.Sprintf("%s_%s%s", base, stamp, ext))
		for n := 2; ; n++ {
			taken, err := afero.Exists(s.fs, path)
			if err != nil {
				return "", err
			}
			if !taken {
				break
			}
			path = filepath.Join(s.dir, fmt.Sprintf("%s_%s_%d%s", base, stamp, n, ext))
		}
	}

	if err := afero.WriteFile(s.fs, path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func (s *Server) statusHandler(c *gin.Context) {
	var images int
	var totalSize int64

	err := afero.Walk(s.fs, s.dir, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !statusExtensions[strings.ToLower(filepath.Ext(info.Name()))] {
			return nil
		}
		images++
		totalSize += info.Size()
		return nil
	})
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Errorw("Failed to scan upload directory", "dir", s.dir, "error", err)
		c.JSON(http.StatusInternalServerError, errorResponse(err.Error()))
		return
	}

	c.JSON(http.StatusOK, StatusResponse{
		Status:             "success",
		TotalImages:        images,
		TotalSizeMB:        float64(totalSize) / (1024 * 1024),
		UploadDirectory:    s.dir,
		ReportedImageCount: s.reported.Load(),
	})
}

func errorResponse(message string) gin.H {
	return gin.H{
		"status":  "error",
		"message": message,
	}
}
