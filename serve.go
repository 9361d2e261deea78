package main

import (
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/devatadev/gowvcdm/logger"
	"github.com/devatadev/gowvcdm/wv"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	secretKeyHeader = "X-Secret-Key"
	requestIdHeader = "X-Request-Id"
)

type server struct {
	config  *Config
	devices map[string]wv.Device
	logger  *zap.Logger
	metrics *metrics

	mu   sync.Mutex
	cdms map[string]*wv.CDM
}

func newServer(config *Config, devices map[string]wv.Device, logger *zap.Logger) *server {
	return &server{
		config:  config,
		devices: devices,
		logger:  logger,
		metrics: newMetrics(),
		cdms:    make(map[string]*wv.CDM),
	}
}

func main() {
	config, err := loadConfig()
	if err != nil {
		logger.Init("info")
		zap.S().Fatalf("failed to load config: %v", err)
	}
	log := logger.Init(config.Serve.LogLevel)
	defer logger.Sync()

	devices, err := loadDevices(config, log)
	if err != nil {
		log.Fatal("failed to load devices", zap.Error(err))
	}

	router := newServer(config, devices, log).router()

	address := config.Serve.Host + ":" + strconv.FormatInt(config.Serve.Port, 10)
	log.Info("starting server",
		zap.String("address", address),
		zap.String("mode", config.Serve.ginMode()),
		zap.Int("devices", len(devices)))
	if err = router.Run(address); err != nil {
		log.Fatal("server stopped", zap.Error(err))
	}
}

func (s *server) router() *gin.Engine {
	gin.SetMode(s.config.Serve.ginMode())
	// access log goes through zap
	gin.DefaultWriter = io.Discard

	router := gin.New()
	router.Use(gin.Recovery(), s.requestId, s.accessLog, s.responseHeaders)

	router.GET("/metrics", s.metrics.handler())

	api := router.Group("/", s.authenticate)
	api.GET("/", s.status)
	api.HEAD("/", s.status)
	api.GET("/ping", s.ping)
	api.GET("/:device/open", s.openSession)
	api.GET("/:device/close/:session_id", s.closeSession)
	api.POST("/:device/set_service_certificate", s.setServiceCertificate)
	api.POST("/:device/get_service_certificate", s.getServiceCertificate)
	api.POST("/:device/get_license_challenge/:license_type", s.getLicenseChallenge)
	api.POST("/:device/parse_license", s.parseLicense)
	api.POST("/:device/get_keys/:key_type", s.getKeys)

	return router
}

func (s *server) requestId(c *gin.Context) {
	id := c.GetHeader(requestIdHeader)
	if id == "" {
		id = uuid.NewString()
	}
	c.Set("request_id", id)
	c.Header(requestIdHeader, id)
	c.Next()
}

func (s *server) accessLog(c *gin.Context) {
	start := time.Now()
	c.Next()

	route := c.FullPath()
	if route == "" {
		route = "unmatched"
	}
	status := c.Writer.Status()
	s.metrics.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	s.logger.Debug("request",
		zap.String("request_id", c.GetString("request_id")),
		zap.String("method", c.Request.Method),
		zap.String("path", c.Request.URL.Path),
		zap.Int("status", status),
		zap.Duration("latency", time.Since(start)))
}

func (s *server) responseHeaders(c *gin.Context) {
	c.Header("Access-Control-Allow-Origin", "*")
	c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, HEAD, OPTIONS")
	c.Header("Access-Control-Allow-Headers", "Origin, X-Requested-With, Content-Type, Accept, X-Secret-Key")
	c.Header("X-Request-Via", "gowvcdm")
	c.Next()
}

// authenticate resolves the secret key to a configured user.
func (s *server) authenticate(c *gin.Context) {
	secretKey := c.GetHeader(secretKeyHeader)
	if secretKey == "" {
		fail(c, 401, "Unauthorized")
		return
	}
	user, ok := s.config.Users[secretKey]
	if !ok || user.Name == "" {
		fail(c, 401, "Unauthorized")
		return
	}
	c.Set("secret_key", secretKey)
	c.Set("user", user.Name)
	c.Next()
}

func respond(c *gin.Context, message string, data any) {
	body := gin.H{
		"status":  200,
		"message": message,
	}
	if data != nil {
		body["data"] = data
	}
	c.JSON(200, body)
}

func fail(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{
		"status":  status,
		"message": message,
	})
}
