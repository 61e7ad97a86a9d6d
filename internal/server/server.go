package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/petermazzocco/imagehost/internal/admission"
	"github.com/petermazzocco/imagehost/internal/auth"
	"github.com/petermazzocco/imagehost/internal/clientip"
	"github.com/petermazzocco/imagehost/internal/config"
	"github.com/petermazzocco/imagehost/internal/handlers"
	"github.com/petermazzocco/imagehost/internal/quota"
	"github.com/petermazzocco/imagehost/internal/render"
	"github.com/petermazzocco/imagehost/internal/security"
	"github.com/petermazzocco/imagehost/internal/storage"
	"github.com/petermazzocco/imagehost/internal/store"
)

// UploadPath is where the upload form posts. The quota filter only guards it.
const UploadPath = "/"

type Server struct {
	httpServer *http.Server
	cfg        *config.Config
	log        *zap.Logger
}

func New(cfg *config.Config, log *zap.Logger, db *gorm.DB, files storage.Storage) (*Server, error) {
	router, err := NewRouter(cfg, log, db, files)
	if err != nil {
		return nil, err
	}

	server := &Server{
		httpServer: &http.Server{
			Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			MaxHeaderBytes:    1 << 20, // 1 MB
		},
		cfg: cfg,
		log: log,
	}

	log.Info("Server created successfully",
		zap.String("host", cfg.Server.Host),
		zap.String("port", cfg.Server.Port))

	return server, nil
}

// NewStorage picks the file backend named by the configuration.
func NewStorage(ctx context.Context, cfg *config.Config, log *zap.Logger) (storage.Storage, error) {
	switch cfg.Storage.Backend {
	case "s3":
		files, err := storage.NewS3(ctx, storage.S3Config{
			Endpoint:        cfg.Storage.Endpoint,
			Region:          cfg.Storage.Region,
			Bucket:          cfg.Storage.Bucket,
			AccessKeyID:     cfg.Storage.AccessKeyID,
			SecretAccessKey: cfg.Storage.SecretAccessKey,
			PublicURL:       cfg.Storage.PublicURL,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("failed to create S3 storage: %w", err)
		}
		return files, nil
	default:
		return storage.NewLocal(cfg.App.MediaRoot, cfg.App.MediaURL, log), nil
	}
}

// NewRouter wires every route behind the shared filter chain. The admission
// filters run after the host check and before the origin check and
// authentication, so an oversized or over-quota upload is always answered
// with 413 or 429.
func NewRouter(cfg *config.Config, log *zap.Logger, db *gorm.DB, files storage.Storage) (http.Handler, error) {
	rend, err := render.New()
	if err != nil {
		return nil, fmt.Errorf("failed to load templates: %w", err)
	}

	images := store.NewImageStore(db)
	users := store.NewUserStore(db)
	policy := cfg.Policy()
	evaluator := quota.NewEvaluator(images, cfg.App.Location)

	cookies := auth.NewCookieStore(cfg.Security.SecretKey, cfg.Security.SecureCookies)
	sessions := auth.NewSessions(cookies)
	oauth := auth.UseGoogle(cfg.OAuth.GoogleKey, cfg.OAuth.GoogleSecret, cfg.OAuth.GoogleCallbackURL, cookies)

	imageHandler := &handlers.ImageHandler{
		Images:        images,
		Users:         users,
		Files:         files,
		Quota:         evaluator,
		Policy:        policy,
		MaxUploadSize: cfg.App.MaxUploadSize,
		Location:      cfg.App.Location,
		Render:        rend,
		Log:           log,
	}
	userHandler := &handlers.UserHandler{
		Users:    users,
		Sessions: sessions,
		Render:   rend,
		Log:      log,
		OAuth:    oauth,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(log))
	r.Use(security.Headers)
	r.Use(security.AllowedHosts(cfg.Security.AllowedHosts, cfg.App.Debug, log))
	r.Use(admission.BodySize(cfg.App.MaxUploadSize, log))
	r.Use(admission.Quota(evaluator, policy, UploadPath, log))
	r.Use(security.TrustedOrigins(cfg.Security.TrustedOrigins, log))
	r.Use(sessions.Middleware)

	r.Get("/health", handlers.HealthCheck)

	if cfg.Storage.Backend == "local" {
		mediaURL := cfg.App.MediaURL
		if !strings.HasSuffix(mediaURL, "/") {
			mediaURL += "/"
		}
		r.Handle(mediaURL+"*", http.StripPrefix(mediaURL, mediaFiles(cfg.App.MediaRoot)))
	}

	r.Group(func(r chi.Router) {
		r.Use(httprate.Limit(
			cfg.Security.AuthRateLimit,
			1*time.Minute,
			httprate.WithKeyFuncs(keyByClientIP, httprate.KeyByEndpoint),
		))
		r.Get("/register", userHandler.RegisterForm)
		r.Post("/register", userHandler.Register)
		r.Get("/login", userHandler.LoginForm)
		r.Post("/login", userHandler.Login)
		if oauth {
			r.Get("/auth/{provider}", userHandler.BeginOAuth)
			r.Get("/auth/{provider}/callback", userHandler.OAuthCallback)
		}
	})
	r.Post("/logout", userHandler.Logout)

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireUser)
		r.Get(UploadPath, imageHandler.UploadForm)
		r.Post(UploadPath, imageHandler.Upload)
		r.Get("/image/{publicID}", imageHandler.Detail)
		r.HandleFunc("/image/{publicID}/delete", imageHandler.Delete)
		r.Get("/images", imageHandler.List)
	})

	return r, nil
}

func keyByClientIP(r *http.Request) (string, error) {
	return clientip.Resolve(r), nil
}

// mediaFiles serves stored uploads without directory listings.
func mediaFiles(root string) http.Handler {
	fs := http.FileServer(http.Dir(root))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "" || strings.HasSuffix(r.URL.Path, "/") {
			http.NotFound(w, r)
			return
		}
		fs.ServeHTTP(w, r)
	})
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("ip", clientip.Resolve(r)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			}
			switch {
			case ww.Status() >= 500:
				log.Error("Request failed", fields...)
			case ww.Status() >= 400:
				log.Warn("Request rejected", fields...)
			default:
				log.Info("Request served", fields...)
			}
		})
	}
}

func (s *Server) Run() error {
	s.log.Info("Server is running",
		zap.String("host", s.cfg.Server.Host),
		zap.String("port", s.cfg.Server.Port),
		zap.String("address", s.httpServer.Addr))

	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down server")
	return s.httpServer.Shutdown(ctx)
}
