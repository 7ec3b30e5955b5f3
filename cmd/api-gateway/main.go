package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/campusmx/gradebook-api/api/swagger"
	"github.com/campusmx/gradebook-api/internal/handler"
	"github.com/campusmx/gradebook-api/internal/middleware"
	"github.com/campusmx/gradebook-api/internal/models"
	"github.com/campusmx/gradebook-api/internal/repository"
	"github.com/campusmx/gradebook-api/internal/service"
	"github.com/campusmx/gradebook-api/pkg/cache"
	"github.com/campusmx/gradebook-api/pkg/config"
	"github.com/campusmx/gradebook-api/pkg/database"
	"github.com/campusmx/gradebook-api/pkg/export"
	"github.com/campusmx/gradebook-api/pkg/jobs"
	"github.com/campusmx/gradebook-api/pkg/logger"
	corsmiddleware "github.com/campusmx/gradebook-api/pkg/middleware/cors"
	reqidmiddleware "github.com/campusmx/gradebook-api/pkg/middleware/requestid"
	"github.com/campusmx/gradebook-api/pkg/storage"
)

// @title Gradebook API
// @version 1.0.0
// @description School grade ledger, teaching assignments and aggregate reporting
// @BasePath /api/v1
// @schemes http

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close() //nolint:errcheck

	validate := validator.New()
	metricsService := service.NewMetricsService()

	// Repositories.
	studentRepo := repository.NewStudentRepository(db)
	teacherRepo := repository.NewTeacherRepository(db)
	subjectRepo := repository.NewSubjectRepository(db)
	assignmentRepo := repository.NewAssignmentRepository(db)
	gradeRepo := repository.NewGradeRepository(db)
	userRepo := repository.NewUserRepository(db)
	reportRepo := repository.NewReportRepository(db)

	// Cache is optional; a failed Redis connection degrades to cache-off.
	cacheService := service.NewCacheService(nil, metricsService, cfg.Aggregates.CacheTTL, logr, false)
	if cfg.Aggregates.CacheEnabled {
		redisClient, err := cache.NewRedis(cfg.Redis)
		if err != nil {
			logr.Sugar().Warnw("redis unavailable, aggregate cache disabled", "error", err)
		} else {
			defer redisClient.Close() //nolint:errcheck
			cacheRepo := repository.NewCacheRepository(redisClient, logr)
			cacheService = service.NewCacheService(cacheRepo, metricsService, cfg.Aggregates.CacheTTL, logr, true)
		}
	}

	// Services.
	authService := service.NewAuthService(userRepo, validate, logr, service.AuthConfig{
		AccessTokenSecret:  cfg.JWT.Secret,
		AccessTokenExpiry:  cfg.JWT.Expiration,
		RefreshTokenExpiry: cfg.JWT.RefreshExpiration,
		Issuer:             cfg.JWT.Issuer,
	})
	studentService := service.NewStudentService(studentRepo, validate, logr)
	assignmentService := service.NewAssignmentService(assignmentRepo, studentRepo, teacherRepo, subjectRepo, validate, logr)
	teacherService := service.NewTeacherService(teacherRepo, studentRepo, assignmentService, validate, logr)
	subjectService := service.NewSubjectService(subjectRepo, validate, logr)

	gradeService := service.NewGradeService(gradeRepo, assignmentService, studentRepo, cacheService, metricsService, validate, logr)
	aggregateService := service.NewAggregateService(gradeRepo, studentRepo, assignmentRepo, cacheService, cfg.Aggregates.CacheTTL, logr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Report export pipeline.
	var reportHandler *handler.ReportHandler
	var reportQueue *jobs.Queue
	if cfg.Reports.Enabled {
		store, err := storage.NewLocalStorage(cfg.Reports.StorageDir)
		if err != nil {
			logr.Sugar().Fatalw("failed to init report storage", "error", err)
		}
		signer := storage.NewSignedURLSigner(cfg.Reports.SignedURLSecret, cfg.Reports.SignedURLTTL)
		exportService := service.NewExportService(aggregateService, store, signer, service.ExportConfig{
			APIPrefix: cfg.APIPrefix,
			ResultTTL: cfg.Reports.SignedURLTTL,
		}, logr, export.NewCSVExporter(), export.NewPDFExporter())

		worker := service.NewReportWorker(reportRepo, exportService, metricsService, cfg.Reports.WorkerRetries, logr)
		reportQueue = jobs.NewQueue("reports", worker.Handle, jobs.QueueConfig{
			Workers:    cfg.Reports.WorkerConcurrency,
			MaxRetries: cfg.Reports.WorkerRetries,
			Logger:     logr,
		})
		reportQueue.Start(ctx)
		defer reportQueue.Stop()

		reportService := service.NewReportService(reportRepo, assignmentService, reportQueue, exportService, logr, service.ReportServiceConfig{
			ResultTTL:       cfg.Reports.SignedURLTTL,
			CleanupInterval: cfg.Reports.CleanupInterval,
			MaxRetries:      cfg.Reports.WorkerRetries,
		})
		reportService.RecoverPendingJobs(ctx)
		reportService.StartCleanup(ctx)

		reportHandler = handler.NewReportHandler(aggregateService, reportService)
	} else {
		reportHandler = handler.NewReportHandler(aggregateService, nil)
	}

	// Handlers.
	authHandler := handler.NewAuthHandler(authService)
	studentHandler := handler.NewStudentHandler(studentService, assignmentService, aggregateService)
	teacherHandler := handler.NewTeacherHandler(teacherService, assignmentService, gradeService, aggregateService)
	subjectHandler := handler.NewSubjectHandler(subjectService, assignmentService)
	assignmentHandler := handler.NewAssignmentHandler(assignmentService)
	gradeHandler := handler.NewGradeHandler(gradeService, aggregateService)
	metricsHandler := handler.NewMetricsHandler(metricsService)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsService))

	r.GET("/health", metricsHandler.Health)
	r.GET("/metrics", metricsHandler.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	registerRoutes(r, cfg, authService, authHandler, studentHandler, teacherHandler, subjectHandler, assignmentHandler, gradeHandler, reportHandler, metricsHandler, cfg.Reports.Enabled)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Sugar().Infow("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Warnw("graceful shutdown failed", "error", err)
	}
}

func registerRoutes(
	r *gin.Engine,
	cfg *config.Config,
	authService *service.AuthService,
	authHandler *handler.AuthHandler,
	studentHandler *handler.StudentHandler,
	teacherHandler *handler.TeacherHandler,
	subjectHandler *handler.SubjectHandler,
	assignmentHandler *handler.AssignmentHandler,
	gradeHandler *handler.GradeHandler,
	reportHandler *handler.ReportHandler,
	metricsHandler *handler.MetricsHandler,
	reportsEnabled bool,
) {
	api := r.Group(cfg.APIPrefix)

	auth := api.Group("/auth")
	auth.POST("/login", authHandler.Login)
	auth.POST("/refresh", authHandler.Refresh)
	auth.POST("/logout", middleware.JWT(authService), authHandler.Logout)
	auth.GET("/me", middleware.JWT(authService), authHandler.Me)

	// Signed token downloads carry their own authorization.
	if reportsEnabled {
		api.GET("/reports/export/:token", reportHandler.Download)
	}

	protected := api.Group("")
	protected.Use(middleware.JWT(authService))

	staff := middleware.RequireRoles(models.RoleAdmin, models.RoleRegistrar)
	anyRole := middleware.RequireRoles(models.RoleAdmin, models.RoleRegistrar, models.RoleTeacher)
	selfOrStaff := middleware.RBAC(string(models.RoleAdmin), string(models.RoleRegistrar), "SELF")

	students := protected.Group("/students")
	students.GET("", anyRole, studentHandler.List)
	students.POST("", staff, studentHandler.Create)
	students.GET("/:id", anyRole, studentHandler.Get)
	students.PUT("/:id", staff, studentHandler.Update)
	students.GET("/:id/subjects", anyRole, studentHandler.Subjects)
	students.GET("/:id/transcript", anyRole, studentHandler.Transcript)
	students.GET("/:id/average", anyRole, studentHandler.Average)

	teachers := protected.Group("/teachers")
	teachers.GET("", anyRole, teacherHandler.List)
	teachers.POST("", staff, teacherHandler.Create)
	teachers.GET("/:id", anyRole, teacherHandler.Get)
	teachers.PUT("/:id", staff, teacherHandler.Update)
	teachers.GET("/:id/groups", selfOrStaff, teacherHandler.Groups)
	teachers.GET("/:id/groups/average", selfOrStaff, teacherHandler.GroupAverage)
	teachers.GET("/:id/assignments", selfOrStaff, teacherHandler.Assignments)
	teachers.GET("/:id/students", selfOrStaff, teacherHandler.Students)
	teachers.GET("/:id/grades", selfOrStaff, teacherHandler.Grades)

	subjects := protected.Group("/subjects")
	subjects.GET("", anyRole, subjectHandler.List)
	subjects.POST("", staff, subjectHandler.Create)
	subjects.GET("/:id", anyRole, subjectHandler.Get)
	subjects.PUT("/:id", staff, subjectHandler.Update)
	subjects.GET("/:id/assignments", anyRole, subjectHandler.Assignments)
	subjects.POST("/:id/assignments/sync", staff, subjectHandler.SyncAssignments)

	assignments := protected.Group("/assignments")
	assignments.POST("", staff, assignmentHandler.Assign)
	assignments.DELETE("/:id", staff, assignmentHandler.Unassign)

	grades := protected.Group("/grades")
	grades.POST("", anyRole, gradeHandler.Submit)
	grades.DELETE("/:id", staff, gradeHandler.Delete)
	grades.GET("/history", anyRole, gradeHandler.History)
	grades.GET("/current", anyRole, gradeHandler.Current)

	reports := protected.Group("/reports")
	reports.GET("/school", staff, reportHandler.SchoolReport)
	reports.GET("/system-average", staff, reportHandler.SystemAverage)
	if reportsEnabled {
		reports.POST("/jobs", anyRole, reportHandler.CreateJob)
		reports.GET("/jobs/:id", anyRole, reportHandler.JobStatus)
	}

	protected.GET("/metrics/snapshot", staff, metricsHandler.Snapshot)
}
