package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/rajivgeraev/bookswap-api/internal/config"
	"github.com/rajivgeraev/bookswap-api/internal/db"
	"github.com/rajivgeraev/bookswap-api/internal/db/mgo"
	"github.com/rajivgeraev/bookswap-api/internal/lock"
	"github.com/rajivgeraev/bookswap-api/internal/logger"
	"github.com/rajivgeraev/bookswap-api/internal/middleware"
	"github.com/rajivgeraev/bookswap-api/internal/notify"
	"github.com/rajivgeraev/bookswap-api/internal/services/auth"
	"github.com/rajivgeraev/bookswap-api/internal/services/chat"
	"github.com/rajivgeraev/bookswap-api/internal/services/maintenance"
	"github.com/rajivgeraev/bookswap-api/internal/services/reporting"
	"github.com/rajivgeraev/bookswap-api/internal/services/swap"
	"github.com/rajivgeraev/bookswap-api/internal/store"
	"github.com/rajivgeraev/bookswap-api/internal/store/memory"
	"github.com/rajivgeraev/bookswap-api/internal/utils"
)

const shutdownTimeout = 15 * time.Second

func main() {
	sweepOnce := flag.Bool("sweep-once", false, "выполнить один обход и завершиться")
	flag.Parse()

	// Загружаем конфигурацию
	cfg, err := config.LoadConfig()
	if err != nil {
		zap.NewExample().Fatal("❌ Ошибка конфигурации", zap.Error(err))
	}

	log := logger.New(cfg.AppEnv)
	defer func() { _ = log.Sync() }()
	if !cfg.EnvFileLoaded {
		log.Info("Файл .env не найден, используются переменные окружения")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Инициализируем хранилище
	st, err := openStore(ctx, cfg, log)
	if err != nil {
		log.Fatal("❌ Ошибка при инициализации хранилища", zap.Error(err))
	}
	defer func() { _ = st.Close(context.Background()) }()

	dispatcher, closeNotify := openDispatcher(cfg, log)
	defer closeNotify()

	locker, closeLock := openLocker(cfg, log)
	defer closeLock()

	// Создаём сервисы
	reports := reporting.NewService(st, log,
		reporting.WithPolicy(reporting.Policy{
			Threshold:    cfg.Policy.ReportThreshold,
			FlagDuration: cfg.Policy.FlagDuration,
		}),
		reporting.WithNotifier(dispatcher))
	swaps := swap.NewService(st, reports, log, swap.WithNotifier(dispatcher))
	chats := chat.NewChatService(st, log, chat.WithNotifier(dispatcher))
	sweeper := maintenance.NewSweeper(st, swaps, reports, log,
		maintenance.WithConfig(maintenance.Config{
			StaleAfter:       cfg.Sweep.StaleAfter,
			ExpiredRetention: cfg.Sweep.ExpiredRetention,
			Timeout:          cfg.Sweep.Timeout,
		}),
		maintenance.WithLocker(locker),
		maintenance.WithNotifier(dispatcher))

	if *sweepOnce {
		sum, err := sweeper.Run(ctx)
		if err != nil {
			log.Fatal("❌ Обход завершился ошибкой", zap.Error(err))
		}
		log.Info("✅ Обход завершён", zap.Int("changes", sum.Changes()), zap.Duration("duration", sum.Duration))
		return
	}

	scheduler, err := maintenance.NewScheduler(cfg.Sweep.Schedule, sweeper, log)
	if err != nil {
		log.Fatal("❌ Неверное расписание обхода", zap.String("schedule", cfg.Sweep.Schedule), zap.Error(err))
	}

	// Создаём экземпляр Fiber
	app := fiber.New(fiber.Config{
		AppName:      "BookSwap API",
		ErrorHandler: errorHandler,
	})

	// Добавляем middleware
	app.Use(recover.New())
	app.Use(fiberlogger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowCredentials: false,
	}))

	// Настраиваем middleware для аутентификации
	jwtService := utils.NewJWTService(cfg.JWTSecret)
	authMiddleware := middleware.AuthMiddleware(jwtService)
	flagGate := middleware.FlagGate(st.Users, time.Now)

	// Регистрируем маршруты
	auth.NewAuthService(cfg, st.Users, jwtService, log).SetupRoutes(app, authMiddleware)
	swaps.SetupRoutes(app, authMiddleware, flagGate)
	chats.SetupRoutes(app, authMiddleware, flagGate)
	reports.SetupRoutes(app, authMiddleware)

	scheduler.Start()

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := app.ShutdownWithContext(sctx); err != nil {
			log.Warn("ошибка при остановке HTTP сервера", zap.Error(err))
		}
	}()

	// Запускаем сервер
	log.Info("✅ BookSwap API запущен", zap.String("port", cfg.Port), zap.String("store", cfg.StoreDriver))
	if err := app.Listen(":" + cfg.Port); err != nil {
		log.Error("❌ HTTP сервер остановлен с ошибкой", zap.Error(err))
	}

	select {
	case <-scheduler.Stop().Done():
	case <-time.After(shutdownTimeout):
		log.Warn("обход не завершился до остановки")
	}
}

func openStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (*store.Store, error) {
	switch cfg.StoreDriver {
	case config.DriverMongo:
		return mgo.Open(ctx, cfg.MongoConfig.URI, cfg.MongoConfig.Database, log)
	case config.DriverMemory:
		log.Warn("используется хранилище в памяти, данные не сохраняются")
		return memory.New(), nil
	default:
		return db.Open(ctx, cfg.DatabaseURL, log)
	}
}

// openDispatcher: журнал событий всегда, NATS - если задан NATS_URL
func openDispatcher(cfg *config.Config, log *zap.Logger) (notify.Dispatcher, func()) {
	sinks := notify.Multi{notify.NewLogDispatcher(log)}
	if cfg.NATSConfig.URL == "" {
		return sinks, func() {}
	}
	nd, err := notify.ConnectNATS(cfg.NATSConfig.URL, cfg.NATSConfig.SubjectPrefix, log)
	if err != nil {
		log.Warn("NATS недоступен, уведомления только в журнал", zap.Error(err))
		return sinks, func() {}
	}
	return append(sinks, nd), nd.Close
}

// openLocker: Redis, если задан REDIS_ADDR, иначе блокировка в процессе
func openLocker(cfg *config.Config, log *zap.Logger) (lock.Locker, func()) {
	if cfg.RedisConfig.Addr == "" {
		return lock.NewLocalLocker(), func() {}
	}
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{cfg.RedisConfig.Addr},
		Password: cfg.RedisConfig.Password,
		DB:       cfg.RedisConfig.DB,
	})
	log.Info("блокировка обхода через Redis", zap.String("addr", cfg.RedisConfig.Addr))
	return lock.NewRedisLocker(rdb, "bookswap:"), func() { _ = rdb.Close() }
}

// errorHandler обрабатывает ошибки Fiber
func errorHandler(c fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError

	// Проверяем, является ли ошибка из Fiber
	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
	}

	// Отправляем ошибку в JSON
	return c.Status(code).JSON(fiber.Map{
		"error": err.Error(),
	})
}
