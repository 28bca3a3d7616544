package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
	"github.com/tendant/chi-demo/app"
	dbutils "github.com/tendant/db-utils/db"

	"github.com/skillprep/devicebind/pkg/config"
	"github.com/skillprep/devicebind/pkg/device"
	deviceapi "github.com/skillprep/devicebind/pkg/device/api"
)

type Config struct {
	DbConfig     config.DatabaseConfig
	DeviceConfig config.DeviceConfig
	AppConfig    app.AppConfig
}

func main() {
	// Load environment variables from .env file if present
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, proceeding with environment variables")
	}

	cfg := Config{}
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		slog.Error("Failed to read environment variables", "err", err)
		os.Exit(-1)
	}

	server := app.DefaultApp()
	app.RoutesHealthz(server.R)
	app.RoutesHealthzReady(server.R)

	dbConfig := cfg.DbConfig.ToDbConfig()
	pool, err := dbutils.NewDbPool(context.Background(), dbConfig)
	if err != nil {
		slog.Error("Failed creating dbpool", "db", dbConfig.Database, "host", dbConfig.Host, "port", dbConfig.Port, "user", dbConfig.User)
		os.Exit(-1)
	}

	repo, err := device.NewDeviceRepository(cfg.DeviceConfig.PersistenceType, device.RepositoryConfig{DB: pool})
	if err != nil {
		slog.Error("Failed creating device repository", "persistence", cfg.DeviceConfig.PersistenceType, "err", err)
		os.Exit(-1)
	}

	hasher := device.NewHasher(cfg.DeviceConfig.FingerprintSecret)
	deviceService := device.NewDeviceService(repo, hasher, device.NewSlogAuditSink(nil))

	deviceHandler := deviceapi.NewDeviceHandler(deviceService)
	server.R.Mount("/api/device", deviceapi.Handler(deviceHandler))

	server.Run()
}
