package main

import (
	"log/slog"
	"os"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/tendant/chi-demo/app"

	"github.com/skillprep/devicebind/pkg/config"
	"github.com/skillprep/devicebind/pkg/device"
	deviceapi "github.com/skillprep/devicebind/pkg/device/api"
)

// Runs the device binding service against the in-memory repository.
// Useful for local development and demos; state is lost on restart.
func main() {
	cfg := struct {
		DeviceConfig config.DeviceConfig
		AppConfig    app.AppConfig
	}{}
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		slog.Error("Failed to read environment variables", "err", err)
		os.Exit(-1)
	}

	server := app.DefaultApp()
	app.RoutesHealthz(server.R)

	repo := device.NewInMemDeviceRepository()
	hasher := device.NewHasher(cfg.DeviceConfig.FingerprintSecret)
	deviceService := device.NewDeviceService(repo, hasher, device.NewSlogAuditSink(nil))

	deviceHandler := deviceapi.NewDeviceHandler(deviceService)
	server.R.Mount("/api/device", deviceapi.Handler(deviceHandler))

	server.Run()
}
