package env

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// Environment carries the process configuration for one acquisition rig.
type Environment struct {
	ListenAddr      string
	ExportDir       string
	GeneratorWindow string
	Gain            float64
	Window          time.Duration
	WindowBuffer    time.Duration

	// AMQP notification settings; notifications are disabled when URI is
	// empty.
	URI      string
	Exchange string
	DeviceID string
}

// LoadEnv reads configuration from a .env file and the process environment.
// Required variables fail fast; tuning knobs fall back to the rig's known
// constants.
func LoadEnv(logger *zap.Logger) *Environment {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.Fatal("Error loading .env file", zap.Error(err))
	}

	addr, ok := os.LookupEnv("LISTEN_ADDR")
	if !ok {
		logger.Fatal("LISTEN_ADDR not set")
	}
	exportDir, ok := os.LookupEnv("EXPORT_DIR")
	if !ok {
		logger.Fatal("EXPORT_DIR not set")
	}
	e := &Environment{
		ListenAddr:      addr,
		ExportDir:       exportDir,
		GeneratorWindow: lookupString("WAVEGEN_WINDOW", "WaveForms (new workspace)"),
		Gain:            lookupFloat(logger, "WAVEGEN_GAIN", 40),
		Window:          lookupSeconds(logger, "WINDOW_S", 125),
		WindowBuffer:    lookupSeconds(logger, "WINDOW_BUFFER_S", 5),
		URI:             os.Getenv("RABBITMQ_URI"),
		Exchange:        lookupString("AMQP_EXCHANGE", "topic_devices"),
		DeviceID:        lookupString("DEVICE_ID", "wavedaq"),
	}
	return e
}

func lookupString(key, fallback string) string {
	if v, found := os.LookupEnv(key); found {
		return v
	}
	return fallback
}

func lookupFloat(logger *zap.Logger, key string, fallback float64) float64 {
	v, found := os.LookupEnv(key)
	if !found {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		logger.Fatal("Failed to parse "+key, zap.Error(err))
	}
	return f
}

func lookupSeconds(logger *zap.Logger, key string, fallback float64) time.Duration {
	return time.Duration(lookupFloat(logger, key, fallback) * float64(time.Second))
}
