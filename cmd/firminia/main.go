package main

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/chaz8081/firminia/internal/api"
	"github.com/chaz8081/firminia/internal/ble"
	"github.com/chaz8081/firminia/internal/boot"
	"github.com/chaz8081/firminia/internal/button"
	"github.com/chaz8081/firminia/internal/config"
	"github.com/chaz8081/firminia/internal/devconfig"
	"github.com/chaz8081/firminia/internal/display"
	"github.com/chaz8081/firminia/internal/lifecycle"
	"github.com/chaz8081/firminia/internal/nvs"
	"github.com/chaz8081/firminia/internal/ota"
	"github.com/chaz8081/firminia/internal/platform"
	"github.com/chaz8081/firminia/internal/wifi"
)

// device holds the components wired for one boot.
type device struct {
	cfg       *config.Config
	store     *devconfig.Store
	wifi      *wifi.Supervisor
	prov      *ble.Provisioner
	api       *api.Client
	button    *button.Classifier
	screen    display.Renderer
	publicKey *rsa.PublicKey
}

func main() {
	err := run()
	switch {
	case err == nil:
	case errors.Is(err, platform.ErrRestart):
		slog.Info("[Boot] restarting", "reason", err)
		if err := restart(); err != nil {
			log.Fatalf("restart: %v", err)
		}
	default:
		log.Fatalf("boot: %v", err)
	}
}

// run wires the device and executes one boot. It returns nil on shutdown and
// an error wrapping platform.ErrRestart when the device must restart.
func run() error {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/firminia/config.yaml)")
	initConfig := flag.Bool("init-config", false, "write the default config file and exit")
	flag.Parse()

	if *initConfig {
		path, err := config.WriteDefault()
		if err != nil {
			log.Fatalf("init-config: %v", err)
		}
		if path == "" {
			fmt.Println("Config file already exists at", config.DefaultConfigPath())
			return nil
		}
		fmt.Println("Wrote default config to", path)
		return nil
	}

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	slog.SetDefault(slog.New(newLogHandler(cfg)))
	printBanner(cfg)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		log.Fatalf("creating data dir: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Persistent store
	kv, err := openStore(cfg)
	if err != nil {
		log.Fatalf("Failed to open persistent store: %v", err)
	}
	defer kv.Close()
	store := devconfig.NewStore(kv)

	// Button
	input, closeInput, err := openButton(cfg)
	if err != nil {
		log.Fatalf("Failed to open button input: %v", err)
	}
	defer closeInput()
	th := button.DefaultThresholds()
	th.Poll = time.Duration(cfg.Button.PollMs) * time.Millisecond
	classifier := button.NewClassifier(input, nil, th)

	// Wi-Fi
	driver, err := wifi.NewNetworkManagerDriver(cfg.WiFi.Interface)
	if err != nil {
		log.Fatalf("Failed to reach NetworkManager: %v", err)
	}
	defer driver.Close()
	supervisor := wifi.NewSupervisor(driver, cfg.WiFi.ConnectTimeout)
	if err := supervisor.Init(ctx); err != nil {
		slog.Error("[WiFi] init failed", "error", err)
	}

	// BLE provisioning
	periph, err := ble.NewTinyGoPeripheral()
	if err != nil {
		log.Fatalf("Failed to initialize BLE: %v", err)
	}
	prov := ble.NewProvisioner(periph, store, cfg.BLE.NamePrefix)

	// Display
	var screen display.Renderer
	switch cfg.Display {
	case "log":
		screen = display.NewLogRenderer()
	default:
		screen = display.NewTerminalRenderer(os.Stdout, prov.DeviceName())
	}

	var publicKey *rsa.PublicKey
	if cfg.OTA.PublicKey != "" {
		publicKey, err = loadPublicKey(cfg.OTA.PublicKey)
		if err != nil {
			log.Fatalf("Failed to load OTA public key: %v", err)
		}
	}

	dev := &device{
		cfg:    cfg,
		store:  store,
		wifi:   supervisor,
		prov:   prov,
		button: classifier,
		screen: screen,
		api: api.NewClient(api.Options{
			Owner: cfg.Release.Owner,
			Repo:  cfg.Release.Repo,
			Asset: cfg.Release.Asset,
		}),
		publicKey: publicKey,
	}

	slog.Info("Ready", "device", prov.DeviceName(), "version", cfg.FirmwareVersion)

	err = dev.boot(ctx)
	if ctx.Err() != nil {
		slog.Info("Shutting down")
		return nil
	}
	return err
}

// restart replaces the process with a fresh copy of itself, so every stack
// is initialized again from persisted state.
func restart() error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	return syscall.Exec(exe, os.Args, os.Environ())
}

// boot runs one power cycle: integrity check, watchdog, state machine.
func (d *device) boot(ctx context.Context) error {
	slots, err := platform.OpenFileSlots(filepath.Join(d.cfg.DataDir, "slots"))
	if err != nil {
		return fmt.Errorf("opening firmware slots: %w", err)
	}

	guard := boot.NewGuard(slots, d.cfg.Boot.WatchdogTimeout)
	if err := guard.Check(); err != nil {
		return err
	}
	version := guard.Version(d.cfg.FirmwareVersion)
	slog.Info("[Boot] running firmware", "version", version)

	bootCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	guard.ArmWatchdog(func() {
		cancel(fmt.Errorf("%w: %w", platform.ErrRestart, boot.ErrBootTimeout))
	})
	defer guard.Disarm()

	var orch *lifecycle.Orchestrator
	engine := ota.NewEngine(slots, ota.Options{
		RecvTimeout: d.cfg.OTA.RecvTimeout,
		RebootDelay: d.cfg.OTA.RebootDelay,
		PublicKey:   d.publicKey,
	}, func(p ota.Progress) {
		orch.OTAProgress(p)
	}, func() {
		cancel(fmt.Errorf("%w: firmware installed", platform.ErrRestart))
	})

	orch = lifecycle.New(lifecycle.Deps{
		Store:           d.store,
		WiFi:            d.wifi,
		BLE:             d.prov,
		API:             d.api,
		OTA:             engine,
		Watchdog:        guard,
		Button:          d.button,
		Display:         d.screen,
		FirmwareVersion: version,
	}, lifecycle.Timings{
		Warmup:              d.cfg.Warmup,
		ProvisioningTimeout: d.cfg.BLE.ProvisioningTimeout,
		RetryDelay:          d.cfg.WiFi.RetryDelay,
		OTACooldown:         d.cfg.OTA.Cooldown,
		UpdateSchedule:      d.cfg.Release.Schedule,
	})

	err = orch.Run(bootCtx)
	if errors.Is(err, platform.ErrRestart) && !errors.Is(err, boot.ErrBootTimeout) {
		if err := slots.NoteReset(platform.ResetSoftware); err != nil {
			slog.Error("[Boot] recording reset reason failed", "error", err)
		}
	}
	return err
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	// Try default config path
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, nil
	}

	// No config file, use defaults
	log.Println("No config file found, using defaults")
	return config.Default(), nil
}

func newLogHandler(cfg *config.Config) slog.Handler {
	opts := &slog.HandlerOptions{Level: config.ParseLogLevel(cfg.LogLevel)}
	if cfg.LogFormat == "json" {
		return slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.NewTextHandler(os.Stderr, opts)
}

// openStore opens the key/value backend, sealing credentials when a secret
// is configured.
func openStore(cfg *config.Config) (nvs.Store, error) {
	var (
		kv  nvs.Store
		err error
	)
	switch cfg.Store.Backend {
	case "sqlite":
		kv, err = nvs.OpenSQLite(filepath.Join(cfg.DataDir, "nvs.db"))
	default:
		kv, err = nvs.OpenFile(filepath.Join(cfg.DataDir, "nvs.yaml"))
	}
	if err != nil {
		return nil, err
	}
	if cfg.Store.Secret == "" {
		return kv, nil
	}

	secret, err := hex.DecodeString(cfg.Store.Secret)
	if err != nil {
		kv.Close()
		return nil, fmt.Errorf("store.secret must be hex: %w", err)
	}
	sealed, err := nvs.NewSealed(kv, secret, devconfig.KeyPassword, devconfig.KeyToken)
	if err != nil {
		kv.Close()
		return nil, err
	}
	return sealed, nil
}

// openButton returns the configured input and a func that releases it.
func openButton(cfg *config.Config) (button.Input, func(), error) {
	switch cfg.Button.Source {
	case "gpio":
		in, err := button.OpenGPIO(cfg.Button.Pin)
		if err != nil {
			return nil, nil, err
		}
		return in, func() {}, nil
	case "keyboard":
		in := button.NewKeyboardInput(cfg.Button.Keys)
		go in.Start()
		slog.Info("[Button] keyboard input ready", "keys", strings.Join(cfg.Button.Keys, "+"))
		// Not stopped explicitly: gohook's C cleanup can crash, and exit or
		// exec reclaims the hook.
		return in, func() {}, nil
	default:
		slog.Warn("[Button] no button input configured")
		return button.NoInput{}, func() {}, nil
	}
}

func loadPublicKey(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%s: no PEM block", path)
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%s: not an RSA public key", path)
	}
	return pub, nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	fmt.Println("=== firminia ===")
	fmt.Printf("  Version: %s\n", cfg.FirmwareVersion)
	fmt.Printf("  Data:    %s (%s store)\n", cfg.DataDir, cfg.Store.Backend)
	fmt.Printf("  Button:  %s\n", cfg.Button.Source)
	fmt.Printf("  Wi-Fi:   %s\n", cfg.WiFi.Interface)
	fmt.Printf("  Release: %s/%s (%s)\n", cfg.Release.Owner, cfg.Release.Repo, cfg.Release.Schedule)
	fmt.Printf("  Log:     %s\n", cfg.LogLevel)
	fmt.Println("================")
}
