// Command echoprov provisions EchoKit devices over BLE: it registers the
// device with the console backend and writes Wi-Fi credentials and the
// server URL to it.
//
// Usage:
//
//	echoprov [--config path] scan
//	echoprov [--config path] provision --ssid NAME --server-url URL [--password PASS] [--asset FILE]
//	echoprov init
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/chaz8081/echoprov/internal/ble"
	"github.com/chaz8081/echoprov/internal/config"
	"github.com/chaz8081/echoprov/internal/identity"
	"github.com/chaz8081/echoprov/internal/provision"
	"github.com/chaz8081/echoprov/internal/registration"
)

var flagConfig *cli.StringFlag = &cli.StringFlag{
	Name:  "config",
	Usage: "path to config file (default: ~/.config/echoprov/config.yaml)",
}
var flagSSID *cli.StringFlag = &cli.StringFlag{
	Name:     "ssid",
	Usage:    "Wi-Fi network name",
	Required: true,
}
var flagPassword *cli.StringFlag = &cli.StringFlag{
	Name:    "password",
	Usage:   "Wi-Fi passphrase (prompted when omitted; empty for an open network)",
	EnvVars: []string{"ECHOPROV_WIFI_PASSWORD"},
}
var flagServerURL *cli.StringFlag = &cli.StringFlag{
	Name:     "server-url",
	Usage:    "server the device connects to after reboot (ws, wss, http or https)",
	Required: true,
}
var flagAsset *cli.StringFlag = &cli.StringFlag{
	Name:  "asset",
	Usage: "optional background image to transfer",
}
var flagName *cli.StringFlag = &cli.StringFlag{
	Name:  "name",
	Usage: "display name to register (default: advertised device name)",
}
var flagBinding *cli.StringFlag = &cli.StringFlag{
	Name:  "binding",
	Usage: "server container to bind the device to (overrides registration.server_binding)",
}
var flagDevice *cli.StringFlag = &cli.StringFlag{
	Name:  "device",
	Usage: "MAC address of the device to provision (skips the selection prompt)",
}

func main() {
	app := &cli.App{
		Name:  "echoprov",
		Usage: "provision EchoKit devices over BLE",
		Flags: []cli.Flag{flagConfig},
		Commands: []*cli.Command{
			{
				Name:   "scan",
				Usage:  "list nearby devices waiting for provisioning",
				Action: runScan,
			},
			{
				Name:  "provision",
				Usage: "register a device and write its configuration",
				Flags: []cli.Flag{
					flagSSID,
					flagPassword,
					flagServerURL,
					flagAsset,
					flagName,
					flagBinding,
					flagDevice,
				},
				Action: runProvision,
			},
			{
				Name:   "init",
				Usage:  "write a default config file",
				Action: runInit,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runScan(cCtx *cli.Context) error {
	cfg, err := setup(cCtx)
	if err != nil {
		return err
	}

	fmt.Printf("Scanning for %s...\n", cfg.BLE.ScanTimeout)
	devices, err := ble.ScanForDevices(ble.NewTinyGoAdapter(), cfg.BLE.ScanTimeout)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		fmt.Println("No devices found.")
		return nil
	}
	printDevices(os.Stdout, devices)
	return nil
}

func runInit(cCtx *cli.Context) error {
	path, err := config.WriteDefault()
	if err != nil {
		return err
	}
	if path == "" {
		fmt.Printf("Config already exists at %s\n", config.DefaultConfigPath())
		return nil
	}
	fmt.Printf("Wrote default config to %s\n", path)
	return nil
}

func runProvision(cCtx *cli.Context) error {
	cfg, err := setup(cCtx)
	if err != nil {
		return err
	}

	devCfg, err := deviceConfig(cCtx)
	if err != nil {
		return err
	}

	binding := cfg.Registration.ServerBinding
	if b := cCtx.String(flagBinding.Name); b != "" {
		binding = b
	}

	printBanner(cfg, binding)

	var selector ble.Selector = &promptSelector{in: os.Stdin, out: os.Stdout}
	if mac := cCtx.String(flagDevice.Name); mac != "" {
		selector = ble.MACSelector(mac)
	}

	transport := ble.NewTransport(ble.NewTinyGoAdapter(), selector, cfg.BLE.TransportOptions())
	client := registration.NewClient(cfg.Registration.BaseURL, cfg.Registration.APIToken, cfg.Registration.Timeout)
	session := provision.New(
		transport,
		client,
		ble.NewWriter(cfg.BLE.WriterOptions()),
		identity.NewResolver(cfg.Language()),
		provision.Options{ServerBinding: binding},
	)

	rendered := make(chan struct{})
	go func() {
		defer close(rendered)
		newProgressPrinter(os.Stdout).run(session.Events())
	}()

	// Signal handling: the first interrupt cancels the session.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	finished := make(chan struct{})
	watched := make(chan struct{})
	go func() {
		defer close(watched)
		cancelOnSignal(sigCh, finished, session.Cancel)
	}()

	ctx := context.Background()
	outcome, runErr := provisionDevice(ctx, session, cCtx.String(flagName.Name), devCfg)
	close(finished)
	<-watched

	closeErr := session.Close()
	<-rendered

	if runErr != nil {
		if errors.Is(runErr, provision.ErrCancelled) || errors.Is(runErr, ble.ErrUserCancelled) {
			fmt.Println("\nCancelled.")
			return nil
		}
		return runErr
	}
	if closeErr != nil {
		slog.Warn("[BLE] disconnect failed", "error", closeErr)
	}

	ident := session.Identity()
	switch outcome {
	case provision.OutcomeProvisioned:
		fmt.Printf("\nDevice %s provisioned. It will now reboot and join %q.\n", ident.ID, devCfg.NetworkName)
	case provision.OutcomeAlreadyRegistered:
		fmt.Printf("\nDevice %s is already registered; its configuration was left unchanged.\n", ident.ID)
	}
	return nil
}

// cancelOnSignal calls cancel on the first signal, or returns once done is
// closed.
func cancelOnSignal(sigCh <-chan os.Signal, done <-chan struct{}, cancel func()) {
	select {
	case sig := <-sigCh:
		slog.Info("[PROV] received signal, cancelling", "signal", sig)
		cancel()
	case <-done:
	}
}

func provisionDevice(ctx context.Context, session *provision.Session, name string, cfg provision.Config) (provision.Outcome, error) {
	if err := session.Start(ctx); err != nil {
		return provision.OutcomeNone, err
	}
	return session.Submit(ctx, name, cfg)
}

// deviceConfig builds the configuration to write from flags, prompting for
// the passphrase if it was not given.
func deviceConfig(cCtx *cli.Context) (provision.Config, error) {
	cfg := provision.Config{
		NetworkName:   cCtx.String(flagSSID.Name),
		RendezvousURL: cCtx.String(flagServerURL.Name),
	}

	if cCtx.IsSet(flagPassword.Name) {
		cfg.NetworkSecret = cCtx.String(flagPassword.Name)
	} else {
		secret, err := readSecret(os.Stdin, os.Stderr, fmt.Sprintf("Passphrase for %q (empty for open network): ", cfg.NetworkName))
		if err != nil {
			return provision.Config{}, err
		}
		cfg.NetworkSecret = secret
	}

	if path := cCtx.String(flagAsset.Name); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return provision.Config{}, fmt.Errorf("reading asset: %w", err)
		}
		cfg.Asset = data
	}

	if err := cfg.Validate(); err != nil {
		return provision.Config{}, err
	}
	return cfg, nil
}

// setup loads configuration and installs the default logger.
func setup(cCtx *cli.Context) (*config.Config, error) {
	if err := config.LoadDotEnv(".env"); err != nil {
		return nil, err
	}

	cfg, err := loadConfig(cCtx.String(flagConfig.Name))
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	})))
	return cfg, nil
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
		return cfg, nil
	}

	// No config file, use defaults
	return config.Default(), nil
}

// printBanner displays the run configuration summary.
func printBanner(cfg *config.Config, binding string) {
	if binding == "" {
		binding = "(none)"
	}
	fmt.Println("=== echoprov ===")
	fmt.Printf("  Backend: %s\n", cfg.Registration.BaseURL)
	fmt.Printf("  Binding: %s\n", binding)
	fmt.Printf("  Frames:  %d bytes, %s apart\n", cfg.BLE.FrameSize, cfg.BLE.FrameDelay)
	fmt.Printf("  Log:     %s\n", cfg.LogLevel)
	fmt.Println("================")
}
