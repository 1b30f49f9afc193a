// Package wizard provides an interactive setup wizard for relaychat.
package wizard

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/postalsys/relaychat/internal/config"
	"github.com/postalsys/relaychat/internal/transport"
)

// Result contains the wizard output.
type Result struct {
	Config     *config.Config
	ConfigPath string
	CertsDir   string
}

// Answers holds everything the forms collect.
type Answers struct {
	ConfigPath string

	Transport  string
	ListenAddr string
	ListenPath string
	PlainText  bool

	TLS config.TLSConfig

	Nicknames      string
	MaxConnections int
	LogLevel       string
	HealthEnabled  bool
	HealthAddr     string
}

// Wizard manages the interactive setup process.
type Wizard struct {
	theme *huh.Theme
}

// New creates a new setup wizard.
func New() *Wizard {
	return &Wizard{
		theme: huh.ThemeDracula(),
	}
}

// Run executes the interactive setup wizard.
func (w *Wizard) Run() (*Result, error) {
	w.printBanner()

	var a Answers
	var err error

	// Step 1: Basic setup
	if a.ConfigPath, err = w.askConfigPath(); err != nil {
		return nil, err
	}

	// Step 2: Listener
	if a.Transport, a.ListenAddr, a.ListenPath, a.PlainText, err = w.askListener(); err != nil {
		return nil, err
	}

	// Step 3: TLS setup
	var certsDir string
	if !a.PlainText {
		certsDir = filepath.Join(filepath.Dir(a.ConfigPath), "certs")
		if a.TLS, err = w.askTLSSetup(certsDir); err != nil {
			return nil, err
		}
	}

	// Step 4: Server options
	if err := w.askServerOptions(&a); err != nil {
		return nil, err
	}

	cfg := BuildConfig(a)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := writeConfig(cfg, a.ConfigPath); err != nil {
		return nil, err
	}

	w.printSummary(a.ConfigPath, cfg)

	return &Result{
		Config:     cfg,
		ConfigPath: a.ConfigPath,
		CertsDir:   certsDir,
	}, nil
}

func (w *Wizard) printBanner() {
	banner := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("212")).
		Render(`
           _              _           _
  _ __ ___| | __ _ _   _ ___| |__   __ _| |_
 | '__/ _ \ |/ _' | | | / __| '_ \ / _' | __|
 | | |  __/ | (_| | |_| \__ \ | | | (_| | |_
 |_|  \___|_|\__,_|\__, |___/_| |_|\__,_|\__|
                   |___/
`)

	subtitle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("  Encrypted Chat Relay - Setup Wizard\n")

	fmt.Println(banner)
	fmt.Println(subtitle)
}

func (w *Wizard) askConfigPath() (configPath string, err error) {
	configPath = "./config.yaml"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Basic Setup").
				Description("Choose where the configuration file is written."),

			huh.NewInput().
				Title("Config File Path").
				Placeholder("./config.yaml").
				Value(&configPath).
				Validate(validateConfigPath),
		),
	).WithTheme(w.theme)

	err = form.Run()
	return
}

func (w *Wizard) askListener() (transportName, listenAddr, path string, plaintext bool, err error) {
	transportName = "ws"
	listenAddr = "0.0.0.0:8765"
	path = "/"
	plaintext = true

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Listener").
				Description("How clients reach the relay."),

			huh.NewSelect[string]().
				Title("Transport").
				Options(
					huh.NewOption("WebSocket (TCP, browser and proxy friendly)", "ws"),
					huh.NewOption("QUIC (UDP, always TLS)", "quic"),
				).
				Value(&transportName),

			huh.NewInput().
				Title("Listen Address").
				Description("host:port to bind").
				Placeholder("0.0.0.0:8765").
				Value(&listenAddr).
				Validate(validateListenAddr),
		),
	).WithTheme(w.theme)

	if err = form.Run(); err != nil {
		return
	}

	if transportName != "ws" {
		path = ""
		plaintext = false
		return
	}

	wsForm := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("HTTP Path").
				Description("WebSocket upgrade path").
				Placeholder("/").
				Value(&path).
				Validate(validatePath),

			huh.NewConfirm().
				Title("Serve plaintext WebSocket?").
				Description("Message content is end-to-end encrypted either way; TLS also hides metadata").
				Value(&plaintext),
		),
	).WithTheme(w.theme)

	err = wsForm.Run()
	return
}

func (w *Wizard) askTLSSetup(certsDir string) (config.TLSConfig, error) {
	choice := "generate"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("TLS Certificate").
				Description("The listener needs a certificate."),

			huh.NewSelect[string]().
				Title("Certificate").
				Options(
					huh.NewOption("Generate a self-signed certificate now (Recommended for testing)", "generate"),
					huh.NewOption("Use existing certificate files", "existing"),
					huh.NewOption("Generate an ephemeral certificate at every start", "ephemeral"),
				).
				Value(&choice),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return config.TLSConfig{}, err
	}

	switch choice {
	case "generate":
		return w.generateCertificate(certsDir)
	case "existing":
		return w.useExistingCertificate()
	}
	return config.TLSConfig{}, nil
}

func (w *Wizard) generateCertificate(certsDir string) (config.TLSConfig, error) {
	commonName := "localhost"
	validDays := "365"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Host Name").
				Description("Hostname or IP address clients dial").
				Placeholder("localhost").
				Value(&commonName),

			huh.NewInput().
				Title("Validity (days)").
				Placeholder("365").
				Value(&validDays).
				Validate(validatePositiveInt),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return config.TLSConfig{}, err
	}

	days, _ := strconv.Atoi(validDays)
	tlsCfg, err := GenerateCertificate(certsDir, commonName, time.Duration(days)*24*time.Hour)
	if err != nil {
		return config.TLSConfig{}, err
	}

	fmt.Printf("\n✓ Generated certificate: %s\n\n", tlsCfg.Cert)
	return tlsCfg, nil
}

// GenerateCertificate writes a self-signed server certificate and key into
// certsDir.
func GenerateCertificate(certsDir, commonName string, validFor time.Duration) (config.TLSConfig, error) {
	if err := os.MkdirAll(certsDir, 0700); err != nil {
		return config.TLSConfig{}, fmt.Errorf("failed to create certs directory: %w", err)
	}

	certPath := filepath.Join(certsDir, "server.crt")
	keyPath := filepath.Join(certsDir, "server.key")
	kp, err := transport.SelfSigned(commonName, validFor)
	if err != nil {
		return config.TLSConfig{}, fmt.Errorf("failed to generate certificate: %w", err)
	}
	if err := kp.WriteFiles(certPath, keyPath); err != nil {
		return config.TLSConfig{}, err
	}

	return config.TLSConfig{Cert: certPath, Key: keyPath}, nil
}

func (w *Wizard) useExistingCertificate() (config.TLSConfig, error) {
	var tlsCfg config.TLSConfig

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Certificate File").
				Placeholder("./certs/server.crt").
				Value(&tlsCfg.Cert).
				Validate(validateFileExists),

			huh.NewInput().
				Title("Private Key File").
				Placeholder("./certs/server.key").
				Value(&tlsCfg.Key).
				Validate(validateFileExists),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return config.TLSConfig{}, err
	}

	if _, err := transport.ReadKeyPair(tlsCfg.Cert, tlsCfg.Key); err != nil {
		return config.TLSConfig{}, fmt.Errorf("certificate check failed: %w", err)
	}
	return tlsCfg, nil
}

func (w *Wizard) askServerOptions(a *Answers) error {
	a.Nicknames = "hash"
	a.LogLevel = "info"
	a.HealthAddr = "127.0.0.1:8080"
	maxConns := "0"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Server Options").
				Description("Nicknames, limits, logging and monitoring."),

			huh.NewSelect[string]().
				Title("Default Nicknames").
				Options(
					huh.NewOption("Short hash of the client address", "hash"),
					huh.NewOption("Sequential numbers (1, 2, 3, ...)", "sequential"),
				).
				Value(&a.Nicknames),

			huh.NewInput().
				Title("Max Connections").
				Description("0 for unlimited").
				Value(&maxConns).
				Validate(validateNonNegativeInt),

			huh.NewSelect[string]().
				Title("Log Level").
				Options(
					huh.NewOption("Debug (verbose)", "debug"),
					huh.NewOption("Info (recommended)", "info"),
					huh.NewOption("Warning", "warn"),
					huh.NewOption("Error (quiet)", "error"),
				).
				Value(&a.LogLevel),

			huh.NewConfirm().
				Title("Enable health endpoint?").
				Description("HTTP endpoint for monitoring (/healthz, /metrics, /connections)").
				Value(&a.HealthEnabled),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return err
	}
	a.MaxConnections, _ = strconv.Atoi(maxConns)
	return nil
}

// BuildConfig turns wizard answers into a configuration.
func BuildConfig(a Answers) *config.Config {
	cfg := config.Default()

	cfg.Server.LogLevel = a.LogLevel
	cfg.Server.LogFormat = "text"
	if a.Nicknames != "" {
		cfg.Server.Nicknames = a.Nicknames
	}

	listener := config.ListenerConfig{
		Transport: a.Transport,
		Address:   a.ListenAddr,
	}
	if a.Transport == "ws" {
		listener.Path = a.ListenPath
		if listener.Path == "" {
			listener.Path = "/"
		}
		listener.PlainText = a.PlainText
	}
	if !listener.PlainText {
		listener.TLS = a.TLS
	}
	cfg.Listeners = []config.ListenerConfig{listener}

	cfg.Limits.MaxConnections = a.MaxConnections

	cfg.Health.Enabled = a.HealthEnabled
	if a.HealthEnabled && a.HealthAddr != "" {
		cfg.Health.Address = a.HealthAddr
	}

	return cfg
}

func writeConfig(cfg *config.Config, path string) error {
	return cfg.Save(path)
}

func (w *Wizard) printSummary(configPath string, cfg *config.Config) {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("42"))

	divider := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("─────────────────────────────────────────────────")

	fmt.Println()
	fmt.Println(divider)
	fmt.Println(style.Render("✓ Setup Complete!"))
	fmt.Println(divider)
	fmt.Println()

	fmt.Printf("  Config file:  %s\n", configPath)
	for _, l := range cfg.Listeners {
		fmt.Printf("  Listener:     %s\n", ListenerURL(l))
	}
	fmt.Printf("  Nicknames:    %s\n", cfg.Server.Nicknames)
	if cfg.Health.Enabled {
		fmt.Printf("  Health:       http://%s/healthz\n", cfg.Health.Address)
	}

	fmt.Println()
	fmt.Println("  To start the relay:")
	fmt.Printf("    relaychat run -c %s\n", configPath)
	fmt.Println()
}

// ListenerURL returns the URL clients use to reach l.
func ListenerURL(l config.ListenerConfig) string {
	switch l.Transport {
	case "quic":
		return "quic://" + l.Address
	default:
		scheme := "wss"
		if l.PlainText {
			scheme = "ws"
		}
		return scheme + "://" + l.Address + l.Path
	}
}

func validateConfigPath(s string) error {
	if s == "" {
		return fmt.Errorf("config path is required")
	}
	if !strings.HasSuffix(s, ".yaml") && !strings.HasSuffix(s, ".yml") {
		return fmt.Errorf("config file should have .yaml or .yml extension")
	}
	return nil
}

func validateListenAddr(s string) error {
	if _, _, err := net.SplitHostPort(s); err != nil {
		return fmt.Errorf("expected host:port: %v", err)
	}
	return nil
}

func validatePath(s string) error {
	if !strings.HasPrefix(s, "/") {
		return fmt.Errorf("path must start with /")
	}
	return nil
}

func validatePositiveInt(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return fmt.Errorf("must be a positive number")
	}
	return nil
}

func validateNonNegativeInt(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return fmt.Errorf("must be zero or a positive number")
	}
	return nil
}

func validateFileExists(s string) error {
	if s == "" {
		return fmt.Errorf("path is required")
	}
	if _, err := os.Stat(s); err != nil {
		return fmt.Errorf("file not found: %s", s)
	}
	return nil
}
