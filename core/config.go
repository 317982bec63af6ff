package core

import (
	"log"
	"net"
	"net/mail"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type (
	ServerConfig struct {
		Address         string
		Host            string
		DebugHost       string // expvar & pprof endpoints
		ShutdownTimeout time.Duration
	}

	DatabaseConfig struct {
		Engine        string
		Host          string
		Port          int
		Name          string
		User          string
		Password      string
		AdminUser     string
		AdminPassword string
		DisableTLS    bool
		MaxOpenConns  int
		MaxIdleConns  int
	}

	QueueConfig struct {
		Lane           string // stable name operators use to monitor/throttle the recalculation workload
		Workers        int
		Buffer         int // maximum pending tasks
		TaskTimeout    time.Duration
		MaxRetries     int
		InitialBackoff time.Duration
		MaxBackoff     time.Duration
	}

	RecalcConfig struct {
		Schedule string // cron spec; "off" (or empty) disables the periodic full recalculation
	}

	EmailConfig struct {
		SendgridAPIKey   string
		DefaultFromEmail mail.Address
		OperatorEmails   []mail.Address
	}

	Config struct {
		Env          string // DEV (local; default), TEST, QA, PROD
		Debug        bool
		TestMode     bool
		AppName      string
		Build        string
		WorkDir      string
		RollbarToken string

		Server   ServerConfig
		Database DatabaseConfig
		Queue    QueueConfig
		Recalc   RecalcConfig
		Email    EmailConfig
	}
)

func (c DatabaseConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func newViper(env string) *viper.Viper {
	v := viper.New()

	// defaults
	v.SetTypeByDefaultValue(true)
	v.SetDefault("debug", true)
	v.SetDefault("appName", "Bulletin")
	v.SetDefault("build", "dev")
	v.SetDefault("rollbarToken", "")

	v.SetDefault("server.address", ":8000")
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.debugHost", "localhost:4000")
	v.SetDefault("server.shutdownTimeout", 10*time.Second)

	v.SetDefault("database.engine", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "bulletin")
	v.SetDefault("database.user", "bulletin")
	v.SetDefault("database.password", "bulletin")
	v.SetDefault("database.adminUser", "postgres")
	v.SetDefault("database.adminPassword", "")
	v.SetDefault("database.disableTLS", true)
	v.SetDefault("database.maxOpenConns", 20)
	v.SetDefault("database.maxIdleConns", 5)

	v.SetDefault("queue.lane", "reportcards")
	v.SetDefault("queue.workers", 4)
	v.SetDefault("queue.buffer", 65536)
	v.SetDefault("queue.taskTimeout", 30*time.Second)
	v.SetDefault("queue.maxRetries", 5)
	v.SetDefault("queue.initialBackoff", 500*time.Millisecond)
	v.SetDefault("queue.maxBackoff", 30*time.Second)

	v.SetDefault("recalc.schedule", "0 2 * * *") // nightly repair of missed grade events

	v.SetDefault("email.sendgridApiKey", "")
	v.SetDefault("email.defaultFrom", "noreply@localhost")
	v.SetDefault("email.operators", []string{})

	switch env {
	case "TEST":
		v.SetDefault("testMode", true)
	case "QA", "PROD":
		v.SetDefault("debug", false)
	}

	// DEV_DATABASE_HOST -> database.host
	v.SetEnvPrefix(env)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func currentEnv() string {
	env := strings.ToUpper(os.Getenv("ENV"))
	if env == "" {
		env = "DEV"
	}
	return env
}

// loadDotEnv loads config/.env.<env> if it exists (ignore if it does not).
func loadDotEnv(workDir, env string) {
	dotEnvPath := filepath.Join(workDir, "config", ".env."+strings.ToLower(env))
	if _, err := os.Stat(dotEnvPath); err == nil {
		if err := godotenv.Load(dotEnvPath); err != nil {
			log.Fatalf("config.godotenv(%s): %v", dotEnvPath, err)
		}
	} else if !os.IsNotExist(err) {
		log.Fatalf("config.os.Stat(%s): %v", dotEnvPath, err)
	}
}

func parseAddresses(raw []string) []mail.Address {
	addrs := make([]mail.Address, 0, len(raw))
	for _, r := range raw {
		for _, part := range strings.Split(r, ",") {
			part = CleanString(part)
			if part == "" {
				continue
			}
			addr, err := mail.ParseAddress(part)
			if err != nil {
				log.Printf("config: skipping invalid email %q: %v", part, err)
				continue
			}
			addrs = append(addrs, *addr)
		}
	}
	return addrs
}

// NewConfig builds the application Config from defaults, the optional dotenv file and the environment.
func NewConfig() *Config {
	env := currentEnv()
	workDir := Getwd()
	loadDotEnv(workDir, env)
	v := newViper(env)

	from := mail.Address{Address: v.GetString("email.defaultFrom")}
	if addr, err := mail.ParseAddress(v.GetString("email.defaultFrom")); err == nil {
		from = *addr
	}

	return &Config{
		Env:          env,
		Debug:        v.GetBool("debug"),
		TestMode:     v.GetBool("testMode"),
		AppName:      v.GetString("appName"),
		Build:        v.GetString("build"),
		WorkDir:      workDir,
		RollbarToken: v.GetString("rollbarToken"),
		Server: ServerConfig{
			Address:         v.GetString("server.address"),
			Host:            v.GetString("server.host"),
			DebugHost:       v.GetString("server.debugHost"),
			ShutdownTimeout: v.GetDuration("server.shutdownTimeout"),
		},
		Database: DatabaseConfig{
			Engine:        v.GetString("database.engine"),
			Host:          v.GetString("database.host"),
			Port:          v.GetInt("database.port"),
			Name:          v.GetString("database.name"),
			User:          v.GetString("database.user"),
			Password:      v.GetString("database.password"),
			AdminUser:     v.GetString("database.adminUser"),
			AdminPassword: v.GetString("database.adminPassword"),
			DisableTLS:    v.GetBool("database.disableTLS"),
			MaxOpenConns:  v.GetInt("database.maxOpenConns"),
			MaxIdleConns:  v.GetInt("database.maxIdleConns"),
		},
		Queue: QueueConfig{
			Lane:           v.GetString("queue.lane"),
			Workers:        v.GetInt("queue.workers"),
			Buffer:         v.GetInt("queue.buffer"),
			TaskTimeout:    v.GetDuration("queue.taskTimeout"),
			MaxRetries:     v.GetInt("queue.maxRetries"),
			InitialBackoff: v.GetDuration("queue.initialBackoff"),
			MaxBackoff:     v.GetDuration("queue.maxBackoff"),
		},
		Recalc: RecalcConfig{
			Schedule: v.GetString("recalc.schedule"),
		},
		Email: EmailConfig{
			SendgridAPIKey:   v.GetString("email.sendgridApiKey"),
			DefaultFromEmail: from,
			OperatorEmails:   parseAddresses(v.GetStringSlice("email.operators")),
		},
	}
}
