package main

import (
	"bytes"
	"flag"
	"fmt"
	"os"
	"path"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/tempoplan/tempoplan-cli/internal/cmd"
	"github.com/tempoplan/tempoplan-cli/internal/config"
)

type LogFormatter struct {
}

func (m *LogFormatter) Format(entry *log.Entry) ([]byte, error) {
	var b *bytes.Buffer
	if entry.Buffer != nil {
		b = entry.Buffer
	} else {
		b = &bytes.Buffer{}
	}

	timestamp := entry.Time.Format("2006-01-02 15:04:05")
	newLog := fmt.Sprintf("[%s] [%s] [%s:%d] %s\n", timestamp, entry.Level, path.Base(entry.Caller.File), entry.Caller.Line, entry.Message)

	b.WriteString(newLog)
	return b.Bytes(), nil
}

func init() {
	log.SetOutput(os.Stdout)
	log.SetReportCaller(true)
	log.SetFormatter(&LogFormatter{})
}

func main() {
	var login bool
	var logout bool
	var configPath string

	flag.BoolVar(&login, "login", false, "Connect your calendar account")
	flag.BoolVar(&logout, "logout", false, "Sign out and clear local auth state")
	flag.StringVar(&configPath, "config", "", "Configure File Path")

	flag.Parse()

	var err error
	var cfg *config.Config
	var wd string

	if configPath == "" {
		wd, err = os.Getwd()
		if err != nil {
			log.Fatalf("failed to get working directory: %v", err)
		}
		configPath = path.Join(wd, "config.yaml")
	}
	cfg, err = config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}

	if strings.HasPrefix(cfg.StateDir, "~") {
		home, errUserHomeDir := os.UserHomeDir()
		if errUserHomeDir != nil {
			log.Fatalf("failed to get home directory: %v", errUserHomeDir)
		}
		parts := strings.Split(cfg.StateDir, string(os.PathSeparator))
		if len(parts) > 1 {
			parts[0] = home
			cfg.StateDir = path.Join(parts...)
		} else {
			cfg.StateDir = home
		}
	}

	switch {
	case login:
		cmd.DoLogin(cfg)
	case logout:
		cmd.DoLogout(cfg)
	default:
		cmd.StartService(cfg, configPath)
	}
}
