package core

import (
	"log"
	"net/mail"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type (
	ServerConfig struct {
		Host               string
		Addr               string
		DebugHost          string
		JWTExpirationDelta time.Duration
		ShutdownTimeout    time.Duration
	}

	DatabaseConfig struct {
		Engine        string
		Name          string
		User          string
		Password      string
		AdminUser     string
		AdminPassword string
		Host          string
		Port          string
		DisableTLS    bool
	}

	// StreakConfig holds the gamification engine knobs. The weekly goal and the
	// point amounts are deployment configuration, not hard-coded truth.
	StreakConfig struct {
		WeeklyGoal          int    // distinct lessons needed for a week to count
		Timezone            string // single reference timezone for week boundaries
		LessonPoints        int    // LESSON_COMPLETED grant
		WeeklyGoalPoints    int    // WEEKLY_GOAL_MET grant
		BadgePoints         int    // BADGE_EARNED grant
		MilestoneBonuses    []int  // STREAK_MILESTONE ladder; index = streak-1, last repeats
		RecoveryBaseCost    int
		RecoveryCostPerWeek int // per consecutive goal-met week being protected
	}

	Config struct {
		Debug            bool
		TestMode         bool
		Env              string
		Build            string
		AppName          string
		SecretKey        string
		FrontendBaseURL  string
		SendgridApiKey   string
		RollbarToken     string
		defaultFromEmail string

		Server   ServerConfig
		Database DatabaseConfig
		Streak   StreakConfig
	}
)

func NewConfig() *Config {
	conf := viper.New()

	// defaults
	conf.SetTypeByDefaultValue(true)
	conf.SetDefault("debug", true)
	conf.SetDefault("build", "dev")
	conf.SetDefault("appName", "Aprendia")
	conf.SetDefault("secretKey", "v3ry-s3cr3t-k3y-ch4ng3-m3-1n-pr0d")
	conf.SetDefault("frontendBaseUrl", "http://localhost:3000")
	conf.SetDefault("defaultFromEmail", "noreply@localhost")

	conf.SetDefault("serverHost", "localhost")
	conf.SetDefault("serverAddr", ":8000")
	conf.SetDefault("serverDebugHost", "localhost:6060")
	conf.SetDefault("jwtExpirationDelta", 7*24*time.Hour)
	conf.SetDefault("shutdownTimeout", 5*time.Second)

	conf.SetDefault("databaseEngine", "postgres")
	conf.SetDefault("databaseName", "aprendia")
	conf.SetDefault("databaseUser", "")
	conf.SetDefault("databasePassword", "")
	conf.SetDefault("databaseAdminUser", "")
	conf.SetDefault("databaseAdminPassword", "")
	conf.SetDefault("databaseHost", "localhost")
	conf.SetDefault("databasePort", "5432")
	conf.SetDefault("databaseDisableTls", true)

	conf.SetDefault("streakWeeklyGoal", 3)
	conf.SetDefault("streakTimezone", "UTC")
	conf.SetDefault("streakLessonPoints", 10)
	conf.SetDefault("streakWeeklyGoalPoints", 50)
	conf.SetDefault("streakBadgePoints", 25)
	conf.SetDefault("streakMilestoneBonuses", []int{10, 20, 30, 40, 50, 60, 70})
	conf.SetDefault("streakRecoveryBaseCost", 100)
	conf.SetDefault("streakRecoveryCostPerWeek", 20)

	env := os.Getenv("ENV") // DEV (local; default), TEST, QA, PROD
	var testMode bool
	switch env {
	case "":
		env = "DEV"
	case "TEST":
		testMode = true
	}
	conf.SetEnvPrefix(env)

	// load .env if it exists (ignore if it does not)
	dotEnvPath := filepath.Join(Getwd(), "config", ".env."+strings.ToLower(env))
	if _, err := os.Stat(dotEnvPath); err == nil {
		if err := godotenv.Load(dotEnvPath); err != nil {
			log.Fatalf("config.godotenv(%s): %v", dotEnvPath, err)
		}
	} else if !os.IsNotExist(err) {
		log.Fatalf("config.os.Stat(%s): %v", dotEnvPath, err)
	}
	conf.AutomaticEnv()

	return &Config{
		Debug:            conf.GetBool("debug"),
		TestMode:         testMode,
		Env:              env,
		Build:            conf.GetString("build"),
		AppName:          conf.GetString("appName"),
		SecretKey:        conf.GetString("secretKey"),
		FrontendBaseURL:  conf.GetString("frontendBaseUrl"),
		SendgridApiKey:   conf.GetString("sendgridApiKey"),
		RollbarToken:     conf.GetString("rollbarToken"),
		defaultFromEmail: conf.GetString("defaultFromEmail"),
		Server: ServerConfig{
			Host:               conf.GetString("serverHost"),
			Addr:               conf.GetString("serverAddr"),
			DebugHost:          conf.GetString("serverDebugHost"),
			JWTExpirationDelta: conf.GetDuration("jwtExpirationDelta"),
			ShutdownTimeout:    conf.GetDuration("shutdownTimeout"),
		},
		Database: DatabaseConfig{
			Engine:        conf.GetString("databaseEngine"),
			Name:          conf.GetString("databaseName"),
			User:          conf.GetString("databaseUser"),
			Password:      conf.GetString("databasePassword"),
			AdminUser:     conf.GetString("databaseAdminUser"),
			AdminPassword: conf.GetString("databaseAdminPassword"),
			Host:          conf.GetString("databaseHost"),
			Port:          conf.GetString("databasePort"),
			DisableTLS:    conf.GetBool("databaseDisableTls"),
		},
		Streak: StreakConfig{
			WeeklyGoal:          conf.GetInt("streakWeeklyGoal"),
			Timezone:            conf.GetString("streakTimezone"),
			LessonPoints:        conf.GetInt("streakLessonPoints"),
			WeeklyGoalPoints:    conf.GetInt("streakWeeklyGoalPoints"),
			BadgePoints:         conf.GetInt("streakBadgePoints"),
			MilestoneBonuses:    conf.GetIntSlice("streakMilestoneBonuses"),
			RecoveryBaseCost:    conf.GetInt("streakRecoveryBaseCost"),
			RecoveryCostPerWeek: conf.GetInt("streakRecoveryCostPerWeek"),
		},
	}
}

func (c *Config) DefaultFromEmail() mail.Address {
	return mail.Address{Name: c.AppName, Address: c.defaultFromEmail}
}

func (c DatabaseConfig) Address() string {
	return c.Host + ":" + c.Port
}
