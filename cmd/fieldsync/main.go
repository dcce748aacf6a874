package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/fieldtally/go-fieldsync/fieldlite"
	"github.com/fieldtally/go-fieldsync/fieldsync"
)

var rootCmd = &cobra.Command{
	Use:   "fieldsync",
	Short: "Offline-first field event capture and synchronization",
	Long: `fieldsync durably queues captured field events and their media on
this device and reconciles the queue with the remote authority in bounded
batches: push, media upload, commit, pull.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initConfig(cmd)
	},
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "config file (default $HOME/.fieldsync.yaml)")
	rootCmd.PersistentFlags().String("db", "fieldsync.db", "path to the local sync database")
	rootCmd.PersistentFlags().String("server", "http://localhost:8080", "remote authority base URL")
	rootCmd.PersistentFlags().String("log-file", "", "write JSON logs to this file with rotation (default stderr)")
}

func initConfig(cmd *cobra.Command) error {
	if cfgFile, _ := cmd.Flags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.SetConfigName(".fieldsync")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("FIELDSYNC")
	viper.AutomaticEnv()

	viper.SetDefault("db", "fieldsync.db")
	viper.SetDefault("server", "http://localhost:8080")
	viper.SetDefault("user", "field-operator")
	viper.SetDefault("jwt_secret", "")
	viper.SetDefault("batch_size", 50)
	viper.SetDefault("max_bandwidth_bytes", 4<<20)
	viper.SetDefault("min_sync_interval", "30s")

	if err := viper.BindPFlag("db", cmd.Flags().Lookup("db")); err != nil {
		return err
	}
	if err := viper.BindPFlag("server", cmd.Flags().Lookup("server")); err != nil {
		return err
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("failed to read config: %w", err)
		}
	}

	logFile, _ := cmd.Flags().GetString("log-file")
	setupLogging(logFile)
	return nil
}

func setupLogging(logFile string) {
	if logFile == "" {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))
		return
	}
	rotator := &lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     14, // days
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(rotator, nil)))
}

// openClient builds the device engine from the resolved configuration
func openClient(hooks fieldlite.Hooks) (*fieldlite.Client, *sql.DB, error) {
	dbPath := viper.GetString("db")
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("failed to create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}

	auth := fieldsync.NewJWTAuth(viper.GetString("jwt_secret"))
	userID := viper.GetString("user")

	deviceID, err := fieldlite.EnsureDeviceID(db)
	if err != nil {
		// Schema not created yet; NewClient will create it, then the token
		// source resolves the device id lazily.
		deviceID = ""
	}

	token := func(ctx context.Context) (string, error) {
		id := deviceID
		if id == "" {
			var derr error
			if id, derr = fieldlite.EnsureDeviceID(db); derr != nil {
				return "", derr
			}
		}
		return auth.GenerateToken(userID, id, 24*time.Hour)
	}

	transport := fieldlite.NewHTTPTransport(viper.GetString("server"), token)

	config := fieldlite.DefaultConfig()
	config.BatchSize = viper.GetInt("batch_size")
	config.MaxBandwidthBytes = viper.GetInt64("max_bandwidth_bytes")
	config.MinSyncInterval = viper.GetDuration("min_sync_interval")

	client, err := fieldlite.NewClient(db, transport, config, hooks, slog.Default())
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return client, db, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
