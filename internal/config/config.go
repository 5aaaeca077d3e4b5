package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Sync      SyncConfig
	Timer     TimerConfig
	Asset     AssetConfig
	Local     LocalConfig
	Replica   ReplicaConfig
	WebSocket WebSocketConfig
	CORS      CORSConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	Port string `env:"PORT" envDefault:"8080"`
	Host string `env:"HOST" envDefault:"0.0.0.0"`
	Env  string `env:"ENV" envDefault:"development"`
}

type DatabaseConfig struct {
	Host     string `env:"COUCHDB_HOST" envDefault:"localhost"`
	Port     string `env:"COUCHDB_PORT" envDefault:"5984"`
	User     string `env:"COUCHDB_USER" envDefault:"admin"`
	Password string `env:"COUCHDB_PASSWORD" envDefault:"password"`
	Name     string `env:"COUCHDB_NAME" envDefault:"pursuit"`
}

// URL is the CouchDB endpoint with credentials embedded.
func (d DatabaseConfig) URL() string {
	return fmt.Sprintf("http://%s:%s@%s:%s", d.User, d.Password, d.Host, d.Port)
}

type SyncConfig struct {
	PollInterval     time.Duration `env:"SYNC_POLL_INTERVAL" envDefault:"30s"`
	TimerTick        time.Duration `env:"SYNC_TIMER_TICK" envDefault:"1s"`
	MaxDocumentBytes int           `env:"SYNC_MAX_DOCUMENT_BYTES" envDefault:"1048576"`
	PushTimeout      time.Duration `env:"SYNC_PUSH_TIMEOUT" envDefault:"15s"`
	LibraryID        string        `env:"SYNC_LIBRARY_ID"`
}

type TimerConfig struct {
	DismissHistory int `env:"TIMER_DISMISS_HISTORY" envDefault:"8"`
}

type AssetConfig struct {
	CacheSize int `env:"ASSET_CACHE_SIZE" envDefault:"64"`
}

type LocalConfig struct {
	Path string `env:"LOCAL_DB_PATH" envDefault:"pursuit.db"`
}

type ReplicaConfig struct {
	UserName string `env:"REPLICA_USER_NAME" envDefault:"Guest"`
	UserID   string `env:"REPLICA_USER_ID" envDefault:"guest"`
}

type WebSocketConfig struct {
	ReadBufferSize  int           `env:"WS_READ_BUFFER_SIZE" envDefault:"4096"`
	WriteBufferSize int           `env:"WS_WRITE_BUFFER_SIZE" envDefault:"4096"`
	WriteWait       time.Duration `env:"WS_WRITE_WAIT" envDefault:"10s"`
	PongWait        time.Duration `env:"WS_PONG_WAIT" envDefault:"60s"`
	PingPeriod      time.Duration `env:"WS_PING_PERIOD" envDefault:"54s"`
	MaxConnections  int           `env:"WS_MAX_CONNECTIONS" envDefault:"16"`
}

type CORSConfig struct {
	AllowedOrigins string `env:"CORS_ALLOWED_ORIGINS" envDefault:"*"`
	AllowedMethods string `env:"CORS_ALLOWED_METHODS" envDefault:"GET,POST,PUT,DELETE,OPTIONS"`
	AllowedHeaders string `env:"CORS_ALLOWED_HEADERS" envDefault:"Content-Type"`
}

type LoggingConfig struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"text"`
}

// Load reads an optional .env file and then parses the environment.
func Load() (*Config, error) {
	godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if cfg.WebSocket.PingPeriod >= cfg.WebSocket.PongWait {
		return nil, fmt.Errorf("WS_PING_PERIOD (%s) must be shorter than WS_PONG_WAIT (%s)",
			cfg.WebSocket.PingPeriod, cfg.WebSocket.PongWait)
	}
	if cfg.Sync.PollInterval <= 0 || cfg.Sync.TimerTick <= 0 {
		return nil, fmt.Errorf("sync intervals must be positive")
	}

	return &cfg, nil
}
