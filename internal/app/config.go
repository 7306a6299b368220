package app

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"

	"github.com/barcode-identifier/barrel/internal/queue"
	"github.com/barcode-identifier/barrel/internal/worker"
)

const defaultAddr = "0.0.0.0:8000"

// Config holds the complete application configuration, loadable from
// environment variables (BARREL_ prefix), flags, or YAML config files.
type Config struct {
	Addr         string        `default:"0.0.0.0:8000" usage:"API server listen address"`
	DatabaseURL  string        `usage:"PostgreSQL connection URL (BARREL_DATABASE_URL, DATABASE_URL or DB_*)" flag:"database-url"`
	SecretKey    string        `usage:"Key used to hash API tokens (BARREL_SECRET_KEY or SECRET_KEY)" flag:"secret-key"`
	TokenTTL     time.Duration `default:"0" usage:"API token lifetime, 0 for no expiry" flag:"token-ttl"`
	AllowedHosts []string      `usage:"Accepted Host headers, empty or * for any (ALLOWED_HOSTS)" flag:"allowed-hosts"`
	DataDir      string        `default:"/var/data" usage:"BLAST databases and run results" flag:"data-dir"`
	StaticDir    string        `default:"/vol/static" usage:"Static files served under /static/" flag:"static-dir"`
	MaxUpload    int64         `default:"67108864" usage:"Maximum request body for uploads in bytes" flag:"max-upload"`

	RateLimit RateLimitConfig
	CORS      CORSConfig
	Graceful  GracefulConfig
	Queue     QueueConfig
	Worker    WorkerConfig
	BLAST     BLASTConfig
	NCBI      NCBIConfig
	Alignment AlignmentConfig
	Limits    LimitsConfig
}

// RateLimitConfig controls the per-client token bucket.
type RateLimitConfig struct {
	Max    int           `default:"300" usage:"Max requests per window, 0 disables"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// CORSConfig controls Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	Origins          []string `default:"*" usage:"Allowed CORS origins"`
	AllowCredentials bool     `default:"false" usage:"Allow credentials (cookies, auth headers)" flag:"cors-credentials"`
	MaxAge           int      `default:"600" usage:"Preflight cache lifetime in seconds" flag:"cors-max-age"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// QueueConfig selects the job queue between API and workers.
type QueueConfig struct {
	Backend string `default:"postgres" usage:"Queue backend: postgres or sqs"`

	PollInterval time.Duration `default:"1s" usage:"Postgres queue polling interval"`
	Lease        time.Duration `default:"30m" usage:"Postgres queue lease of a received job"`

	SQSName       string        `default:"BarcodeQueue.fifo" usage:"SQS queue name" flag:"sqs-name"`
	SQSURL        string        `usage:"SQS queue URL, resolved from the name when empty" flag:"sqs-url"`
	SQSRegion     string        `usage:"AWS region" flag:"sqs-region"`
	SQSEndpoint   string        `usage:"SQS endpoint override, e.g. localstack" flag:"sqs-endpoint"`
	SQSWait       time.Duration `default:"10s" usage:"SQS long polling wait" flag:"sqs-wait"`
	SQSVisibility time.Duration `default:"30m" usage:"SQS visibility timeout of a received job" flag:"sqs-visibility"`

	Backoff  queue.Backoff
	MaxDepth int `default:"0" usage:"Readiness fails above this many waiting jobs, 0 disables"`
}

// WorkerConfig configures BLAST workers.
type WorkerConfig struct {
	Embedded    bool          `default:"true" usage:"Run a worker inside the API server"`
	Concurrency int           `default:"2" usage:"Concurrent BLAST runs"`
	JobTimeout  time.Duration `default:"1h" usage:"Maximum duration of one run"`
	MaxAttempts int           `default:"3" usage:"Attempts before a run is marked failed"`
	ErrorDelay  time.Duration `default:"5s" usage:"Pause after a queue error"`
	Heartbeat   time.Duration `default:"5m" usage:"Lease renewal interval of a running job"`
}

func (c WorkerConfig) worker() worker.Config {
	return worker.Config{
		Concurrency: c.Concurrency,
		JobTimeout:  c.JobTimeout,
		MaxAttempts: c.MaxAttempts,
		ErrorDelay:  c.ErrorDelay,
		Heartbeat:   c.Heartbeat,
	}
}

// BLASTConfig locates the NCBI BLAST+ binaries.
type BLASTConfig struct {
	BinDir         string        `usage:"Directory of blastn and makeblastdb, empty to use PATH" flag:"blast-bin-dir"`
	Blastn         string        `default:"blastn"`
	Makeblastdb    string        `default:"makeblastdb"`
	EValue         string        `default:"" usage:"blastn -evalue, empty for the blastn default"`
	MaxTargetSeqs  int           `default:"0" usage:"blastn -max_target_seqs, 0 for the blastn default"`
	CommandTimeout time.Duration `default:"30m"`
	Threshold      float64       `default:"0" usage:"Classification distance threshold, 0 for the default"`
}

// NCBIConfig configures the E-utilities client.
type NCBIConfig struct {
	BaseURL           string  `default:"https://eutils.ncbi.nlm.nih.gov/entrez/eutils" flag:"ncbi-base-url"`
	Email             string  `usage:"Contact address sent to NCBI" flag:"ncbi-email"`
	Tool              string  `default:"barrel"`
	APIKey            string  `usage:"NCBI API key, raises the rate limit" flag:"ncbi-api-key"`
	RequestsPerSecond float64 `default:"1" usage:"E-utilities request rate, up to 10 with an API key"`
	BatchSize         int     `default:"300"`
	MaxAccessions     int     `default:"1500"`
	Retries           int     `default:"3"`
}

// AlignmentConfig configures the EBI Clustal Omega client.
type AlignmentConfig struct {
	Enabled      bool          `default:"true" usage:"Build trees and classifications through EBI Clustal Omega"`
	BaseURL      string        `default:"https://www.ebi.ac.uk/Tools/services/rest/clustalo" flag:"alignment-base-url"`
	Email        string        `usage:"Contact address sent to EBI" flag:"alignment-email"`
	PollInterval time.Duration `default:"5s"`
	Timeout      time.Duration `default:"30m"`
}

// LimitsConfig bounds query input.
type LimitsConfig struct {
	MaxQuerySequences int `default:"100" usage:"Maximum sequences per run"`
	MaxQueryLength    int `default:"10000" usage:"Maximum length of one query sequence"`
}

// LoadConfig loads configuration from environment variables, YAML config files,
// and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "BARREL",
		Files:     []string{"config.yaml", "/etc/barrel/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults(os.Getenv)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks settings that have no usable default.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return errors.New("database URL is required: set BARREL_DATABASE_URL, DATABASE_URL or DB_NAME/DB_USER/DB_PASS/DB_HOST")
	}
	if c.SecretKey == "" {
		return errors.New("secret key is required: set BARREL_SECRET_KEY or SECRET_KEY")
	}
	var lease time.Duration
	switch c.Queue.Backend {
	case "postgres":
		lease = c.Queue.Lease
	case "sqs":
		lease = c.Queue.SQSVisibility
	default:
		return errors.Errorf("unknown queue backend %q", c.Queue.Backend)
	}
	// A job whose lease lapses is handed to a second worker.
	if c.Worker.Heartbeat <= 0 || 2*c.Worker.Heartbeat > lease {
		return errors.Errorf("worker heartbeat %s must be positive and at most half the queue lease %s",
			c.Worker.Heartbeat, lease)
	}
	return nil
}

// applyPlatformDefaults maps the deployment variables (DATABASE_URL, DB_*,
// SECRET_KEY, ALLOWED_HOSTS, PORT) onto unset fields.
func (c *Config) applyPlatformDefaults(getenv func(string) string) {
	if c.DatabaseURL == "" {
		c.DatabaseURL = getenv("DATABASE_URL")
	}
	if c.DatabaseURL == "" && getenv("DB_NAME") != "" {
		c.DatabaseURL = databaseURL(getenv)
	}
	if c.SecretKey == "" {
		c.SecretKey = getenv("SECRET_KEY")
	}
	if len(c.AllowedHosts) == 0 {
		if v := getenv("ALLOWED_HOSTS"); v != "" {
			c.AllowedHosts = strings.Fields(strings.ReplaceAll(v, ",", " "))
		}
	}
	if port := getenv("PORT"); port != "" && c.Addr == defaultAddr {
		c.Addr = "0.0.0.0:" + port
	}
}

func databaseURL(getenv func(string) string) string {
	host := getenv("DB_HOST")
	if host == "" {
		host = "localhost"
	}
	port := getenv("DB_PORT")
	if port == "" {
		port = "5432"
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%s", host, port),
		Path:   "/" + getenv("DB_NAME"),
	}
	if user := getenv("DB_USER"); user != "" {
		if pass := getenv("DB_PASS"); pass != "" {
			u.User = url.UserPassword(user, pass)
		} else {
			u.User = url.User(user)
		}
	}
	return u.String()
}
