package config

import "time"

// Config holds runtime configuration for the quark service.
type Config struct {
	Environment   string
	Addr          string
	DatabaseURL   string
	MigrationsDir string

	JWTSecret      string
	AccessTokenTTL time.Duration

	DockerHost    string
	WorkspaceRoot string
	AppPort       int
	BuildTimeout  time.Duration
	GitTimeout    time.Duration

	DeployTimeout    time.Duration
	HealthCheckGrace time.Duration

	MaxCPUPercent      float64
	MaxMemoryGB        int
	AdmissionSerialize bool

	NginxConfDir       string
	NginxReloadCommand string
	NginxContainerName string
	DomainSuffix       string

	MetricsInterval time.Duration
	SweepInterval   time.Duration

	WebhookSecret string

	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
}

// Load constructs a Config from environment variables.
func Load() Config {
	return Config{
		Environment:   GetString("APP_ENV", "development"),
		Addr:          GetString("QUARK_ADDR", ":8001"),
		DatabaseURL:   GetString("DATABASE_URL", "postgres://quark:quark@db:5432/quark?sslmode=disable"),
		MigrationsDir: GetString("DB_MIGRATIONS_DIR", "./db/migrations"),

		JWTSecret:      GetString("JWT_SECRET", "your-secret-key"),
		AccessTokenTTL: time.Duration(GetInt("ACCESS_TOKEN_EXPIRE_MINUTES", 30)) * time.Minute,

		DockerHost:    GetString("DOCKER_HOST", ""),
		WorkspaceRoot: GetString("BUILD_WORKSPACE_ROOT", "/tmp/quark-builds"),
		AppPort:       GetInt("APP_CONTAINER_PORT", 8000),
		BuildTimeout:  time.Duration(GetInt("BUILD_TIMEOUT_SECONDS", 600)) * time.Second,
		GitTimeout:    time.Duration(GetInt("GIT_TIMEOUT_SECONDS", 120)) * time.Second,

		DeployTimeout:    time.Duration(GetInt("DEPLOY_TIMEOUT_SECONDS", 900)) * time.Second,
		HealthCheckGrace: time.Duration(GetInt("HEALTH_CHECK_GRACE_SECONDS", 5)) * time.Second,

		MaxCPUPercent:      GetFloat("MAX_CPU_PERCENT", 80.0),
		MaxMemoryGB:        GetInt("MAX_MEMORY_GB", 14),
		AdmissionSerialize: GetBool("ADMISSION_SERIALIZE", false),

		NginxConfDir:       GetString("NGINX_CONF_DIR", "/etc/nginx/sites-enabled"),
		NginxReloadCommand: GetString("NGINX_RELOAD_COMMAND", "nginx -s reload"),
		NginxContainerName: GetString("NGINX_CONTAINER_NAME", ""),
		DomainSuffix:       GetString("INGRESS_DOMAIN_SUFFIX", ".quark.local"),

		MetricsInterval: time.Duration(GetInt("METRICS_SAMPLE_SECONDS", 15)) * time.Second,
		SweepInterval:   time.Duration(GetInt("FAILED_SWEEP_SECONDS", 300)) * time.Second,

		WebhookSecret: GetString("GITHUB_WEBHOOK_SECRET", ""),

		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
	}
}
