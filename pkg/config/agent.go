package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// AgentConfig holds runtime configuration for the node agent.
type AgentConfig struct {
	Environment string
	LogLevel    string
	NodeID      string
	Addr        string

	ControlPlaneURL   string
	ControlPlaneWSURL string
	AuthToken         string
	NodeSecret        string
	TokenTTL          time.Duration
	CallbackTimeout   time.Duration
	HeartbeatInterval time.Duration
	ReconnectMin      time.Duration
	ReconnectMax      time.Duration

	DockerHost   string
	DockerBinary string

	DataDir  string
	Workdir  string
	StateKey string

	GitTimeout    time.Duration
	BuildTimeout  time.Duration
	Registry      string
	PushRegistry  string
	UploadSlugs   bool
	CacheEnabled  bool
	CacheMaxBytes int64
	CacheTTL      time.Duration

	StorageBackend     string
	StorageURL         string
	StorageToken       string
	StorageBucket      string
	GCSCredentialsFile string

	NginxConfigDir     string
	NginxReloadCmd     string
	NginxContainerName string
	ChallengeDir       string

	CertDir          string
	ACMEDirectoryURL string
	ACMEEmail        string
	CertRenewBefore  time.Duration

	Strategy      string
	KubeNamespace string
	KubeDomain    string

	PortBase       int
	PortSlots      int
	MaxInstances   int
	DBPortBase     int
	MemoryLimitMB  int
	CPULimit       float64
	PidsLimit      int
	ReadOnlyRootFS bool
	DBReadyTimeout time.Duration
}

// LoadAgentConfig constructs an AgentConfig from environment variables, using
// the optional YAML file at path for values the environment does not set.
func LoadAgentConfig(path string) (AgentConfig, error) {
	src, err := LoadSource(path)
	if err != nil {
		return AgentConfig{}, err
	}
	hostname, _ := os.Hostname()
	dataDir := src.String("AGENT_DATA_DIR", "/var/lib/paas-agent")
	cfg := AgentConfig{
		Environment: src.String("APP_ENV", "development"),
		LogLevel:    src.String("LOG_LEVEL", "info"),
		NodeID:      src.String("NODE_ID", hostname),
		Addr:        src.String("AGENT_ADDR", ":5050"),

		ControlPlaneURL:   src.String("CONTROL_PLANE_URL", "http://localhost:4000"),
		ControlPlaneWSURL: src.String("CONTROL_PLANE_WS_URL", ""),
		AuthToken:         src.String("AGENT_TOKEN", ""),
		NodeSecret:        src.String("NODE_SECRET", ""),
		TokenTTL:          src.Duration("NODE_TOKEN_TTL", time.Hour),
		CallbackTimeout:   src.Duration("CALLBACK_TIMEOUT", 10*time.Second),
		HeartbeatInterval: src.Duration("HEARTBEAT_INTERVAL", 30*time.Second),
		ReconnectMin:      src.Duration("RECONNECT_MIN", time.Second),
		ReconnectMax:      src.Duration("RECONNECT_MAX", time.Minute),

		DockerHost:   src.String("DOCKER_HOST", "unix:///var/run/docker.sock"),
		DockerBinary: src.String("DOCKER_BINARY", "docker"),

		DataDir:  dataDir,
		Workdir:  src.String("AGENT_WORKDIR", filepath.Join(os.TempDir(), "paas-builds")),
		StateKey: src.String("STATE_ENCRYPTION_KEY", ""),

		GitTimeout:    src.Duration("GIT_TIMEOUT", 2*time.Minute),
		BuildTimeout:  src.Duration("BUILD_TIMEOUT", 15*time.Minute),
		Registry:      src.String("IMAGE_NAMESPACE", "paas"),
		PushRegistry:  src.String("PUSH_REGISTRY", ""),
		UploadSlugs:   src.Bool("UPLOAD_SLUGS", false),
		CacheEnabled:  src.Bool("BUILD_CACHE_ENABLED", true),
		CacheMaxBytes: src.Int64("BUILD_CACHE_MAX_BYTES", 512<<20),
		CacheTTL:      src.Duration("BUILD_CACHE_TTL", 7*24*time.Hour),

		StorageBackend:     src.String("STORAGE_BACKEND", "local"),
		StorageURL:         src.String("STORAGE_URL", ""),
		StorageToken:       src.String("STORAGE_TOKEN", ""),
		StorageBucket:      src.String("STORAGE_BUCKET", ""),
		GCSCredentialsFile: src.String("GCS_CREDENTIALS_FILE", ""),

		NginxConfigDir:     src.String("NGINX_CONFIG_PATH", "/etc/nginx/conf.d"),
		NginxReloadCmd:     src.String("NGINX_RELOAD_CMD", "nginx -s reload"),
		NginxContainerName: src.String("NGINX_CONTAINER_NAME", ""),
		ChallengeDir:       src.String("ACME_CHALLENGE_DIR", "/var/www/acme"),

		CertDir:          src.String("CERT_DIR", filepath.Join(dataDir, "certs")),
		ACMEDirectoryURL: src.String("ACME_DIRECTORY_URL", ""),
		ACMEEmail:        src.String("ACME_EMAIL", ""),
		CertRenewBefore:  src.Duration("CERT_RENEW_BEFORE", 7*24*time.Hour),

		Strategy:      src.String("DEPLOY_STRATEGY", "direct"),
		KubeNamespace: src.String("KUBE_NAMESPACE", "paas"),
		KubeDomain:    src.String("KUBE_SERVICE_DOMAIN", "svc.cluster.local"),

		PortBase:       src.Int("HOST_PORT_BASE", 20000),
		PortSlots:      src.Int("HOST_PORT_SLOTS", 2000),
		MaxInstances:   src.Int("MAX_INSTANCES", 16),
		DBPortBase:     src.Int("DB_PORT_BASE", 55000),
		MemoryLimitMB:  src.Int("RUNTIME_MEMORY_LIMIT_MB", 512),
		PidsLimit:      src.Int("RUNTIME_PIDS_LIMIT", 256),
		ReadOnlyRootFS: src.Bool("RUNTIME_READ_ONLY_ROOT", true),
		DBReadyTimeout: src.Duration("DB_READY_TIMEOUT", time.Minute),
	}
	cfg.CPULimit = float64(src.Int("RUNTIME_CPU_MILLIS", 1000)) / 1000
	if strings.TrimSpace(cfg.ControlPlaneWSURL) == "" {
		cfg.ControlPlaneWSURL = deriveWebsocketURL(cfg.ControlPlaneURL)
	}
	if err := cfg.Validate(); err != nil {
		return AgentConfig{}, err
	}
	return cfg, nil
}

// Validate reports settings the agent cannot start without.
func (c AgentConfig) Validate() error {
	if strings.TrimSpace(c.NodeID) == "" {
		return fmt.Errorf("NODE_ID required")
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("AGENT_DATA_DIR required")
	}
	if c.MaxInstances <= 0 || c.PortSlots <= 0 {
		return fmt.Errorf("MAX_INSTANCES and HOST_PORT_SLOTS must be positive")
	}
	if c.PortBase+c.PortSlots*c.MaxInstances > 65535 {
		return fmt.Errorf("host port range exceeds 65535")
	}
	switch c.Strategy {
	case "direct", "kubernetes":
	default:
		return fmt.Errorf("unknown DEPLOY_STRATEGY %q", c.Strategy)
	}
	return nil
}

func deriveWebsocketURL(base string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://") + "/nodes/connect"
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://") + "/nodes/connect"
	default:
		return base
	}
}
