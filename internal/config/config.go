package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/crimson-sun/tributary/internal/connector"
	"github.com/crimson-sun/tributary/internal/elastic"
	"github.com/crimson-sun/tributary/internal/scheduler"
)

// DefaultPath is the config file read when Load is given no path.
const DefaultPath = "tributary.yaml"

// Providers are the sources every deployment knows about. A source with no
// credentials is still registered; its runs fail with a missing-credential
// error.
var Providers = []string{"atlassian", "jira", "postman", "zendesk"}

// Config holds all tributary configuration.
type Config struct {
	Elasticsearch ElasticsearchConfig     `yaml:"elasticsearch"`
	Queue         QueueConfig             `yaml:"queue"`
	Results       ResultsConfig           `yaml:"results"`
	Output        OutputConfig            `yaml:"output"`
	Pipeline      PipelineConfig          `yaml:"pipeline"`
	Schedule      ScheduleConfig          `yaml:"schedule"`
	Server        ServerConfig            `yaml:"server"`
	Log           LogConfig               `yaml:"log"`
	Sources       map[string]SourceConfig `yaml:"sources"`
}

// ElasticsearchConfig holds the destination cluster settings.
type ElasticsearchConfig struct {
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"`
	Scheme      string        `yaml:"scheme"`
	AuthMethod  string        `yaml:"auth_method"` // "basic" or "api_key"
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	APIKey      string        `yaml:"api_key"`
	CACert      string        `yaml:"ca_cert"`
	VerifyCerts bool          `yaml:"verify_certs"`
	Compress    bool          `yaml:"compress"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Address returns scheme://host:port.
func (e ElasticsearchConfig) Address() string {
	return fmt.Sprintf("%s://%s:%d", e.Scheme, e.Host, e.Port)
}

// ClientConfig maps the settings onto the client constructor's input.
func (e ElasticsearchConfig) ClientConfig() elastic.Config {
	cfg := elastic.Config{
		Addresses:   []string{e.Address()},
		CACertPath:  e.CACert,
		VerifyCerts: e.VerifyCerts,
		Compress:    e.Compress,
		Timeout:     e.Timeout,
	}
	if e.AuthMethod == "api_key" {
		cfg.APIKey = e.APIKey
	} else {
		cfg.Username = e.Username
		cfg.Password = e.Password
	}
	return cfg
}

// QueueConfig selects the handoff between fetch and index units.
type QueueConfig struct {
	Kind  string      `yaml:"kind"` // "memory" or "kafka"
	Size  int         `yaml:"size"`
	Kafka KafkaConfig `yaml:"kafka"`
}

// KafkaConfig holds the kafka queue settings.
type KafkaConfig struct {
	Brokers       []string `yaml:"brokers"`
	Topic         string   `yaml:"topic"`
	Group         string   `yaml:"group"`
	TLS           bool     `yaml:"tls"`
	SASLMechanism string   `yaml:"sasl_mechanism"`
	SASLUser      string   `yaml:"sasl_user"`
	SASLPassword  string   `yaml:"sasl_password"`
}

// ResultsConfig selects the task status store.
type ResultsConfig struct {
	Kind        string `yaml:"kind"` // "memory", "bolt", "postgres" or "elasticsearch"
	BoltPath    string `yaml:"bolt_path"`
	PostgresURL string `yaml:"postgres_url"`
	Namespace   string `yaml:"namespace"`

	// Retention bounds how long the memory store keeps finished tasks.
	Retention time.Duration `yaml:"retention"`
}

// OutputConfig selects where index units write.
type OutputConfig struct {
	Kind      string `yaml:"kind"` // "elasticsearch", "stdout" or "file"
	Path      string `yaml:"path"`
	Pretty    bool   `yaml:"pretty"`
	ChunkSize int    `yaml:"chunk_size"`
	IDMode    string `yaml:"id_mode"` // "auto" or "content"

	// MirrorFile and MirrorWebhook, when set, receive a copy of every batch
	// off the indexing path.
	MirrorFile    string `yaml:"mirror_file"`
	MirrorWebhook string `yaml:"mirror_webhook"`
}

// PipelineConfig tunes the orchestrator.
type PipelineConfig struct {
	Concurrency    int           `yaml:"concurrency"`
	IndexWorkers   int           `yaml:"index_workers"`
	MaxAttempts    int           `yaml:"max_attempts"`
	BaseDelay      time.Duration `yaml:"base_delay"`
	MaxDelay       time.Duration `yaml:"max_delay"`
	IndexTimeout   time.Duration `yaml:"index_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxPages       int           `yaml:"max_pages"`
	RateLimit      float64       `yaml:"rate_limit"`
	RateBurst      int           `yaml:"rate_burst"`
}

// ScheduleConfig enables periodic runs of every enabled source.
type ScheduleConfig struct {
	Enabled  bool `yaml:"enabled"`
	Interval int  `yaml:"interval"` // minutes
}

// ServerConfig holds the trigger surface settings.
type ServerConfig struct {
	Addr    string   `yaml:"addr"`
	APIKeys []string `yaml:"api_keys"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
}

// SourceConfig holds one source's credentials and destination. Fields a
// provider does not use are ignored.
type SourceConfig struct {
	Disabled  bool   `yaml:"disabled"`
	OrgID     string `yaml:"org_id"`
	URL       string `yaml:"url"`
	Tenant    string `yaml:"tenant"`
	Username  string `yaml:"username"`
	APIKey    string `yaml:"api_key"`
	Endpoint  string `yaml:"endpoint"`
	PageSize  int    `yaml:"page_size"`
	Dataset   string `yaml:"dataset"`
	Namespace string `yaml:"namespace"`
	Cron      string `yaml:"cron"`
	Interval  int    `yaml:"interval"`
}

// ConnectorConfig maps the source onto the connector constructor's input.
func (s SourceConfig) ConnectorConfig(provider string) connector.Config {
	cfg := connector.Config{
		Provider: provider,
		APIKey:   s.APIKey,
		Username: s.Username,
		Endpoint: s.Endpoint,
	}
	if s.URL != "" {
		cfg.Endpoint = s.URL
	}
	extra := map[string]string{}
	if s.OrgID != "" {
		extra["org_id"] = s.OrgID
	}
	if s.Tenant != "" {
		extra["tenant"] = s.Tenant
	}
	if s.PageSize > 0 {
		extra["page_size"] = strconv.Itoa(s.PageSize)
	}
	if len(extra) > 0 {
		cfg.Extra = extra
	}
	return cfg
}

// Default returns the configuration used when neither file nor environment
// sets a value.
func Default() Config {
	sources := make(map[string]SourceConfig, len(Providers))
	for _, p := range Providers {
		sources[p] = SourceConfig{}
	}
	return Config{
		Elasticsearch: ElasticsearchConfig{
			Host:        "localhost",
			Port:        9200,
			Scheme:      "https",
			AuthMethod:  "basic",
			Username:    "elastic",
			VerifyCerts: true,
			Timeout:     30 * time.Second,
		},
		Queue:   QueueConfig{Kind: "memory", Size: 256, Kafka: KafkaConfig{Topic: "tributary.index", Group: "tributary-indexers"}},
		Results: ResultsConfig{Kind: "memory", Namespace: "default", Retention: 24 * time.Hour},
		Output:  OutputConfig{Kind: "elasticsearch", ChunkSize: 500, IDMode: "auto"},
		Pipeline: PipelineConfig{
			Concurrency:    4,
			MaxAttempts:    5,
			BaseDelay:      time.Second,
			MaxDelay:       10 * time.Minute,
			IndexTimeout:   60 * time.Second,
			RequestTimeout: 10 * time.Second,
			MaxPages:       100,
			RateLimit:      5,
			RateBurst:      5,
		},
		Schedule: ScheduleConfig{Interval: 5},
		Server:   ServerConfig{Addr: ":8000"},
		Log:      LogConfig{Level: "info", Format: "json"},
		Sources:  sources,
	}
}

// Load reads path (or DefaultPath when it exists), applies TRIBUTARY_*
// environment overrides and validates the result.
func Load(path string) (Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Read is Load without validation, for callers that override fields first.
func Read(path string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return Config{}, fmt.Errorf("config: %w", err)
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	es := &cfg.Elasticsearch
	es.Host = getenv("TRIBUTARY_ES_HOST", es.Host)
	es.Scheme = getenv("TRIBUTARY_ES_SCHEME", es.Scheme)
	es.AuthMethod = getenv("TRIBUTARY_ES_AUTH_METHOD", es.AuthMethod)
	es.Username = getenv("TRIBUTARY_ES_USERNAME", es.Username)
	es.Password = getenv("TRIBUTARY_ES_PASSWORD", es.Password)
	es.APIKey = getenv("TRIBUTARY_ES_API_KEY", es.APIKey)
	es.CACert = getenv("TRIBUTARY_ES_CA_CERT", es.CACert)

	q := &cfg.Queue
	q.Kind = getenv("TRIBUTARY_QUEUE", q.Kind)
	if v := os.Getenv("TRIBUTARY_KAFKA_BROKERS"); v != "" {
		q.Kafka.Brokers = splitList(v)
	}
	q.Kafka.Topic = getenv("TRIBUTARY_KAFKA_TOPIC", q.Kafka.Topic)
	q.Kafka.Group = getenv("TRIBUTARY_KAFKA_GROUP", q.Kafka.Group)
	q.Kafka.SASLMechanism = getenv("TRIBUTARY_KAFKA_SASL_MECHANISM", q.Kafka.SASLMechanism)
	q.Kafka.SASLUser = getenv("TRIBUTARY_KAFKA_SASL_USER", q.Kafka.SASLUser)
	q.Kafka.SASLPassword = getenv("TRIBUTARY_KAFKA_SASL_PASSWORD", q.Kafka.SASLPassword)

	r := &cfg.Results
	r.Kind = getenv("TRIBUTARY_RESULTS", r.Kind)
	r.BoltPath = getenv("TRIBUTARY_RESULTS_BOLT_PATH", r.BoltPath)
	r.PostgresURL = getenv("TRIBUTARY_RESULTS_POSTGRES_URL", r.PostgresURL)

	o := &cfg.Output
	o.Kind = getenv("TRIBUTARY_OUTPUT", o.Kind)
	o.Path = getenv("TRIBUTARY_OUTPUT_PATH", o.Path)
	o.IDMode = getenv("TRIBUTARY_ID_MODE", o.IDMode)
	o.MirrorFile = getenv("TRIBUTARY_MIRROR_FILE", o.MirrorFile)
	o.MirrorWebhook = getenv("TRIBUTARY_MIRROR_WEBHOOK", o.MirrorWebhook)

	cfg.Server.Addr = getenv("TRIBUTARY_SERVER_ADDR", cfg.Server.Addr)
	if v := os.Getenv("TRIBUTARY_SERVER_API_KEYS"); v != "" {
		cfg.Server.APIKeys = splitList(v)
	}
	cfg.Log.Level = getenv("TRIBUTARY_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getenv("TRIBUTARY_LOG_FORMAT", cfg.Log.Format)

	var err error
	ints := []struct {
		key string
		dst *int
	}{
		{"TRIBUTARY_ES_PORT", &es.Port},
		{"TRIBUTARY_CONCURRENCY", &cfg.Pipeline.Concurrency},
		{"TRIBUTARY_MAX_PAGES", &cfg.Pipeline.MaxPages},
		{"TRIBUTARY_SCHEDULE_INTERVAL", &cfg.Schedule.Interval},
	}
	for _, v := range ints {
		if *v.dst, err = getenvInt(v.key, *v.dst); err != nil {
			return err
		}
	}
	bools := []struct {
		key string
		dst *bool
	}{
		{"TRIBUTARY_ES_VERIFY_CERTS", &es.VerifyCerts},
		{"TRIBUTARY_ES_COMPRESS", &es.Compress},
		{"TRIBUTARY_SCHEDULE_ENABLED", &cfg.Schedule.Enabled},
		{"TRIBUTARY_OUTPUT_PRETTY", &o.Pretty},
	}
	for _, v := range bools {
		if *v.dst, err = getenvBool(v.key, *v.dst); err != nil {
			return err
		}
	}
	if cfg.Pipeline.RateLimit, err = getenvFloat("TRIBUTARY_RATE_LIMIT", cfg.Pipeline.RateLimit); err != nil {
		return err
	}

	applySourceEnv(cfg)
	return nil
}

// sourceEnv lists the per-source credential variables.
var sourceEnv = []struct {
	provider string
	envVar   string
	set      func(*SourceConfig, string)
}{
	{"atlassian", "TRIBUTARY_ATLASSIAN_ORG_ID", func(s *SourceConfig, v string) { s.OrgID = v }},
	{"atlassian", "TRIBUTARY_ATLASSIAN_TOKEN", func(s *SourceConfig, v string) { s.APIKey = v }},
	{"jira", "TRIBUTARY_JIRA_URL", func(s *SourceConfig, v string) { s.URL = v }},
	{"jira", "TRIBUTARY_JIRA_USERNAME", func(s *SourceConfig, v string) { s.Username = v }},
	{"jira", "TRIBUTARY_JIRA_API_KEY", func(s *SourceConfig, v string) { s.APIKey = v }},
	{"postman", "TRIBUTARY_POSTMAN_API_KEY", func(s *SourceConfig, v string) { s.APIKey = v }},
	{"zendesk", "TRIBUTARY_ZENDESK_TENANT", func(s *SourceConfig, v string) { s.Tenant = v }},
	{"zendesk", "TRIBUTARY_ZENDESK_USERNAME", func(s *SourceConfig, v string) { s.Username = v }},
	{"zendesk", "TRIBUTARY_ZENDESK_API_KEY", func(s *SourceConfig, v string) { s.APIKey = v }},
}

func applySourceEnv(cfg *Config) {
	if cfg.Sources == nil {
		cfg.Sources = map[string]SourceConfig{}
	}
	for _, p := range Providers {
		if _, ok := cfg.Sources[p]; !ok {
			cfg.Sources[p] = SourceConfig{}
		}
	}
	for _, v := range sourceEnv {
		val := os.Getenv(v.envVar)
		if val == "" {
			continue
		}
		s := cfg.Sources[v.provider]
		v.set(&s, val)
		cfg.Sources[v.provider] = s
	}
}

// EnabledSources returns the names of sources that are not disabled, sorted.
func (c Config) EnabledSources() []string {
	var names []string
	for name, s := range c.Sources {
		if !s.Disabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// UsesElasticsearch reports whether the output or the task store writes to
// the cluster.
func (c Config) UsesElasticsearch() bool {
	return c.Output.Kind == "elasticsearch" || c.Results.Kind == "elasticsearch"
}

// Validate checks the configuration for errors that would only surface at
// run time.
func (c Config) Validate() error {
	var errs []error
	es := c.Elasticsearch
	if es.Host == "" {
		errs = append(errs, errors.New("elasticsearch.host is required"))
	} else if strings.Contains(es.Host, "://") {
		errs = append(errs, fmt.Errorf("elasticsearch.host must be a hostname, not a URL: %q", es.Host))
	} else if _, err := url.Parse("http://" + es.Host); err != nil {
		errs = append(errs, fmt.Errorf("elasticsearch.host %q: %w", es.Host, err))
	}
	if es.Port < 1 || es.Port > 65535 {
		errs = append(errs, fmt.Errorf("elasticsearch.port must be between 1 and 65535, got %d", es.Port))
	}
	if es.Scheme != "http" && es.Scheme != "https" {
		errs = append(errs, fmt.Errorf("elasticsearch.scheme must be http or https, got %q", es.Scheme))
	}
	switch es.AuthMethod {
	case "basic":
		if c.UsesElasticsearch() && (es.Username == "" || es.Password == "") {
			errs = append(errs, errors.New("elasticsearch basic auth requires username and password"))
		}
	case "api_key":
		if c.UsesElasticsearch() && es.APIKey == "" {
			errs = append(errs, errors.New("elasticsearch api_key auth requires api_key"))
		}
	default:
		errs = append(errs, fmt.Errorf("elasticsearch.auth_method must be basic or api_key, got %q", es.AuthMethod))
	}
	if es.CACert != "" {
		if _, err := os.Stat(es.CACert); err != nil {
			errs = append(errs, fmt.Errorf("elasticsearch.ca_cert: %w", err))
		}
	}

	switch c.Queue.Kind {
	case "memory":
	case "kafka":
		if len(c.Queue.Kafka.Brokers) == 0 {
			errs = append(errs, errors.New("queue.kafka.brokers is required for the kafka queue"))
		}
		if c.Queue.Kafka.Topic == "" {
			errs = append(errs, errors.New("queue.kafka.topic is required for the kafka queue"))
		}
	default:
		errs = append(errs, fmt.Errorf("queue.kind must be memory or kafka, got %q", c.Queue.Kind))
	}

	switch c.Results.Kind {
	case "memory", "bolt", "elasticsearch":
	case "postgres":
		if c.Results.PostgresURL == "" {
			errs = append(errs, errors.New("results.postgres_url is required for the postgres store"))
		}
	default:
		errs = append(errs, fmt.Errorf("results.kind must be memory, bolt, postgres or elasticsearch, got %q", c.Results.Kind))
	}
	if c.Results.Retention < 0 {
		errs = append(errs, fmt.Errorf("results.retention must be >= 0, got %s", c.Results.Retention))
	}

	switch c.Output.Kind {
	case "elasticsearch", "stdout":
	case "file":
		if c.Output.Path == "" {
			errs = append(errs, errors.New("output.path is required for the file output"))
		}
	default:
		errs = append(errs, fmt.Errorf("output.kind must be elasticsearch, stdout or file, got %q", c.Output.Kind))
	}
	if c.Output.IDMode != "auto" && c.Output.IDMode != "content" {
		errs = append(errs, fmt.Errorf("output.id_mode must be auto or content, got %q", c.Output.IDMode))
	}

	p := c.Pipeline
	if p.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("pipeline.concurrency must be at least 1, got %d", p.Concurrency))
	}
	if p.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("pipeline.max_attempts must be at least 1, got %d", p.MaxAttempts))
	}
	if p.MaxPages < 1 {
		errs = append(errs, fmt.Errorf("pipeline.max_pages must be at least 1, got %d", p.MaxPages))
	}
	if p.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("pipeline.rate_limit must not be negative, got %v", p.RateLimit))
	}

	if c.Schedule.Enabled && c.Schedule.Interval < 1 {
		errs = append(errs, fmt.Errorf("schedule.interval must be at least 1 minute, got %d", c.Schedule.Interval))
	}
	for _, name := range sortedKeys(c.Sources) {
		s := c.Sources[name]
		if s.Cron != "" {
			if err := scheduler.ValidateCron(s.Cron); err != nil {
				errs = append(errs, fmt.Errorf("sources.%s.cron: %w", name, err))
			}
		}
		if s.Interval < 0 {
			errs = append(errs, fmt.Errorf("sources.%s.interval must not be negative, got %d", name, s.Interval))
		}
	}

	return errors.Join(errs...)
}

// Redacted returns a copy with every secret replaced, for display.
func (c Config) Redacted() Config {
	r := c
	r.Elasticsearch.Password = mask(r.Elasticsearch.Password)
	r.Elasticsearch.APIKey = mask(r.Elasticsearch.APIKey)
	r.Queue.Kafka.SASLPassword = mask(r.Queue.Kafka.SASLPassword)
	r.Results.PostgresURL = redactURL(r.Results.PostgresURL)
	if len(c.Server.APIKeys) > 0 {
		r.Server.APIKeys = make([]string, len(c.Server.APIKeys))
		for i, k := range c.Server.APIKeys {
			r.Server.APIKeys[i] = mask(k)
		}
	}
	r.Sources = make(map[string]SourceConfig, len(c.Sources))
	for name, s := range c.Sources {
		s.APIKey = mask(s.APIKey)
		r.Sources[name] = s
	}
	return r
}

// YAML renders the configuration.
func (c Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}

func redactURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	return u.String()
}

func sortedKeys(m map[string]SourceConfig) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}

func getenvBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("config: %s: %w", key, err)
	}
	return b, nil
}

func getenvFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return f, nil
}
