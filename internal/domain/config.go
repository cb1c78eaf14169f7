package domain

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines infrastructure selection
	Tier Tier `json:"tier"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`

	// Pipeline configurations
	Scoring    ScoringConfig    `json:"scoring"`
	Classifier ClassifierConfig `json:"classifier"`
	Features   FeatureConfig    `json:"features"`
	Anomaly    AnomalyConfig    `json:"anomaly"`
	Pipeline   PipelineConfig   `json:"pipeline"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// ScoringConfig tunes risk composition. Weights are documented defaults;
// factor weights are renormalized to the non-anomaly budget at composition
// time so their nominal sum does not need to be exact.
type ScoringConfig struct {
	AnomalyWeight float64 `json:"anomalyWeight"` // top-level anomaly share

	LeaverWeight        float64 `json:"leaverWeight"`
	DomainWeight        float64 `json:"domainWeight"`
	AttachmentWeight    float64 `json:"attachmentWeight"`
	KeywordWeight       float64 `json:"keywordWeight"`
	TimeWeight          float64 `json:"timeWeight"`
	JustificationWeight float64 `json:"justificationWeight"`

	// ExplanationCutoff drops negligible contributions from explanations.
	ExplanationCutoff float64 `json:"explanationCutoff"`

	// CaseThreshold is the minimum composite score that generates a case
	// when no security rule matched.
	CaseThreshold float64 `json:"caseThreshold"`

	// SuspiciousJustificationTerms flag weak justifications.
	SuspiciousJustificationTerms []string `json:"suspiciousJustificationTerms,omitempty"`
}

// ClassifierConfig tunes domain classification and whitelisting.
type ClassifierConfig struct {
	// Exact category overrides keyed by domain
	Overrides map[string]DomainCategory `json:"overrides,omitempty"`

	// Suffix patterns per category, checked after overrides
	PublicSuffixes     []string `json:"publicSuffixes,omitempty"`
	SuspiciousSuffixes []string `json:"suspiciousSuffixes,omitempty"`
	CorporateSuffixes  []string `json:"corporateSuffixes,omitempty"`

	// Trust score weights; must describe shares of the 0-100 scale
	FrequencyWeight float64 `json:"frequencyWeight"`
	RiskWeight      float64 `json:"riskWeight"`
	CategoryWeight  float64 `json:"categoryWeight"`
	WhitelistWeight float64 `json:"whitelistWeight"`

	// WhitelistTrustThreshold whitelists records whose recipient domain
	// trust score meets it even without a manual whitelist entry.
	WhitelistTrustThreshold float64 `json:"whitelistTrustThreshold"`
}

// FeatureConfig tunes feature extraction.
type FeatureConfig struct {
	// VocabularyCap bounds the bag-of-terms vocabulary size.
	VocabularyCap int `json:"vocabularyCap"`

	// Attachment risk scoring tables
	HighRiskExtensions   []string `json:"highRiskExtensions,omitempty"`
	MediumRiskExtensions []string `json:"mediumRiskExtensions,omitempty"`
	SuspiciousPatterns   []string `json:"suspiciousPatterns,omitempty"`
	HighRiskScore        float64  `json:"highRiskScore"`
	MediumRiskScore      float64  `json:"mediumRiskScore"`
	PatternScore         float64  `json:"patternScore"`
}

// AnomalyConfig tunes the unsupervised scorer.
type AnomalyConfig struct {
	Contamination  float64 `json:"contamination"`
	Trees          int     `json:"trees"`
	SampleSize     int     `json:"sampleSize"`     // per-tree subsample
	MaxTrainCount  int     `json:"maxTrainCount"`  // training sample cap
	MinTrainCount  int     `json:"minTrainCount"`  // below this, skip model
	Seed           int64   `json:"seed"`
}

// PipelineConfig tunes session processing.
type PipelineConfig struct {
	// Workers bounds per-record parallelism within a session.
	Workers int `json:"workers"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `json:"enabled"`
	ServiceName  string `json:"serviceName"`
	ExporterType string `json:"exporterType"`
	Endpoint     string `json:"endpoint"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity is the free tier with SQLite + channels
	TierCommunity Tier = "community"

	// TierPro is the paid tier with PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     300,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Scoring: ScoringConfig{
			AnomalyWeight:       0.4,
			LeaverWeight:        0.3,
			DomainWeight:        0.2,
			AttachmentWeight:    0.3,
			KeywordWeight:       0.2,
			TimeWeight:          0.1,
			JustificationWeight: 0.1,
			ExplanationCutoff:   0.01,
			CaseThreshold:       ThresholdMedium,
			SuspiciousJustificationTerms: []string{
				"urgent", "confidential", "personal", "mistake", "wrong",
				"emergency", "immediate", "asap", "secret", "private",
			},
		},
		Classifier: ClassifierConfig{
			PublicSuffixes: []string{
				"gmail.com", "yahoo.com", "hotmail.com", "outlook.com",
				"aol.com", "icloud.com", "live.com", "msn.com",
				"ymail.com", "mail.com", "protonmail.com",
			},
			SuspiciousSuffixes: []string{
				".tk", ".ml", ".ga", ".cf",
				"tempmail.com", "10minutemail.com", "guerrillamail.com", "mailinator.com",
			},
			CorporateSuffixes:       []string{".gov", ".edu", ".corp"},
			FrequencyWeight:         0.3,
			RiskWeight:              0.4,
			CategoryWeight:          0.2,
			WhitelistWeight:         0.1,
			WhitelistTrustThreshold: 85,
		},
		Features: FeatureConfig{
			VocabularyCap: 256,
			HighRiskExtensions: []string{
				".exe", ".scr", ".bat", ".cmd", ".com", ".pif",
				".vbs", ".js", ".jar", ".msi", ".dll",
			},
			MediumRiskExtensions: []string{
				".zip", ".rar", ".7z", ".doc", ".docx",
				".xls", ".xlsx", ".ppt", ".pptx", ".pdf",
			},
			SuspiciousPatterns: []string{
				"password", "confidential", "urgent", "invoice", "payment",
			},
			HighRiskScore:   0.8,
			MediumRiskScore: 0.3,
			PatternScore:    0.2,
		},
		Anomaly: AnomalyConfig{
			Contamination: 0.1,
			Trees:         100,
			SampleSize:    256,
			MaxTrainCount: 2000,
			MinTrainCount: 10,
			Seed:          42,
		},
		Pipeline: PipelineConfig{
			Workers: 8,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}
