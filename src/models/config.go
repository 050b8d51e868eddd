package models

// MConfig Structure
type MConfig struct {
	Name     string          `yaml:"name"`
	Host     string          `yaml:"host"`
	Port     int             `yaml:"port"`
	LogLevel string          `yaml:"log_level"`
	Storage  MStorageConfig  `yaml:"storage"`
	Broker   MBrokerConfig   `yaml:"broker"`
	Cache    MCacheConfig    `yaml:"cache"`
	Hub      MHubConfig      `yaml:"hub"`
	Rules    MRulesConfig    `yaml:"rules"`
	Recorder MRecorderConfig `yaml:"recorder"`
}

type MStorageConfig struct {
	DBConnectionString string `yaml:"db_connection_string"`
}

type MBrokerConfig struct {
	URL                string `yaml:"url"`
	Stream             string `yaml:"stream"`
	Subject            string `yaml:"subject"`
	Consumer           string `yaml:"consumer"`
	MessageTTLSeconds  int    `yaml:"message_ttl_seconds"`
	MaxMessages        int64  `yaml:"max_messages"`
	BackoffBaseSeconds int    `yaml:"backoff_base_seconds"`
	BackoffCapSeconds  int    `yaml:"backoff_cap_seconds"`
}

type MCacheConfig struct {
	SnapshotTTLSeconds      int `yaml:"snapshot_ttl_seconds"`
	EvictionIntervalSeconds int `yaml:"eviction_interval_seconds"`
	EquityCurvePoints       int `yaml:"equity_curve_points"`
}

type MHubConfig struct {
	BatchWindowMS           int `yaml:"batch_window_ms"`
	AnalysisCacheTTLSeconds int `yaml:"analysis_cache_ttl_seconds"`
	ClientSendBuffer        int `yaml:"client_send_buffer"`
}

type MRulesConfig struct {
	CheckIntervalSeconds int `yaml:"check_interval_seconds"`
}

type MRecorderConfig struct {
	SampleIntervalSeconds int `yaml:"sample_interval_seconds"`
}
