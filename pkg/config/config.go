package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig
	Redis      RedisConfig
	Virtuoso   VirtuosoConfig
	Milvus     MilvusConfig
	LLM        LLMConfig
	Pipeline   PipelineConfig
	Evaluation EvaluationConfig
	Logging    LoggingConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  int
	WriteTimeout int
	BodyLimit    int
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type VirtuosoConfig struct {
	Host       string
	Port       int
	Username   string
	Password   string
	TimeoutSec int
}

type MilvusConfig struct {
	Enabled        bool
	Endpoint       string
	CollectionName string
	VectorDim      int
}

type LLMConfig struct {
	BaseURL              string
	APIKey               string
	Model                string
	EmbeddingModel       string
	MaxTokens            int
	TimeoutSec           int
	GenerateTemperature  float32
	SynthesisTemperature float32
	OntologyPath         string
}

type PipelineConfig struct {
	FewshotK            int
	FewshotMode         string
	UseCache            bool
	UseOntologyContext  bool
	ProbeTimeoutMS      int
	ThinkingIntervalSec int
	RebuildThreshold    int
}

type EvaluationConfig struct {
	DBPath string
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/sparql-agent")

	viper.SetEnvPrefix("SPARQL_AGENT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.readTimeout", 30)
	viper.SetDefault("server.writeTimeout", 300)
	viper.SetDefault("server.bodyLimit", 1048576)

	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.db", 0)

	viper.SetDefault("virtuoso.host", "localhost")
	viper.SetDefault("virtuoso.port", 8890)
	viper.SetDefault("virtuoso.username", "dba")
	viper.SetDefault("virtuoso.password", "dba")
	viper.SetDefault("virtuoso.timeoutSec", 30)

	viper.SetDefault("milvus.enabled", false)
	viper.SetDefault("milvus.endpoint", "localhost:19530")
	viper.SetDefault("milvus.collectionName", "nlq_pool")
	viper.SetDefault("milvus.vectorDim", 384)

	viper.SetDefault("llm.baseURL", "http://localhost:8000/v1")
	viper.SetDefault("llm.model", "Qwen/Qwen3-8B-AWQ")
	viper.SetDefault("llm.embeddingModel", "intfloat/multilingual-e5-small")
	viper.SetDefault("llm.maxTokens", 2048)
	viper.SetDefault("llm.timeoutSec", 120)
	viper.SetDefault("llm.generateTemperature", 0.0)
	viper.SetDefault("llm.synthesisTemperature", 0.7)
	viper.SetDefault("llm.ontologyPath", "")

	viper.SetDefault("pipeline.fewshotK", 5)
	viper.SetDefault("pipeline.fewshotMode", "auto")
	viper.SetDefault("pipeline.useCache", true)
	viper.SetDefault("pipeline.useOntologyContext", true)
	viper.SetDefault("pipeline.probeTimeoutMS", 500)
	viper.SetDefault("pipeline.thinkingIntervalSec", 15)
	viper.SetDefault("pipeline.rebuildThreshold", 10)

	viper.SetDefault("evaluation.dbPath", "./data/evaluation.db")

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.outputPath", "stdout")
}
