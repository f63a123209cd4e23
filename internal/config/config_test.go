package config_test

import (
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/Sternrassler/listing-resolver/internal/config"
	"github.com/Sternrassler/listing-resolver/pkg/cache"
	"github.com/Sternrassler/listing-resolver/pkg/provider"
)

var _ = Describe("Config", func() {
	var (
		tempDir    string
		configPath string
	)

	writeConfig := func(content string) {
		configPath = filepath.Join(tempDir, "config.yaml")
		err := os.WriteFile(configPath, []byte(content), 0644)
		Expect(err).NotTo(HaveOccurred())
	}

	BeforeEach(func() {
		var err error
		tempDir, err = os.MkdirTemp("", "config-test-*")
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		os.RemoveAll(tempDir)
		os.Unsetenv("LISTING_RESOLVER_SERVER_ADDRESS")
		os.Unsetenv("LISTING_RESOLVER_CACHE_BACKEND")
		os.Unsetenv("LISTING_RESOLVER_PROVIDERS_SERPER_TIMEOUT")
	})

	Describe("Load", func() {
		Context("with valid config file", func() {
			BeforeEach(func() {
				writeConfig(`
server:
  address: ":9090"
  environment: "prod"

logging:
  level: "debug"
  pretty: true

cache:
  backend: "redis"
  redis_addr: "redis:6379"
  max_size: 500
  sync_interval: "1m"
  ttl:
    serper: "2h"

providers:
  serper:
    timeout: "3s"
    failure_threshold: 2
    reset_timeout: "30s"
    rate_per_second: 2
    burst: 4
    base_url: "http://serper.local"

fallback:
  chains_file: "config/fallbacks.yaml"

batch:
  max_concurrency: 8
`)
			})

			It("should load configuration successfully", func() {
				cfg, err := config.Load(configPath)
				Expect(err).NotTo(HaveOccurred())
				Expect(cfg).NotTo(BeNil())
				Expect(cfg.Server.Address).To(Equal(":9090"))
				Expect(cfg.Server.Environment).To(Equal(config.EnvProd))
				Expect(cfg.Logging.Level).To(Equal(config.LogLevelDebug))
				Expect(cfg.Logging.Pretty).To(BeTrue())
				Expect(cfg.Batch.MaxConcurrency).To(Equal(8))
				Expect(cfg.Fallback.ChainsFile).To(Equal("config/fallbacks.yaml"))
			})

			It("should parse cache settings", func() {
				cfg, _ := config.Load(configPath)
				Expect(cfg.Cache.Backend).To(Equal(config.CacheBackendRedis))
				Expect(cfg.Cache.RedisAddr).To(Equal("redis:6379"))
				Expect(cfg.Cache.MaxSize).To(Equal(500))
				Expect(cfg.Cache.SyncInterval).To(Equal(time.Minute))
			})

			It("should merge TTL overrides with the defaults", func() {
				cfg, _ := config.Load(configPath)
				policy := cfg.Cache.TTLPolicy()
				Expect(policy.TTLFor("serper", 0)).To(Equal(2 * time.Hour))
				Expect(policy.TTLFor("etsy-api", 0)).To(Equal(6 * time.Hour))
				Expect(policy.TTLFor("brave", 0)).To(Equal(30 * time.Minute))
			})

			It("should parse provider overrides", func() {
				cfg, _ := config.Load(configPath)
				serper := cfg.Provider(provider.NameSerper)
				Expect(serper.Timeout).To(Equal(3 * time.Second))
				Expect(serper.BaseURL).To(Equal("http://serper.local"))
				Expect(serper.Breaker().FailureThreshold).To(Equal(2))
				Expect(serper.Breaker().ResetTimeout).To(Equal(30 * time.Second))
				Expect(cfg.RateLimits()[provider.NameSerper].Burst).To(Equal(4))
			})

			It("should keep defaults for providers not in the file", func() {
				cfg, _ := config.Load(configPath)
				etsy := cfg.Provider(provider.NameEtsyAPI)
				Expect(etsy.Enabled).To(BeTrue())
				Expect(etsy.FailureThreshold).To(Equal(3))
				Expect(etsy.ResetTimeout).To(Equal(5 * time.Minute))
				Expect(etsy.Timeout).To(Equal(provider.DefaultTimeout))
			})
		})

		Context("with environment variables", func() {
			BeforeEach(func() {
				writeConfig("server:\n  address: \":8080\"\n")
				os.Setenv("LISTING_RESOLVER_SERVER_ADDRESS", ":7070")
				os.Setenv("LISTING_RESOLVER_PROVIDERS_SERPER_TIMEOUT", "1s")
			})

			It("should prefer the environment over the file", func() {
				cfg, err := config.Load(configPath)
				Expect(err).NotTo(HaveOccurred())
				Expect(cfg.Server.Address).To(Equal(":7070"))
				Expect(cfg.Provider(provider.NameSerper).Timeout).To(Equal(time.Second))
			})
		})

		Context("without a config file", func() {
			var wd string

			BeforeEach(func() {
				var err error
				wd, err = os.Getwd()
				Expect(err).NotTo(HaveOccurred())
				Expect(os.Chdir(tempDir)).To(Succeed())
			})

			AfterEach(func() {
				Expect(os.Chdir(wd)).To(Succeed())
			})

			It("should use defaults", func() {
				cfg, err := config.Load("")
				Expect(err).NotTo(HaveOccurred())
				Expect(cfg.Server.Address).To(Equal(":8080"))
				Expect(cfg.Server.Environment).To(Equal(config.EnvDev))
				Expect(cfg.Cache.Backend).To(Equal(config.CacheBackendFile))
				Expect(cfg.Cache.File).To(Equal(cache.DefaultCacheFile))
				Expect(cfg.Cache.MaxSize).To(Equal(cache.DefaultMaxSize))
				Expect(cfg.Cache.SyncInterval).To(Equal(cache.DefaultSyncInterval))
				Expect(cfg.Providers).To(HaveLen(len(config.ProviderOrder)))
				Expect(cfg.Audit.Enabled).To(BeTrue())
			})
		})

		Context("with the shipped sample", func() {
			It("should load and validate", func() {
				cfg, err := config.Load(filepath.Join("..", "..", "config", "config.yaml"))
				Expect(err).NotTo(HaveOccurred())
				Expect(cfg.Cache.TTLPolicy()).To(Equal(cache.DefaultTTLPolicy()))
				Expect(cfg.Fallback.ChainsFile).To(Equal("config/fallbacks.yaml"))
				Expect(cfg.Fallback.Watch).To(BeTrue())
				for _, name := range config.ProviderOrder {
					Expect(cfg.Provider(name).Enabled).To(BeTrue(), name)
				}
			})
		})

		Context("with an explicit path that does not exist", func() {
			It("should fail", func() {
				_, err := config.Load(filepath.Join(tempDir, "absent.yaml"))
				Expect(err).To(HaveOccurred())
			})
		})

		Context("with invalid values", func() {
			DescribeTable("should reject",
				func(content, field string) {
					writeConfig(content)
					_, err := config.Load(configPath)
					Expect(err).To(HaveOccurred())
					Expect(err.Error()).To(ContainSubstring(field))
				},
				Entry("unknown environment", "server:\n  environment: \"qa\"\n", "Environment"),
				Entry("bad address", "server:\n  address: \"nope\"\n", "Address"),
				Entry("unknown log level", "logging:\n  level: \"trace\"\n", "Level"),
				Entry("unknown cache backend", "cache:\n  backend: \"memcached\"\n", "Backend"),
				Entry("redis without address", "cache:\n  backend: \"redis\"\n  redis_addr: \"\"\n", "RedisAddr"),
				Entry("postgres without dsn", "cache:\n  backend: \"postgres\"\n", "PostgresDSN"),
				Entry("zero max size", "cache:\n  max_size: 0\n", "MaxSize"),
				Entry("negative burst", "providers:\n  brave:\n    burst: -1\n", "Burst"),
				Entry("bad base url", "providers:\n  brave:\n    base_url: \"not a url\"\n", "BaseURL"),
				Entry("zero concurrency", "batch:\n  max_concurrency: 0\n", "MaxConcurrency"),
			)
		})
	})

	Describe("Validate", func() {
		It("should reject an audit log without a file", func() {
			cfg := &config.Config{
				Server:  config.ServerConfig{Address: ":8080", Environment: config.EnvDev},
				Logging: config.LoggingConfig{Level: config.LogLevelInfo},
				Cache: config.CacheConfig{
					Backend:      config.CacheBackendFile,
					File:         "cache.json",
					MaxSize:      10,
					SyncInterval: time.Minute,
				},
				Audit: config.AuditConfig{Enabled: true},
				Batch: config.BatchConfig{MaxConcurrency: 1},
			}
			err := cfg.Validate()
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("File"))
		})
	})
})
