package config

import (
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Config", func() {
	var (
		tempDir    string
		configFile string
	)

	BeforeEach(func() {
		var err error
		tempDir, err = os.MkdirTemp("", "config-test")
		Expect(err).NotTo(HaveOccurred())
		configFile = filepath.Join(tempDir, "config.yaml")
	})

	AfterEach(func() {
		os.RemoveAll(tempDir)
	})

	Describe("Load", func() {
		Context("when config file exists with valid content", func() {
			BeforeEach(func() {
				validConfig := `
mesh:
  device_path: "/dev/ttyACM0"
  reconnect_delay: "10s"
  max_reconnect_attempts: 5
  reconnect_backoff: 2.0
  message_timeout: "45s"

secure:
  identity_path: "/data/identity"
  storage_path: "/data/storage"
  announce_interval: "600s"

alert:
  escalation_tick_interval: "15s"
  max_retries: 5

isp:
  check_interval: "30s"
  check_hosts:
    - "9.9.9.9:53"
    - "1.0.0.1:53"

queue:
  max_size: 500
  batch_size: 20
  flush_interval: "2s"
  persistence_path: "` + filepath.Join(tempDir, "queue") + `"

server:
  webhook_port: "8081"
  metrics_port: "9091"

logging:
  level: "debug"
  format: "console"
`
				err := os.WriteFile(configFile, []byte(validConfig), 0644)
				Expect(err).NotTo(HaveOccurred())
			})

			It("should load configuration successfully", func() {
				config, err := Load(configFile)
				Expect(err).NotTo(HaveOccurred())
				Expect(config).NotTo(BeNil())

				Expect(config.Mesh.DevicePath).To(Equal("/dev/ttyACM0"))
				Expect(config.Mesh.ReconnectDelay).To(Equal(10 * time.Second))
				Expect(config.Mesh.MaxReconnectAttempts).To(Equal(5))
				Expect(config.Mesh.ReconnectBackoff).To(Equal(2.0))
				Expect(config.Mesh.MessageTimeout).To(Equal(45 * time.Second))

				Expect(config.Secure.IdentityPath).To(Equal("/data/identity"))
				Expect(config.Secure.StoragePath).To(Equal("/data/storage"))
				Expect(config.Secure.AnnounceInterval).To(Equal(600 * time.Second))

				Expect(config.Alert.EscalationTickInterval).To(Equal(15 * time.Second))
				Expect(config.Alert.MaxRetries).To(Equal(5))

				Expect(config.ISP.CheckInterval).To(Equal(30 * time.Second))
				Expect(config.ISP.CheckHosts).To(ContainElements("9.9.9.9:53", "1.0.0.1:53"))

				Expect(config.Queue.MaxSize).To(Equal(500))
				Expect(config.Queue.BatchSize).To(Equal(20))
				Expect(config.Queue.FlushInterval).To(Equal(2 * time.Second))

				Expect(config.Server.WebhookPort).To(Equal("8081"))
				Expect(config.Server.MetricsPort).To(Equal("9091"))

				Expect(config.Logging.Level).To(Equal("debug"))
				Expect(config.Logging.Format).To(Equal("console"))
			})
		})

		Context("when config file has minimal content", func() {
			BeforeEach(func() {
				minimalConfig := `
queue:
  persistence_path: "` + filepath.Join(tempDir, "queue") + `"
`
				err := os.WriteFile(configFile, []byte(minimalConfig), 0644)
				Expect(err).NotTo(HaveOccurred())
			})

			It("should load with defaults for missing values", func() {
				config, err := Load(configFile)
				Expect(err).NotTo(HaveOccurred())

				Expect(config.Mesh.DevicePath).To(Equal("/dev/ttyUSB0"))
				Expect(config.Mesh.ReconnectDelay).To(Equal(5 * time.Second))
				Expect(config.Queue.MaxSize).To(Equal(1000))
				Expect(config.Queue.BatchSize).To(Equal(10))
				Expect(config.ISP.CheckHosts).To(ContainElements("8.8.8.8:53", "1.1.1.1:53"))
				Expect(config.Server.WebhookPort).To(Equal("8080"))
			})
		})

		Context("when config file does not exist", func() {
			It("should return an error", func() {
				_, err := Load("/nonexistent/config.yaml")
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("failed to read config file"))
			})
		})

		Context("when config file has invalid YAML", func() {
			BeforeEach(func() {
				invalidConfig := `
mesh:
  device_path: "/dev/ttyUSB0"
  invalid_yaml: [
queue:
  persistence_path: "test"
`
				err := os.WriteFile(configFile, []byte(invalidConfig), 0644)
				Expect(err).NotTo(HaveOccurred())
			})

			It("should return an error", func() {
				_, err := Load(configFile)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("failed to parse config file"))
			})
		})

		Context("when config has invalid duration formats", func() {
			BeforeEach(func() {
				invalidDurationConfig := `
mesh:
  reconnect_delay: "not-a-duration"
queue:
  persistence_path: "test"
`
				err := os.WriteFile(configFile, []byte(invalidDurationConfig), 0644)
				Expect(err).NotTo(HaveOccurred())
			})

			It("should return an error", func() {
				_, err := Load(configFile)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("failed to parse config file"))
			})
		})
	})

	Describe("validate", func() {
		var config *Config

		BeforeEach(func() {
			config = Default()
			config.Queue.PersistencePath = filepath.Join(tempDir, "queue")
		})

		Context("when config is valid", func() {
			It("should pass validation", func() {
				err := validate(config)
				Expect(err).NotTo(HaveOccurred())
			})
		})

		Context("when persistence path is missing", func() {
			BeforeEach(func() {
				config.Queue.PersistencePath = ""
			})

			It("should return validation error", func() {
				err := validate(config)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("queue persistence path is required"))
			})
		})

		Context("when queue max size is invalid", func() {
			BeforeEach(func() {
				config.Queue.MaxSize = 0
			})

			It("should return validation error", func() {
				err := validate(config)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("queue max size must be greater than 0"))
			})
		})

		Context("when queue batch size is invalid", func() {
			BeforeEach(func() {
				config.Queue.BatchSize = 0
			})

			It("should return validation error", func() {
				err := validate(config)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("queue batch size must be greater than 0"))
			})
		})

		Context("when mesh max reconnect attempts is negative", func() {
			BeforeEach(func() {
				config.Mesh.MaxReconnectAttempts = -1
			})

			It("should return validation error", func() {
				err := validate(config)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("mesh max reconnect attempts must not be negative"))
			})
		})

		Context("when alert max retries is negative", func() {
			BeforeEach(func() {
				config.Alert.MaxRetries = -1
			})

			It("should return validation error", func() {
				err := validate(config)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("alert max retries must not be negative"))
			})
		})

		Context("when no ISP check hosts are configured", func() {
			BeforeEach(func() {
				config.ISP.CheckHosts = nil
			})

			It("should return validation error", func() {
				err := validate(config)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("at least one ISP check host is required"))
			})
		})
	})

	Describe("loadFromEnv", func() {
		var config *Config

		BeforeEach(func() {
			config = Default()
			os.Clearenv()
		})

		Context("when environment variables are set", func() {
			BeforeEach(func() {
				os.Setenv("MESH_DEVICE_PATH", "/dev/ttyACM1")
				os.Setenv("MESH_MAX_RECONNECT_ATTEMPTS", "7")
				os.Setenv("QUEUE_MAX_SIZE", "2000")
				os.Setenv("QUEUE_PERSISTENCE_PATH", "/tmp/queue")
				os.Setenv("ISP_CHECK_HOSTS", "4.4.4.4:53,5.5.5.5:53")
				os.Setenv("WEBHOOK_PORT", "8090")
				os.Setenv("METRICS_PORT", "9190")
				os.Setenv("LOG_LEVEL", "debug")
			})

			AfterEach(func() {
				os.Clearenv()
			})

			It("should load values from environment", func() {
				err := loadFromEnv(config)
				Expect(err).NotTo(HaveOccurred())

				Expect(config.Mesh.DevicePath).To(Equal("/dev/ttyACM1"))
				Expect(config.Mesh.MaxReconnectAttempts).To(Equal(7))
				Expect(config.Queue.MaxSize).To(Equal(2000))
				Expect(config.Queue.PersistencePath).To(Equal("/tmp/queue"))
				Expect(config.ISP.CheckHosts).To(Equal([]string{"4.4.4.4:53", "5.5.5.5:53"}))
				Expect(config.Server.WebhookPort).To(Equal("8090"))
				Expect(config.Server.MetricsPort).To(Equal("9190"))
				Expect(config.Logging.Level).To(Equal("debug"))
			})
		})

		Context("when no environment variables are set", func() {
			It("should not modify config", func() {
				originalConfig := *config
				err := loadFromEnv(config)
				Expect(err).NotTo(HaveOccurred())
				Expect(*config).To(Equal(originalConfig))
			})
		})
	})
})
