package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

type Config struct {
	// Central collector
	CentralListenAddr string `yaml:"central_listen_addr"`
	CentralHistory    int    `yaml:"central_history"`

	// Drone (edge node)
	DroneID         string        `yaml:"drone_id"`
	DroneListenAddr string        `yaml:"drone_listen_addr"`
	CentralAddr     string        `yaml:"central_addr"`
	QueueSize       int           `yaml:"queue_size"`
	UplinkInterval  time.Duration `yaml:"uplink_interval"`

	// Sensors
	SensorIDPrefix     string        `yaml:"sensor_id_prefix"`
	SensorCount        int           `yaml:"sensor_count"`
	DroneAddr          string        `yaml:"drone_addr"`
	SensorMinInterval  time.Duration `yaml:"sensor_min_interval"`
	SensorMaxInterval  time.Duration `yaml:"sensor_max_interval"`
	AnomalyProbability float64       `yaml:"anomaly_probability"`
	FailureProbability float64       `yaml:"failure_probability"`
	RepairDuration     time.Duration `yaml:"repair_duration"`
	ReconnectAttempts  int           `yaml:"reconnect_attempts"`

	// Aggregation thresholds
	WindowSize      int     `yaml:"window_size"`
	AnomalyHistory  int     `yaml:"anomaly_history"`
	TemperatureHigh float64 `yaml:"temperature_high"`
	TemperatureLow  float64 `yaml:"temperature_low"`
	HumidityHigh    float64 `yaml:"humidity_high"`
	HumidityLow     float64 `yaml:"humidity_low"`

	// Battery simulation
	BatteryInitial   float64       `yaml:"battery_initial"`
	BatteryThreshold float64       `yaml:"battery_threshold"`
	DrainRate        float64       `yaml:"drain_rate"`
	ChargeRate       float64       `yaml:"charge_rate"`
	ReturnDuration   time.Duration `yaml:"return_duration"`
	ChargeTarget     float64       `yaml:"charge_target"`
	PowerTick        time.Duration `yaml:"power_tick"`

	// Connection handling
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	AcceptTimeout     time.Duration `yaml:"accept_timeout"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`

	// MQTT Configuration (empty broker disables the MQTT sink)
	MQTTBroker        string `yaml:"mqtt_broker"`
	MQTTClientID      string `yaml:"mqtt_client_id"`
	MQTTUsername      string `yaml:"mqtt_username"`
	MQTTPassword      string `yaml:"mqtt_password"`
	MQTTTopicReport   string `yaml:"mqtt_topic_report"`
	MQTTTopicAnomaly  string `yaml:"mqtt_topic_anomaly"`
	MQTTTopicStatus   string `yaml:"mqtt_topic_status"`
	MQTTTopicReadings string `yaml:"mqtt_topic_readings"`
	DroneMQTTIngest   bool   `yaml:"drone_mqtt_ingest"`

	// ClickHouse Configuration (empty address disables persistence)
	ClickHouseAddr string `yaml:"clickhouse_addr"`
	ClickHouseDB   string `yaml:"clickhouse_db"`
	ClickHouseUser string `yaml:"clickhouse_user"`
	ClickHousePass string `yaml:"clickhouse_pass"`

	// HTTP endpoint for /metrics, /status and /ws (empty disables it)
	HTTPAddr string `yaml:"http_addr"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		CentralListenAddr: "127.0.0.1:3500",
		CentralHistory:    1000,

		DroneID:         "drone_alpha",
		DroneListenAddr: "127.0.0.1:3400",
		CentralAddr:     "127.0.0.1:3500",
		QueueSize:       100,
		UplinkInterval:  5 * time.Second,

		SensorIDPrefix:     "sensor_",
		SensorCount:        5,
		DroneAddr:          "127.0.0.1:3400",
		SensorMinInterval:  4 * time.Second,
		SensorMaxInterval:  6 * time.Second,
		AnomalyProbability: 0.15,
		FailureProbability: 0,
		RepairDuration:     30 * time.Second,
		ReconnectAttempts:  5,

		WindowSize:      10,
		AnomalyHistory:  10,
		TemperatureHigh: 30,
		TemperatureLow:  10,
		HumidityHigh:    80,
		HumidityLow:     20,

		BatteryInitial:   100,
		BatteryThreshold: 20,
		DrainRate:        0.1,
		ChargeRate:       0.5,
		ReturnDuration:   10 * time.Second,
		ChargeTarget:     80,
		PowerTick:        100 * time.Millisecond,

		ReadTimeout:       60 * time.Second,
		AcceptTimeout:     1 * time.Second,
		ConnectionTimeout: 45 * time.Second,
		SweepInterval:     15 * time.Second,

		MQTTClientID:      "drone-telemetry",
		MQTTTopicReport:   "drone/{drone_id}/report",
		MQTTTopicAnomaly:  "drone/{drone_id}/anomaly",
		MQTTTopicStatus:   "drone/{drone_id}/status",
		MQTTTopicReadings: "sensor/+/reading",

		ClickHouseDB:   "telemetry",
		ClickHouseUser: "default",
	}
}

// Load builds the configuration from defaults, the YAML file named by
// CONFIG_FILE (if any) and environment variables, in that order
func Load() *Config {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.readFile(path); err != nil {
			log.Printf("Warning: %v, ignoring config file", err)
		}
	}
	cfg.applyEnv()
	return cfg
}

// MergeFile applies a YAML file on top of c. Environment variables and flags
// explicitly set on fs keep precedence over the file.
func (c *Config) MergeFile(path string, fs *pflag.FlagSet) error {
	explicit := make(map[string]string)
	if fs != nil {
		fs.Visit(func(f *pflag.Flag) {
			explicit[f.Name] = f.Value.String()
		})
	}

	if err := c.readFile(path); err != nil {
		return err
	}
	c.applyEnv()

	for name, value := range explicit {
		if err := fs.Set(name, value); err != nil {
			return fmt.Errorf("failed to re-apply flag --%s: %w", name, err)
		}
	}
	return nil
}

func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.CentralListenAddr = getEnv("CENTRAL_LISTEN_ADDR", c.CentralListenAddr)
	c.CentralHistory = getEnvInt("CENTRAL_HISTORY", c.CentralHistory)

	c.DroneID = getEnv("DRONE_ID", c.DroneID)
	c.DroneListenAddr = getEnv("DRONE_LISTEN_ADDR", c.DroneListenAddr)
	c.CentralAddr = getEnv("CENTRAL_ADDR", c.CentralAddr)
	c.QueueSize = getEnvInt("QUEUE_SIZE", c.QueueSize)
	c.UplinkInterval = getEnvDuration("UPLINK_INTERVAL", c.UplinkInterval)

	c.SensorIDPrefix = getEnv("SENSOR_ID_PREFIX", c.SensorIDPrefix)
	c.SensorCount = getEnvInt("SENSOR_COUNT", c.SensorCount)
	c.DroneAddr = getEnv("DRONE_ADDR", c.DroneAddr)
	c.SensorMinInterval = getEnvDuration("SENSOR_MIN_INTERVAL", c.SensorMinInterval)
	c.SensorMaxInterval = getEnvDuration("SENSOR_MAX_INTERVAL", c.SensorMaxInterval)
	c.AnomalyProbability = getEnvFloat("ANOMALY_PROBABILITY", c.AnomalyProbability)
	c.FailureProbability = getEnvFloat("FAILURE_PROBABILITY", c.FailureProbability)
	c.RepairDuration = getEnvDuration("REPAIR_DURATION", c.RepairDuration)
	c.ReconnectAttempts = getEnvInt("RECONNECT_ATTEMPTS", c.ReconnectAttempts)

	c.WindowSize = getEnvInt("WINDOW_SIZE", c.WindowSize)
	c.AnomalyHistory = getEnvInt("ANOMALY_HISTORY", c.AnomalyHistory)
	c.TemperatureHigh = getEnvFloat("TEMPERATURE_HIGH", c.TemperatureHigh)
	c.TemperatureLow = getEnvFloat("TEMPERATURE_LOW", c.TemperatureLow)
	c.HumidityHigh = getEnvFloat("HUMIDITY_HIGH", c.HumidityHigh)
	c.HumidityLow = getEnvFloat("HUMIDITY_LOW", c.HumidityLow)

	c.BatteryInitial = getEnvFloat("BATTERY_INITIAL", c.BatteryInitial)
	c.BatteryThreshold = getEnvFloat("BATTERY_THRESHOLD", c.BatteryThreshold)
	c.DrainRate = getEnvFloat("BATTERY_DRAIN_RATE", c.DrainRate)
	c.ChargeRate = getEnvFloat("BATTERY_CHARGE_RATE", c.ChargeRate)
	c.ReturnDuration = getEnvDuration("RETURN_DURATION", c.ReturnDuration)
	c.ChargeTarget = getEnvFloat("CHARGE_TARGET", c.ChargeTarget)
	c.PowerTick = getEnvDuration("POWER_TICK", c.PowerTick)

	c.ReadTimeout = getEnvDuration("READ_TIMEOUT", c.ReadTimeout)
	c.AcceptTimeout = getEnvDuration("ACCEPT_TIMEOUT", c.AcceptTimeout)
	c.ConnectionTimeout = getEnvDuration("CONNECTION_TIMEOUT", c.ConnectionTimeout)
	c.SweepInterval = getEnvDuration("SWEEP_INTERVAL", c.SweepInterval)

	c.MQTTBroker = getEnv("MQTT_BROKER", c.MQTTBroker)
	c.MQTTClientID = getEnv("MQTT_CLIENT_ID", c.MQTTClientID)
	c.MQTTUsername = getEnv("MQTT_USERNAME", c.MQTTUsername)
	c.MQTTPassword = getEnv("MQTT_PASSWORD", c.MQTTPassword)
	c.MQTTTopicReport = getEnv("MQTT_TOPIC_REPORT", c.MQTTTopicReport)
	c.MQTTTopicAnomaly = getEnv("MQTT_TOPIC_ANOMALY", c.MQTTTopicAnomaly)
	c.MQTTTopicStatus = getEnv("MQTT_TOPIC_STATUS", c.MQTTTopicStatus)
	c.MQTTTopicReadings = getEnv("MQTT_TOPIC_READINGS", c.MQTTTopicReadings)
	c.DroneMQTTIngest = getEnvBool("DRONE_MQTT_INGEST", c.DroneMQTTIngest)

	c.ClickHouseAddr = getEnv("CLICKHOUSE_ADDR", c.ClickHouseAddr)
	c.ClickHouseDB = getEnv("CLICKHOUSE_DB", c.ClickHouseDB)
	c.ClickHouseUser = getEnv("CLICKHOUSE_USER", c.ClickHouseUser)
	c.ClickHousePass = getEnv("CLICKHOUSE_PASS", c.ClickHousePass)

	c.HTTPAddr = getEnv("HTTP_ADDR", c.HTTPAddr)
}

// BindFlags registers command-line overrides for the most used settings
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.CentralListenAddr, "central-listen", c.CentralListenAddr, "address the central collector listens on")
	fs.StringVar(&c.DroneID, "drone-id", c.DroneID, "logical id of the drone")
	fs.StringVar(&c.DroneListenAddr, "drone-listen", c.DroneListenAddr, "address the drone listens on for sensors")
	fs.StringVar(&c.CentralAddr, "central-addr", c.CentralAddr, "central collector address the drone reports to")
	fs.StringVar(&c.DroneAddr, "drone-addr", c.DroneAddr, "drone address sensors connect to")
	fs.StringVar(&c.SensorIDPrefix, "sensor-prefix", c.SensorIDPrefix, "prefix for generated sensor ids")
	fs.IntVar(&c.SensorCount, "sensors", c.SensorCount, "number of sensors to run")
	fs.Float64Var(&c.AnomalyProbability, "anomaly-probability", c.AnomalyProbability, "chance per value of an anomalous reading")
	fs.Float64Var(&c.FailureProbability, "failure-probability", c.FailureProbability, "chance per cycle of a simulated sensor failure")
	fs.IntVar(&c.WindowSize, "window", c.WindowSize, "readings kept per sensor")
	fs.Float64Var(&c.TemperatureHigh, "temp-high", c.TemperatureHigh, "temperature high threshold")
	fs.Float64Var(&c.TemperatureLow, "temp-low", c.TemperatureLow, "temperature low threshold")
	fs.Float64Var(&c.HumidityHigh, "humidity-high", c.HumidityHigh, "humidity high threshold")
	fs.Float64Var(&c.HumidityLow, "humidity-low", c.HumidityLow, "humidity low threshold")
	fs.Float64Var(&c.BatteryThreshold, "battery-threshold", c.BatteryThreshold, "battery level that sends the drone back to base")
	fs.Float64Var(&c.DrainRate, "drain-rate", c.DrainRate, "battery drain per tick")
	fs.Float64Var(&c.ChargeRate, "charge-rate", c.ChargeRate, "battery charge per second")
	fs.DurationVar(&c.ReturnDuration, "return-duration", c.ReturnDuration, "transit time to base")
	fs.Float64Var(&c.ChargeTarget, "charge-target", c.ChargeTarget, "battery level at which charging stops")
	fs.DurationVar(&c.UplinkInterval, "uplink-interval", c.UplinkInterval, "interval between reports to central")
	fs.DurationVar(&c.ConnectionTimeout, "connection-timeout", c.ConnectionTimeout, "idle time before a connection is evicted")
	fs.DurationVar(&c.SweepInterval, "sweep-interval", c.SweepInterval, "interval between liveness sweeps")
	fs.IntVar(&c.ReconnectAttempts, "reconnect-attempts", c.ReconnectAttempts, "sensor reconnect attempts before giving up")
	fs.StringVar(&c.MQTTBroker, "mqtt-broker", c.MQTTBroker, "MQTT broker URL (empty disables MQTT)")
	fs.StringVar(&c.ClickHouseAddr, "clickhouse-addr", c.ClickHouseAddr, "ClickHouse address (empty disables persistence)")
	fs.StringVar(&c.HTTPAddr, "http-addr", c.HTTPAddr, "address for /metrics, /status and /ws (empty disables)")
}

// Validate rejects settings the components cannot run with
func (c *Config) Validate() error {
	var errs []error
	if c.CentralListenAddr == "" || c.DroneListenAddr == "" || c.CentralAddr == "" || c.DroneAddr == "" {
		errs = append(errs, errors.New("listen and dial addresses must not be empty"))
	}
	if c.DroneID == "" {
		errs = append(errs, errors.New("drone id must not be empty"))
	}
	if c.WindowSize <= 0 || c.AnomalyHistory <= 0 || c.QueueSize <= 0 {
		errs = append(errs, errors.New("window size, anomaly history and queue size must be positive"))
	}
	if c.TemperatureLow >= c.TemperatureHigh {
		errs = append(errs, fmt.Errorf("temperature low threshold %.1f must be below high threshold %.1f", c.TemperatureLow, c.TemperatureHigh))
	}
	if c.HumidityLow >= c.HumidityHigh {
		errs = append(errs, fmt.Errorf("humidity low threshold %.1f must be below high threshold %.1f", c.HumidityLow, c.HumidityHigh))
	}
	if c.BatteryThreshold < 5 || c.BatteryThreshold > 50 {
		errs = append(errs, fmt.Errorf("battery threshold %.1f outside [5, 50]", c.BatteryThreshold))
	}
	if c.ChargeTarget <= c.BatteryThreshold || c.ChargeTarget > 100 {
		errs = append(errs, fmt.Errorf("charge target %.1f must be above the battery threshold and at most 100", c.ChargeTarget))
	}
	if c.SensorMaxInterval < c.SensorMinInterval {
		errs = append(errs, errors.New("sensor max interval must not be below min interval"))
	}
	if c.ReconnectAttempts <= 0 {
		errs = append(errs, errors.New("reconnect attempts must be positive"))
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	floatValue, err := strconv.ParseFloat(value, 64)
	if err != nil {
		log.Printf("Warning: failed to parse %s as float, using default: %v", key, err)
		return defaultValue
	}
	return floatValue
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	intValue, err := strconv.Atoi(value)
	if err != nil {
		log.Printf("Warning: failed to parse %s as int, using default: %v", key, err)
		return defaultValue
	}
	return intValue
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	boolValue, err := strconv.ParseBool(value)
	if err != nil {
		log.Printf("Warning: failed to parse %s as bool, using default: %v", key, err)
		return defaultValue
	}
	return boolValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	duration, err := time.ParseDuration(value)
	if err != nil {
		log.Printf("Warning: failed to parse %s as duration, using default: %v", key, err)
		return defaultValue
	}
	return duration
}
