// conf/defaults.go default values for settings
package conf

import (
	"time"

	"github.com/spf13/viper"
)

// setDefaultConfig registers the default value of every setting.
func setDefaultConfig() {
	viper.SetDefault("debug", false)

	viper.SetDefault("main.name", "platevision")
	viper.SetDefault("main.log.defaultlevel", "info")
	viper.SetDefault("main.log.timezone", "Local")
	viper.SetDefault("main.log.console.enabled", true)
	viper.SetDefault("main.log.console.level", "info")
	viper.SetDefault("main.log.fileoutput.enabled", false)
	viper.SetDefault("main.log.fileoutput.path", "logs/platevision.log")
	viper.SetDefault("main.log.fileoutput.level", "info")
	viper.SetDefault("main.telemetry.enabled", false)
	viper.SetDefault("main.telemetry.dsn", "")

	viper.SetDefault("server.listen", ":8080")
	viper.SetDefault("server.uploaddir", "data/uploads")
	viper.SetDefault("server.stagingttl", 30*time.Minute)
	viper.SetDefault("server.maxuploadsize", 20<<20)
	viper.SetDefault("server.modelversion", "unknown")
	viper.SetDefault("server.confidencethreshold", 0.5)
	viper.SetDefault("server.shutdowntimeout", 30*time.Second)

	viper.SetDefault("database.type", "sqlite")
	viper.SetDefault("database.slowquerythreshold", 200*time.Millisecond)
	viper.SetDefault("database.sqlite.path", "data/platevision.db")
	viper.SetDefault("database.mysql.host", "localhost")
	viper.SetDefault("database.mysql.port", 3306)
	viper.SetDefault("database.mysql.username", "platevision")
	viper.SetDefault("database.mysql.password", "")
	viper.SetDefault("database.mysql.database", "platevision")

	viper.SetDefault("worker.queuesize", 100)
	viper.SetDefault("worker.workers", 2)
	viper.SetDefault("worker.maxretries", 2)
	viper.SetDefault("worker.initialdelay", time.Second)
	viper.SetDefault("worker.maxdelay", 30*time.Second)
	viper.SetDefault("worker.multiplier", 2.0)
	viper.SetDefault("worker.classifierurl", "http://localhost:9000/infer")
	viper.SetDefault("worker.classifiertimeout", 60*time.Second)
	viper.SetDefault("worker.executiontimeout", 2*time.Minute)
	viper.SetDefault("worker.ratelimit", 0.0)
	viper.SetDefault("worker.burst", 1)
	viper.SetDefault("worker.targetclass", "positive")

	viper.SetDefault("client.serverurl", "http://localhost:8080")
	viper.SetDefault("client.requesttimeout", 30*time.Second)
	viper.SetDefault("client.pollinitial", 200*time.Millisecond)
	viper.SetDefault("client.pollmax", 2*time.Second)
	viper.SetDefault("client.polldeadline", 120*time.Second)
	viper.SetDefault("client.pollgrowth", 0.1)
	viper.SetDefault("client.maxtransporterrors", 5)
	viper.SetDefault("client.pushgateway", "")

	viper.SetDefault("capture.deviceurl", "http://localhost:8081")
	viper.SetDefault("capture.timeout", 10*time.Second)
	viper.SetDefault("capture.outputdir", "captures")

	viper.SetDefault("mqtt.enabled", false)
	viper.SetDefault("mqtt.broker", "tcp://localhost:1883")
	viper.SetDefault("mqtt.topic", "platevision")
	viper.SetDefault("mqtt.clientid", "")
	viper.SetDefault("mqtt.username", "")
	viper.SetDefault("mqtt.password", "")
	viper.SetDefault("mqtt.qos", 1)
	viper.SetDefault("mqtt.retain", false)

	viper.SetDefault("notify.enabled", false)
	viper.SetDefault("notify.urls", []string{})
	viper.SetDefault("notify.events", []string{"failed"})
	viper.SetDefault("notify.timeout", 10*time.Second)

	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.path", "/metrics")
}
