// defaults.go: viper defaults for all configuration values.
package conf

import (
	"time"

	"github.com/spf13/viper"
)

// setDefaultConfig registers the default value of every setting with viper.
func setDefaultConfig() {
	viper.SetDefault("debug", false)

	// Main
	viper.SetDefault("main.name", "earshot")
	viper.SetDefault("main.log.enabled", true)
	viper.SetDefault("main.log.path", "logs/")
	viper.SetDefault("main.log.maxsizemb", 100)
	viper.SetDefault("main.log.maxbackups", 3)
	viper.SetDefault("main.log.maxagedays", 28)

	// Detector
	viper.SetDefault("realtime.detector.evaluator", "window")
	viper.SetDefault("realtime.detector.segmentseconds", 5.0)
	viper.SetDefault("realtime.detector.minwindowspanratio", 0.8)
	viper.SetDefault("realtime.detector.legibleaudiolevel", 0.03)
	viper.SetDefault("realtime.detector.legiblehintscore", 0.35)
	viper.SetDefault("realtime.detector.seedweight", 0.25)
	viper.SetDefault("realtime.detector.retainaudio", 0.65)
	viper.SetDefault("realtime.detector.retainvisual", 0.85)
	viper.SetDefault("realtime.detector.hysteresis.startlevel", 0.10)
	viper.SetDefault("realtime.detector.hysteresis.stoplevel", 0.07)
	viper.SetDefault("realtime.detector.hysteresis.stopwindow", 6)

	// Pipeline
	viper.SetDefault("realtime.pipeline.workers", 2)
	viper.SetDefault("realtime.pipeline.queuesize", 16)
	viper.SetDefault("realtime.pipeline.mingroupms", 250)
	viper.SetDefault("realtime.pipeline.matchthreshold", 0.72)
	viper.SetDefault("realtime.pipeline.centroidalpha", 0.15)
	viper.SetDefault("realtime.pipeline.language", "en")
	viper.SetDefault("realtime.pipeline.preferredpartnername", "")

	// External services
	viper.SetDefault("realtime.services.diarizer.url", "http://localhost:5001")
	viper.SetDefault("realtime.services.diarizer.timeout", 45*time.Second)
	viper.SetDefault("realtime.services.embedder.url", "http://localhost:5000")
	viper.SetDefault("realtime.services.embedder.timeout", 45*time.Second)

	// Clips
	viper.SetDefault("realtime.clips.path", "clips/")
	viper.SetDefault("realtime.clips.maxpersession", 24)

	// MQTT
	viper.SetDefault("realtime.mqtt.enabled", false)
	viper.SetDefault("realtime.mqtt.broker", "tcp://localhost:1883")
	viper.SetDefault("realtime.mqtt.topic", "earshot/sessions")
	viper.SetDefault("realtime.mqtt.username", "")
	viper.SetDefault("realtime.mqtt.password", "")

	// Web server
	viper.SetDefault("webserver.enabled", true)
	viper.SetDefault("webserver.debug", false)
	viper.SetDefault("webserver.port", "8090")

	// Database
	viper.SetDefault("output.sqlite.enabled", true)
	viper.SetDefault("output.sqlite.path", "earshot.db")
	viper.SetDefault("output.mysql.enabled", false)
	viper.SetDefault("output.mysql.username", "earshot")
	viper.SetDefault("output.mysql.password", "secret")
	viper.SetDefault("output.mysql.database", "earshot")
	viper.SetDefault("output.mysql.host", "localhost")
	viper.SetDefault("output.mysql.port", "3306")
}
