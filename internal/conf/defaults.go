// conf/defaults.go default values for settings
package conf

import (
	"time"

	"github.com/spf13/viper"
)

// Sets default values for the configuration.
func setDefaultConfig() {
	viper.SetDefault("debug", false)

	viper.SetDefault("main.name", "birdnet-search")

	viper.SetDefault("logging.default_level", "info")
	viper.SetDefault("logging.timezone", "Local")
	viper.SetDefault("logging.console.enabled", true)
	viper.SetDefault("logging.console.level", "info")
	viper.SetDefault("logging.file_output.enabled", false)
	viper.SetDefault("logging.file_output.path", "logs/search.log")
	viper.SetDefault("logging.file_output.level", "info")

	viper.SetDefault("webserver.enabled", true)
	viper.SetDefault("webserver.port", "8080")
	viper.SetDefault("webserver.bodylimit", "2M")
	viper.SetDefault("webserver.ratelimit", 20.0)
	viper.SetDefault("webserver.rateburst", 40)
	viper.SetDefault("webserver.corsorigins", []string{"*"})
	viper.SetDefault("webserver.shutdowntimeout", 10*time.Second)

	viper.SetDefault("database.driver", "sqlite")
	viper.SetDefault("database.sqlite.path", "search.db")
	viper.SetDefault("database.mysql.username", "search")
	viper.SetDefault("database.mysql.password", "secret")
	viper.SetDefault("database.mysql.database", "search")
	viper.SetDefault("database.mysql.host", "localhost")
	viper.SetDefault("database.mysql.port", "3306")
	viper.SetDefault("database.slowquerythreshold", 200*time.Millisecond)

	viper.SetDefault("search.easypositivek", 20)
	viper.SetDefault("search.boundaryn", 20)
	viper.SetDefault("search.boundarym", 20)
	viper.SetDefault("search.othersp", 10)
	viper.SetDefault("search.metric", "cosine")
	viper.SetDefault("search.similaritythreshold", 0.5)
	viper.SetDefault("search.samplesperiteration", 30)
	viper.SetDefault("search.uncertaintylow", 0.25)
	viper.SetDefault("search.uncertaintyhigh", 0.75)
	viper.SetDefault("search.workers", 0)
	viper.SetDefault("search.cachettl", 10*time.Minute)
	viper.SetDefault("search.maxbulkids", 500)
	viper.SetDefault("search.labelretries", 3)

	viper.SetDefault("training.minsamples", 10)
	viper.SetDefault("training.defaultmodeltype", "logistic_regression")

	viper.SetDefault("inference.defaultbatchsize", 256)
	viper.SetDefault("inference.maxbatchsize", 10000)
	viper.SetDefault("inference.confidencethreshold", 0.5)

	viper.SetDefault("jobs.shutdowntimeout", 30*time.Second)
	viper.SetDefault("jobs.recoveronstart", true)

	viper.SetDefault("sentry.enabled", false)
	viper.SetDefault("sentry.dsn", "")
	viper.SetDefault("sentry.environment", "production")
	viper.SetDefault("sentry.samplerate", 1.0)
	viper.SetDefault("sentry.attachstacktrace", true)
}
