package sparkit

import (
	"runtime"

	log "github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// config configures a Driver and the estimators that run on it
type config struct {
	SplitSize       int64
	MapBinSize      int64
	MaxConcurrency  int
	WorkingLocation string
	Cleanup         bool
	NumReduce       int
	CombineDegree   int
	Verbose         bool
	Progress        bool

	Alpha            float64
	VarSmoothing     float64
	Accumulation     string
	PredictCacheSize int
}

func loadConfig() *viper.Viper {
	v := viper.New()
	v.SetConfigName("sparkitrc")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.sparkit")

	setupDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Warnf("Unable to read config file: %s", err)
		}
	}

	v.SetEnvPrefix("sparkit")
	v.AutomaticEnv()
	return v
}

func setupDefaults(v *viper.Viper) {
	defaultSettings := map[string]interface{}{
		"cleanup":          true,
		"verbose":          false,
		"progress":         true,
		"splitSize":        100 * 1024 * 1024, // Default input split size is 100Mb
		"mapBinSize":       512 * 1024 * 1024, // Default map bin size is 512Mb
		"maxConcurrency":   runtime.NumCPU(),  // Maximum number of concurrent tasks
		"workingLocation":  "",                // Shuffle in memory
		"numReduce":        1,
		"combineDegree":    5, // Shuffle outputs merged by one combine task
		"alpha":            1.0,
		"varSmoothing":     1e-9,
		"accumulation":     "moments",
		"predictCacheSize": 64, // Prediction partitions memoized per lazy result
	}
	for key, value := range defaultSettings {
		v.SetDefault(key, value)
	}

	aliases := map[string]string{
		"verbose":         "v",
		"workingLocation": "o",
	}
	for key, alias := range aliases {
		v.RegisterAlias(alias, key)
	}
}

func newConfig() *config {
	v := loadConfig() // Load viper config from settings file(s) and environment

	return &config{
		SplitSize:        v.GetInt64("splitSize"),
		MapBinSize:       v.GetInt64("mapBinSize"),
		MaxConcurrency:   v.GetInt("maxConcurrency"),
		WorkingLocation:  v.GetString("workingLocation"),
		Cleanup:          v.GetBool("cleanup"),
		NumReduce:        v.GetInt("numReduce"),
		CombineDegree:    v.GetInt("combineDegree"),
		Verbose:          v.GetBool("verbose"),
		Progress:         v.GetBool("progress"),
		Alpha:            v.GetFloat64("alpha"),
		VarSmoothing:     v.GetFloat64("varSmoothing"),
		Accumulation:     v.GetString("accumulation"),
		PredictCacheSize: v.GetInt("predictCacheSize"),
	}
}

// flagKeys maps command line flags to config keys.
var flagKeys = map[string]string{
	"split-size":         "splitSize",
	"map-bin-size":       "mapBinSize",
	"max-concurrency":    "maxConcurrency",
	"working-location":   "workingLocation",
	"cleanup":            "cleanup",
	"num-reduce":         "numReduce",
	"combine-degree":     "combineDegree",
	"verbose":            "verbose",
	"progress":           "progress",
	"alpha":              "alpha",
	"var-smoothing":      "varSmoothing",
	"accumulation":       "accumulation",
	"predict-cache-size": "predictCacheSize",
}

// FlagSet returns the command line flags understood by WithFlags.
func FlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("sparkit", flag.ContinueOnError)
	fs.Int64("split-size", 0, "Maximum input split size in bytes")
	fs.Int64("map-bin-size", 0, "Maximum bytes of input splits read by one map task")
	fs.Int("max-concurrency", 0, "Maximum number of concurrent tasks")
	fs.StringP("working-location", "o", "", "Shuffle `directory` (can be local or in S3)")
	fs.Bool("cleanup", true, "Whether to delete shuffle outputs once consumed")
	fs.Int("num-reduce", 0, "Number of reduce tasks")
	fs.Int("combine-degree", 0, "Number of shuffle outputs merged by one combine task")
	fs.BoolP("verbose", "v", false, "Output verbose logs")
	fs.Bool("progress", true, "Show progress bars")
	fs.Float64("alpha", 0, "Additive smoothing of MultinomialNB")
	fs.Float64("var-smoothing", 0, "Variance smoothing of GaussianNB")
	fs.String("accumulation", "", "Gaussian accumulation: moments or welford")
	fs.Int("predict-cache-size", 0, "Prediction partitions memoized per result")
	return fs
}

// merge overrides the fields of c whose keys are set in v.
func (c *config) merge(v *viper.Viper) {
	if v.IsSet("splitSize") {
		c.SplitSize = v.GetInt64("splitSize")
	}
	if v.IsSet("mapBinSize") {
		c.MapBinSize = v.GetInt64("mapBinSize")
	}
	if v.IsSet("maxConcurrency") {
		c.MaxConcurrency = v.GetInt("maxConcurrency")
	}
	if v.IsSet("workingLocation") {
		c.WorkingLocation = v.GetString("workingLocation")
	}
	if v.IsSet("cleanup") {
		c.Cleanup = v.GetBool("cleanup")
	}
	if v.IsSet("numReduce") {
		c.NumReduce = v.GetInt("numReduce")
	}
	if v.IsSet("combineDegree") {
		c.CombineDegree = v.GetInt("combineDegree")
	}
	if v.IsSet("verbose") {
		c.Verbose = v.GetBool("verbose")
	}
	if v.IsSet("progress") {
		c.Progress = v.GetBool("progress")
	}
	if v.IsSet("alpha") {
		c.Alpha = v.GetFloat64("alpha")
	}
	if v.IsSet("varSmoothing") {
		c.VarSmoothing = v.GetFloat64("varSmoothing")
	}
	if v.IsSet("accumulation") {
		c.Accumulation = v.GetString("accumulation")
	}
	if v.IsSet("predictCacheSize") {
		c.PredictCacheSize = v.GetInt("predictCacheSize")
	}
}
