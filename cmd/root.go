package cmd

import (
	"fmt"
	"os"

	sigma "github.com/markuskont/go-sigma-detections"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	quiet   bool
	debug   bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "sigma-detections",
	Short: "Compile and evaluate sigma rule detections",
	Long: `Compiles the detection section of sigma rules into condition expression trees
and evaluates them against JSON events.

Rules are loaded recursively from one or more directories. Each detection is
validated up front, so broken modifiers, regular expressions and condition
references are reported before any event is processed.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	cobra.OnInitialize(initLogging)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.sigma-detections.yaml)")

	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Quiet output. Suppress warnings and other stuff. Cannot be used together with --debug and --quiet will take precedence.")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Debug mode. Enable trace logging. Cannot be used together with --quiet.")

	rootCmd.PersistentFlags().StringSlice("rules-dir", []string{},
		"Directories that contains sigma rules.")
	viper.BindPFlag("rules.dir", rootCmd.PersistentFlags().Lookup("rules-dir"))

	rootCmd.PersistentFlags().String("rules-placeholders", "",
		"Yaml file with placeholder lists for the expand modifier.")
	viper.BindPFlag("rules.placeholders", rootCmd.PersistentFlags().Lookup("rules-placeholders"))

	rootCmd.PersistentFlags().Bool("rules-collapse-whitespace", false,
		"Collapse whitespace in non-regex patterns and matched values.")
	viper.BindPFlag("rules.collapse_whitespace", rootCmd.PersistentFlags().Lookup("rules-collapse-whitespace"))

	rootCmd.PersistentFlags().Duration("rules-regex-timeout", 0,
		"Upper bound for a single regular expression match. Library default if 0.")
	viper.BindPFlag("rules.regex_timeout", rootCmd.PersistentFlags().Lookup("rules-regex-timeout"))
}

// rulesetConfig assembles library config from bound flags and config file
func rulesetConfig() sigma.Config {
	return sigma.Config{
		Directory:          viper.GetStringSlice("rules.dir"),
		Placeholders:       viper.GetString("rules.placeholders"),
		CollapseWhitespace: viper.GetBool("rules.collapse_whitespace"),
		RegexTimeout:       viper.GetDuration("rules.regex_timeout"),
	}
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
	} else {
		// Find home directory.
		home, err := homedir.Dir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		// Search config in home directory with name ".sigma-detections" (without extension).
		viper.AddConfigPath(home)
		viper.SetConfigName(".sigma-detections")
	}

	viper.AutomaticEnv() // read in environment variables that match

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		fmt.Println("Using config file:", viper.ConfigFileUsed())
	}
}

func initLogging() {
	log.SetFormatter(&log.TextFormatter{
		DisableColors: false,
		FullTimestamp: true,
	})
	if quiet {
		log.SetLevel(log.ErrorLevel)
	} else if debug {
		log.SetLevel(log.TraceLevel)
	}
}
