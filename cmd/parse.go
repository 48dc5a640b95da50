/*
Copyright © 2020 Markus Kont alias013@gmail.com

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package cmd

import (
	"errors"
	"fmt"
	"os"

	sigma "github.com/markuskont/go-sigma-detections"
	"github.com/ryanuber/go-glob"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type counts struct {
	OK          int            `json:"ok"`
	Fail        int            `json:"fail"`
	Unsupported int            `json:"unsupported"`
	Kinds       map[string]int `json:"error_kinds"`
}

// errorKind classifies compile errors for the summary
func errorKind(err error) string {
	var (
		errDetection sigma.ErrDetection
		errCondition sigma.ErrCondition
		errModifier  sigma.ErrModifier
		errRegex     sigma.ErrRegularExpression
		errValue     sigma.ErrValue
	)
	switch {
	case errors.As(err, &errModifier):
		return "modifier"
	case errors.As(err, &errRegex):
		return "regular_expression"
	case errors.As(err, &errValue):
		return "value"
	case errors.As(err, &errCondition):
		return "condition"
	case errors.As(err, &errDetection):
		return "detection"
	default:
		return "other"
	}
}

// parseCmd represents the parse command
var parseCmd = &cobra.Command{
	Use:   "parse",
	Short: "Parse a ruleset for testing",
	Long: `Recursively parses a sigma ruleset from filesystem and provides detailed feedback to the user about rule support.

Compiled condition trees can be printed with --dump, and a JSON summary with --summary-json.`,
	Run: parse,
}

func parse(cmd *cobra.Command, args []string) {
	files, err := sigma.NewRuleFileList(viper.GetStringSlice("rules.dir"))
	if err != nil {
		logrus.Fatal(err)
	}
	if pattern := viper.GetString("parse.filter"); pattern != "" {
		filtered := make([]string, 0, len(files))
		for _, f := range files {
			if glob.Glob(pattern, f) {
				filtered = append(filtered, f)
			}
		}
		logrus.Debugf("filter %s kept %d of %d files", pattern, len(filtered), len(files))
		files = filtered
	}
	for _, f := range files {
		logrus.Trace(f)
	}
	logrus.Info("Parsing rule yaml files")
	rules, err := sigma.NewRuleList(files, true)
	if err != nil {
		var bulk sigma.ErrBulkParseYaml
		if !errors.As(err, &bulk) {
			logrus.Fatal(err)
		}
		for _, e := range bulk.Errs {
			logrus.Error(e)
		}
	}
	logrus.Infof("Got %d rules from yaml", len(rules))
	logrus.Info("Parsing rules into AST")

	var placeholders sigma.Placeholders
	if path := viper.GetString("rules.placeholders"); path != "" {
		if placeholders, err = sigma.LoadPlaceholders(path); err != nil {
			logrus.Fatal(err)
		}
	}
	reg := sigma.NewModifierRegistry(
		sigma.WithPlaceholders(placeholders),
		sigma.WithWhitespaceCollapse(viper.GetBool("rules.collapse_whitespace")),
	)

	c := &counts{Kinds: make(map[string]int)}
	c.Fail = len(files) - len(rules)
	dump := viper.GetBool("parse.dump")
	for _, raw := range rules {
		logrus.Trace(raw.Path)
		tree, err := sigma.NewTree(raw, reg)
		if err != nil {
			if sigma.IsUnsupported(err) {
				c.Unsupported++
				logrus.Warnf("%s: %s", err, raw.Path)
				continue
			}
			c.Fail++
			c.Kinds[errorKind(err)]++
			logrus.Errorf("%s: %s", raw.Path, err)
			continue
		}
		c.OK++
		logrus.Debugf("%s: ok", raw.Path)
		if dump {
			for _, cond := range tree.ParsedConditions() {
				fmt.Printf("%s\t%s\t%s\n", raw.ID, cond.Raw, cond)
			}
		}
	}
	logrus.Infof("OK: %d; FAIL: %d; UNSUPPORTED: %d", c.OK, c.Fail, c.Unsupported)

	if viper.GetBool("parse.summary.json") {
		if err := json.NewEncoder(os.Stdout).Encode(c); err != nil {
			logrus.Fatal(err)
		}
	}
}

func init() {
	rootCmd.AddCommand(parseCmd)

	parseCmd.PersistentFlags().String("filter", "",
		`Only parse rule files whose path matches this glob, for example *windows*.`)
	viper.BindPFlag("parse.filter", parseCmd.PersistentFlags().Lookup("filter"))

	parseCmd.PersistentFlags().Bool("dump", false,
		`Print id, raw condition and parsed condition tree for every compiled rule.`)
	viper.BindPFlag("parse.dump", parseCmd.PersistentFlags().Lookup("dump"))

	parseCmd.PersistentFlags().Bool("summary-json", false,
		`Write a JSON summary with error kind counts to stdout.`)
	viper.BindPFlag("parse.summary.json", parseCmd.PersistentFlags().Lookup("summary-json"))
}
