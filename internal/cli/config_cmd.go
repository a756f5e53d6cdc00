package cli

import (
	"fmt"
	"os"
	"sort"

	"github.com/lucasnoah/perfx/internal/condition"
	"github.com/lucasnoah/perfx/internal/config"
	"github.com/lucasnoah/perfx/internal/pipeline"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Validate and inspect pipeline configuration",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the pipeline configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := resolveConfigPath()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading config: %w", err)
		}

		var problems []string
		for _, e := range config.ValidateSchema(data, config.FormatForPath(path)) {
			problems = append(problems, "schema: "+e.Error())
		}
		cfg, err := config.Parse(data, config.FormatForPath(path))
		if err != nil {
			problems = append(problems, err.Error())
		} else {
			for _, e := range config.Validate(cfg) {
				problems = append(problems, e.Error())
			}
		}

		if len(problems) > 0 {
			cmd.Println("Validation errors:")
			for _, p := range problems {
				cmd.Printf("  - %s\n", p)
			}
			return fmt.Errorf("config has %d validation error(s)", len(problems))
		}

		// Conditions that do not compile are reported but never fatal: they
		// evaluate to false at run time.
		ev := condition.New(cfg.Conditions, condition.HostFacts(), newLogger(cmd.ErrOrStderr(), false))
		bad := ev.Check()
		names := make([]string, 0, len(bad))
		for name := range bad {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			cmd.Printf("warning: condition %q: %v\n", name, bad[name])
		}

		cmd.Printf("Configuration %s is valid.\n", path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the configuration with ${VAR} references expanded",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}

		data, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("marshalling config: %w", err)
		}

		cmd.Print(string(data))
		return nil
	},
}

var configSchemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the JSON Schema of the configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := config.Schema()
		if err != nil {
			return err
		}
		cmd.Println(string(data))
		return nil
	},
}

// resolveConfigPath returns --config when set, otherwise the first default
// candidate present in the current directory.
func resolveConfigPath() (string, error) {
	if configFile != "" {
		if _, err := os.Stat(configFile); err != nil {
			return "", fmt.Errorf("config file not found: %s", configFile)
		}
		return configFile, nil
	}
	for _, c := range config.DefaultCandidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}
	return "", fmt.Errorf("no config file found (looked for %v)", config.DefaultCandidates)
}

func loadConfig() (*config.Config, string, error) {
	if configFile != "" {
		cfg, err := config.Load(configFile)
		return cfg, configFile, err
	}
	return config.LoadDefault()
}

// loadPipeline loads and builds the pipeline. Validation problems come back
// as a *pipeline.ConfigurationError.
func loadPipeline() (*pipeline.Pipeline, *config.Config, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	p, err := pipeline.FromConfig(cfg)
	if err != nil {
		return nil, nil, err
	}
	return p, cfg, nil
}

func init() {
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSchemaCmd)
}
