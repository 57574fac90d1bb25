package cli

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/intranet/worktime/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage worktime configuration",
	Long:  `View and modify worktime configuration settings.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Display current configuration",
	RunE:  runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set [key] [value]",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE:  runConfigSet,
}

var configGetCmd = &cobra.Command{
	Use:   "get [key]",
	Short: "Get a configuration value",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigGet,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the configuration file path",
	RunE:  runConfigPath,
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open configuration file in editor",
	RunE:  runConfigEdit,
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configPathCmd)
	configCmd.AddCommand(configEditCmd)
}

func configFilePath() string {
	if file := viper.ConfigFileUsed(); file != "" {
		return file
	}
	if cfgFile != "" {
		return cfgFile
	}
	return config.DefaultFile()
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	fmt.Printf("📋 worktime Configuration\n")
	fmt.Printf("═══════════════════════════════════════\n\n")
	fmt.Printf("📁 Config File: %s\n\n", configFilePath())

	cfg, err := loadConfig()
	if err != nil {
		fmt.Printf("⚠️  %v\n\n", err)
		yamlData, merr := yaml.Marshal(viper.AllSettings())
		if merr != nil {
			return fmt.Errorf("failed to marshal configuration: %w", merr)
		}
		fmt.Println(string(yamlData))
		return nil
	}

	yamlData, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal configuration: %w", err)
	}
	fmt.Println(string(yamlData))
	return nil
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key := args[0]
	value := args[1]

	previous := viper.Get(key)
	viper.Set(key, value)
	if _, err := config.Load(viper.GetViper()); err != nil {
		viper.Set(key, previous)
		return fmt.Errorf("rejected %s=%s: %w", key, value, err)
	}

	if err := viper.WriteConfigAs(configFilePath()); err != nil {
		return fmt.Errorf("failed to write configuration: %w", err)
	}

	fmt.Printf("✅ Configuration updated\n")
	fmt.Printf("   %s = %s\n", key, value)
	return nil
}

func runConfigGet(cmd *cobra.Command, args []string) error {
	key := args[0]
	if !viper.IsSet(key) {
		return fmt.Errorf("configuration key '%s' not found", key)
	}
	fmt.Printf("%v\n", viper.Get(key))
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	fmt.Println(configFilePath())
	return nil
}

func runConfigEdit(cmd *cobra.Command, args []string) error {
	configFile := configFilePath()
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		return fmt.Errorf("no configuration at %s, run 'worktime init' first", configFile)
	}

	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = os.Getenv("VISUAL")
	}
	if editor == "" {
		for _, e := range []string{"nano", "vim", "vi"} {
			if path, err := exec.LookPath(e); err == nil {
				editor = path
				break
			}
		}
	}
	if editor == "" {
		return fmt.Errorf("no editor found. Please set EDITOR environment variable")
	}

	fmt.Printf("📝 Opening %s in %s...\n", configFile, editor)

	edit := exec.Command(editor, configFile)
	edit.Stdin = os.Stdin
	edit.Stdout = os.Stdout
	edit.Stderr = os.Stderr
	if err := edit.Run(); err != nil {
		return fmt.Errorf("editor failed: %w", err)
	}

	if err := config.Read(viper.GetViper()); err != nil {
		return err
	}
	if _, err := config.Load(viper.GetViper()); err != nil {
		fmt.Printf("⚠️  The configuration is not valid: %v\n", err)
		return nil
	}
	fmt.Printf("✅ Configuration is valid\n")
	return nil
}
