package util

import (
	"fmt"
	"github.com/ValentinKolb/dMon/rpc/common"
	"github.com/ValentinKolb/dMon/rpc/serializer"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"strings"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		// Check if we need to wrap
		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		// Add space before word (if not first word on line)
		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		// Add the word
		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	// Add any remaining text
	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// SetupServerFlags adds the lock manager flags to a command
func SetupServerFlags(cmd *cobra.Command) {
	defaults := common.DefaultServerConfig()

	key := "lock-policy"
	cmd.PersistentFlags().String(key, defaults.Policy, WrapString("Lock policy of the lock manager (greedy, altruistic). Greedy awards become node leases that are recalled on contention"))

	key = "recall-timeout"
	cmd.PersistentFlags().Duration(key, defaults.RecallTimeout, WrapString("How long a node may keep a recalled lease before it is disconnected (0 disables the watchdog)"))

	key = "lock-statistics"
	cmd.PersistentFlags().Bool(key, defaults.StatsEnabled, WrapString("Whether per-lock statistics are collected"))
}

// InitConfig initializes configuration from .env files and environment variables
func InitConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix("dmon")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}

// GetServerConfig reads the server configuration from viper
func GetServerConfig() common.ServerConfig {
	return common.ServerConfig{
		Policy:        viper.GetString("lock-policy"),
		RecallTimeout: viper.GetDuration("recall-timeout"),
		StatsEnabled:  viper.GetBool("lock-statistics"),
		Serializer:    viper.GetString("serializer"),
		LogLevel:      viper.GetString("log-level"),
	}
}

// GetSerializer creates a serializer based on configuration
func GetSerializer() (serializer.IRPCSerializer, error) {
	return NewSerializer(viper.GetString("serializer"))
}

// NewSerializer creates the serializer with the given name
func NewSerializer(name string) (serializer.IRPCSerializer, error) {
	switch name {
	case "json":
		return serializer.NewJSONSerializer(), nil
	case "gob":
		return serializer.NewGOBSerializer(), nil
	case "binary":
		return serializer.NewBinarySerializer(), nil
	default:
		return nil, fmt.Errorf("invalid serializer %s", name)
	}
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	return viper.BindPFlags(cmd.InheritedFlags())
}
