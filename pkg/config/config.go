// bucketcache uses flags and an optional config file for configuration.
// The config file is a JSON object whose top-level keys are flag names, e.g.
//   {"bucket_backend": "bolt", "caches": ["users=5m", "sessions"], "memory_capacity": 5000}
// Lists are joined with commas before being handed to the flag. Flags given on the command line win over the file.

package config

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"maps"
	"math"
	"os"
	"slices"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

var configFilePath = flag.String("config_file", "", "Path to the JSON configuration file.")

// skippedConfigFlags can't be set from the config file.
var skippedConfigFlags = []string{"config_file", "print_version"}

// InitFlags parses the command line, then applies the config file named by --config_file.
// It should be called after defining all flags and before using them.
// A missing or broken config file is logged and leaves the flags as parsed.
func InitFlags() {
	flag.Parse()

	if *configFilePath == "" {
		slog.Info("Config file not specified. Skipping config initialization.")
		return
	}
	configBytes, err := os.ReadFile(*configFilePath)
	if errors.Is(err, os.ErrNotExist) {
		slog.Warn("Config file does not exist.", "path", *configFilePath, "error", err)
		return
	}
	if err != nil {
		slog.Error("Failed to read config file.", "path", *configFilePath, "error", err)
		return
	}
	if err := ApplyConfig(configBytes); err != nil {
		slog.Error("Failed to apply config file.", "path", *configFilePath, "error", err)
		return
	}
}

// ApplyConfig sets the flags listed in the JSON object `configBytes`, except those already set on the command line.
// Every entry is validated before any flag is set.
func ApplyConfig(configBytes []byte) error {
	conf := new(structpb.Struct)
	if err := protojson.Unmarshal(configBytes, conf); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}

	setOnCommandLine := make(map[ /*flagName*/ string]bool)
	flag.Visit(func(f *flag.Flag) { setOnCommandLine[f.Name] = true })

	flagValues := make(map[ /*flagName*/ string] /*flagValue*/ string, len(conf.GetFields()))
	for _, flagName := range slices.Sorted(maps.Keys(conf.GetFields())) {
		if slices.Contains(skippedConfigFlags, flagName) {
			return fmt.Errorf("flag '%s' can't be set from the config file", flagName)
		}
		if flag.Lookup(flagName) == nil {
			return fmt.Errorf("config entry '%s' doesn't name a flag", flagName)
		}
		flagValue, err := valueToString(conf.GetFields()[flagName])
		if err != nil {
			return fmt.Errorf("invalid config entry '%s': %w", flagName, err)
		}
		flagValues[flagName] = flagValue
	}

	for _, flagName := range slices.Sorted(maps.Keys(flagValues)) {
		if setOnCommandLine[flagName] {
			slog.Debug("Config entry overridden by command line.", "flag", flagName)
			continue
		}
		if err := flag.Set(flagName, flagValues[flagName]); err != nil {
			return fmt.Errorf("failed to set flag %s: %w", flagName, err)
		}
	}
	return nil
}

// valueToString converts a JSON value to its flag string form.
func valueToString(value *structpb.Value) (string, error) {
	switch kind := value.GetKind().(type) {
	case *structpb.Value_StringValue:
		return kind.StringValue, nil
	case *structpb.Value_BoolValue:
		return strconv.FormatBool(kind.BoolValue), nil
	case *structpb.Value_NumberValue:
		// JSON numbers are doubles; integral ones must stay parseable by integer flags.
		if number := kind.NumberValue; number == math.Trunc(number) && math.Abs(number) < 1<<53 {
			return strconv.FormatInt(int64(number), 10), nil
		}
		return strconv.FormatFloat(kind.NumberValue, 'g', -1, 64), nil
	case *structpb.Value_ListValue:
		items := make([]string, 0, len(kind.ListValue.GetValues()))
		for _, item := range kind.ListValue.GetValues() {
			if _, nested := item.GetKind().(*structpb.Value_ListValue); nested {
				return "", errors.New("nested lists are not supported")
			}
			itemString, err := valueToString(item)
			if err != nil {
				return "", err
			}
			items = append(items, itemString)
		}
		return strings.Join(items, ","), nil
	default:
		return "", fmt.Errorf("unsupported value kind %T", kind)
	}
}

// SetTestFlag sets a flag to a specific value for the duration of the test.
func SetTestFlag(t *testing.T, name, value string) {
	t.Helper()
	flagHolder := flag.Lookup(name)
	require.NotNil(t, flagHolder, "Flag %s not found", name)
	if flagHolder != nil { // Revert the flag value back to its original when the test is done.
		prevValue := flagHolder.Value.String()
		t.Cleanup(func() { require.NoError(t, flag.Set(name, prevValue)) })
	}
	require.NoError(t, flag.Set(name, value))
}
