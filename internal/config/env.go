package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// envLookup returns the lookup used by Load: the process environment, falling
// back to values from an optional dotenv file (--env-file or AERO_VOICE_ENV_FILE).
// Process environment always wins over the file.
func envLookup(args []string) (func(string) (string, bool), error) {
	path := envFileFromArgs(args)
	if path == "" {
		path = os.Getenv(envVarEnvFile)
	}
	if path == "" {
		return os.LookupEnv, nil
	}

	values, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("read env file %q: %w", path, err)
	}
	return layeredLookup(os.LookupEnv, values), nil
}

func layeredLookup(primary func(string) (string, bool), fallback map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		if v, ok := primary(key); ok {
			return v, true
		}
		v, ok := fallback[key]
		return v, ok
	}
}

// envFileFromArgs extracts --env-file before the flag set is parsed, since the
// file feeds the defaults the flag set is built from.
func envFileFromArgs(args []string) string {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			return ""
		}
		name := strings.TrimLeft(arg, "-")
		if name == arg {
			continue
		}
		if v, ok := strings.CutPrefix(name, "env-file="); ok {
			return v
		}
		if name == "env-file" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}
