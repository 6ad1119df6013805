// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package env

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// GetAsString retrieves an environment variable as a string.
// If required is true and the variable is not set, an error is returned.
// If not required and not set, defaultValue is returned.
func GetAsString(key string, required bool, defaultValue string) (string, error) {
	value := os.Getenv(key)
	if value == "" {
		if required {
			return "", fmt.Errorf("required environment variable %s is not set", key)
		}

		return defaultValue, nil
	}

	return value, nil
}

// GetAsInt retrieves an environment variable as an integer.
// An unparsable value is an error only when the variable is required.
func GetAsInt(key string, required bool, defaultValue int) (int, error) {
	return parse(key, required, defaultValue, "an integer", strconv.Atoi)
}

// GetAsBool retrieves an environment variable as a boolean in
// strconv.ParseBool syntax.
func GetAsBool(key string, required bool, defaultValue bool) (bool, error) {
	return parse(key, required, defaultValue, "a boolean", strconv.ParseBool)
}

// GetAsDuration retrieves an environment variable as a time.Duration
// (Go duration syntax, e.g. "30s").
func GetAsDuration(key string, required bool, defaultValue time.Duration) (time.Duration, error) {
	return parse(key, required, defaultValue, "a duration", time.ParseDuration)
}

func parse[T any](key string, required bool, defaultValue T, kind string, conv func(string) (T, error)) (T, error) {
	var zero T

	value := os.Getenv(key)
	if value == "" {
		if required {
			return zero, fmt.Errorf("required environment variable %s is not set", key)
		}

		return defaultValue, nil
	}

	v, err := conv(value)
	if err != nil {
		if required {
			return zero, fmt.Errorf("environment variable %s must be %s: %w", key, kind, err)
		}

		return defaultValue, nil
	}

	return v, nil
}
