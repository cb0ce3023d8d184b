/*
Copyright The Diogenes Authors.

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

package utils

import (
	"os"
	"strconv"

	"k8s.io/klog/v2"
)

// LoadEnv returns the value of the environment variable or the default when
// unset or empty.
func LoadEnv(name, defaultValue string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return defaultValue
}

// MustLoadEnv returns the value of the environment variable and fails fast
// when it is missing. Used only at startup wiring.
func MustLoadEnv(name string) string {
	value := os.Getenv(name)
	if value == "" {
		klog.Fatalf("Missing required environment variable: %s", name)
	}
	return value
}

// LoadEnvInt returns the integer value of the environment variable or the
// default when unset or unparseable.
func LoadEnvInt(name string, defaultValue int64) int64 {
	value := os.Getenv(name)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		klog.Warningf("Ignoring unparseable %s=%q: %v", name, value, err)
		return defaultValue
	}
	return parsed
}
