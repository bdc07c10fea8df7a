/*
 * Genbu File Service, (C) 2023 Genbu Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package cmd

import (
	"errors"
	"os"
	"sync"
)

// Configuration environment variables. All state the server needs comes from
// the environment; there is no config file.
const (
	envDatabaseURL = "GENBU_DATABASE_URL"
	envS3Endpoint  = "GENBU_S3_ENDPOINT"
	envS3AccessKey = "GENBU_S3_ACCESS_KEY"
	envS3SecretKey = "GENBU_S3_SECRET_KEY"
	envS3Region    = "GENBU_S3_REGION"
	envJWTSecret   = "GENBU_JWT_SECRET"
	envAddress     = "GENBU_ADDRESS"
	envPublicHost  = "GENBU_PUBLIC_HOST"
)

// Defaults used when the environment leaves a knob unset.
const (
	defaultAddress  = "0.0.0.0:8080"
	defaultS3Region = "us-east-1"
)

type serverConfig struct {
	Address     string
	PublicHost  string
	DatabaseURL string
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3Region    string
	JWTSecret   string
}

var (
	globalServerConfig   *serverConfig
	globalServerConfigMu sync.RWMutex
)

var (
	errNoDatabaseURL = errors.New(envDatabaseURL + " is not set")
	errNoJWTSecret   = errors.New(envJWTSecret + " is not set")
)

func envOrDefault(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

// loadConfig reads the configuration from the environment and validates the
// required entries.
func loadConfig() (*serverConfig, error) {
	cfg := &serverConfig{
		Address:     envOrDefault(envAddress, defaultAddress),
		DatabaseURL: os.Getenv(envDatabaseURL),
		S3Endpoint:  os.Getenv(envS3Endpoint),
		S3AccessKey: os.Getenv(envS3AccessKey),
		S3SecretKey: os.Getenv(envS3SecretKey),
		S3Region:    envOrDefault(envS3Region, defaultS3Region),
		JWTSecret:   os.Getenv(envJWTSecret),
	}
	cfg.PublicHost = envOrDefault(envPublicHost, "http://"+cfg.Address)
	if cfg.DatabaseURL == "" {
		return nil, errNoDatabaseURL
	}
	if cfg.JWTSecret == "" {
		return nil, errNoJWTSecret
	}
	return cfg, nil
}

func setGlobalConfig(cfg *serverConfig) {
	globalServerConfigMu.Lock()
	defer globalServerConfigMu.Unlock()
	globalServerConfig = cfg
}

func getGlobalConfig() *serverConfig {
	globalServerConfigMu.RLock()
	defer globalServerConfigMu.RUnlock()
	return globalServerConfig
}

// jwtSecret returns the session signing key.
func jwtSecret() []byte {
	cfg := getGlobalConfig()
	if cfg == nil {
		return nil
	}
	return []byte(cfg.JWTSecret)
}

// publicHost returns the externally reachable base URL, used when building
// WOPI file URLs.
func publicHost() string {
	cfg := getGlobalConfig()
	if cfg == nil {
		return ""
	}
	return cfg.PublicHost
}
