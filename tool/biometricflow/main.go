// BiometricFlow-ZK
// Copyright (C) 2025 BiometricFlow-ZK contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Command biometricflow runs the attendance services: the unified
// gateway and the per-site location service share one binary and are
// selected by subcommand.
package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"

	biometricflow "github.com/OsamaM0/BiometricFlow-ZK-sub000"
	"github.com/OsamaM0/BiometricFlow-ZK-sub000/lib/config"
	"github.com/OsamaM0/BiometricFlow-ZK-sub000/lib/service"
	"github.com/OsamaM0/BiometricFlow-ZK-sub000/lib/utils"
)

// Exit codes reported by the binary.
const (
	exitOK = iota
	exitConfig
	exitRuntime
	exitAuthConfig
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	app := kingpin.New("biometricflow", "Biometric attendance gateway and location services.")
	app.HelpFlag.Short('h')
	debug := app.Flag("debug", "Enable verbose logging.").Short('d').Bool()
	logFormat := app.Flag("log-format", "Log output format, text or json.").Default("text").String()

	var clf config.CommandLineFlags

	gatewayCmd := app.Command("gateway", "Unified gateway commands.")
	gatewayStart := gatewayCmd.Command("start", "Start the unified gateway.")
	gatewayStart.Flag("listen", "Address to listen on.").StringVar(&clf.ListenAddr)
	gatewayStart.Flag("diag-addr", "Diagnostics address serving /metrics and /healthz.").StringVar(&clf.DiagAddr)
	gatewayStart.Flag("locations", "Path to the location registry file.").StringVar(&clf.LocationsPath)
	gatewayStart.Flag("policy", "Path to the attendance policy file.").StringVar(&clf.PolicyPath)

	locationCmd := app.Command("location", "Location service commands.")
	locationStart := locationCmd.Command("start", "Start a location service.")
	locationStart.Flag("listen", "Address to listen on.").StringVar(&clf.ListenAddr)
	locationStart.Flag("diag-addr", "Diagnostics address serving /metrics and /healthz.").StringVar(&clf.DiagAddr)
	locationStart.Flag("devices", "Path to the device registry file.").StringVar(&clf.DevicesPath)
	locationStart.Flag("policy", "Path to the attendance policy file.").StringVar(&clf.PolicyPath)

	genKeys := app.Command("generate-keys", "Print a fresh API key and JWT signing secret.")

	healthCmd := app.Command("health", "Probe a running service's health endpoint.")
	healthURL := healthCmd.Arg("url", "Base URL of the service.").Required().String()
	healthTimeout := healthCmd.Flag("timeout", "Probe timeout.").Default("5s").Duration()
	healthKey := healthCmd.Flag("api-key", "API key for services whose health endpoint requires one.").Envar(config.EnvAPIKey).String()

	versionCmd := app.Command("version", "Print the version.")

	command, err := app.Parse(args)
	if err != nil {
		app.Usage(args)
		return exitConfig
	}

	severity := "info"
	if *debug {
		severity = "debug"
		clf.Debug = true
	}
	if err := utils.InitLogger(severity, *logFormat); err != nil {
		fmt.Fprintln(os.Stderr, "ERROR:", err)
		return exitConfig
	}

	switch command {
	case gatewayStart.FullCommand():
		clf.Role = config.RoleGateway
		return runService(clf)
	case locationStart.FullCommand():
		clf.Role = config.RoleLocation
		return runService(clf)
	case genKeys.FullCommand():
		return runGenerateKeys()
	case healthCmd.FullCommand():
		return runHealth(*healthURL, *healthKey, *healthTimeout)
	case versionCmd.FullCommand():
		fmt.Println(biometricflow.Version)
		return exitOK
	}
	return exitOK
}

func runService(clf config.CommandLineFlags) int {
	svc, err := service.New(clf)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ERROR:", trace.UserMessage(err))
		if trace.IsAccessDenied(err) {
			return exitAuthConfig
		}
		return exitConfig
	}
	if err := svc.Run(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "ERROR:", trace.UserMessage(err))
		return exitRuntime
	}
	return exitOK
}

// runGenerateKeys prints credentials suitable for BIOFLOW_API_KEY and
// BIOFLOW_JWT_SECRET.
func runGenerateKeys() int {
	key, err := randomToken()
	if err != nil {
		fmt.Fprintln(os.Stderr, "ERROR:", err)
		return exitRuntime
	}
	secret, err := randomToken()
	if err != nil {
		fmt.Fprintln(os.Stderr, "ERROR:", err)
		return exitRuntime
	}
	fmt.Println("API key:   ", key)
	fmt.Println("JWT secret:", secret)
	return exitOK
}

func randomToken() (string, error) {
	buf := make([]byte, 48)
	if _, err := rand.Read(buf); err != nil {
		return "", trace.Wrap(err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// runHealth probes the health endpoint. The gateway's is public; a
// location service wants its API key, passed via --api-key or
// BIOFLOW_API_KEY. A non-2xx reply or an unreachable service exits
// nonzero so the command works as a container healthcheck.
func runHealth(baseURL, apiKey string, timeout time.Duration) int {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ERROR:", err)
		return exitConfig
	}
	if apiKey != "" {
		req.Header.Set(biometricflow.HeaderAPIKey, apiKey)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ERROR:", err)
		return exitRuntime
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		fmt.Fprintf(os.Stderr, "ERROR: service rejected the credential, status %v\n", resp.StatusCode)
		return exitAuthConfig
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		fmt.Fprintf(os.Stderr, "ERROR: service replied with status %v\n", resp.StatusCode)
		return exitRuntime
	}
	fmt.Println("ok")
	return exitOK
}
