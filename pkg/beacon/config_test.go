// Copyright (c) The MeshBeacon Authors.
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

package beacon_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meshbeacon-net/meshbeacon/pkg/beacon"
	"github.com/meshbeacon-net/meshbeacon/pkg/mesh"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
appName: beacon
namespace: mesh-ns
`)

	config, err := beacon.LoadConfig(path)
	require.NoError(t, err)

	// Defaults.
	require.Equal(t, mesh.MeshTypeIstio, config.MeshType)
	require.True(t, *config.ManagePolicies)
	require.Equal(t, 100*time.Second, config.ReadyTimeout.Duration)
	require.Equal(t, 15090, config.MetricsPort)
	require.Equal(t, map[string]string{"app.kubernetes.io/name": "namespace-operator"},
		config.OperatorSelector)
}

func TestLoadConfigFull(t *testing.T) {
	path := writeConfig(t, `
appName: beacon
namespace: mesh-ns
namespaceOnMesh: true
manageAuthorizationPolicies: false
readyTimeout: 30s
metricsPort: 9100
customPolicies:
  - source_app_name: auditor
    source_namespace: audit-ns
    target_app_name: beacon
    target_namespace: mesh-ns
    target_kind: app
    endpoints: []
`)

	config, err := beacon.LoadConfig(path)
	require.NoError(t, err)
	require.True(t, config.NamespaceOnMesh)
	require.False(t, *config.ManagePolicies)
	require.Equal(t, 30*time.Second, config.ReadyTimeout.Duration)
	require.Equal(t, 9100, config.MetricsPort)
	require.Len(t, config.CustomPolicies, 1)
}

func TestLoadConfigErrors(t *testing.T) {
	// Missing required fields.
	path := writeConfig(t, `namespace: mesh-ns`)
	_, err := beacon.LoadConfig(path)
	require.Error(t, err)

	// Unknown keys are configuration mistakes, not noise.
	path = writeConfig(t, `
appName: beacon
namespace: mesh-ns
unknownKey: true
`)
	_, err = beacon.LoadConfig(path)
	require.Error(t, err)

	// Invalid custom policy records are caught at load time.
	path = writeConfig(t, `
appName: beacon
namespace: mesh-ns
customPolicies:
  - target_kind: app
    target_namespace: ""
`)
	_, err = beacon.LoadConfig(path)
	require.Error(t, err)

	_, err = beacon.LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
