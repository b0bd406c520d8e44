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

package beacon

import (
	"errors"
	"fmt"
	"os"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/yaml"

	securityv1 "github.com/meshbeacon-net/meshbeacon/pkg/apis/security.istio.io/v1"
	"github.com/meshbeacon-net/meshbeacon/pkg/mesh"
)

// Relation names served by the beacon.
const (
	// MeshRelation is the relation over which applications request mesh
	// policies and receive the join-label broadcast.
	MeshRelation = "service-mesh"
	// CrossModelRelation is the relation over which applications in other
	// deployment domains publish their identity.
	CrossModelRelation = "cross-model-mesh"
	// MetricsRelation is the relation over which scrapers are granted
	// access to the beacon's own metrics port.
	MetricsRelation = "metrics-endpoint"
)

// Defaults applied by Config.Default.
const (
	defaultReadyTimeout = 100 * time.Second
	defaultMetricsPort  = 15090
	// defaultOperatorSelector selects the namespace operator workload the
	// control substrate must keep reaching when the namespace joins the
	// mesh.
	defaultOperatorSelector = "namespace-operator"
)

// Config holds the beacon configuration, typically loaded from a YAML
// file owned by the hosting process.
type Config struct {
	// AppName is the name of the beacon application.
	AppName string `json:"appName"`
	// Namespace the beacon runs in and reconciles resources in.
	Namespace string `json:"namespace"`
	// MeshType selects the policy compiler. Defaults to istio.
	MeshType mesh.MeshType `json:"meshType,omitempty"`
	// NamespaceOnMesh puts the whole namespace on the mesh instead of
	// broadcasting join labels to individual applications.
	NamespaceOnMesh bool `json:"namespaceOnMesh,omitempty"`
	// ManagePolicies controls whether authorization policies are
	// reconciled. When false the beacon reconciles to an empty set, so
	// flipping the flag cleans up previously created policies. Defaults
	// to true.
	ManagePolicies *bool `json:"manageAuthorizationPolicies,omitempty"`
	// ReadyTimeout bounds the wait for the waypoint deployment to become
	// ready before policies are synced. Exceeding it fails the pass.
	ReadyTimeout metav1.Duration `json:"readyTimeout,omitempty"`
	// MetricsPort is the port scrapers related over the metrics relation
	// are granted access to.
	MetricsPort int `json:"metricsPort,omitempty"`
	// OperatorSelector selects the namespace operator workload that stays
	// reachable from any source while the namespace is on the mesh.
	OperatorSelector map[string]string `json:"operatorSelector,omitempty"`
	// CustomPolicies are additional canonical policy records compiled and
	// reconciled alongside the relation-supplied ones.
	CustomPolicies []mesh.MeshPolicy `json:"customPolicies,omitempty"`
	// RawPolicies are hand-built enforcement objects reconciled as-is,
	// for shapes the policy model cannot express.
	RawPolicies []securityv1.AuthorizationPolicy `json:"rawPolicies,omitempty"`
}

// LoadConfig reads and validates a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read configuration: %w", err)
	}

	var config Config
	if err := yaml.UnmarshalStrict(raw, &config); err != nil {
		return nil, fmt.Errorf("cannot parse configuration: %w", err)
	}

	config.Default()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Default fills in unset optional fields.
func (c *Config) Default() {
	if c.MeshType == "" {
		c.MeshType = mesh.MeshTypeIstio
	}
	if c.ManagePolicies == nil {
		managed := true
		c.ManagePolicies = &managed
	}
	if c.ReadyTimeout.Duration == 0 {
		c.ReadyTimeout = metav1.Duration{Duration: defaultReadyTimeout}
	}
	if c.MetricsPort == 0 {
		c.MetricsPort = defaultMetricsPort
	}
	if c.OperatorSelector == nil {
		c.OperatorSelector = map[string]string{
			"app.kubernetes.io/name": defaultOperatorSelector,
		}
	}
}

// Validate checks the configuration, including the shape of any custom
// policy records, so configuration errors surface before a pass runs.
func (c *Config) Validate() error {
	if c.AppName == "" {
		return errors.New("appName is required")
	}
	if c.Namespace == "" {
		return errors.New("namespace is required")
	}
	if c.ReadyTimeout.Duration < 0 {
		return errors.New("readyTimeout cannot be negative")
	}

	for i := range c.CustomPolicies {
		if err := c.CustomPolicies[i].Validate(); err != nil {
			return fmt.Errorf("invalid custom policy %d: %w", i, err)
		}
	}
	for i := range c.RawPolicies {
		if c.RawPolicies[i].Name == "" {
			return fmt.Errorf("raw policy %d has no name", i)
		}
		if err := c.RawPolicies[i].Spec.Validate(); err != nil {
			return fmt.Errorf("invalid raw policy %q: %w", c.RawPolicies[i].Name, err)
		}
	}

	return nil
}
