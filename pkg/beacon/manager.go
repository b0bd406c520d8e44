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

// Package beacon orchestrates one synchronous reconciliation pass of the
// service mesh: it aggregates the policies published by related
// applications, compiles them into enforcement objects, and reconciles
// those objects, the waypoint resources and the membership labels against
// the cluster.
package beacon

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"sigs.k8s.io/controller-runtime/pkg/client"

	securityv1 "github.com/meshbeacon-net/meshbeacon/pkg/apis/security.istio.io/v1"
	"github.com/meshbeacon-net/meshbeacon/pkg/mesh"
	"github.com/meshbeacon-net/meshbeacon/pkg/platform/k8s"
	"github.com/meshbeacon-net/meshbeacon/pkg/policyengine"
)

// Ownership-label scopes separating the object sets the beacon manages.
const (
	policyScope   = "authorization-policy"
	waypointScope = "waypoint"
)

// scopeLabel marks the objects owned by one beacon instance and scope,
// used for diff-based garbage collection.
const scopeLabel = "meshbeacon.net/scope"

// managedByLabel identifies which beacon instance owns an object.
const managedByLabel = "app.kubernetes.io/managed-by"

var (
	policyGVK  = securityv1.GroupVersion.WithKind("AuthorizationPolicy")
	gatewayGVK = schema.GroupVersionKind{
		Group: "gateway.networking.k8s.io", Version: "v1", Kind: "Gateway",
	}
	hpaGVK = schema.GroupVersionKind{
		Group: "autoscaling", Version: "v2", Kind: "HorizontalPodAutoscaler",
	}
)

// State is the externally supplied input of one pass: the bound relation
// instances, the planned unit count, and the leadership verdict of the
// hosting process's leadership oracle. Only the elected leader
// reconciles; followers are passive.
type State struct {
	Relations mesh.RelationMap `json:"relations"`
	Units     int              `json:"units"`
	Leader    bool             `json:"leader"`
}

// Manager drives one synchronous reconciliation pass per external
// trigger. Passes never overlap: the hosting event loop serializes trigger
// delivery and every pass runs to completion or fails.
type Manager struct {
	client   client.Client
	config   *Config
	compiler policyengine.Compiler
	provider *mesh.Provider

	labeler         *k8s.Labeler
	policyManager   *k8s.ResourceManager
	waypointManager *k8s.ResourceManager

	// identity scopes ownership labels and the namespace-label guard to
	// this beacon instance.
	identity     string
	waypointName string
	declared     []mesh.DeclaredPolicy

	mu           sync.Mutex
	lastPolicies []mesh.MeshPolicy

	logger *logrus.Entry
}

// NewManager builds a manager from the given configuration, resolving the
// policy compiler for the configured mesh type from the registry.
func NewManager(cl client.Client, config *Config, registry *policyengine.Registry) (*Manager, error) {
	compiler, err := registry.Get(config.MeshType)
	if err != nil {
		return nil, err
	}

	logger := logrus.WithField("component", "beacon.manager")
	identity := k8s.LabelSafeName(config.AppName, config.Namespace)
	waypointName := k8s.LabelSafeName(config.AppName, config.Namespace, "waypoint")

	manager := &Manager{
		client:       cl,
		config:       config,
		compiler:     compiler,
		labeler:      k8s.NewLabeler(cl, config.Namespace),
		identity:     identity,
		waypointName: waypointName,
		declared: []mesh.DeclaredPolicy{
			&mesh.UnitPolicy{Relation: MetricsRelation, Ports: []int{config.MetricsPort}},
		},
		logger: logger,
	}

	manager.provider = mesh.NewProvider(manager.broadcastLabels(), config.MeshType)
	manager.policyManager = k8s.NewResourceManager(
		cl, config.Namespace,
		manager.ownershipLabels(policyScope),
		[]schema.GroupVersionKind{policyGVK},
		logrus.WithField("component", "beacon.policies"))
	manager.waypointManager = k8s.NewResourceManager(
		cl, config.Namespace,
		manager.ownershipLabels(waypointScope),
		[]schema.GroupVersionKind{gatewayGVK, hpaGVK},
		logrus.WithField("component", "beacon.waypoint"))

	return manager, nil
}

// Sync runs one full reconciliation pass. Inside a pass all I/O is
// synchronous; any error aborts the pass and is surfaced to the caller
// with downstream steps unapplied. Policy sync in particular is gated
// behind waypoint readiness.
func (m *Manager) Sync(ctx context.Context, state *State) (err error) {
	started := time.Now()
	defer func() { observePass(err, time.Since(started)) }()

	if !state.Leader {
		m.logger.Info("Not the leader; standing by.")
		return nil
	}

	meshRelations := state.Relations[MeshRelation]
	if err = m.provider.UpdateRelations(meshRelations); err != nil {
		return err
	}

	m.logger.Debug("Reconciling mesh membership labels.")
	if err = m.labeler.Reconcile(ctx, m.config.AppName, m.meshLabels()); err != nil {
		return err
	}

	if err = m.syncWaypoint(ctx, state.Units); err != nil {
		return err
	}
	if err = m.syncNamespaceLabels(ctx); err != nil {
		return err
	}
	if err = m.waitWaypointReady(ctx); err != nil {
		return err
	}

	return m.syncPolicies(ctx, state)
}

// Teardown removes everything the beacon owns: enforcement objects,
// waypoint resources, namespace labels and membership labels. Used when
// the application is removed.
func (m *Manager) Teardown(ctx context.Context) error {
	if err := m.removeNamespaceLabels(ctx); err != nil {
		return err
	}
	if err := m.waypointManager.DeleteAll(ctx); err != nil {
		return err
	}
	if err := m.policyManager.DeleteAll(ctx); err != nil {
		return err
	}
	return m.labeler.Cleanup(ctx, m.config.AppName)
}

// Policies returns the canonical policy records aggregated on the most
// recent pass, for display and debugging.
func (m *Manager) Policies() []mesh.MeshPolicy {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]mesh.MeshPolicy(nil), m.lastPolicies...)
}

// syncPolicies aggregates all canonical policy records, compiles them and
// reconciles the resulting enforcement objects.
func (m *Manager) syncPolicies(ctx context.Context, state *State) error {
	policies := m.collectPolicies(state)

	m.mu.Lock()
	m.lastPolicies = policies
	m.mu.Unlock()

	var desired, raw []client.Object
	if *m.config.ManagePolicies {
		owner := policyengine.Owner{App: m.config.AppName, Namespace: m.config.Namespace}
		desired = m.compiler.Compile(owner, policies)
		observeCompile(desired)

		for i := range m.config.RawPolicies {
			raw = append(raw, m.config.RawPolicies[i].DeepCopy())
		}
	} else {
		// Reconciling to an empty set rather than skipping, so a config
		// flip removes previously created policies.
		m.logger.Debug("Authorization policy management disabled; reconciling to empty set.")
	}

	m.logger.Infof("Reconciling %d authorization policies.", len(desired)+len(raw))
	return m.policyManager.Reconcile(ctx, desired, raw)
}

// collectPolicies gathers the records of one pass: policies requested by
// related applications over the mesh relation, policies granting access
// to the beacon itself, custom records from configuration, and the
// any-source operator policy when the namespace is on the mesh.
func (m *Manager) collectPolicies(state *State) []mesh.MeshPolicy {
	policies := m.provider.MeshInfo(state.Relations[MeshRelation])

	crossModel := mesh.NewCrossModelState(state.Relations[CrossModelRelation], m.logger)
	own, err := mesh.ResolvePolicies(
		state.Relations, m.config.AppName, m.config.Namespace, m.declared, crossModel, m.logger)
	if err != nil {
		// The beacon's own declared rules are static and validated at
		// startup; resolution cannot fail on them.
		panic(err)
	}
	policies = append(policies, own...)
	policies = append(policies, m.config.CustomPolicies...)

	if m.config.NamespaceOnMesh {
		// The control substrate must keep reaching the namespace operator
		// once the namespace is on the mesh.
		policies = append(policies, mesh.MeshPolicy{
			AnySource:       true,
			TargetKind:      mesh.PolicyTargetUnit,
			TargetNamespace: m.config.Namespace,
			TargetSelector:  m.config.OperatorSelector,
		})
	}

	return policies
}

// meshLabels are the labels a workload must carry to join the mesh
// through this beacon's waypoint.
func (m *Manager) meshLabels() map[string]string {
	return map[string]string{
		"istio.io/dataplane-mode":         "ambient",
		"istio.io/use-waypoint":           m.waypointName,
		"istio.io/use-waypoint-namespace": m.config.Namespace,
	}
}

// broadcastLabels are the join labels sent to related applications. With
// the whole namespace on the mesh there is nothing for individual
// applications to apply.
func (m *Manager) broadcastLabels() map[string]string {
	if m.config.NamespaceOnMesh {
		return map[string]string{}
	}
	return m.meshLabels()
}

func (m *Manager) ownershipLabels(scope string) map[string]string {
	return map[string]string{
		managedByLabel: m.identity,
		scopeLabel:     scope,
	}
}
