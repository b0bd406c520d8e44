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
	"context"
	"encoding/json"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// Namespace labels putting every workload in the namespace on the mesh.
const (
	namespaceWaypointLabel  = "istio.io/use-waypoint"
	namespaceDataplaneLabel = "istio.io/dataplane-mode"
	// namespaceManagedByLabel guards the istio labels against edits by
	// another instance: the labels are only mutated when the guard is
	// absent or names this instance.
	namespaceManagedByLabel = "meshbeacon.net/waypoint-managed-by"
)

// syncNamespaceLabels adds or removes the namespace-wide mesh labels,
// depending on whether the namespace as a whole is configured on the mesh.
func (m *Manager) syncNamespaceLabels(ctx context.Context) error {
	if m.config.NamespaceOnMesh {
		return m.addNamespaceLabels(ctx)
	}
	return m.removeNamespaceLabels(ctx)
}

func (m *Manager) addNamespaceLabels(ctx context.Context) error {
	namespace, err := m.getNamespace(ctx)
	if err != nil {
		return err
	}

	labels := namespace.Labels
	if (labels[namespaceWaypointLabel] != "" || labels[namespaceDataplaneLabel] != "") &&
		labels[namespaceManagedByLabel] != m.identity {
		m.logger.Errorf(
			"Namespace %q already carries mesh labels managed by another instance; not adding.",
			m.config.Namespace)
		return nil
	}

	return m.patchNamespaceLabels(ctx, map[string]*string{
		namespaceWaypointLabel:  &m.waypointName,
		namespaceDataplaneLabel: ptr.To("ambient"),
		namespaceManagedByLabel: &m.identity,
	})
}

func (m *Manager) removeNamespaceLabels(ctx context.Context) error {
	namespace, err := m.getNamespace(ctx)
	if err != nil {
		return err
	}

	if namespace.Labels[namespaceManagedByLabel] != m.identity {
		// Nothing of ours there; also covers labels managed by another
		// instance, which must not be removed.
		return nil
	}

	return m.patchNamespaceLabels(ctx, map[string]*string{
		namespaceWaypointLabel:  nil,
		namespaceDataplaneLabel: nil,
		namespaceManagedByLabel: nil,
	})
}

func (m *Manager) getNamespace(ctx context.Context) (*corev1.Namespace, error) {
	namespace := &corev1.Namespace{}
	err := m.client.Get(ctx, types.NamespacedName{Name: m.config.Namespace}, namespace)
	if err != nil {
		return nil, fmt.Errorf("cannot fetch namespace %q: %w", m.config.Namespace, err)
	}
	return namespace, nil
}

// patchNamespaceLabels applies a key-scoped merge patch to the namespace
// labels; keys mapped to nil are deleted, everything else is untouched.
func (m *Manager) patchNamespaceLabels(ctx context.Context, labels map[string]*string) error {
	patch, err := json.Marshal(map[string]any{
		"metadata": map[string]any{"labels": labels},
	})
	if err != nil {
		return fmt.Errorf("cannot encode namespace patch: %w", err)
	}

	namespace := &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{Name: m.config.Namespace},
	}
	err = m.client.Patch(ctx, namespace, client.RawPatch(types.MergePatchType, patch))
	if err != nil {
		return fmt.Errorf("cannot patch namespace %q labels: %w", m.config.Namespace, err)
	}

	return nil
}
