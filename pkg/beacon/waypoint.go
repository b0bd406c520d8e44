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
	"fmt"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	autoscalingv2 "k8s.io/api/autoscaling/v2"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// Waypoint listener constants, fixed by the ambient mesh.
const (
	waypointClassName    = "istio-waypoint"
	waypointListenerPort = 15008
	waypointProtocol     = "HBONE"
)

// readyCheckInterval is the fixed interval of the waypoint readiness poll.
// The attempt count follows from the configured timeout.
const readyCheckInterval = 10 * time.Second

// syncWaypoint reconciles the waypoint Gateway and its autoscaler. At zero
// planned units the desired set is empty: the application is going away
// and an autoscaler pinned to zero replicas would be rejected anyway.
func (m *Manager) syncWaypoint(ctx context.Context, units int) error {
	var desired []client.Object
	if units > 0 {
		desired = []client.Object{
			m.buildWaypointGateway(),
			m.buildWaypointAutoscaler(units),
		}
	}

	m.logger.Debug("Reconciling waypoint resources.")
	return m.waypointManager.Reconcile(ctx, desired, nil)
}

// buildWaypointGateway templates the Gateway object the mesh turns into
// the waypoint proxy deployment.
func (m *Manager) buildWaypointGateway() client.Object {
	gateway := &unstructured.Unstructured{Object: map[string]any{
		"metadata": map[string]any{
			"name":      m.waypointName,
			"namespace": m.config.Namespace,
			"labels": map[string]any{
				"istio.io/waypoint-for": "service",
			},
		},
		"spec": map[string]any{
			"gatewayClassName": waypointClassName,
			"listeners": []any{
				map[string]any{
					"name":     "mesh",
					"port":     int64(waypointListenerPort),
					"protocol": waypointProtocol,
					"allowedRoutes": map[string]any{
						"namespaces": map[string]any{"from": "All"},
					},
				},
			},
		},
	}}
	gateway.SetGroupVersionKind(gatewayGVK)
	return gateway
}

// buildWaypointAutoscaler pins the waypoint deployment's replica count to
// the planned unit count, so the proxy scales with the application.
func (m *Manager) buildWaypointAutoscaler(units int) client.Object {
	return &autoscalingv2.HorizontalPodAutoscaler{
		TypeMeta: metav1.TypeMeta{
			APIVersion: "autoscaling/v2",
			Kind:       "HorizontalPodAutoscaler",
		},
		ObjectMeta: metav1.ObjectMeta{
			Name:      m.waypointName,
			Namespace: m.config.Namespace,
		},
		Spec: autoscalingv2.HorizontalPodAutoscalerSpec{
			ScaleTargetRef: autoscalingv2.CrossVersionObjectReference{
				APIVersion: "apps/v1",
				Kind:       "Deployment",
				Name:       m.waypointName,
			},
			MinReplicas: ptr.To(int32(units)),
			MaxReplicas: int32(units),
		},
	}
}

// waitWaypointReady polls the waypoint deployment until all its replicas
// are ready. The poll is bounded by the configured timeout; exhausting it
// fails the whole pass, gating policy sync behind a working waypoint.
func (m *Manager) waitWaypointReady(ctx context.Context) error {
	m.logger.Debug("Waiting for waypoint deployment readiness.")

	name := types.NamespacedName{Name: m.waypointName, Namespace: m.config.Namespace}
	err := wait.PollUntilContextTimeout(
		ctx, readyCheckInterval, m.config.ReadyTimeout.Duration, true,
		func(ctx context.Context) (bool, error) {
			deployment := &appsv1.Deployment{}
			if err := m.client.Get(ctx, name, deployment); err != nil {
				if k8serrors.IsNotFound(err) {
					m.logger.Info("Waypoint deployment not found; retrying.")
					return false, nil
				}
				return false, err
			}

			if deployment.Status.ReadyReplicas != deployment.Status.Replicas ||
				deployment.Status.Replicas == 0 {
				m.logger.Info("Waypoint deployment not ready; retrying.")
				return false, nil
			}
			return true, nil
		})
	if err != nil {
		return fmt.Errorf("waypoint deployment %q not ready after %s, is the mesh installed: %w",
			m.waypointName, m.config.ReadyTimeout.Duration, err)
	}

	return nil
}
