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

package k8s_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	"github.com/meshbeacon-net/meshbeacon/pkg/platform/k8s"
)

const testApp = "receiver"

func labelerScheme(t *testing.T) *runtime.Scheme {
	t.Helper()
	scheme := runtime.NewScheme()
	require.NoError(t, corev1.AddToScheme(scheme))
	require.NoError(t, appsv1.AddToScheme(scheme))
	return scheme
}

// labelerFixture builds a fake cluster holding the application's
// StatefulSet and Service, both carrying one foreign label that must
// survive every labeler operation.
func labelerFixture(t *testing.T) client.Client {
	t.Helper()

	statefulSet := &appsv1.StatefulSet{
		ObjectMeta: metav1.ObjectMeta{Name: testApp, Namespace: testNamespace},
		Spec: appsv1.StatefulSetSpec{
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: map[string]string{"foreign": "kept"},
				},
			},
		},
	}
	service := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      testApp,
			Namespace: testNamespace,
			Labels:    map[string]string{"foreign": "kept"},
		},
	}

	return fake.NewClientBuilder().
		WithScheme(labelerScheme(t)).
		WithObjects(statefulSet, service).
		Build()
}

func podTemplateLabels(t *testing.T, cl client.Client) map[string]string {
	t.Helper()
	statefulSet := &appsv1.StatefulSet{}
	err := cl.Get(context.Background(),
		types.NamespacedName{Name: testApp, Namespace: testNamespace}, statefulSet)
	require.NoError(t, err)
	return statefulSet.Spec.Template.Labels
}

func serviceLabels(t *testing.T, cl client.Client) map[string]string {
	t.Helper()
	service := &corev1.Service{}
	err := cl.Get(context.Background(),
		types.NamespacedName{Name: testApp, Namespace: testNamespace}, service)
	require.NoError(t, err)
	return service.Labels
}

func recordedLabels(t *testing.T, cl client.Client) map[string]string {
	t.Helper()
	record := &corev1.ConfigMap{}
	err := cl.Get(context.Background(),
		types.NamespacedName{Name: k8s.LabelRecordName(testApp), Namespace: testNamespace}, record)
	require.NoError(t, err)

	labels := map[string]string{}
	require.NoError(t, json.Unmarshal([]byte(record.Data["labels"]), &labels))
	return labels
}

func TestLabelerReconcile(t *testing.T) {
	ctx := context.Background()
	cl := labelerFixture(t)
	labeler := k8s.NewLabeler(cl, testNamespace)

	desired := map[string]string{
		"istio.io/dataplane-mode": "ambient",
		"istio.io/use-waypoint":   "waypoint",
	}
	require.NoError(t, labeler.Reconcile(ctx, testApp, desired))

	// Labels land on the pod template and the Service; the foreign label
	// survives; the durable record matches the desired set.
	for _, labels := range []map[string]string{podTemplateLabels(t, cl), serviceLabels(t, cl)} {
		require.Equal(t, "ambient", labels["istio.io/dataplane-mode"])
		require.Equal(t, "waypoint", labels["istio.io/use-waypoint"])
		require.Equal(t, "kept", labels["foreign"])
	}
	require.Equal(t, desired, recordedLabels(t, cl))

	// Shrinking the desired set deletes exactly the dropped key.
	shrunk := map[string]string{"istio.io/dataplane-mode": "ambient"}
	require.NoError(t, labeler.Reconcile(ctx, testApp, shrunk))

	for _, labels := range []map[string]string{podTemplateLabels(t, cl), serviceLabels(t, cl)} {
		require.Equal(t, "ambient", labels["istio.io/dataplane-mode"])
		require.NotContains(t, labels, "istio.io/use-waypoint")
		require.Equal(t, "kept", labels["foreign"])
	}
	require.Equal(t, shrunk, recordedLabels(t, cl))
}

func TestLabelerBootstrapsRecord(t *testing.T) {
	ctx := context.Background()
	cl := labelerFixture(t)
	labeler := k8s.NewLabeler(cl, testNamespace)

	// First reconcile with nothing desired still creates the record, so
	// later passes can tell managed keys from foreign ones.
	require.NoError(t, labeler.Reconcile(ctx, testApp, nil))
	require.Empty(t, recordedLabels(t, cl))
	require.Equal(t, map[string]string{"foreign": "kept"}, serviceLabels(t, cl))
}

func TestLabelerCleanup(t *testing.T) {
	ctx := context.Background()
	cl := labelerFixture(t)
	labeler := k8s.NewLabeler(cl, testNamespace)

	desired := map[string]string{"istio.io/dataplane-mode": "ambient"}
	require.NoError(t, labeler.Reconcile(ctx, testApp, desired))

	require.NoError(t, labeler.Cleanup(ctx, testApp))

	for _, labels := range []map[string]string{podTemplateLabels(t, cl), serviceLabels(t, cl)} {
		require.NotContains(t, labels, "istio.io/dataplane-mode")
		require.Equal(t, "kept", labels["foreign"])
	}

	record := &corev1.ConfigMap{}
	err := cl.Get(ctx,
		types.NamespacedName{Name: k8s.LabelRecordName(testApp), Namespace: testNamespace}, record)
	require.True(t, k8serrors.IsNotFound(err))

	// Cleanup twice is fine.
	require.NoError(t, labeler.Cleanup(ctx, testApp))
}
