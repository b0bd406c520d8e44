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

package k8s

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// labelRecordKey is the ConfigMap field holding the JSON-encoded set of
// currently managed labels.
const labelRecordKey = "labels"

// LabelRecordName returns the name of the ConfigMap recording the labels
// managed on behalf of the given application.
func LabelRecordName(app string) string {
	return fmt.Sprintf("service-mesh-%s-labels", app)
}

// Labeler keeps a set of mesh-membership labels in sync on an
// application's externally shared objects: the StatefulSet pod template
// (so pods join the mesh) and the Service. Other actors also edit the
// label maps of these objects, so the labeler never reads and rewrites
// them wholesale. Instead it records the keys it manages in a ConfigMap
// and patches exactly the union of the desired and previously managed
// keys, leaving every foreign label untouched.
type Labeler struct {
	client    client.Client
	namespace string

	logger *logrus.Entry
}

// NewLabeler returns a labeler operating in the given namespace.
func NewLabeler(cl client.Client, namespace string) *Labeler {
	return &Labeler{
		client:    cl,
		namespace: namespace,
		logger:    logrus.WithField("component", "k8s.labeler"),
	}
}

// Reconcile brings the managed labels on the application's StatefulSet pod
// template and Service to exactly the desired set. Keys managed on a
// previous pass but no longer desired are deleted; the durable record is
// then overwritten with the desired set so the next pass sees the true
// target state even if nothing changed externally.
func (l *Labeler) Reconcile(ctx context.Context, app string, desired map[string]string) error {
	record, err := l.fetchRecord(ctx, app)
	if err != nil {
		return err
	}

	previous := map[string]string{}
	if raw, ok := record.Data[labelRecordKey]; ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &previous); err != nil {
			return fmt.Errorf("cannot decode label record %q: %w", record.Name, err)
		}
	}

	// The patch references only keys in desired ∪ previously-managed:
	// desired keys carry their value, dropped keys carry an explicit null
	// so the merge patch deletes them.
	patch := map[string]*string{}
	for key := range desired {
		value := desired[key]
		patch[key] = &value
	}
	for key := range previous {
		if _, ok := desired[key]; !ok {
			patch[key] = nil
		}
	}

	if err := l.patchObjects(ctx, app, patch); err != nil {
		return err
	}

	encoded, err := json.Marshal(desired)
	if err != nil {
		return fmt.Errorf("cannot encode label record: %w", err)
	}
	if record.Data == nil {
		record.Data = map[string]string{}
	}
	record.Data[labelRecordKey] = string(encoded)
	if err := l.client.Update(ctx, record); err != nil {
		return fmt.Errorf("cannot update label record %q: %w", record.Name, err)
	}

	return nil
}

// Cleanup removes every managed label and deletes the durable record,
// used when the application leaves the mesh.
func (l *Labeler) Cleanup(ctx context.Context, app string) error {
	if err := l.Reconcile(ctx, app, nil); err != nil {
		return err
	}

	record := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      LabelRecordName(app),
			Namespace: l.namespace,
		},
	}
	if err := l.client.Delete(ctx, record); err != nil && !k8serrors.IsNotFound(err) {
		return fmt.Errorf("cannot delete label record %q: %w", record.Name, err)
	}

	return nil
}

// fetchRecord returns the durable label record for the application,
// creating an empty one on first use. Bootstrap assumes a single writer;
// leadership in the hosting process guarantees that.
func (l *Labeler) fetchRecord(ctx context.Context, app string) (*corev1.ConfigMap, error) {
	name := types.NamespacedName{Name: LabelRecordName(app), Namespace: l.namespace}

	record := &corev1.ConfigMap{}
	err := l.client.Get(ctx, name, record)
	if err == nil {
		return record, nil
	}
	if !k8serrors.IsNotFound(err) {
		return nil, fmt.Errorf("cannot fetch label record %q: %w", name.Name, err)
	}

	l.logger.Infof("Creating label record '%s/%s'.", name.Namespace, name.Name)
	record = &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name.Name,
			Namespace: name.Namespace,
		},
		Data: map[string]string{labelRecordKey: "{}"},
	}
	if err := l.client.Create(ctx, record); err != nil {
		return nil, fmt.Errorf("cannot create label record %q: %w", name.Name, err)
	}

	return record, nil
}

// patchObjects applies the label patch to the application's StatefulSet
// pod template and Service as key-scoped merge patches.
func (l *Labeler) patchObjects(ctx context.Context, app string, patch map[string]*string) error {
	if len(patch) == 0 {
		return nil
	}

	podTemplatePatch, err := json.Marshal(map[string]any{
		"spec": map[string]any{
			"template": map[string]any{
				"metadata": map[string]any{"labels": patch},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("cannot encode pod template patch: %w", err)
	}

	statefulSet := &appsv1.StatefulSet{
		ObjectMeta: metav1.ObjectMeta{Name: app, Namespace: l.namespace},
	}
	err = l.client.Patch(ctx, statefulSet, client.RawPatch(types.MergePatchType, podTemplatePatch))
	if err != nil {
		return fmt.Errorf("cannot patch StatefulSet %q labels: %w", app, err)
	}

	metadataPatch, err := json.Marshal(map[string]any{
		"metadata": map[string]any{"labels": patch},
	})
	if err != nil {
		return fmt.Errorf("cannot encode metadata patch: %w", err)
	}

	service := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: app, Namespace: l.namespace},
	}
	err = l.client.Patch(ctx, service, client.RawPatch(types.MergePatchType, metadataPatch))
	if err != nil {
		return fmt.Errorf("cannot patch Service %q labels: %w", app, err)
	}

	return nil
}
