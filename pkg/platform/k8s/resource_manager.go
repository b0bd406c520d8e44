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

// Package k8s implements reconciliation of mesh enforcement objects and
// membership labels against a Kubernetes cluster.
package k8s

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/api/equality"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/apiutil"
)

// ResourceManager owns a label-scoped set of objects within a namespace
// and reconciles them towards a desired set: objects carrying the
// ownership labels but no longer desired are deleted, missing ones are
// created, and drifted ones are updated. Only the configured kinds are
// ever touched.
type ResourceManager struct {
	client    client.Client
	namespace string
	labels    map[string]string
	kinds     []schema.GroupVersionKind

	logger *logrus.Entry
}

// NewResourceManager returns a manager owning the objects of the given
// kinds that carry the given ownership labels in the namespace.
func NewResourceManager(
	cl client.Client,
	namespace string,
	ownerLabels map[string]string,
	kinds []schema.GroupVersionKind,
	logger *logrus.Entry,
) *ResourceManager {
	return &ResourceManager{
		client:    cl,
		namespace: namespace,
		labels:    ownerLabels,
		kinds:     kinds,
		logger:    logger,
	}
}

// Reconcile moves the cluster state of the owned objects to the given
// desired set. Nil entries in desired (records rejected at compile time)
// are ignored. Raw objects are an escape hatch for bespoke, hand-built
// objects that are not compiled from a policy record; they are owned and
// diffed exactly like compiled ones. If nothing is desired and no raw
// objects are supplied, every owned object is deleted directly.
func (m *ResourceManager) Reconcile(ctx context.Context, desired, raw []client.Object) error {
	combined := make([]client.Object, 0, len(desired)+len(raw))
	for _, object := range desired {
		if object != nil {
			combined = append(combined, object)
		}
	}
	combined = append(combined, raw...)

	if len(combined) == 0 {
		return m.DeleteAll(ctx)
	}

	target := map[string]*unstructured.Unstructured{}
	order := make([]string, 0, len(combined))
	for _, object := range combined {
		converted, err := m.toOwned(object)
		if err != nil {
			return err
		}
		key := objectKey(converted)
		if _, ok := target[key]; !ok {
			order = append(order, key)
		}
		target[key] = converted
	}

	existing, err := m.listOwned(ctx)
	if err != nil {
		return err
	}

	for _, key := range order {
		object := target[key]
		current, ok := existing[key]
		if !ok {
			m.logger.Infof("Creating %s '%s/%s'.",
				object.GetKind(), object.GetNamespace(), object.GetName())
			if err := m.client.Create(ctx, object); err != nil {
				return fmt.Errorf("cannot create %s: %w", key, err)
			}
			continue
		}

		if ownedObjectsEqual(current, object) {
			continue
		}

		m.logger.Infof("Updating %s '%s/%s'.",
			object.GetKind(), object.GetNamespace(), object.GetName())
		object.SetResourceVersion(current.GetResourceVersion())
		if err := m.client.Update(ctx, object); err != nil {
			return fmt.Errorf("cannot update %s: %w", key, err)
		}
	}

	for key, current := range existing {
		if _, ok := target[key]; ok {
			continue
		}
		m.logger.Infof("Deleting %s '%s/%s'.",
			current.GetKind(), current.GetNamespace(), current.GetName())
		if err := m.client.Delete(ctx, current); err != nil && !k8serrors.IsNotFound(err) {
			return fmt.Errorf("cannot delete %s: %w", key, err)
		}
	}

	return nil
}

// DeleteAll deletes every owned object of every configured kind. Kinds not
// installed in the cluster are skipped.
func (m *ResourceManager) DeleteAll(ctx context.Context) error {
	for _, gvk := range m.kinds {
		object := &unstructured.Unstructured{}
		object.SetGroupVersionKind(gvk)

		err := m.client.DeleteAllOf(ctx, object,
			client.InNamespace(m.namespace), client.MatchingLabels(m.labels))
		if err != nil {
			if meta.IsNoMatchError(err) {
				m.logger.Infof("Kind %s not installed; nothing to delete.", gvk.Kind)
				continue
			}
			return fmt.Errorf("cannot delete owned %s objects: %w", gvk.Kind, err)
		}
	}

	return nil
}

// listOwned returns the current owned objects, keyed by kind and name.
// A kind missing from the cluster contributes no objects.
func (m *ResourceManager) listOwned(ctx context.Context) (map[string]*unstructured.Unstructured, error) {
	owned := map[string]*unstructured.Unstructured{}
	for _, gvk := range m.kinds {
		list := &unstructured.UnstructuredList{}
		list.SetGroupVersionKind(gvk.GroupVersion().WithKind(gvk.Kind + "List"))

		err := m.client.List(ctx, list,
			client.InNamespace(m.namespace), client.MatchingLabels(m.labels))
		if err != nil {
			if meta.IsNoMatchError(err) {
				m.logger.Infof("Kind %s not installed; skipping.", gvk.Kind)
				continue
			}
			return nil, fmt.Errorf("cannot list owned %s objects: %w", gvk.Kind, err)
		}

		for i := range list.Items {
			owned[objectKey(&list.Items[i])] = &list.Items[i]
		}
	}

	return owned, nil
}

// toOwned converts a desired object to its unstructured form, stamps the
// ownership labels on it, and verifies its kind is one this manager is
// configured to own.
func (m *ResourceManager) toOwned(object client.Object) (*unstructured.Unstructured, error) {
	gvk, err := apiutil.GVKForObject(object, m.client.Scheme())
	if err != nil {
		return nil, fmt.Errorf("cannot determine object kind: %w", err)
	}

	known := false
	for _, kind := range m.kinds {
		if kind == gvk {
			known = true
			break
		}
	}
	if !known {
		return nil, fmt.Errorf("kind %s is not managed by this reconciler", gvk)
	}

	content, err := runtime.DefaultUnstructuredConverter.ToUnstructured(object)
	if err != nil {
		return nil, fmt.Errorf("cannot convert object to unstructured form: %w", err)
	}

	converted := &unstructured.Unstructured{Object: content}
	converted.SetGroupVersionKind(gvk)
	if converted.GetNamespace() == "" {
		converted.SetNamespace(m.namespace)
	}

	labels := converted.GetLabels()
	if labels == nil {
		labels = map[string]string{}
	}
	for key, value := range m.labels {
		labels[key] = value
	}
	converted.SetLabels(labels)

	return converted, nil
}

// ownedObjectsEqual compares the fields this manager reconciles: the spec
// and the labels. Server-populated metadata and status are ignored.
func ownedObjectsEqual(current, desired *unstructured.Unstructured) bool {
	return equality.Semantic.DeepEqual(current.Object["spec"], desired.Object["spec"]) &&
		equality.Semantic.DeepEqual(current.GetLabels(), desired.GetLabels())
}

func objectKey(object *unstructured.Unstructured) string {
	return fmt.Sprintf("%s/%s/%s/%s",
		object.GetAPIVersion(), object.GetKind(), object.GetNamespace(), object.GetName())
}
