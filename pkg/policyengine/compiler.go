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

// Package policyengine compiles canonical mesh policy records into the
// enforcement objects native to a specific mesh implementation.
package policyengine

import (
	"fmt"

	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/meshbeacon-net/meshbeacon/pkg/mesh"
)

// Owner identifies the application on whose behalf enforcement objects are
// compiled. It scopes object names and the namespace objects are placed in.
type Owner struct {
	// App is the owning application name.
	App string
	// Namespace is the namespace the owner runs in, and the namespace
	// compiled objects are created in.
	Namespace string
}

// Compiler compiles mesh policies into enforcement objects for one mesh
// implementation. Compilation is a pure transform: it performs no I/O and
// holds no state between calls.
type Compiler interface {
	// Compile returns one enforcement object per input record, preserving
	// input order. Records rejected as unsupported yield nil entries, so
	// callers can correlate rejections with their inputs for diagnostics.
	Compile(owner Owner, policies []mesh.MeshPolicy) []client.Object
}

// Registry maps mesh implementation tags to their compilers. A registry is
// constructed once and passed to whoever reconciles enforcement objects;
// there is no ambient global lookup.
type Registry struct {
	compilers map[mesh.MeshType]Compiler
}

// NewRegistry returns a registry with the built-in compilers registered.
func NewRegistry() *Registry {
	return &Registry{
		compilers: map[mesh.MeshType]Compiler{
			mesh.MeshTypeIstio: newIstioCompiler(),
		},
	}
}

// Register adds a compiler for the given mesh implementation, replacing
// any previous registration.
func (r *Registry) Register(meshType mesh.MeshType, compiler Compiler) {
	r.compilers[meshType] = compiler
}

// Get returns the compiler for the given mesh implementation.
func (r *Registry) Get(meshType mesh.MeshType) (Compiler, error) {
	compiler, ok := r.compilers[meshType]
	if !ok {
		return nil, fmt.Errorf("no policy compiler registered for mesh type %q", meshType)
	}
	return compiler, nil
}
