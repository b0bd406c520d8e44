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

package app

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"

	"github.com/meshbeacon-net/meshbeacon/pkg/beacon"
)

// statusServer exposes health, metrics and the canonical policy set over
// a local HTTP endpoint. It runs on leaders and followers alike.
type statusServer struct {
	manager *beacon.Manager
	address string

	logger *logrus.Entry
}

func newStatusServer(address string, manager *beacon.Manager) *statusServer {
	return &statusServer{
		manager: manager,
		address: address,
		logger:  logrus.WithField("component", "app.status"),
	}
}

// NeedLeaderElection keeps the server running on standby replicas.
func (s *statusServer) NeedLeaderElection() bool {
	return false
}

// Start serves the status endpoint until the context is canceled.
func (s *statusServer) Start(ctx context.Context) error {
	router := chi.NewRouter()
	router.Get("/healthz", s.handleHealthz)
	router.Get("/policies", s.handlePolicies)
	router.Handle("/metrics", promhttp.HandlerFor(
		metrics.Registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:    s.address,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("Status server listening on %s.", s.address)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *statusServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		s.logger.Errorf("Cannot write health response: %v.", err)
	}
}

// handlePolicies reports the policy set from the last completed pass.
func (s *statusServer) handlePolicies(w http.ResponseWriter, _ *http.Request) {
	policies := s.manager.Policies()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(policies); err != nil {
		s.logger.Errorf("Cannot encode policy response: %v.", err)
	}
}
