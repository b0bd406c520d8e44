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
	"fmt"

	"github.com/bombsimon/logrusr/v4"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"k8s.io/apimachinery/pkg/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	securityv1 "github.com/meshbeacon-net/meshbeacon/pkg/apis/security.istio.io/v1"
	"github.com/meshbeacon-net/meshbeacon/pkg/beacon"
	"github.com/meshbeacon-net/meshbeacon/pkg/policyengine"
	logutils "github.com/meshbeacon-net/meshbeacon/pkg/util/log"
)

const (
	// logLevel is the default log level.
	logLevel = "info"

	// statusAddress is the default address of the local status server.
	statusAddress = "127.0.0.1:15014"

	// leaderElectionID is the lease name used for leader election.
	leaderElectionID = "meshbeacon-controller"
)

// Options contains everything necessary to create and run the controller.
type Options struct {
	// ConfigFile is the path to the beacon configuration file.
	ConfigFile string
	// StateFile is the path to the relation-channel state file maintained
	// by the hosting substrate. Changes to it trigger reconciliation.
	StateFile string
	// StatusAddress is the address of the local status/debug HTTP server.
	StatusAddress string
	// LeaderElect enables leader election. Exactly one elected replica
	// reconciles; the others stand by.
	LeaderElect bool
	// LogFile is the path to file where logs will be written.
	LogFile string
	// LogLevel is the log level.
	LogLevel string
}

// AddFlags adds flags to fs and binds them to options.
func (o *Options) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.ConfigFile, "config", "/etc/meshbeacon/config.yaml",
		"Path to the beacon configuration file.")
	fs.StringVar(&o.StateFile, "state-file", "/var/lib/meshbeacon/relations.json",
		"Path to the relation-channel state file. Every change triggers a reconciliation pass.")
	fs.StringVar(&o.StatusAddress, "status-address", statusAddress,
		"Address of the local status server exposing /healthz, /policies and /metrics.")
	fs.BoolVar(&o.LeaderElect, "leader-elect", true,
		"Enable leader election. Only the elected replica reconciles cluster resources.")
	fs.StringVar(&o.LogFile, "log-file", "",
		"Path to a file where logs will be written. If not specified, logs will be printed to stderr.")
	fs.StringVar(&o.LogLevel, "log-level", logLevel,
		"The log level. One of fatal, error, warn, info, debug.")
}

// Run starts the controller and blocks until it exits.
func (o *Options) Run() error {
	f, err := logutils.SetLog(o.LogLevel, o.LogFile)
	if err != nil {
		return err
	}
	if f != nil {
		defer func() {
			if err := f.Close(); err != nil {
				log.Errorf("Cannot close log file: %v", err)
			}
		}()
	}
	ctrl.SetLogger(logrusr.New(log.StandardLogger()))

	config, err := beacon.LoadConfig(o.ConfigFile)
	if err != nil {
		return err
	}

	scheme := runtime.NewScheme()
	if err := clientgoscheme.AddToScheme(scheme); err != nil {
		return fmt.Errorf("cannot initialize scheme: %w", err)
	}
	if err := securityv1.AddToScheme(scheme); err != nil {
		return fmt.Errorf("cannot initialize scheme: %w", err)
	}

	restConfig, err := ctrl.GetConfig()
	if err != nil {
		return fmt.Errorf("cannot load cluster configuration: %w", err)
	}

	// The controller-runtime manager serves as the leadership oracle; the
	// sync loop below only runs on the elected leader. Metrics are served
	// by the status server instead of the manager.
	manager, err := ctrl.NewManager(restConfig, ctrl.Options{
		Scheme:                  scheme,
		LeaderElection:          o.LeaderElect,
		LeaderElectionID:        leaderElectionID,
		LeaderElectionNamespace: config.Namespace,
		Metrics:                 metricsserver.Options{BindAddress: "0"},
	})
	if err != nil {
		return fmt.Errorf("cannot create manager: %w", err)
	}

	// Reconciliation uses a direct client: passes read live cluster state
	// and there is no watch-driven cache to keep warm.
	directClient, err := client.New(restConfig, client.Options{Scheme: scheme})
	if err != nil {
		return fmt.Errorf("cannot create client: %w", err)
	}

	meshManager, err := beacon.NewManager(directClient, config, policyengine.NewRegistry())
	if err != nil {
		return err
	}

	if err := manager.Add(newSyncLoop(meshManager, o.StateFile, o.ConfigFile)); err != nil {
		return fmt.Errorf("cannot register sync loop: %w", err)
	}
	if err := manager.Add(newStatusServer(o.StatusAddress, meshManager)); err != nil {
		return fmt.Errorf("cannot register status server: %w", err)
	}

	return manager.Start(ctrl.SetupSignalHandler())
}

// NewControllerCommand creates a *cobra.Command object with default parameters.
func NewControllerCommand() *cobra.Command {
	opts := &Options{}

	cmd := &cobra.Command{
		Use:          "meshbeacon-controller",
		Long:         `meshbeacon-controller: reconciles mesh authorization policies and membership for related applications`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.Run()
		},
	}

	opts.AddFlags(cmd.Flags())

	return cmd
}
