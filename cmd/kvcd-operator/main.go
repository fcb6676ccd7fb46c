/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	// Import all Kubernetes client auth plugins (e.g. Azure, GCP, OIDC, etc.)
	// to ensure that exec-entrypoint and run can make use of them.
	_ "k8s.io/client-go/plugin/pkg/client/auth"

	apiextensionsv1 "k8s.io/apiextensions-apiserver/pkg/apis/apiextensions/v1"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	"sigs.k8s.io/controller-runtime/pkg/metrics/server"

	v1 "github.com/kvcd-project/kvcd-operator/api/v1"
	"github.com/kvcd-project/kvcd-operator/internal/common"
	"github.com/kvcd-project/kvcd-operator/internal/config"
	"github.com/kvcd-project/kvcd-operator/internal/controller"
	"github.com/kvcd-project/kvcd-operator/internal/crds"
	"github.com/kvcd-project/kvcd-operator/internal/reconciler"
	"github.com/kvcd-project/kvcd-operator/internal/telemetry"
	"github.com/kvcd-project/kvcd-operator/internal/vcd"
	// +kubebuilder:scaffold:imports
)

var (
	scheme   = runtime.NewScheme()
	setupLog = ctrl.Log.WithName("setup")
)

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
	utilruntime.Must(apiextensionsv1.AddToScheme(scheme))

	utilruntime.Must(v1.AddToScheme(scheme))
	// +kubebuilder:scaffold:scheme
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := config.NewOptions()
	zapOpts := zap.Options{
		Development: true,
	}

	root := &cobra.Command{
		Use:          "kvcd-operator",
		Short:        "Manage vCloud Director vApps from Kubernetes",
		SilenceUsage: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if err := opts.Validate(); err != nil {
				return fmt.Errorf("invalid options: %w", err)
			}
			if opts.LogFile != "" {
				zapOpts.DestWriter = io.MultiWriter(os.Stderr, &lumberjack.Logger{
					Filename:   opts.LogFile,
					MaxSize:    opts.LogMaxSizeMB,
					MaxBackups: opts.LogMaxBackups,
				})
			}
			ctrl.SetLogger(zap.New(zap.UseFlagOptions(&zapOpts)))
			return nil
		},
	}

	// environment variables become the flag defaults
	if err := opts.ApplyEnv(os.LookupEnv); err != nil {
		fmt.Fprintf(os.Stderr, "invalid environment: %v\n", err)
		os.Exit(1)
	}
	opts.BindFlags(root.PersistentFlags())
	goFlags := flag.NewFlagSet("zap", flag.ExitOnError)
	zapOpts.BindFlags(goFlags)
	root.PersistentFlags().AddGoFlagSet(goFlags)

	root.AddCommand(
		&cobra.Command{
			Use:   "init",
			Short: "Install the custom resource definitions",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runInit(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "start",
			Short: "Run the controller manager",
			RunE: func(*cobra.Command, []string) error {
				return runStart(opts)
			},
		},
	)
	return root
}

func runInit(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	setupClient, err := client.New(ctrl.GetConfigOrDie(), client.Options{Scheme: scheme})
	if err != nil {
		setupLog.Error(err, "unable to create setup client")
		return err
	}
	if err := crds.Install(log.IntoContext(ctx, setupLog), setupClient); err != nil {
		setupLog.Error(err, "unable to install Custom Resource Definitions")
		return err
	}
	return nil
}

func runStart(opts *config.Options) error {
	mgr, err := ctrl.NewManager(ctrl.GetConfigOrDie(), ctrl.Options{
		Scheme:                 scheme,
		Metrics:                server.Options{BindAddress: opts.MetricsAddr},
		HealthProbeBindAddress: opts.ProbeAddr,
		LeaderElection:         opts.EnableLeaderElection,
		LeaderElectionID:       "5c1e7a3d.kvcd.lrivallain.dev",
		Logger:                 ctrl.Log,
	})
	if err != nil {
		setupLog.Error(err, "unable to start manager")
		return err
	}

	ctx := ctrl.SetupSignalHandler()

	tel, err := setupTelemetry(ctx, opts)
	if err != nil {
		setupLog.Error(err, "unable to set up telemetry")
		return err
	}
	if err := mgr.Add(tel); err != nil {
		setupLog.Error(err, "unable to add telemetry runnable")
		return err
	}

	// the API reader bypasses the cache so credentials are readable before the caches sync
	session := vcd.NewSession(
		common.CredentialsFromSecret(mgr.GetAPIReader(), opts.CredentialsKey()),
		vcd.NewGovcdConnector(opts.UserCacheTTL),
		vcd.WithRefreshInterval(opts.SessionRefreshInterval),
		vcd.WithRehydrateHook(tel.ObserveRehydrate),
		vcd.WithLogger(ctrl.Log.WithName("vcd-session")),
	)
	if err := mgr.Add(session); err != nil {
		setupLog.Error(err, "unable to add platform session runnable")
		return err
	}

	engine := reconciler.NewEngine(
		reconciler.WithPollInterval(opts.TaskPollInterval),
		reconciler.WithPowerTimeout(opts.PowerTimeout),
		reconciler.WithRecorder(tel),
	)
	r := controller.NewVcdVAppReconciler(mgr, session, engine, controller.Timing{
		RefreshInterval: opts.RefreshInterval,
		InitialDelay:    opts.RefreshInitialDelay,
		IdleDelay:       opts.RefreshIdleDelay,
		RetryDelay:      opts.RetryDelay,
	})
	r.MaxConcurrentReconciles = opts.MaxConcurrentReconciles
	if err := r.SetupWithManager(mgr); err != nil {
		setupLog.Error(err, "unable to create controller", "controller", "VcdVApp")
		return err
	}
	// +kubebuilder:scaffold:builder

	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up health check")
		return err
	}
	if err := mgr.AddReadyzCheck("readyz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up ready check")
		return err
	}

	setupLog.Info("starting manager")
	if err := mgr.Start(ctx); err != nil {
		setupLog.Error(err, "problem running manager")
		return err
	}
	return nil
}

func setupTelemetry(ctx context.Context, opts *config.Options) (*telemetry.Telemetry, error) {
	telOpts := []telemetry.Option{telemetry.WithLogger(ctrl.Log.WithName("telemetry"))}
	if opts.OTLPEndpoint != "" {
		exporter, err := telemetry.NewOTLPExporter(ctx, opts.OTLPEndpoint)
		if err != nil {
			return nil, err
		}
		telOpts = append(telOpts, telemetry.WithExporter(exporter))
	}
	return telemetry.New(telOpts...)
}
