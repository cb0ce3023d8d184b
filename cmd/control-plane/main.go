/*
Copyright The Diogenes Authors.

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
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"k8s.io/klog/v2"

	"github.com/wiggzz/diogenes/cmd/control-plane/app"
)

func main() {
	server := app.NewServer()

	pflag.StringVar(&server.Port, "port", server.Port, "HTTP listen port")
	pflag.StringVar(&server.StoreBackend, "store", server.StoreBackend, "State store backend (redis or memory)")
	pflag.StringVar(&server.ComputeBackend, "compute", server.ComputeBackend, "Compute backend (ec2 or mock)")
	pflag.DurationVar(&server.ScaleDownInterval, "scale-down-interval", server.ScaleDownInterval, "Interval between idle-instance reap passes")
	pflag.Float64Var(&server.RateLimitRPS, "rate-limit-rps", server.RateLimitRPS, "Per-model inference requests per second, 0 disables")
	klog.InitFlags(nil)
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)
	pflag.Parse()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)

	stopCh := make(chan struct{})
	go func() {
		<-signalCh
		klog.Info("Received shutdown signal")
		close(stopCh)
	}()

	server.Run(stopCh)
}
