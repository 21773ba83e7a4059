// hipsim exercises the gohip runtime over the simulated driver: it lists the simulated devices,
// runs kernels, stresses the stream scheduling of queues and encodes or inspects module images.
//
// Flags can also be given in a YAML configuration file (--config) or as environment variables
// prefixed with HIPSIM_ (e.g. HIPSIM_COMPUTE_STREAMS=8).
package main

import (
	"flag"
	"os"

	"k8s.io/klog/v2"
)

func main() {
	klog.InitFlags(nil)
	rootCmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)
	if err := rootCmd.Execute(); err != nil {
		klog.Errorf("%+v", err)
		klog.Flush()
		os.Exit(1)
	}
	klog.Flush()
}
