package main

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/gomlx/gohip/pi"
	"github.com/gomlx/gohip/sim"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"k8s.io/klog/v2"
)

// platformName under which the simulated driver is registered.
const platformName = "sim"

var (
	cfgFile string

	// envKeyReplacer maps flag names to environment variables: --compute-streams is read from
	// $HIPSIM_COMPUTE_STREAMS.
	envKeyReplacer = strings.NewReplacer("-", "_")

	rootCmd = &cobra.Command{
		Use:   "hipsim",
		Short: "Exercise the gohip runtime over a simulated device",
		Long: `hipsim creates a simulated driver, registers it as the "sim" platform, and uses the
runtime on it: contexts, queues and their stream pools, memory objects, programs and kernels.

Configuration is read from flags, from $HIPSIM_* environment variables and from the YAML file
given by --config (by default $HOME/.hipsim/config.yaml or ./config.yaml, if present).`,
		SilenceUsage: true,
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.hipsim/config.yaml)")
	flags.Int("devices", 1, "number of simulated devices")
	flags.Int("device", 0, "ordinal of the device used by the commands")
	flags.Int("shared-mem", 0, "local memory per work-group of the simulated devices, in bytes (0 for the default)")
	flags.Int("compute-streams", 0, fmt.Sprintf("compute streams per queue (0 for the default, see $%s)", pi.NumComputeStreamsEnv))
	flags.Int("transfer-streams", 0, fmt.Sprintf("transfer streams per queue, only used if set (see $%s)", pi.NumTransferStreamsEnv))
	flags.Bool("profiling", false, fmt.Sprintf("enable profiling of queues, only used if set (see $%s)", pi.ProfilingEnv))
	flags.Bool("in-order", false, "create in-order queues")
	bindFlags(flags, "devices", "device", "shared-mem", "compute-streams", "transfer-streams", "profiling", "in-order")
}

// bindFlags binds the flags with the given names to the viper keys of the same name.
func bindFlags(flags *pflag.FlagSet, names ...string) {
	for _, name := range names {
		must.M(viper.BindPFlag(name, flags.Lookup(name)))
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".hipsim"))
		}
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}
	viper.SetEnvPrefix("HIPSIM")
	viper.SetEnvKeyReplacer(envKeyReplacer)
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			klog.Warningf("Failed to read config: %v", err)
		}
		return
	}
	klog.V(1).Infof("Using config file %s", viper.ConfigFileUsed())
}

var (
	simMu     sync.Mutex
	simDriver *sim.Driver
)

// simConfig returns the configuration of the simulated driver.
func simConfig() sim.Config {
	config := sim.DefaultConfig()
	if n := viper.GetInt("devices"); n > 0 {
		config.NumDevices = n
	}
	if n := viper.GetInt("shared-mem"); n > 0 {
		config.MaxSharedMemPerBlock = n
	}
	return config
}

// getPlatform registers the simulated driver, the first time it is called, and returns its
// platform.
func getPlatform() (*pi.Platform, *sim.Driver, error) {
	simMu.Lock()
	defer simMu.Unlock()
	if simDriver == nil {
		drv := sim.New(simConfig())
		registerKernels(drv)
		if !slices.Contains(pi.AvailableDrivers(), platformName) {
			if err := pi.RegisterDriver(platformName, drv); err != nil {
				return nil, nil, err
			}
		}
		simDriver = drv
	}
	platform, err := pi.GetPlatform(platformName)
	if err != nil {
		return nil, nil, err
	}
	return platform, simDriver, nil
}

// getDevice returns the device selected with --device.
func getDevice() (*pi.Device, *sim.Driver, error) {
	platform, drv, err := getPlatform()
	if err != nil {
		return nil, nil, err
	}
	ordinal := viper.GetInt("device")
	devices := platform.Devices()
	if ordinal < 0 || ordinal >= len(devices) {
		return nil, nil, errors.Errorf("invalid --device=%d, platform %q has %d devices", ordinal, platform.Name(), len(devices))
	}
	return devices[ordinal], drv, nil
}

// newQueue creates a queue configured by the flags.
func newQueue(ctx *pi.Context) (*pi.Queue, error) {
	cfg := ctx.NewQueue()
	if viper.GetBool("in-order") {
		cfg = cfg.InOrder()
	}
	if viper.IsSet("profiling") {
		cfg = cfg.WithProfiling(viper.GetBool("profiling"))
	}
	if n := viper.GetInt("compute-streams"); n > 0 {
		cfg = cfg.WithNumComputeStreams(n)
	}
	if viper.IsSet("transfer-streams") {
		cfg = cfg.WithNumTransferStreams(viper.GetInt("transfer-streams"))
	}
	return cfg.Done()
}

// releaseAll releases the objects, logging failures.
func releaseAll[T interface{ Release() (uint32, error) }](objs ...T) {
	for _, obj := range objs {
		if _, err := obj.Release(); err != nil {
			klog.Errorf("Failed to release %v: %+v", obj, err)
		}
	}
}
