package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/gomlx/gohip/pi"
	"github.com/gomlx/gohip/sim"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var moduleCmd = &cobra.Command{
	Use:   "module",
	Short: "Encode and inspect module images of the simulated driver",
}

var (
	flagFunctions []string
	flagTarget    string
	flagOutput    string
	flagBuild     bool
	flagOptions   string
)

var moduleEncodeCmd = &cobra.Command{
	Use:     "encode",
	Short:   "Encode a module image with the given functions",
	Example: `  hipsim module encode --function scale:2 --function scale_with_offset:3 -o scale.bin`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if flagOutput == "" {
			return errors.New("missing --output")
		}
		spec := sim.ModuleSpec{Target: flagTarget}
		for _, def := range flagFunctions {
			fn, err := parseFunctionSpec(def)
			if err != nil {
				return err
			}
			spec.Functions = append(spec.Functions, fn)
		}
		image := sim.EncodeModule(spec)
		if err := os.WriteFile(flagOutput, image, 0o644); err != nil {
			return errors.Wrapf(err, "failed to write module image to %q", flagOutput)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d functions (%d bytes) to %s\n", len(spec.Functions), len(image), flagOutput)
		return nil
	},
}

var moduleInspectCmd = &cobra.Command{
	Use:   "inspect <image>",
	Short: "Print the contents of a module image, and optionally build it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		image, err := os.ReadFile(args[0])
		if err != nil {
			return errors.Wrapf(err, "failed to read module image")
		}
		spec, err := sim.DecodeModule(image)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		target := spec.Target
		if target == "" {
			target = "(any)"
		}
		fmt.Fprintf(out, "Target: %s\n", target)
		for _, fn := range spec.Functions {
			fmt.Fprintf(out, "  %s(%d parameters)\n", fn.Name, fn.NumParams)
		}
		if !flagBuild {
			return nil
		}
		return buildImage(cmd, image)
	},
}

func init() {
	moduleEncodeCmd.Flags().StringSliceVar(&flagFunctions, "function", nil, "function as name[:num_params], can be repeated")
	moduleEncodeCmd.Flags().StringVar(&flagTarget, "target", sim.Target, "target architecture of the module, empty for any")
	moduleEncodeCmd.Flags().StringVarP(&flagOutput, "output", "o", "", "file to write the image to")
	moduleInspectCmd.Flags().BoolVar(&flagBuild, "build", false, "build the image as a program on the selected device")
	moduleInspectCmd.Flags().StringVar(&flagOptions, "options", "", "build options")
	moduleCmd.AddCommand(moduleEncodeCmd, moduleInspectCmd)
	rootCmd.AddCommand(moduleCmd)
}

// parseFunctionSpec parses "name[:num_params]".
func parseFunctionSpec(def string) (sim.FunctionSpec, error) {
	name, params, hasParams := strings.Cut(def, ":")
	fn := sim.FunctionSpec{Name: name}
	if name == "" {
		return fn, errors.Errorf("invalid function %q: empty name", def)
	}
	if hasParams {
		n, err := strconv.Atoi(params)
		if err != nil || n < 0 {
			return fn, errors.Errorf("invalid number of parameters in function %q", def)
		}
		fn.NumParams = n
	}
	return fn, nil
}

// buildImage builds the image as a program and prints the build status and logs.
func buildImage(cmd *cobra.Command, image []byte) error {
	device, _, err := getDevice()
	if err != nil {
		return err
	}
	ctx, err := device.CreateContext(pi.ContextUserDefined)
	if err != nil {
		return err
	}
	defer releaseAll(ctx)
	program, err := ctx.CreateProgramWithBinary(image)
	if err != nil {
		return err
	}
	defer releaseAll(program)
	buildErr := program.Build(flagOptions)
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Build: %s\n", program.BuildStatus())
	if log := program.InfoLog(); log != "" {
		fmt.Fprintf(out, "Info log: %s\n", log)
	}
	if log := program.BuildLog(); log != "" {
		fmt.Fprintf(out, "Build log: %s\n", log)
	}
	return buildErr
}
