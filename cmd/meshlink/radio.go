package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nerrad567/meshlink-core/internal/radio"
)

// radioFlags describes a radio config on the command line. Modem
// parameters left at zero come from the preset.
type radioFlags struct {
	region    string
	preset    string
	frequency float64
	bandwidth uint32
	sf        uint32
	cr        uint32
	txPower   int32
}

func (f *radioFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.region, "region", string(radio.RegionUS), "regulatory region")
	cmd.Flags().StringVar(&f.preset, "preset", string(radio.PresetMediumSlow), "modem preset")
	cmd.Flags().Float64Var(&f.frequency, "frequency", 0, "centre frequency in MHz (default: region default)")
	cmd.Flags().Uint32Var(&f.bandwidth, "bandwidth", 0, "bandwidth in Hz (default: from preset)")
	cmd.Flags().Uint32Var(&f.sf, "sf", 0, "spreading factor (default: from preset)")
	cmd.Flags().Uint32Var(&f.cr, "cr", 0, "coding rate denominator 5-8 (default: from preset)")
	cmd.Flags().Int32Var(&f.txPower, "tx-power", 0, "transmit power in dBm (default: 17)")
}

func (f *radioFlags) config() (radio.Config, error) {
	region, err := radio.ParseRegion(f.region)
	if err != nil {
		return radio.Config{}, err
	}
	cfg := radio.ForRegion(region)
	if f.preset != "" {
		preset, err := radio.ParsePreset(f.preset)
		if err != nil {
			return radio.Config{}, err
		}
		if cfg, err = cfg.WithPreset(preset); err != nil {
			return radio.Config{}, err
		}
	}
	if f.frequency != 0 {
		cfg.Frequency = f.frequency
	}
	if f.bandwidth != 0 {
		cfg.Bandwidth = f.bandwidth
	}
	if f.sf != 0 {
		cfg.SpreadingFactor = f.sf
	}
	if f.cr != 0 {
		cfg.CodingRate = f.cr
	}
	if f.txPower != 0 {
		cfg.TxPower = f.txPower
	}
	return cfg, nil
}

func newRadioCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "radio",
		Short: "Plan and check LoRa radio settings",
	}
	cmd.AddCommand(newRadioPresetsCommand())
	cmd.AddCommand(newRadioValidateCommand())
	cmd.AddCommand(newRadioAirTimeCommand())
	return cmd
}

func newRadioPresetsCommand() *cobra.Command {
	var region string

	cmd := &cobra.Command{
		Use:   "presets",
		Short: "List modem presets for a region",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := radio.ParseRegion(region)
			if err != nil {
				return err
			}
			base := radio.ForRegion(r)

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "PRESET\tSF\tBW(kHz)\tCR\tRATE(bps)\tRANGE(km)")
			for _, p := range radio.PresetsFor(r) {
				cfg, err := base.WithPreset(p)
				if err != nil {
					return err
				}
				fmt.Fprintf(tw, "%s\t%d\t%g\t4/%d\t%.0f\t%.1f\n",
					p, cfg.SpreadingFactor, float64(cfg.Bandwidth)/1000, cfg.CodingRate,
					cfg.DataRateBps(), cfg.EstimatedRangeKm())
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&region, "region", string(radio.RegionUS), "regulatory region")
	return cmd
}

func newRadioValidateCommand() *cobra.Command {
	flags := &radioFlags{}

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a radio config against its region",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.config()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(),
				"valid: %s %.3f MHz SF%d BW %g kHz CR 4/%d %d dBm (%.0f bps, ~%.1f km)\n",
				cfg.Region, cfg.Frequency, cfg.SpreadingFactor, float64(cfg.Bandwidth)/1000,
				cfg.CodingRate, cfg.TxPower, cfg.DataRateBps(), cfg.EstimatedRangeKm())
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func newRadioAirTimeCommand() *cobra.Command {
	var (
		flags   = &radioFlags{}
		bytes   int
		perHour int
	)

	cmd := &cobra.Command{
		Use:   "airtime",
		Short: "Estimate time on air and duty cycle use",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if bytes < 0 || bytes > 255 {
				return fmt.Errorf("--bytes must be 0..255")
			}
			cfg, err := flags.config()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "air time: %.1f ms for %d bytes\n", cfg.AirTimeMs(bytes), bytes)
			if perHour <= 0 {
				return nil
			}
			if err := cfg.CheckDutyCycle(perHour, bytes); err != nil {
				return err
			}
			fmt.Fprintf(out, "duty cycle: %d messages/hour fits the %.0f%% limit\n", perHour, cfg.DutyCyclePercent())
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().IntVar(&bytes, "bytes", 32, "payload size in bytes")
	cmd.Flags().IntVar(&perHour, "rate", 0, "messages per hour to check against the duty cycle")
	return cmd
}
