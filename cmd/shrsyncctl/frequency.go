package main

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	fhir "github.com/drfirst/go-shrsync/internal/fhir/stu3"
	"github.com/drfirst/go-shrsync/internal/frequency"
)

func frequencyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "frequency",
		Short: "Check dosing frequency labels against exchange timing repeats",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Print every known label with its repeat",
		RunE: func(cmd *cobra.Command, args []string) error {
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "LABEL\tFREQUENCY\tPERIOD\tUNIT")
			for _, name := range frequency.Names() {
				r, _ := frequency.ByName(name)
				fmt.Fprintf(w, "%s\t%d\t%g\t%s\n", name, r.Frequency, r.Period, r.Unit)
			}
			return w.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "timing LABEL",
		Short: "Print the timing repeat sent for a label",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, ok := frequency.ByName(args[0])
			if !ok {
				return fmt.Errorf("unknown frequency %q", args[0])
			}
			return printJSON(r.ToTiming())
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "label FREQUENCY PERIOD UNIT",
		Short: "Find the label of a timing repeat, e.g. 2 1 d",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			label, err := labelFor(args[0], args[1], args[2])
			if err != nil {
				return err
			}
			fmt.Println(label)
			return nil
		},
	})
	return cmd
}

// labelFor parses a timing repeat from its three parts and looks up its label.
func labelFor(freq, period, unit string) (string, error) {
	f, err := strconv.Atoi(freq)
	if err != nil {
		return "", fmt.Errorf("frequency %q: %w", freq, err)
	}
	p, err := strconv.ParseFloat(period, 64)
	if err != nil {
		return "", fmt.Errorf("period %q: %w", period, err)
	}
	r, ok := frequency.FromTiming(&fhir.TimingRepeat{Frequency: &f, Period: &p, PeriodUnit: fhir.UnitOfTime(unit)})
	if !ok {
		return "", fmt.Errorf("incomplete timing repeat")
	}
	label, ok := frequency.ByRepeat(r)
	if !ok {
		return "", fmt.Errorf("no label for %d time(s) every %g %s", f, p, unit)
	}
	return label, nil
}
