package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/abhinavsb3/Reproduce-Gpt2/IO"
	"github.com/spf13/cobra"
)

func newPlotCmd() *cobra.Command {
	var (
		logPath string
		tag     string
		width   int
	)
	cmd := &cobra.Command{
		Use:   "plot",
		Short: "Draw one series of a run log (train, val or hella) in the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := IO.ReadLog(logPath)
			if err != nil {
				return err
			}
			var steps []int
			var values []float64
			for _, e := range entries {
				if e.Tag == tag {
					steps = append(steps, e.Step)
					values = append(values, e.Value)
				}
			}
			if len(values) == 0 {
				return fmt.Errorf("no %q entries in %s", tag, logPath)
			}
			steps, values = downsample(steps, values, width)
			asciiPlot(os.Stdout, steps, values)
			return nil
		},
	}
	cmd.Flags().StringVar(&logPath, "log", "log/log.txt", "run log")
	cmd.Flags().StringVar(&tag, "tag", "val", "series to draw")
	cmd.Flags().IntVar(&width, "width", 80, "max columns")
	return cmd
}

// downsample keeps at most width points, averaging each bucket.
func downsample(steps []int, values []float64, width int) ([]int, []float64) {
	if width <= 0 || len(values) <= width {
		return steps, values
	}
	outS := make([]int, width)
	outV := make([]float64, width)
	for b := 0; b < width; b++ {
		lo, hi := b*len(values)/width, (b+1)*len(values)/width
		sum := 0.0
		for _, v := range values[lo:hi] {
			sum += v
		}
		outS[b] = steps[lo]
		outV[b] = sum / float64(hi-lo)
	}
	return outS, outV
}

// asciiPlot draws a vertical bar chart scaled between the series min and max.
func asciiPlot(w io.Writer, steps []int, values []float64) {
	const height = 10
	lo, hi := values[0], values[0]
	for _, v := range values {
		lo, hi = min(lo, v), max(hi, v)
	}
	span := hi - lo
	if span == 0 {
		span = 1
	}
	fmt.Fprintf(w, "%.4f\n", hi)
	for row := height; row >= 1; row-- {
		threshold := float64(row) / float64(height)
		var sb strings.Builder
		for _, v := range values {
			if (v-lo)/span >= threshold-1e-12 {
				sb.WriteString("█")
			} else {
				sb.WriteByte(' ')
			}
		}
		fmt.Fprintln(w, sb.String())
	}
	fmt.Fprintln(w, strings.Repeat("─", len(values)))
	fmt.Fprintf(w, "%.4f  steps %s..%s\n", lo, strconv.Itoa(steps[0]), strconv.Itoa(steps[len(steps)-1]))
}
