package main

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/axiomhq/digest"
)

const (
	sketchQDigest = "qdigest"
	sketchTDigest = "tdigest"
)

type summarizeCommand struct {
	sketch      string
	maxError    float64
	compression float64
	quantiles   []float64
	histogram   []int64
}

func (c *summarizeCommand) Cmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "summarize [file]",
		Short: "summarize numbers read one per line from a file or stdin",
		Args:  cobra.MaximumNArgs(1),
		RunE:  c.RunE,
	}

	cmd.Flags().StringVar(&c.sketch, "sketch",
		sketchTDigest, "sketch to summarize with: qdigest or tdigest")

	cmd.Flags().Float64Var(&c.maxError, "max-error",
		0.01, "maximum rank error of the qdigest sketch")

	cmd.Flags().Float64Var(&c.compression, "compression",
		digest.DefaultCompression, "compression of the tdigest sketch")

	cmd.Flags().Float64SliceVar(&c.quantiles, "quantiles",
		[]float64{0.5, 0.9, 0.99}, "ascending quantiles to report")

	cmd.Flags().Int64SliceVar(&c.histogram, "histogram",
		nil, "ascending histogram bounds (qdigest only)")

	return cmd
}

func (c *summarizeCommand) RunE(cmd *cobra.Command, args []string) error {
	in := cmd.InOrStdin()
	if len(args) == 1 {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("open '%s': %w", args[0], err)
		}
		defer f.Close()

		in = f
	}

	return c.summarize(in, cmd.OutOrStdout())
}

func (c *summarizeCommand) summarize(r io.Reader, w io.Writer) error {
	values, err := readValues(r)
	if err != nil {
		return fmt.Errorf("read values: %w", err)
	}

	switch c.sketch {
	case sketchQDigest:
		return c.summarizeQDigest(values, w)
	case sketchTDigest:
		if len(c.histogram) > 0 {
			return fmt.Errorf("histogram requires the %s sketch", sketchQDigest)
		}
		return c.summarizeTDigest(values, w)
	default:
		return fmt.Errorf("unknown sketch '%s'", c.sketch)
	}
}

func (c *summarizeCommand) summarizeQDigest(values []float64, w io.Writer) error {
	d, err := digest.NewQuantileDigest(c.maxError)
	if err != nil {
		return fmt.Errorf("new quantile digest: %w", err)
	}
	for _, v := range values {
		d.Add(int64(math.Round(v)))
	}

	quantiles, err := d.Quantiles(c.quantiles)
	if err != nil {
		return fmt.Errorf("quantiles: %w", err)
	}
	buckets, err := d.Histogram(c.histogram)
	if err != nil {
		return fmt.Errorf("histogram: %w", err)
	}

	fmt.Fprintf(w, "count %v\n", d.Count())
	if d.Count() > 0 {
		fmt.Fprintf(w, "min %v\n", d.Min())
		fmt.Fprintf(w, "max %v\n", d.Max())
	}
	fmt.Fprintf(w, "max_error %v\n", d.ConfidenceFactor())
	for i, q := range c.quantiles {
		fmt.Fprintf(w, "q%v %v\n", q, quantiles[i])
	}
	for i, b := range buckets {
		fmt.Fprintf(w, "bucket <%d count %v mean %v\n", c.histogram[i], b.Count, b.Mean)
	}

	return nil
}

func (c *summarizeCommand) summarizeTDigest(values []float64, w io.Writer) error {
	d, err := digest.NewTDigest(c.compression)
	if err != nil {
		return fmt.Errorf("new tdigest: %w", err)
	}
	for _, v := range values {
		if err := d.AddWeighted(v, 1); err != nil {
			return fmt.Errorf("add: %w", err)
		}
	}

	quantiles, err := d.ValuesAt(c.quantiles)
	if err != nil {
		return fmt.Errorf("values at: %w", err)
	}

	fmt.Fprintf(w, "count %v\n", d.Count())
	if d.Count() > 0 {
		fmt.Fprintf(w, "min %v\n", d.Min())
		fmt.Fprintf(w, "max %v\n", d.Max())
	}
	fmt.Fprintf(w, "centroids %d\n", len(d.Centroids()))
	for i, q := range c.quantiles {
		fmt.Fprintf(w, "q%v %v\n", q, quantiles[i])
	}

	return nil
}

// readValues parses one number per line, skipping blank lines and lines
// starting with '#'.
func readValues(r io.Reader) ([]float64, error) {
	var values []float64

	scanner := bufio.NewScanner(r)
	for line := 1; scanner.Scan(); line++ {
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		v, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		values = append(values, v)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}

	return values, nil
}
