package training

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/tsawler/go-detect/tensor"
)

// ProgressBar renders a single-line epoch progress bar.
type ProgressBar struct {
	out         io.Writer
	description string
	total       int
	current     int
	startTime   time.Time
	width       int
	metrics     map[string]float64
	now         func() time.Time
}

func NewProgressBar(out io.Writer, description string, total int) *ProgressBar {
	return &ProgressBar{
		out:         out,
		description: description,
		total:       total,
		startTime:   time.Now(),
		width:       40,
		metrics:     make(map[string]float64),
		now:         time.Now,
	}
}

// Update advances the progress bar
func (pb *ProgressBar) Update(step int, metrics map[string]float64) {
	pb.current = step
	for k, v := range metrics {
		pb.metrics[k] = v
	}
	pb.render()
}

// Finish completes the progress bar
func (pb *ProgressBar) Finish() {
	if pb.total > 0 {
		pb.current = pb.total
	}
	pb.render()
	fmt.Fprintln(pb.out)
}

func (pb *ProgressBar) render() {
	fmt.Fprint(pb.out, pb.line())
}

func (pb *ProgressBar) line() string {
	percentage := 1.0
	if pb.total > 0 {
		percentage = float64(pb.current) / float64(pb.total)
	}
	if percentage > 1.0 {
		percentage = 1.0
	}

	filled := int(percentage * float64(pb.width))
	bar := strings.Repeat("█", filled) + strings.Repeat(" ", pb.width-filled)

	elapsed := pb.now().Sub(pb.startTime)
	var eta time.Duration
	var rate float64
	if pb.current > 0 && elapsed > 0 {
		rate = float64(pb.current) / elapsed.Seconds()
		eta = time.Duration(float64(elapsed)/percentage) - elapsed
	}

	line := fmt.Sprintf("\r%s: %3.0f%%|%s| %d/%d [%s<%s",
		pb.description,
		percentage*100,
		bar,
		pb.current,
		pb.total,
		formatDuration(elapsed),
		formatDuration(eta),
	)
	if rate > 0 {
		line += fmt.Sprintf(", %.2fbatch/s", rate)
	}

	keys := make([]string, 0, len(pb.metrics))
	for k := range pb.metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		line += fmt.Sprintf(", %s=%.3f", k, pb.metrics[k])
	}
	return line + "]"
}

// formatDuration formats duration as MM:SS
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// PrintParameterSummary writes one line per parameter followed by the
// total, trainable and frozen element counts.
func PrintParameterSummary(out io.Writer, modelName string, params []*tensor.Parameter, inBackbone func(*tensor.Parameter) bool) {
	fmt.Fprintf(out, "%s(\n", modelName)
	for _, p := range params {
		part := "head"
		if inBackbone != nil && inBackbone(p) {
			part = "backbone"
		}
		fmt.Fprintf(out, "  (%s): %s %v trainable=%t\n", p.Name, part, p.Shape, p.RequiresGrad)
	}
	fmt.Fprintf(out, ")\n")

	total := tensor.CountElements(params, false)
	trainable := tensor.CountElements(params, true)
	fmt.Fprintf(out, "Total parameters: %s\n", humanize.Comma(int64(total)))
	fmt.Fprintf(out, "Trainable parameters: %s\n", humanize.Comma(int64(trainable)))
	fmt.Fprintf(out, "Non-trainable parameters: %s\n", humanize.Comma(int64(total-trainable)))
	fmt.Fprintf(out, "Params size: %s\n", humanize.Bytes(uint64(total*8)))
}
