// Package render provides centralized output rendering for the inkwell CLI.
//
// Format selection rules:
//   - If output is a TTY, default to text
//   - If output is not a TTY, default to json
//   - --format flag always overrides defaults
//   - Invalid formats are errors
package render

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/inkwell/job"
	"github.com/pithecene-io/inkwell/metrics"
	"github.com/pithecene-io/inkwell/types"
)

// Format represents an output format.
type Format string

// Supported formats.
const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// ParseFormat parses a format string, returning an error for invalid formats.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "json":
		return FormatJSON, nil
	case "text":
		return FormatText, nil
	case "":
		return "", nil // Let caller decide default
	default:
		return "", fmt.Errorf("invalid format: %q (must be json or text)", s)
	}
}

// Renderer handles output formatting.
type Renderer struct {
	format Format
	out    io.Writer
}

// NewRenderer creates a renderer from CLI context, applying the TTY
// default when no format flag is set.
func NewRenderer(c *cli.Context) (*Renderer, error) {
	format, err := ParseFormat(c.String("format"))
	if err != nil {
		return nil, err
	}

	if format == "" {
		if isTTY(os.Stdout) {
			format = FormatText
		} else {
			format = FormatJSON
		}
	}

	return &Renderer{format: format, out: os.Stdout}, nil
}

// NewRendererWithWriter creates a renderer with a custom writer (for testing).
func NewRendererWithWriter(format Format, out io.Writer) *Renderer {
	return &Renderer{format: format, out: out}
}

// Format returns the renderer's selected format.
func (r *Renderer) Format() Format { return r.format }

// Progress writes a one-line progress update. JSON mode stays silent so
// piped output carries only the final result document.
func (r *Renderer) Progress(st types.JobState) {
	if r.format != FormatText {
		return
	}
	line := job.ProgressMessage(st)
	if eta := job.ETAString(st); eta != "" {
		line += ", " + eta
	}
	fmt.Fprintln(r.out, line)
}

// Connection writes a one-line connection status update in text mode.
func (r *Renderer) Connection(cs types.ConnectionStatus) {
	if r.format != FormatText {
		return
	}
	switch cs.State {
	case types.ConnRetrying:
		fmt.Fprintf(r.out, "connection lost, retrying in %s (attempt %d/%d)\n",
			cs.NextRetryIn.Round(time.Millisecond), cs.RetryCount, cs.MaxRetries)
	case types.ConnCircuitOpen:
		fmt.Fprintf(r.out, "too many failures, pausing reconnects for %s\n", cs.NextRetryIn)
	}
}

// result is the JSON document printed for a finished job.
type result struct {
	JobID        string            `json:"job_id"`
	Status       types.JobStatus   `json:"status"`
	FinalContent string            `json:"final_content,omitempty"`
	WordCount    int               `json:"word_count"`
	TokenCount   int               `json:"token_count"`
	ModelUsed    string            `json:"model_used,omitempty"`
	Error        *types.JobError   `json:"error,omitempty"`
	Metrics      *metrics.Snapshot `json:"metrics,omitempty"`
}

// Result writes the final outcome of a job in the configured format.
func (r *Renderer) Result(st types.JobState, snap metrics.Snapshot) error {
	switch r.format {
	case FormatJSON:
		doc := result{
			JobID:        st.JobID,
			Status:       st.Status,
			FinalContent: st.FinalContent,
			WordCount:    st.WordCount,
			TokenCount:   st.TokenCount,
			ModelUsed:    st.ModelUsed,
			Error:        st.Err,
			Metrics:      &snap,
		}
		enc := json.NewEncoder(r.out)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)

	case FormatText:
		fmt.Fprintln(r.out, job.ProgressMessage(st))
		if st.Status == types.JobCompleted && st.FinalContent != "" {
			fmt.Fprintln(r.out)
			fmt.Fprintln(r.out, st.FinalContent)
		}
		if st.Err != nil && st.Err.Retryable {
			fmt.Fprintln(r.out, "the server reported this failure as retryable; run again to retry")
		}
		return nil

	default:
		return fmt.Errorf("unknown format: %s", r.format)
	}
}

// isTTY returns true if the writer is a TTY.
func isTTY(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
