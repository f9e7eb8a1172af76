package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/huntsman-telescope/drp/internal/domain/calib"
	"github.com/huntsman-telescope/drp/internal/metrics"
)

// ErrNoCommand is returned when the pipeline command is not configured.
var ErrNoCommand = errors.New("pipeline command not configured")

// Template placeholders.
const (
	PlaceholderWorkspace   = "{workspace}"
	PlaceholderDatasetType = "{datasetType}"
	PlaceholderCalibDate   = "{calibDate}"
	PlaceholderOutput      = "{output}"
	PlaceholderValidity    = "{validity}"
	PlaceholderFilename    = "{filename}"
	PlaceholderRefcat      = "{refcat}"
	// PlaceholderInputs expands to one argument per input file and must
	// stand alone.
	PlaceholderInputs = "{inputs}"
)

// Command runs the pipeline as external processes built from argv templates.
// The build command must write the master calib to {output}; the process
// command must write a JSON object of metrics to {output}.
type Command struct {
	Build   []string
	Process []string
	Env     []string
	Logger  *zap.Logger
}

// BuildCalib runs the build command for req.
func (c Command) BuildCalib(ctx context.Context, ws Workspace, req CalibRequest) (string, error) {
	out := filepath.Join(ws.Dir(), OutputDir, req.ID.Basename(".fits"))
	vars := map[string]string{
		PlaceholderWorkspace:   ws.Dir(),
		PlaceholderDatasetType: req.DatasetType,
		PlaceholderCalibDate:   req.ID.CalibDate,
		PlaceholderOutput:      out,
		PlaceholderValidity:    strconv.FormatFloat(req.Validity.Hours()/24, 'f', -1, 64),
	}
	inputs := make([]string, len(req.RawFiles))
	for i, f := range req.RawFiles {
		inputs[i] = ws.RawPath(f)
	}

	if err := c.run(ctx, "build_"+req.DatasetType, c.Build, vars, inputs); err != nil {
		return "", fmt.Errorf("build %s: %w", req.ID, err)
	}
	if _, err := os.Stat(out); err != nil {
		return "", fmt.Errorf("build %s: no output: %w", req.ID, err)
	}
	return out, nil
}

// ProcessExposure runs the process command for req and decodes its metrics.
func (c Command) ProcessExposure(ctx context.Context, ws Workspace, req ExposureRequest) (map[string]any, error) {
	out := filepath.Join(ws.Dir(), OutputDir, strings.TrimSuffix(filepath.Base(req.Filename), calib.Ext(req.Filename))+".json")
	vars := map[string]string{
		PlaceholderWorkspace: ws.Dir(),
		PlaceholderFilename:  ws.RawPath(req.Filename),
		PlaceholderOutput:    out,
		PlaceholderRefcat:    req.RefcatPath,
	}
	var calibs []string
	for _, t := range calib.Order {
		if f, ok := req.Calibs[t]; ok {
			calibs = append(calibs, ws.CalibPath(t, f))
		}
	}

	if err := c.run(ctx, "process", c.Process, vars, calibs); err != nil {
		return nil, fmt.Errorf("process %s: %w", req.Filename, err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		return nil, fmt.Errorf("process %s: no output: %w", req.Filename, err)
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("process %s: decode output: %w", req.Filename, err)
	}
	return result, nil
}

func (c Command) run(ctx context.Context, name string, tmpl []string, vars map[string]string, inputs []string) error {
	if len(tmpl) == 0 {
		return ErrNoCommand
	}
	argv := Expand(tmpl, vars, inputs)

	logger := c.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Debug("Running pipeline command", zap.String("command", name), zap.Strings("argv", argv))

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = vars[PlaceholderWorkspace]
	cmd.Env = append(os.Environ(), c.Env...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	status := "success"
	if err != nil {
		status = "failed"
	}
	metrics.PipelineCommandDuration.WithLabelValues(name, status).Observe(time.Since(start).Seconds())

	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		logger.Warn("Pipeline command failed",
			zap.String("command", name),
			zap.Error(err),
			zap.String("stderr", msg),
		)
		if msg != "" {
			return fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// Expand substitutes vars in every template argument. A standalone {inputs}
// argument is replaced by the inputs.
func Expand(tmpl []string, vars map[string]string, inputs []string) []string {
	pairs := make([]string, 0, 2*len(vars))
	for k, v := range vars {
		pairs = append(pairs, k, v)
	}
	r := strings.NewReplacer(pairs...)

	argv := make([]string, 0, len(tmpl)+len(inputs))
	for _, a := range tmpl {
		if a == PlaceholderInputs {
			argv = append(argv, inputs...)
			continue
		}
		argv = append(argv, r.Replace(a))
	}
	return argv
}
