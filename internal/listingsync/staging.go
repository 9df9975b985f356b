package listingsync

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const stagedSchemaJSON = `{"type": "object", "minProperties": 1}`

type StagingOptions struct {
	Store Store
	// Command is the mapper argv. It reads NDJSON {id, source, payload} on
	// stdin and writes NDJSON {id, result} or {id, error} on stdout.
	Command        []string
	Timeout        time.Duration
	MaxOutputBytes int
	Logger         *slog.Logger
	Now            func() time.Time
}

type Stager struct {
	store     Store
	command   []string
	timeout   time.Duration
	maxOutput int
	schema    *jsonschema.Schema
	logger    *slog.Logger
	now       func() time.Time
}

type MapRunReport struct {
	Selected int    `json:"selected"`
	Mapped   int    `json:"mapped"`
	Failed   int    `json:"failed"`
	ExitCode int    `json:"exitCode"`
	TimedOut bool   `json:"timedOut,omitempty"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
	Error    string `json:"error,omitempty"`
}

func NewStager(opts StagingOptions) (*Stager, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(stagedSchemaJSON))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("staged.schema.json", doc); err != nil {
		return nil, err
	}
	schema, err := c.Compile("staged.schema.json")
	if err != nil {
		return nil, err
	}
	s := &Stager{
		store:     opts.Store,
		command:   opts.Command,
		timeout:   opts.Timeout,
		maxOutput: opts.MaxOutputBytes,
		schema:    schema,
		logger:    opts.Logger,
		now:       opts.Now,
	}
	if s.timeout <= 0 {
		s.timeout = 30 * time.Second
	}
	if s.maxOutput <= 0 {
		s.maxOutput = 64 << 10
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// Stage stores raw external payloads. Every payload must be a non-empty
// JSON object; nothing is stored if any one is rejected.
func (s *Stager) Stage(ctx context.Context, source string, payloads []json.RawMessage) ([]StagedPayload, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		source = "marketplace"
	}
	if len(payloads) == 0 {
		return nil, fmt.Errorf("%w: no payloads", ErrInvalidInput)
	}
	for i, raw := range payloads {
		inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("%w: payload %d: %v", ErrInvalidInput, i, err)
		}
		if err := s.schema.Validate(inst); err != nil {
			return nil, fmt.Errorf("%w: payload %d must be a JSON object", ErrInvalidInput, i)
		}
	}
	now := s.now().UTC()
	out := make([]StagedPayload, 0, len(payloads))
	for _, raw := range payloads {
		var head struct {
			ID any `json:"id"`
		}
		_ = json.Unmarshal(raw, &head)
		staged, err := s.store.CreateStagedPayload(ctx, StagedPayload{
			Source:     source,
			ExternalID: externalIDString(head.ID),
			Payload:    append(json.RawMessage(nil), raw...),
			Status:     StagedPending,
			CreatedAt:  now,
		})
		if err != nil {
			return out, err
		}
		out = append(out, staged)
	}
	return out, nil
}

func (s *Stager) List(ctx context.Context, status StagedStatus, limit int) ([]StagedPayload, error) {
	return s.store.ListStagedPayloads(ctx, status, limit)
}

type mapperInput struct {
	ID      int64           `json:"id"`
	Source  string          `json:"source"`
	Payload json.RawMessage `json:"payload"`
}

type mapperOutput struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
}

// RunMap feeds up to limit staged rows to the mapper subprocess and records
// each row's result.
func (s *Stager) RunMap(ctx context.Context, limit int) (MapRunReport, error) {
	if len(s.command) == 0 || strings.TrimSpace(s.command[0]) == "" {
		return MapRunReport{}, fmt.Errorf("%w: mapper command is not configured", ErrFeatureDisabled)
	}
	rows, err := s.store.ListStagedPayloads(ctx, StagedPending, limit)
	if err != nil {
		return MapRunReport{}, err
	}
	report := MapRunReport{Selected: len(rows)}
	if len(rows) == 0 {
		return report, nil
	}

	var stdin bytes.Buffer
	enc := json.NewEncoder(&stdin)
	for _, row := range rows {
		if err := enc.Encode(mapperInput{ID: row.ID, Source: row.Source, Payload: row.Payload}); err != nil {
			return report, err
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	cmd := exec.CommandContext(runCtx, s.command[0], s.command[1:]...)
	cmd.WaitDelay = time.Second
	stdout := &cappedBuffer{limit: s.maxOutput}
	stderr := &cappedBuffer{limit: s.maxOutput}
	cmd.Stdin = &stdin
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	runErr := cmd.Run()

	report.Stdout = stdout.String()
	report.Stderr = stderr.String()
	if cmd.ProcessState != nil {
		report.ExitCode = cmd.ProcessState.ExitCode()
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		report.TimedOut = true
	}

	results := map[int64]mapperOutput{}
	if runErr == nil {
		scanner := bufio.NewScanner(bytes.NewReader(stdout.Bytes()))
		scanner.Buffer(make([]byte, 0, 64<<10), s.maxOutput+1)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var out mapperOutput
			if err := json.Unmarshal(line, &out); err != nil || out.ID == 0 {
				continue
			}
			results[out.ID] = out
		}
	} else {
		report.Error = runErr.Error()
		s.logger.Warn("mapper run failed", "error", runErr, "timed_out", report.TimedOut, "exit_code", report.ExitCode)
	}

	mappedAt := s.now().UTC()
	for _, row := range rows {
		out, ok := results[row.ID]
		switch {
		case runErr != nil:
			row.Status = StagedFailed
			row.Error = "mapper failed: " + runErr.Error()
		case !ok:
			row.Status = StagedFailed
			row.Error = "no mapper output for row"
		case out.Error != "":
			row.Status = StagedFailed
			row.Error = truncate(out.Error, 1024)
		case len(out.Result) == 0 || !json.Valid(out.Result):
			row.Status = StagedFailed
			row.Error = "mapper returned no result"
		default:
			row.Status = StagedMapped
			row.Result = out.Result
			row.Error = ""
		}
		row.MappedAt = &mappedAt
		if err := s.store.UpdateStagedPayload(ctx, row); err != nil {
			return report, err
		}
		if row.Status == StagedMapped {
			report.Mapped++
		} else {
			report.Failed++
		}
	}
	s.logger.Info("mapper run finished", "selected", report.Selected, "mapped", report.Mapped, "failed", report.Failed)
	return report, nil
}

func externalIDString(v any) string {
	switch id := v.(type) {
	case string:
		return id
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	default:
		return ""
	}
}

// cappedBuffer keeps the first limit bytes written and discards the rest.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	room := c.limit - c.buf.Len()
	if room <= 0 {
		c.truncated = c.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > room {
		c.buf.Write(p[:room])
		c.truncated = true
		return len(p), nil
	}
	c.buf.Write(p)
	return len(p), nil
}

func (c *cappedBuffer) Bytes() []byte {
	return c.buf.Bytes()
}

func (c *cappedBuffer) String() string {
	if c.truncated {
		return c.buf.String() + "...(truncated)"
	}
	return c.buf.String()
}
