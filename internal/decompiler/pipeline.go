package decompiler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/binlens/binlens/internal/config"
	"github.com/binlens/binlens/internal/job"
)

// depthCommand maps an analysis depth to its disassembler command.
var depthCommand = map[job.Depth]string{
	job.DepthBasic:         "aa",
	job.DepthStandard:      "aaa",
	job.DepthComprehensive: "aaaa",
}

// downgrade returns the next-lower depth, or "" if basic is already the
// floor.
func downgrade(d job.Depth) job.Depth {
	switch d {
	case job.DepthComprehensive:
		return job.DepthStandard
	case job.DepthStandard:
		return job.DepthBasic
	default:
		return ""
	}
}

// Analyze runs the full per-job decompile algorithm of section 4.3: open a
// session, probe, run the depth-appropriate analysis command (downgrading
// at most once on timeout), extract functions/imports/strings, cross-check
// the format/hash, and close deterministically on every exit path.
func Analyze(ctx context.Context, cfg config.Decompiler, filePath string, depth job.Depth, maxFunctions int) (*job.DecompilationArtifact, []string, error) {
	start := time.Now()
	var warnings []string

	sess, err := Open(ctx, cfg.BinaryPath, filePath)
	if err != nil {
		return nil, nil, err
	}
	defer sess.Close()

	effectiveDepth := depth
	timeout, ok := cfg.DepthTimeouts[string(depth)]
	if !ok {
		timeout = 2 * time.Minute
	}

	_, err = sess.Run(ctx, depthCommand[effectiveDepth], timeout, false)
	if err != nil {
		if next := downgrade(effectiveDepth); next != "" {
			warnings = append(warnings, fmt.Sprintf("depth_downgraded:%s->%s", effectiveDepth, next))
			effectiveDepth = next
			nextTimeout, ok := cfg.DepthTimeouts[string(effectiveDepth)]
			if !ok {
				nextTimeout = timeout
			}
			if _, err = sess.Run(ctx, depthCommand[effectiveDepth], nextTimeout, false); err != nil {
				return nil, warnings, fmt.Errorf("decompiler: analysis failed at downgraded depth %s: %w", effectiveDepth, err)
			}
		} else {
			return nil, warnings, fmt.Errorf("decompiler: analysis failed: %w", err)
		}
	}

	functions, err := extractFunctions(ctx, sess, maxFunctions)
	if err != nil {
		return nil, warnings, fmt.Errorf("decompiler: extract functions: %w", err)
	}
	imports, err := extractImports(ctx, sess)
	if err != nil {
		return nil, warnings, fmt.Errorf("decompiler: extract imports: %w", err)
	}
	strings_, err := extractStrings(ctx, sess)
	if err != nil {
		return nil, warnings, fmt.Errorf("decompiler: extract strings: %w", err)
	}

	sha, err := SHA256File(filePath)
	if err != nil {
		return nil, warnings, fmt.Errorf("decompiler: hash file: %w", err)
	}
	format, platform := SniffFormat(filePath)

	artifact := &job.DecompilationArtifact{
		SHA256:          sha,
		Format:          job.Format(format),
		Platform:        job.Platform(platform),
		Functions:       functions,
		Imports:         imports,
		Strings:         strings_,
		DurationSeconds: time.Since(start).Seconds(),
		Success:         true,
		Warnings:        warnings,
	}
	return artifact, warnings, nil
}

const maxCommandRetries = 3

func runJSON(ctx context.Context, sess *Session, cmd string, timeout time.Duration, out interface{}) error {
	var lastErr error
	backoff := 100 * time.Millisecond
	for attempt := 0; attempt < maxCommandRetries; attempt++ {
		raw, err := sess.Run(ctx, cmd, timeout, true)
		if err == nil {
			if jerr := json.Unmarshal(raw, out); jerr == nil {
				return nil
			} else {
				lastErr = jerr
			}
		} else {
			lastErr = err
		}
		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("decompiler: command %q failed after %d attempts: %w", cmd, maxCommandRetries, lastErr)
}

func extractFunctions(ctx context.Context, sess *Session, maxFunctions int) ([]job.Function, error) {
	var raw []struct {
		Name    string   `json:"name"`
		Offset  string   `json:"offset"`
		Size    int      `json:"size"`
		Callees []string `json:"callrefs"`
		Callers []string `json:"callers"`
	}
	if err := runJSON(ctx, sess, "aflj", 30*time.Second, &raw); err != nil {
		return nil, err
	}
	if maxFunctions > 0 && len(raw) > maxFunctions {
		raw = raw[:maxFunctions]
	}
	out := make([]job.Function, 0, len(raw))
	for _, f := range raw {
		size := f.Size
		if size < 1 {
			size = 1
		}
		out = append(out, job.Function{
			Name:    f.Name,
			Address: f.Offset,
			Size:    size,
			Callees: f.Callees,
			Callers: f.Callers,
		})
	}
	return out, nil
}

func extractImports(ctx context.Context, sess *Session) ([]job.Import, error) {
	var raw []struct {
		Library string `json:"libname"`
		Name    string `json:"name"`
		Ordinal *int   `json:"ordinal"`
		Plt     string `json:"plt"`
	}
	if err := runJSON(ctx, sess, "iij", 30*time.Second, &raw); err != nil {
		return nil, err
	}
	out := make([]job.Import, 0, len(raw))
	for _, i := range raw {
		out = append(out, job.Import{
			Library:      i.Library,
			FunctionName: i.Name,
			Ordinal:      i.Ordinal,
			IATAddress:   i.Plt,
		})
	}
	return out, nil
}

func extractStrings(ctx context.Context, sess *Session) ([]job.String, error) {
	var raw []struct {
		String  string `json:"string"`
		Vaddr   string `json:"vaddr"`
		Size    int    `json:"size"`
		Type    string `json:"type"`
		Section string `json:"section"`
	}
	if err := runJSON(ctx, sess, "izzj", 30*time.Second, &raw); err != nil {
		return nil, err
	}
	out := make([]job.String, 0, len(raw))
	for _, s := range raw {
		encoding := job.EncodingASCII
		switch s.Type {
		case "utf16":
			encoding = job.EncodingUTF16
		case "utf32":
			encoding = job.EncodingUTF32
		}
		out = append(out, job.String{
			Value:    s.String,
			Address:  s.Vaddr,
			Size:     s.Size,
			Encoding: encoding,
			Section:  s.Section,
		})
	}
	return out, nil
}
