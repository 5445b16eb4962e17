package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

const commandTimeout = 120 * time.Second

// RegisterBuiltins installs the coding tool set on the registry. Every
// executor resolves paths under the workspace root and records mutations on
// the tracker.
func RegisterBuiltins(r *Registry) {
	r.MustRegister("read_file", execReadFile)
	r.MustRegister("write_file", execWriteFile)
	r.MustRegister("edit_file", execEditFile)
	r.MustRegister("delete_file", execDeleteFile)
	r.MustRegister("list_dir", execListDir)
	r.MustRegister("run_command", execRunCommand)
	r.MustRegister("grep", execGrep)
	r.MustRegister("glob", execGlob)
	r.MustRegister("task_list", execTaskList)
	r.MustRegister("update_task", execUpdateTask)
}

type pathArgs struct {
	Path string `json:"path"`
}

// resolvePath joins a tool-supplied path onto the workspace root and rejects
// anything that escapes it.
func resolvePath(ec *ExecContext, p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("path is required")
	}
	root, err := filepath.Abs(ec.WorkspaceRoot)
	if err != nil {
		return "", fmt.Errorf("failed to resolve workspace root: %w", err)
	}
	full := filepath.Join(root, filepath.Clean("/"+p))
	if full != root && !strings.HasPrefix(full, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes workspace: %s", p)
	}
	return full, nil
}

func execReadFile(ctx context.Context, args json.RawMessage, ec *ExecContext) (interface{}, error) {
	var a pathArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	full, err := resolvePath(ec, a.Path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", a.Path, err)
	}
	return map[string]interface{}{
		"success": true,
		"path":    a.Path,
		"content": string(data),
	}, nil
}

func execWriteFile(ctx context.Context, args json.RawMessage, ec *ExecContext) (interface{}, error) {
	var a struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	full, err := resolvePath(ec, a.Path)
	if err != nil {
		return nil, err
	}
	op := "create"
	if _, statErr := os.Stat(full); statErr == nil {
		op = "modify"
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory for %s: %w", a.Path, err)
	}
	if err := os.WriteFile(full, []byte(a.Content), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", a.Path, err)
	}
	ec.Tracker.Record(a.Path, op)
	return map[string]interface{}{
		"success":       true,
		"path":          a.Path,
		"operation":     op,
		"bytes_written": len(a.Content),
	}, nil
}

func execEditFile(ctx context.Context, args json.RawMessage, ec *ExecContext) (interface{}, error) {
	var a struct {
		Path      string `json:"path"`
		OldString string `json:"old_string"`
		NewString string `json:"new_string"`
	}
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	full, err := resolvePath(ec, a.Path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", a.Path, err)
	}
	content := string(data)
	if a.OldString == "" {
		return nil, fmt.Errorf("old_string is required")
	}
	if !strings.Contains(content, a.OldString) {
		return nil, fmt.Errorf("old_string not found in %s", a.Path)
	}
	content = strings.Replace(content, a.OldString, a.NewString, 1)
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", a.Path, err)
	}
	ec.Tracker.Record(a.Path, "modify")
	return map[string]interface{}{
		"success":   true,
		"path":      a.Path,
		"operation": "modify",
	}, nil
}

func execDeleteFile(ctx context.Context, args json.RawMessage, ec *ExecContext) (interface{}, error) {
	var a pathArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	full, err := resolvePath(ec, a.Path)
	if err != nil {
		return nil, err
	}
	if err := os.Remove(full); err != nil {
		return nil, fmt.Errorf("failed to delete %s: %w", a.Path, err)
	}
	ec.Tracker.Record(a.Path, "delete")
	return map[string]interface{}{
		"success":   true,
		"path":      a.Path,
		"operation": "delete",
	}, nil
}

func execListDir(ctx context.Context, args json.RawMessage, ec *ExecContext) (interface{}, error) {
	var a pathArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if a.Path == "" {
		a.Path = "."
	}
	full, err := resolvePath(ec, a.Path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", a.Path, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	return map[string]interface{}{
		"success": true,
		"path":    a.Path,
		"content": strings.Join(names, "\n"),
	}, nil
}

func execRunCommand(ctx context.Context, args json.RawMessage, ec *ExecContext) (interface{}, error) {
	var a struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if a.Command == "" {
		return nil, fmt.Errorf("command is required")
	}

	cmdCtx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "sh", "-c", a.Command)
	cmd.Dir = ec.WorkspaceRoot

	start := time.Now()
	out, err := cmd.CombinedOutput()
	elapsed := time.Since(start)

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("failed to run command: %w", err)
		}
	}

	return map[string]interface{}{
		"command":     a.Command,
		"output":      string(out),
		"exit_code":   exitCode,
		"duration_ms": elapsed.Milliseconds(),
	}, nil
}

const maxSearchMatches = 200

func execGrep(ctx context.Context, args json.RawMessage, ec *ExecContext) (interface{}, error) {
	var a struct {
		Pattern string `json:"pattern"`
		Path    string `json:"path"`
	}
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if a.Pattern == "" {
		return nil, fmt.Errorf("pattern is required")
	}
	re, err := regexp.Compile(a.Pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern: %w", err)
	}
	if a.Path == "" {
		a.Path = "."
	}
	base, err := resolvePath(ec, a.Path)
	if err != nil {
		return nil, err
	}

	matches := []interface{}{}
	total := 0
	walkErr := filepath.WalkDir(base, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return nil
		}
		rel, _ := filepath.Rel(base, path)
		for i, line := range strings.Split(string(data), "\n") {
			if re.MatchString(line) {
				total++
				if len(matches) < maxSearchMatches {
					matches = append(matches, fmt.Sprintf("%s:%d: %s", rel, i+1, line))
				}
			}
		}
		return nil
	})
	if walkErr != nil && walkErr != context.Canceled {
		return nil, fmt.Errorf("search failed: %w", walkErr)
	}

	return map[string]interface{}{
		"query":   a.Pattern,
		"matches": matches,
		"total":   total,
	}, nil
}

func execGlob(ctx context.Context, args json.RawMessage, ec *ExecContext) (interface{}, error) {
	var a struct {
		Pattern string `json:"pattern"`
	}
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if a.Pattern == "" {
		return nil, fmt.Errorf("pattern is required")
	}
	root, err := filepath.Abs(ec.WorkspaceRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace root: %w", err)
	}

	matches := []interface{}{}
	total := 0
	walkErr := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		ok, matchErr := filepath.Match(a.Pattern, filepath.Base(rel))
		if matchErr != nil {
			return matchErr
		}
		if !ok {
			ok, _ = filepath.Match(a.Pattern, rel)
		}
		if ok {
			total++
			if len(matches) < maxSearchMatches {
				matches = append(matches, rel)
			}
		}
		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("glob failed: %w", walkErr)
	}

	return map[string]interface{}{
		"query":   a.Pattern,
		"matches": matches,
		"total":   total,
	}, nil
}

func taskListPayload(tasks []Task) []interface{} {
	out := make([]interface{}, len(tasks))
	for i, t := range tasks {
		out[i] = map[string]interface{}{
			"id":     t.ID,
			"title":  t.Title,
			"status": t.Status,
		}
	}
	return out
}

func execTaskList(ctx context.Context, args json.RawMessage, ec *ExecContext) (interface{}, error) {
	return map[string]interface{}{
		"tasks": taskListPayload(ec.Tasks.List()),
	}, nil
}

func execUpdateTask(ctx context.Context, args json.RawMessage, ec *ExecContext) (interface{}, error) {
	var a struct {
		ID     string `json:"id"`
		Title  string `json:"title"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if a.ID == "" {
		return nil, fmt.Errorf("task id is required")
	}
	updated, _ := ec.Tasks.Upsert(a.ID, a.Title, a.Status)
	return map[string]interface{}{
		"tasks": taskListPayload(ec.Tasks.List()),
		"updated": []interface{}{map[string]interface{}{
			"id":     updated.ID,
			"title":  updated.Title,
			"status": updated.Status,
		}},
	}, nil
}
