// Package launchd emits (and removes) a per-project launchd scheduler
// unit for hosts with no external cron/systemd equivalent: a plist that
// runs the given program (with the given arguments) on a fixed interval.
package launchd

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"text/template"
)

var labelRe = regexp.MustCompile(`[^A-Za-z0-9.-]+`)
var dashRunRe = regexp.MustCompile(`[.-]{2,}`)

// Label builds the plist's bundle-style identifier from a project name,
// collapsing anything outside [A-Za-z0-9.-] to a single dash.
func Label(projectName string) string {
	cleaned := labelRe.ReplaceAllString(projectName, "-")
	cleaned = dashRunRe.ReplaceAllString(cleaned, "-")
	cleaned = strings.Trim(cleaned, ".-")
	if cleaned == "" {
		cleaned = "project"
	}
	return "com.sessionpipe.daemon." + cleaned
}

// Plist is what Render needs to produce a complete scheduler unit.
type Plist struct {
	Label          string
	ProgramPath    string
	ProgramArgs    []string
	WorkingDir     string
	IntervalSec    int
	StdoutLog      string
	StderrLog      string
	EnvironmentVar map[string]string
}

var plistTemplate = template.Must(template.New("plist").Parse(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
  <dict>
    <key>Label</key>
    <string>{{.Label}}</string>
    <key>ProgramArguments</key>
    <array>
      <string>{{.ProgramPath}}</string>
{{- range .ProgramArgs}}
      <string>{{.}}</string>
{{- end}}
    </array>
    <key>WorkingDirectory</key>
    <string>{{.WorkingDir}}</string>
    <key>StartInterval</key>
    <integer>{{.IntervalSec}}</integer>
    <key>RunAtLoad</key>
    <true/>
    <key>StandardOutPath</key>
    <string>{{.StdoutLog}}</string>
    <key>StandardErrorPath</key>
    <string>{{.StderrLog}}</string>
    <key>EnvironmentVariables</key>
    <dict>
{{- range $k, $v := .EnvironmentVar}}
      <key>{{$k}}</key>
      <string>{{$v}}</string>
{{- end}}
    </dict>
  </dict>
</plist>
`))

// Render executes the plist template. text/template substitutes every
// field as-is: values are not XML-escaped, so a field containing '<' or
// '&' yields an invalid plist.
func Render(p Plist) (string, error) {
	var b bytes.Buffer
	if err := plistTemplate.Execute(&b, p); err != nil {
		return "", fmt.Errorf("launchd: render: %w", err)
	}
	return b.String(), nil
}

// Emit renders and writes the plist for projectRoot to
// <launchdDir>/<label>.plist, returning the label and the path written.
func Emit(launchdDir, projectRoot string, intervalSec int, programPath string, programArgs []string, env map[string]string) (label, path string, err error) {
	if err := os.MkdirAll(launchdDir, 0o755); err != nil {
		return "", "", fmt.Errorf("launchd: mkdir: %w", err)
	}
	label = Label(filepath.Base(projectRoot))
	p := Plist{
		Label:          label,
		ProgramPath:    programPath,
		ProgramArgs:    programArgs,
		WorkingDir:     projectRoot,
		IntervalSec:    intervalSec,
		StdoutLog:      filepath.Join(launchdDir, "..", "logs", "launchd."+label+".out.log"),
		StderrLog:      filepath.Join(launchdDir, "..", "logs", "launchd."+label+".err.log"),
		EnvironmentVar: env,
	}
	rendered, err := Render(p)
	if err != nil {
		return "", "", err
	}
	path = filepath.Join(launchdDir, label+".plist")
	if err := os.WriteFile(path, []byte(rendered), 0o644); err != nil {
		return "", "", fmt.Errorf("launchd: write: %w", err)
	}
	return label, path, nil
}

// Uninstall unloads the unit via launchctl (best-effort; a missing
// launchctl binary or an already-unloaded unit is not an error) and
// removes the plist file.
func Uninstall(launchdDir, label string) error {
	path := filepath.Join(launchdDir, label+".plist")
	_ = exec.Command("launchctl", "unload", path).Run()
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("launchd: remove: %w", err)
	}
	return nil
}
